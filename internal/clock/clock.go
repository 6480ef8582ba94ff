// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package clock provides a time source indirection so tests can run with a
// deterministic clock.
package clock

import (
	"sync"
	"time"
)

// Clock abstracts time for components that need deterministic tests.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// Now returns the current wall-clock time via the process-wide clock.
func Now() time.Time {
	return std.Now()
}

// Since returns the elapsed time since t via the process-wide clock.
func Since(t time.Time) time.Duration {
	return std.Since(t)
}

var std Clock = RealClock{}

// RealClock is the production clock backed by the time package.
type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

// MockClock is a manually-advanced clock for tests.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockClock returns a MockClock frozen at the given time.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *MockClock) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

// Advance moves the mock clock forward by d.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Set moves the mock clock to an absolute instant.
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}
