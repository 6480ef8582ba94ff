// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package health samples local service health on an interval and produces a
// composite verdict. Checks are pluggable named functions with a criticality
// tag: a failing critical check makes the node unhealthy, a failing
// non-critical check only degrades it.
package health

import (
	"context"
	"sync/atomic"
	"time"

	"grimm.is/failsafe/internal/clock"
	"grimm.is/failsafe/internal/logging"
)

// Status is the composite health level of the node.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"

	// StatusUnknown is reported before the first probe cycle completes.
	StatusUnknown Status = "unknown"
)

// Default probe configuration.
const (
	DefaultProbeInterval = 2 * time.Second
	DefaultCheckTimeout  = 2 * time.Second
)

// Check is a single named health signal.
type Check struct {
	// Name identifies the check in verdicts and logs.
	Name string

	// Critical marks the check as failover-relevant.
	Critical bool

	// Timeout bounds a single run. Zero means the prober default.
	Timeout time.Duration

	// Run evaluates the check. A non-nil error (including an inability to
	// determine status) counts as a failure of this check.
	Run func(ctx context.Context) error
}

// Result is the outcome of one check in one probe cycle.
type Result struct {
	Name     string        `json:"name"`
	Critical bool          `json:"critical"`
	Passed   bool          `json:"passed"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Verdict is the composite outcome of one probe cycle. It is immutable once
// published.
type Verdict struct {
	Timestamp time.Time         `json:"timestamp"`
	Overall   Status            `json:"overall"`
	Results   map[string]Result `json:"results"`
}

// Prober runs the configured checks on a fixed interval and publishes the
// freshest verdict.
type Prober struct {
	checks   []Check
	interval time.Duration
	timeout  time.Duration
	logger   *logging.Logger
	metrics  *proberMetrics

	latest atomic.Pointer[Verdict]
}

// NewProber creates a prober over the given checks. Zero interval or timeout
// select the defaults.
func NewProber(checks []Check, interval, timeout time.Duration, logger *logging.Logger) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	if logger == nil {
		logger = logging.WithComponent("health")
	}
	return &Prober{
		checks:   checks,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		metrics:  newProberMetrics(),
	}
}

// Interval returns the probe interval.
func (p *Prober) Interval() time.Duration {
	return p.interval
}

// Latest returns the most recently published verdict without blocking. Before
// the first cycle it reports StatusUnknown with no results.
func (p *Prober) Latest() Verdict {
	if v := p.latest.Load(); v != nil {
		return *v
	}
	return Verdict{Timestamp: clock.Now(), Overall: StatusUnknown}
}

// Run samples on the probe interval until the context is cancelled. An
// initial sample is taken immediately so the state machine never has to act
// on StatusUnknown longer than one cycle.
func (p *Prober) Run(ctx context.Context) {
	p.publish(p.Sample(ctx))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publish(p.Sample(ctx))
		}
	}
}

// Sample evaluates every check once and returns a fresh verdict. Each check
// is bounded by its timeout; a check that times out or errors counts as a
// failure of that check only.
func (p *Prober) Sample(ctx context.Context) Verdict {
	results := make(map[string]Result, len(p.checks))

	for _, chk := range p.checks {
		results[chk.Name] = p.runCheck(ctx, chk)
	}

	v := Verdict{
		Timestamp: clock.Now(),
		Overall:   aggregate(results),
		Results:   results,
	}
	p.metrics.observe(v)
	return v
}

func (p *Prober) publish(v Verdict) {
	prev := p.latest.Swap(&v)
	if prev == nil || prev.Overall != v.Overall {
		p.logger.Info("Health status changed",
			"from", statusOrUnknown(prev),
			"to", v.Overall,
			"failed", failedNames(v))
	}
}

// runCheck runs a single check in its own goroutine so a misbehaving check
// that ignores its context cannot stall the probe cycle.
func (p *Prober) runCheck(ctx context.Context, chk Check) Result {
	timeout := chk.Timeout
	if timeout <= 0 {
		timeout = p.timeout
	}

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := clock.Now()
	done := make(chan error, 1)
	go func() {
		done <- chk.Run(checkCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-checkCtx.Done():
		err = checkCtx.Err()
	}

	res := Result{
		Name:     chk.Name,
		Critical: chk.Critical,
		Passed:   err == nil,
		Duration: clock.Since(start),
	}
	if err != nil {
		res.Message = err.Error()
		p.logger.Debug("Health check failed",
			"check", chk.Name,
			"critical", chk.Critical,
			"error", err)
	}
	return res
}

// aggregate computes the composite status: any critical failure is
// unhealthy, any other failure is degraded, otherwise healthy.
func aggregate(results map[string]Result) Status {
	overall := StatusHealthy
	for _, r := range results {
		if r.Passed {
			continue
		}
		if r.Critical {
			return StatusUnhealthy
		}
		overall = StatusDegraded
	}
	return overall
}

func statusOrUnknown(v *Verdict) Status {
	if v == nil {
		return StatusUnknown
	}
	return v.Overall
}

func failedNames(v Verdict) []string {
	var names []string
	for name, r := range v.Results {
		if !r.Passed {
			names = append(names, name)
		}
	}
	return names
}

// Serving reports whether the status permits holding or claiming the virtual
// address. Degraded nodes keep serving; only unhealthy nodes step down.
func (s Status) Serving() bool {
	return s == StatusHealthy || s == StatusDegraded
}
