// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package replicator keeps the passive node's configuration tree converged
// with the active node's. Pushes originate only on the master; the backup is
// a passive receiver. Replication failures are logged and retried, never
// escalated into health or role decisions.
package replicator

import (
	"context"
	"net"
	"sync"
	"time"

	"grimm.is/failsafe/internal/clock"
	"grimm.is/failsafe/internal/errors"
	"grimm.is/failsafe/internal/logging"
	"grimm.is/failsafe/internal/pair"
)

// DefaultDebounceWindow coalesces bursts of filesystem events into one push.
const DefaultDebounceWindow = time.Second

// DefaultDialTimeout bounds a single connection attempt to the peer.
const DefaultDialTimeout = 5 * time.Second

// RoleSource reads the node's current role. Satisfied by
// (*failover.Machine).Role.
type RoleSource func() pair.Role

// Job is one coalesced unit of replication work.
type Job struct {
	// ChangeSet holds the changed paths; ignored when Full is set.
	ChangeSet map[string]struct{}

	// Full requests a whole-tree resync with deletion of extras.
	Full bool

	// Generation increases with every attempted push.
	Generation uint64
}

// Config configures a Replicator.
type Config struct {
	// Roots are the directories to keep converged. Both nodes configure the
	// same absolute paths.
	Roots []string

	// PeerAddr is the peer's transfer endpoint (host:port).
	PeerAddr string

	// ListenAddr is the local transfer endpoint.
	ListenAddr string

	// Role gates the push side: only the master originates transfers.
	Role RoleSource

	Debounce    time.Duration
	DialTimeout time.Duration
}

// Replicator watches the sync roots, pushes changes while master and applies
// pushes while backup.
type Replicator struct {
	cfg     Config
	logger  *logging.Logger
	metrics *replicatorMetrics
	clk     clock.Clock

	watcher  *watcher
	listener net.Listener

	mu         sync.Mutex
	pending    map[string]struct{}
	fullResync bool
	generation uint64
	lastSync   time.Time
	lastErr    string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReplicator creates a replicator for the given sync roots.
func NewReplicator(cfg Config, logger *logging.Logger) (*Replicator, error) {
	if len(cfg.Roots) == 0 {
		return nil, errors.New(errors.KindValidation, "replicator: at least one sync root is required")
	}
	if cfg.Role == nil {
		return nil, errors.New(errors.KindValidation, "replicator: role source is required")
	}
	if cfg.PeerAddr == "" {
		return nil, errors.New(errors.KindValidation, "replicator: peer address is required")
	}
	if cfg.ListenAddr == "" {
		return nil, errors.New(errors.KindValidation, "replicator: listen address is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounceWindow
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if logger == nil {
		logger = logging.WithComponent("replicator")
	}

	return &Replicator{
		cfg:     cfg,
		logger:  logger,
		metrics: newReplicatorMetrics(),
		clk:     clock.RealClock{},
		pending: make(map[string]struct{}),
	}, nil
}

// Start opens the transfer listener, begins watching the sync roots and
// launches the push loop.
func (r *Replicator) Start() error {
	listener, err := net.Listen("tcp", r.cfg.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable,
			"failed to listen on %s", r.cfg.ListenAddr)
	}
	r.listener = listener

	w, err := newWatcher(r.cfg.Roots, r.TriggerFullResync, r.logger)
	if err != nil {
		listener.Close()
		return err
	}
	r.watcher = w

	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.wg.Add(3)
	go func() {
		defer r.wg.Done()
		r.watcher.run(r.ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.acceptLoop()
	}()
	go func() {
		defer r.wg.Done()
		r.pushLoop()
	}()

	r.logger.Info("Replicator started",
		"listen", r.cfg.ListenAddr,
		"peer", r.cfg.PeerAddr,
		"roots", len(r.cfg.Roots))
	return nil
}

// Stop shuts the replicator down. An in-flight transfer completes.
func (r *Replicator) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.listener != nil {
		r.listener.Close()
	}
	if r.watcher != nil {
		r.watcher.close()
	}
	r.wg.Wait()
	r.logger.Info("Replicator stopped")
}

// TriggerFullResync schedules a whole-tree push for the next cycle. Wired to
// the failover machine's promotion hook: a new master cannot assume the
// backup saw every change it made while passive.
func (r *Replicator) TriggerFullResync() {
	r.mu.Lock()
	r.fullResync = true
	r.mu.Unlock()
	r.metrics.fullResyncs.Inc()
	r.logger.Info("Full resync scheduled")
}

// pushLoop drains the watcher into the pending set and pushes one coalesced
// job per debounce window. At most one transfer is in flight.
func (r *Replicator) pushLoop() {
	ticker := time.NewTicker(r.cfg.Debounce)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return

		case path := <-r.watcher.changed:
			r.mu.Lock()
			r.pending[path] = struct{}{}
			r.mu.Unlock()

		case <-ticker.C:
			r.cycle()
		}
	}
}

// cycle takes a snapshot of the pending work and pushes it. Failure re-queues
// the job for the next window.
func (r *Replicator) cycle() {
	if r.cfg.Role() != pair.RoleMaster {
		return
	}

	job, ok := r.takeJob()
	if !ok {
		return
	}

	if err := r.push(job); err != nil {
		r.logger.Warn("Replication push failed, re-queueing",
			"generation", job.Generation,
			"full", job.Full,
			"changes", len(job.ChangeSet),
			"error", err)
		r.metrics.pushFailures.Inc()
		r.requeue(job)
		return
	}

	r.mu.Lock()
	r.lastSync = r.clk.Now()
	r.lastErr = ""
	r.mu.Unlock()
	r.metrics.pushes.Inc()
	r.metrics.lastGeneration.Set(float64(job.Generation))
}

func (r *Replicator) takeJob() (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.fullResync && len(r.pending) == 0 {
		return Job{}, false
	}

	r.generation++
	job := Job{
		Full:       r.fullResync,
		Generation: r.generation,
		ChangeSet:  r.pending,
	}
	r.pending = make(map[string]struct{})
	r.fullResync = false
	return job, true
}

func (r *Replicator) requeue(job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if job.Full {
		r.fullResync = true
	}
	for path := range job.ChangeSet {
		r.pending[path] = struct{}{}
	}
}

// push performs one transfer exchange with the peer.
func (r *Replicator) push(job Job) error {
	manifest, err := r.manifestFor(job)
	if err != nil {
		return err
	}
	if len(manifest) == 0 && !job.Full {
		return nil // everything pending turned out transient
	}

	conn, err := net.DialTimeout("tcp", r.cfg.PeerAddr, r.cfg.DialTimeout)
	if err != nil {
		r.setErr(err)
		return errors.Wrapf(err, errors.KindUnavailable,
			"failed to reach peer at %s", r.cfg.PeerAddr)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Minute))

	offer := frame{
		Type:       frameOffer,
		Generation: job.Generation,
		Full:       job.Full,
		Manifest:   manifest,
	}
	if err := writeFrame(conn, offer); err != nil {
		r.setErr(err)
		return err
	}

	var want frame
	if err := readFrame(conn, &want); err != nil {
		r.setErr(err)
		return err
	}
	if want.Type == frameAck && want.Error != "" {
		err := errors.Errorf(errors.KindConflict, "peer refused push: %s", want.Error)
		r.setErr(err)
		return err
	}
	if want.Type != frameWant {
		err := errors.Errorf(errors.KindValidation, "expected want frame, got %s", want.Type)
		r.setErr(err)
		return err
	}

	byKey := make(map[string]FileRecord, len(manifest))
	for _, rec := range manifest {
		byKey[rec.key()] = rec
	}

	for _, key := range want.Paths {
		rec, ok := byKey[key]
		if !ok || rec.Deleted {
			continue
		}
		if err := r.sendFile(conn, rec); err != nil {
			r.setErr(err)
			return err
		}
	}

	if err := writeFrame(conn, frame{Type: frameDone, Generation: job.Generation}); err != nil {
		r.setErr(err)
		return err
	}

	var ack frame
	if err := readFrame(conn, &ack); err != nil {
		r.setErr(err)
		return err
	}
	if ack.Error != "" {
		err := errors.Errorf(errors.KindConflict, "peer rejected push: %s", ack.Error)
		r.setErr(err)
		return err
	}
	if ack.Rejected > 0 {
		// Checksum rejections mean our view and the wire diverged mid-push;
		// a full resync reconciles.
		r.logger.Warn("Peer rejected files on checksum, scheduling full resync",
			"rejected", ack.Rejected)
		r.TriggerFullResync()
	}

	r.logger.Debug("Replication push complete",
		"generation", job.Generation,
		"full", job.Full,
		"sent", len(want.Paths),
		"applied", ack.Applied,
		"deleted", ack.Deleted)
	return nil
}

func (r *Replicator) manifestFor(job Job) ([]FileRecord, error) {
	if job.Full {
		return buildManifest(r.cfg.Roots)
	}

	records := make([]FileRecord, 0, len(job.ChangeSet))
	for path := range job.ChangeSet {
		root, rel, ok := rootIndexFor(path, r.cfg.Roots)
		if !ok {
			continue
		}
		rec, err := recordFor(root, rel, path)
		if err != nil {
			// Stat or read raced with another writer; the file will show up
			// again on its next event.
			r.logger.Debug("Skipping unreadable change", "path", path, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (r *Replicator) sendFile(conn net.Conn, rec FileRecord) error {
	local, err := rec.localPath(r.cfg.Roots)
	if err != nil {
		return err
	}
	if err := writeFrame(conn, frame{Type: frameFile, File: &rec}); err != nil {
		return err
	}
	if err := copyFileBody(conn, local, rec.Size); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "failed to send %s", rec.Path)
	}
	r.metrics.filesSent.Inc()
	r.metrics.bytesSent.Add(float64(rec.Size))
	return nil
}

func (r *Replicator) setErr(err error) {
	r.mu.Lock()
	r.lastErr = err.Error()
	r.mu.Unlock()
}

// Status is a point-in-time view of the replicator for observability.
type Status struct {
	Role           pair.Role `json:"role"`
	Generation     uint64    `json:"generation"`
	PendingChanges int       `json:"pending_changes"`
	FullResyncDue  bool      `json:"full_resync_due"`
	LastSync       time.Time `json:"last_sync,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

// Status returns the current operational status.
func (r *Replicator) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		Role:           r.cfg.Role(),
		Generation:     r.generation,
		PendingChanges: len(r.pending),
		FullResyncDue:  r.fullResync,
		LastSync:       r.lastSync,
		LastError:      r.lastErr,
	}
}
