// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package replicator

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"grimm.is/failsafe/internal/errors"
	"grimm.is/failsafe/internal/pair"
)

func (r *Replicator) acceptLoop() {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.ctx.Done():
				return
			default:
				r.logger.Warn("Failed to accept transfer connection", "error", err)
				continue
			}
		}
		go r.handleConn(conn)
	}
}

// handleConn serves one push exchange from the peer. The receive side is
// role-gated too: a node that believes itself master refuses pushes, which
// surfaces a split-brain on the replication path instead of silently
// overwriting local state.
func (r *Replicator) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Minute))
	addr := conn.RemoteAddr().String()

	var offer frame
	if err := readFrame(conn, &offer); err != nil {
		r.logger.Warn("Failed to read offer", "addr", addr, "error", err)
		return
	}
	if offer.Type != frameOffer {
		r.logger.Warn("Unexpected first frame", "addr", addr, "type", offer.Type)
		return
	}

	if role := r.cfg.Role(); role == pair.RoleMaster {
		r.logger.Error("Refusing inbound push while master", "addr", addr)
		writeFrame(conn, frame{Type: frameAck, Error: "receiver is master"})
		return
	}

	wanted, deleted := r.reconcile(offer)
	if err := writeFrame(conn, frame{Type: frameWant, Paths: wanted}); err != nil {
		r.logger.Warn("Failed to send want frame", "addr", addr, "error", err)
		return
	}

	byKey := make(map[string]FileRecord, len(offer.Manifest))
	for _, rec := range offer.Manifest {
		byKey[rec.key()] = rec
	}
	expect := make(map[string]struct{}, len(wanted))
	for _, key := range wanted {
		expect[key] = struct{}{}
	}

	applied, rejected := 0, 0
	for {
		var f frame
		if err := readFrame(conn, &f); err != nil {
			r.logger.Warn("Transfer interrupted", "addr", addr, "error", err)
			return
		}

		if f.Type == frameDone {
			break
		}
		if f.Type != frameFile || f.File == nil {
			r.logger.Warn("Unexpected frame in transfer", "addr", addr, "type", f.Type)
			return
		}

		rec := *f.File
		if _, ok := expect[rec.key()]; !ok {
			r.logger.Warn("Unsolicited file in transfer", "addr", addr, "path", rec.Path)
			// Drain the body to keep the stream aligned, then drop it.
			io.CopyN(io.Discard, conn, rec.Size)
			rejected++
			continue
		}

		if err := r.applyFile(conn, rec); err != nil {
			r.logger.Warn("Failed to apply file", "path", rec.Path, "error", err)
			r.metrics.checksumRejections.Inc()
			rejected++
			continue
		}
		applied++
		r.metrics.filesApplied.Inc()
	}

	// A full push is authoritative: local files absent from the manifest go.
	if offer.Full {
		deleted += r.deleteExtras(byKey)
	}

	writeFrame(conn, frame{
		Type:       frameAck,
		Generation: offer.Generation,
		Applied:    applied,
		Deleted:    deleted,
		Rejected:   rejected,
	})

	r.mu.Lock()
	r.lastSync = r.clk.Now()
	r.mu.Unlock()

	r.logger.Info("Applied replication push",
		"addr", addr,
		"generation", offer.Generation,
		"full", offer.Full,
		"applied", applied,
		"deleted", deleted,
		"rejected", rejected)
}

// reconcile diffs the offered manifest against local state. It returns the
// record keys to request and performs any offered deletions immediately.
func (r *Replicator) reconcile(offer frame) (wanted []string, deleted int) {
	for _, rec := range offer.Manifest {
		local, err := rec.localPath(r.cfg.Roots)
		if err != nil {
			r.logger.Warn("Ignoring record outside sync roots", "path", rec.Path, "error", err)
			continue
		}

		if rec.Deleted {
			if err := os.Remove(local); err == nil {
				deleted++
			} else if !os.IsNotExist(err) {
				r.logger.Warn("Failed to delete replicated path", "path", local, "error", err)
			}
			continue
		}

		sum, _, err := hashFile(local)
		if err == nil && sum == rec.Checksum {
			continue // already converged
		}
		wanted = append(wanted, rec.key())
	}
	return wanted, deleted
}

// applyFile streams one file body into a temp file in the target directory,
// verifies the checksum and renames it into place. The rename makes the
// apply atomic and repeating it with identical content is harmless.
func (r *Replicator) applyFile(body io.Reader, rec FileRecord) error {
	local, err := rec.localPath(r.cfg.Roots)
	if err != nil {
		return err
	}

	dir := filepath.Dir(local)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "failed to create %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".failsafe-*")
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to create temp file")
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	h := sha256.New()
	if _, err := io.CopyN(io.MultiWriter(tmp, h), body, rec.Size); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "short read for %s", rec.Path)
	}

	if sum := hex.EncodeToString(h.Sum(nil)); sum != rec.Checksum {
		return errors.Errorf(errors.KindValidation,
			"checksum mismatch for %s: got %s, want %s", rec.Path, sum, rec.Checksum)
	}

	if err := tmp.Chmod(os.FileMode(rec.Mode)); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "failed to set mode on %s", local)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), local); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "failed to move %s into place", local)
	}
	return nil
}

// deleteExtras removes local files not present in an authoritative manifest.
func (r *Replicator) deleteExtras(manifest map[string]FileRecord) int {
	deleted := 0
	for i, root := range r.cfg.Roots {
		filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil || !d.Type().IsRegular() || isTransient(d.Name()) {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return nil
			}
			key := strconv.Itoa(i) + ":" + filepath.ToSlash(rel)
			if _, ok := manifest[key]; ok {
				return nil
			}
			if err := os.Remove(p); err == nil {
				deleted++
			} else {
				r.logger.Warn("Failed to delete extra file", "path", p, "error", err)
			}
			return nil
		})
	}
	return deleted
}

// copyFileBody writes exactly size bytes of the file to the connection.
// A file that shrank since hashing aborts the transfer; the job is re-queued.
func copyFileBody(conn net.Conn, local string, size int64) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.CopyN(conn, f, size); err != nil {
		return err
	}
	return nil
}
