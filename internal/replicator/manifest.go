// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package replicator

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"grimm.is/failsafe/internal/errors"
)

// FileRecord describes one file in a transfer. Files are addressed by the
// index of their sync root plus a slash-separated relative path, so the two
// nodes may mount the same tree at different locations as long as they
// configure the roots in the same order.
type FileRecord struct {
	Root     int    `json:"root"`
	Path     string `json:"path"` // relative, slash-separated
	Size     int64  `json:"size,omitempty"`
	Mode     uint32 `json:"mode,omitempty"`
	Checksum string `json:"checksum,omitempty"` // SHA-256, hex
	Deleted  bool   `json:"deleted,omitempty"`
}

// key identifies the record within a manifest.
func (r FileRecord) key() string {
	return strconv.Itoa(r.Root) + ":" + r.Path
}

// localPath resolves the record against the local roots. It rejects records
// that escape the sync tree.
func (r FileRecord) localPath(roots []string) (string, error) {
	if r.Root < 0 || r.Root >= len(roots) {
		return "", errors.Errorf(errors.KindValidation, "root index %d out of range", r.Root)
	}
	rel := filepath.FromSlash(r.Path)
	if r.Path == "" || path.IsAbs(r.Path) || rel != filepath.Clean(rel) ||
		rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Errorf(errors.KindValidation, "unsafe path %q", r.Path)
	}
	return filepath.Join(roots[r.Root], rel), nil
}

// hashFile returns the SHA-256 of the file contents in hex, plus its size.
func hashFile(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// buildManifest walks the roots and records every regular file.
func buildManifest(roots []string) ([]FileRecord, error) {
	var records []FileRecord
	for i, root := range roots {
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if !d.Type().IsRegular() || isTransient(d.Name()) {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			sum, size, err := hashFile(p)
			if err != nil {
				if os.IsNotExist(err) {
					return nil // deleted between walk and hash
				}
				return err
			}
			records = append(records, FileRecord{
				Root:     i,
				Path:     filepath.ToSlash(rel),
				Size:     size,
				Mode:     uint32(info.Mode().Perm()),
				Checksum: sum,
			})
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindInternal, "failed to walk %s", root)
		}
	}
	return records, nil
}

// rootIndexFor locates the root containing an absolute path and returns its
// index and the slash-separated relative path.
func rootIndexFor(p string, roots []string) (int, string, bool) {
	clean := filepath.Clean(p)
	for i, root := range roots {
		root = filepath.Clean(root)
		if clean == root {
			return i, ".", true
		}
		if strings.HasPrefix(clean, root+string(filepath.Separator)) {
			rel, err := filepath.Rel(root, clean)
			if err != nil {
				continue
			}
			return i, filepath.ToSlash(rel), true
		}
	}
	return 0, "", false
}

// recordFor builds the transfer record for a single changed path. A path that
// no longer exists becomes a deletion record.
func recordFor(root int, rel, local string) (FileRecord, error) {
	info, err := os.Stat(local)
	if os.IsNotExist(err) {
		return FileRecord{Root: root, Path: rel, Deleted: true}, nil
	}
	if err != nil {
		return FileRecord{}, err
	}
	if !info.Mode().IsRegular() {
		return FileRecord{}, errors.Errorf(errors.KindValidation, "%s is not a regular file", local)
	}
	sum, size, err := hashFile(local)
	if os.IsNotExist(err) {
		return FileRecord{Root: root, Path: rel, Deleted: true}, nil
	}
	if err != nil {
		return FileRecord{}, err
	}
	return FileRecord{
		Root:     root,
		Path:     rel,
		Size:     size,
		Mode:     uint32(info.Mode().Perm()),
		Checksum: sum,
	}, nil
}

// isTransient reports whether a file name looks like an editor or tooling
// temp file that should never replicate.
func isTransient(name string) bool {
	if strings.HasSuffix(name, "~") ||
		strings.HasSuffix(name, ".swp") ||
		strings.HasSuffix(name, ".swx") ||
		strings.HasSuffix(name, ".tmp") {
		return true
	}
	if name == "4913" { // vim write-check probe
		return true
	}
	if strings.HasPrefix(name, ".goutputstream-") {
		return true
	}
	if strings.HasPrefix(name, ".failsafe-") { // our own in-flight temp files
		return true
	}
	return false
}
