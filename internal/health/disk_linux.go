// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package health

import (
	"golang.org/x/sys/unix"
)

// diskFreePercent returns the percentage of free blocks on the filesystem
// holding path.
func diskFreePercent(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	if st.Blocks == 0 {
		return 0, nil
	}
	return float64(st.Bavail) / float64(st.Blocks) * 100, nil
}
