//go:build linux

package main

import (
	"github.com/manishalankala/urbackup-coordinator/internal/backuppath"
	"github.com/manishalankala/urbackup-coordinator/internal/settings"
)

func newPlatformSnapshotHelper(cur settings.Settings) backuppath.SnapshotHelper {
	if !cur.UseSnapshots {
		return backuppath.NoopSnapshotHelper{}
	}
	return backuppath.BtrfsSnapshotHelper{}
}
