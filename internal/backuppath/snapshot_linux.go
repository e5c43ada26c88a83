//go:build linux

package backuppath

import (
	"fmt"
	"os"
	"os/exec"
)

// BtrfsSnapshotHelper creates an empty backup root as a fresh btrfs
// subvolume, so later reflink copies within the same subvolume tree stay
// cheap. Falls back to a plain directory if the target isn't btrfs.
type BtrfsSnapshotHelper struct{}

func (BtrfsSnapshotHelper) CreateEmptyFilesystem(path string) error {
	if err := os.MkdirAll(parentOf(path), 0755); err != nil {
		return err
	}
	cmd := exec.Command("btrfs", "subvolume", "create", path)
	if err := cmd.Run(); err != nil {
		return os.MkdirAll(path, 0755)
	}
	return nil
}

func (BtrfsSnapshotHelper) RemoveFilesystem(path string) error {
	cmd := exec.Command("btrfs", "subvolume", "delete", path)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("backuppath: btrfs subvolume delete: %w", err)
	}
	return nil
}

func parentOf(path string) string {
	i := len(path) - 1
	for i > 0 && path[i] != '/' {
		i--
	}
	if i <= 0 {
		return "/"
	}
	return path[:i]
}
