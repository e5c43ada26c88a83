//go:build linux

package hashindex

import (
	"os"

	"golang.org/x/sys/unix"
)

// reflink attempts a copy-on-write clone via the FICLONE ioctl, the
// mechanism btrfs/XFS/ZFS-on-Linux expose for reflink copies. Falls back
// to the caller's hard-link/copy path on any error, including on
// filesystems that don't support it.
func reflink(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	defer out.Close()

	return unix.IoctlFileClone(int(out.Fd()), int(in.Fd()))
}
