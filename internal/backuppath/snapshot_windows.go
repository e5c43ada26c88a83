//go:build windows

package backuppath

import (
	"fmt"

	"github.com/mxk/go-vss"
)

// VSSSnapshotHelper materializes backup roots on a Volume Shadow Copy, an
// empty filesystem at a fresh point in time, on a Windows target.
type VSSSnapshotHelper struct {
	Volume string
}

func (h VSSSnapshotHelper) CreateEmptyFilesystem(path string) error {
	if _, err := vss.CreateLink(path, h.Volume); err != nil {
		return fmt.Errorf("backuppath: vss create link: %w", err)
	}
	return nil
}

func (h VSSSnapshotHelper) RemoveFilesystem(path string) error {
	sc, err := vss.Get(path)
	if err != nil {
		return fmt.Errorf("backuppath: vss get: %w", err)
	}
	return vss.Remove(sc.ID)
}
