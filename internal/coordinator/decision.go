package coordinator

import (
	"github.com/manishalankala/urbackup-coordinator/internal/filelist"
	"github.com/manishalankala/urbackup-coordinator/internal/hashindex"
)

// Action is the outcome of the per-entry decision (spec §4.2).
type Action int

const (
	ActionLinked Action = iota
	ActionFetch
	ActionEmptyFile
)

// Decision is what Process (spec §4.1 step 4) does with one File entry
// before submitting anything to the pipeline.
type Decision struct {
	Action      Action
	ContentHash string
	Size        int64
	CopiedFile  bool
}

// linker is the narrow view of the Hash Index the decision needs: find and,
// on hit, link into destPath in one call (spec §4.2 step 1).
type linker interface {
	FindAndLink(hash string, size int64, destPath string) (hashindex.LinkOutcome, error)
}

// Decide implements spec §4.2's per-entry algorithm and edge cases:
// zero-size files skip the index entirely, and entries with no declared
// hash (legacy incremental) always fetch so Prepare-Hash can compute it
// post-transfer.
func Decide(idx linker, e filelist.Entry, destPath string) (Decision, error) {
	if e.Size == 0 {
		return Decision{Action: ActionEmptyFile}, nil
	}
	if !e.HasHash {
		return Decision{Action: ActionFetch}, nil
	}

	outcome, err := idx.FindAndLink(e.ContentHash, e.Size, destPath)
	if err != nil {
		return Decision{}, err
	}
	if outcome == hashindex.Miss {
		return Decision{Action: ActionFetch, ContentHash: e.ContentHash, Size: e.Size}, nil
	}
	// Hard-link limit exceeded: FindAndLink already fell back to a full
	// copy of the canonical file, so this entry is committed but must be
	// recorded as copied_file rather than a hard link (spec §4.2 edge case).
	return Decision{Action: ActionLinked, ContentHash: e.ContentHash, Size: e.Size, CopiedFile: outcome == hashindex.Copied}, nil
}
