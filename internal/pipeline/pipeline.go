// Package pipeline implements the Prepare-Hash Worker and Commit-Hash
// Worker (spec §4.3, §4.4): single-consumer queues driven by explicit
// Flush/Exit control markers, per spec §5/§9 (message-passing, no
// back-pointers to the Coordinator).
package pipeline

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/manishalankala/urbackup-coordinator/internal/hashindex"
	"github.com/manishalankala/urbackup-coordinator/internal/hashutil"
	"github.com/manishalankala/urbackup-coordinator/internal/settings"
	"github.com/manishalankala/urbackup-coordinator/internal/syslog"
)

// Marker is a control token interleaved with data items on a queue.
type Marker int

const (
	MarkerFlush Marker = iota
	MarkerExit
)

// StagedFile is a fetched-but-not-yet-committed file (spec §3).
type StagedFile struct {
	TmpPath     string
	LogicalPath string // path relative to backup_root, legalized
	Size        int64
	ContentHash string
	HasHash     bool
	ClientID    string
}

// item is what actually flows through the internal channels: either a
// StagedFile or a Marker.
type item struct {
	file   *StagedFile
	marker *Marker
}

// CommitOutcome is reported per commit for SQL link-row bookkeeping
// (spec §4.4). Marker is non-nil when this value is a passthrough control
// token rather than a real commit result.
type CommitOutcome struct {
	Path       string
	Hash       string
	Size       int64
	Outcome    hashindex.LinkOutcome
	CopiedFile bool
	Err        error
	Marker     *Marker
}

var ErrQueueClosed = errors.New("pipeline: queue closed")

// PrepareHashWorker computes content hashes for staged files and forwards
// them downstream to the Commit-Hash queue (spec §4.3).
type PrepareHashWorker struct {
	in     chan item
	out    chan<- item
	digest settings.Digest
	logID  string
	done   chan struct{}
}

func NewPrepareHashWorker(digest settings.Digest, logID string, out chan<- item) *PrepareHashWorker {
	return &PrepareHashWorker{
		in:     make(chan item, 256),
		out:    out,
		digest: digest,
		logID:  logID,
		done:   make(chan struct{}),
	}
}

func (w *PrepareHashWorker) Submit(f StagedFile) {
	w.in <- item{file: &f}
}

func (w *PrepareHashWorker) SendMarker(m Marker) {
	w.in <- item{marker: &m}
}

// Run drives the worker loop until it forwards MarkerExit. It must be
// started in its own goroutine.
func (w *PrepareHashWorker) Run() {
	defer close(w.done)
	for it := range w.in {
		if it.marker != nil {
			w.out <- it
			if *it.marker == MarkerExit {
				return
			}
			continue
		}

		hashed, err := w.hashFile(*it.file)
		if err != nil {
			syslog.L.Error(err).WithJob(w.logID).WithField("path", it.file.LogicalPath).WithMessage("prepare-hash failed").Write()
			continue
		}
		w.out <- item{file: &hashed}
	}
}

func (w *PrepareHashWorker) hashFile(f StagedFile) (StagedFile, error) {
	fh, err := os.Open(f.TmpPath)
	if err != nil {
		return f, fmt.Errorf("pipeline: open staged file: %w", err)
	}
	defer fh.Close()

	sum, err := hashutil.Sum(w.digest, fh)
	if err != nil {
		return f, err
	}
	f.ContentHash = sum
	f.HasHash = true
	return f, nil
}

// Wait blocks until Run has returned (Exit forwarded and loop stopped).
func (w *PrepareHashWorker) Wait() { <-w.done }

// CommitHashWorker consults the Hash Index and either links/copies an
// existing match into the destination path or records a new entry and
// moves the staged file in (spec §4.4).
type CommitHashWorker struct {
	in       chan item
	idx      *hashindex.Index
	backupRt string
	logID    string
	working  int32
	done     chan struct{}
	outcomes chan CommitOutcome
}

func NewCommitHashWorker(idx *hashindex.Index, backupRoot, logID string) *CommitHashWorker {
	return &CommitHashWorker{
		in:       make(chan item, 256),
		idx:      idx,
		backupRt: backupRoot,
		logID:    logID,
		done:     make(chan struct{}),
		outcomes: make(chan CommitOutcome, 256),
	}
}

// Inbound exposes the write side so PrepareHashWorker can be constructed
// pointing at it.
func (w *CommitHashWorker) Inbound() chan<- item { return w.in }

func (w *CommitHashWorker) Submit(f StagedFile) {
	w.in <- item{file: &f}
}

func (w *CommitHashWorker) SendMarker(m Marker) {
	w.in <- item{marker: &m}
}

func (w *CommitHashWorker) Outcomes() <-chan CommitOutcome { return w.outcomes }

// IsWorking distinguishes "queue empty but mid-commit" from "fully
// drained" so the Coordinator's Drain phase (spec §4.4) can tell them
// apart.
func (w *CommitHashWorker) IsWorking() bool {
	return atomic.LoadInt32(&w.working) == 1
}

func (w *CommitHashWorker) QueueDepth() int { return len(w.in) }

func (w *CommitHashWorker) Run() {
	defer close(w.done)
	for it := range w.in {
		if it.marker != nil {
			w.outcomes <- CommitOutcome{Marker: it.marker}
			if *it.marker == MarkerExit {
				return
			}
			continue
		}

		atomic.StoreInt32(&w.working, 1)
		outcome := w.commit(*it.file)
		w.outcomes <- outcome
		atomic.StoreInt32(&w.working, 0)
	}
}

func (w *CommitHashWorker) commit(f StagedFile) CommitOutcome {
	destPath := filepath.Join(w.backupRt, f.LogicalPath)

	if f.HasHash {
		outcome, err := w.idx.FindAndLink(f.ContentHash, f.Size, destPath)
		if err == nil && outcome != hashindex.Miss {
			if outcome == hashindex.Linked {
				_ = os.Remove(f.TmpPath)
			}
			return CommitOutcome{Path: destPath, Hash: f.ContentHash, Size: f.Size, Outcome: outcome, CopiedFile: outcome == hashindex.Copied}
		}
		if err != nil {
			return CommitOutcome{Path: destPath, Hash: f.ContentHash, Size: f.Size, Err: err}
		}
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return CommitOutcome{Path: destPath, Err: fmt.Errorf("pipeline: mkdir dest: %w", err)}
	}
	if err := moveInto(f.TmpPath, destPath); err != nil {
		return CommitOutcome{Path: destPath, Err: fmt.Errorf("pipeline: move into place: %w", err)}
	}

	entry := hashindex.HashEntry{
		ContentHash:   f.ContentHash,
		Size:          f.Size,
		CanonicalPath: destPath,
		ClientID:      f.ClientID,
	}
	if err := w.idx.Insert(entry); err != nil {
		return CommitOutcome{Path: destPath, Hash: f.ContentHash, Size: f.Size, Err: fmt.Errorf("pipeline: insert index: %w", err)}
	}

	return CommitOutcome{Path: destPath, Hash: f.ContentHash, Size: f.Size, Outcome: hashindex.Miss}
}

// moveInto renames the staged file into place, falling back to
// copy+remove across filesystem boundaries (rename-into-place per spec
// §5, "file creation uses rename-into-place to avoid partial commits
// visible to readers").
func moveInto(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".partial"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return err
	}
	return os.Remove(src)
}
