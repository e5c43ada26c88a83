package metadata

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/xtaci/smux"

	"github.com/manishalankala/urbackup-coordinator/internal/legalize"
	"github.com/manishalankala/urbackup-coordinator/internal/syslog"
)

// Record is one per-file (or per-directory) metadata blob pulled off the
// Metadata Stream connection (spec §4.7, §3 "metadata (permissions,
// timestamps, ACLs)").
type Record struct {
	ClientPath string            `cbor:"path"`
	IsDir      bool              `cbor:"is_dir"`
	Mode       uint32            `cbor:"mode"`
	MTimeUnix  int64             `cbor:"mtime"`
	Owner      string            `cbor:"owner"`
	ACL        string            `cbor:"acl,omitempty"`
	Extra      map[string]string `cbor:"extra,omitempty"`
}

// Resolver is the narrow view of the Path Legalizer the Metadata Stream
// needs at apply time (spec §4.7: "translates its path through
// PathCorrection").
type Resolver interface {
	Resolve(originalPath string) (string, bool)
}

var _ Resolver = (*legalize.Legalizer)(nil)

// Stream pulls metadata records over its own smux session, buffering them
// until the Coordinator signals Drain (spec §4.7, §5 "PathCorrection
// table: ... read by Metadata Stream only after drain").
type Stream struct {
	session *smux.Session
	stream  *smux.Stream

	mu      sync.Mutex
	records []Record
	err     error
	done    chan struct{}
}

// Open starts pulling metadata records from a fresh smux stream over
// conn, multiplexing this auxiliary channel over the same control
// connection used for file transfer.
func Open(ctx context.Context, session *smux.Session) (*Stream, error) {
	stream, err := session.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("metadata: open stream: %w", err)
	}

	s := &Stream{session: session, stream: stream, done: make(chan struct{})}
	go s.pull(ctx)
	return s, nil
}

func (s *Stream) pull(ctx context.Context) {
	defer close(s.done)
	dec := cbor.NewDecoder(s.stream)
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.err = ctx.Err()
			s.mu.Unlock()
			return
		default:
		}

		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if err != io.EOF {
				s.mu.Lock()
				s.err = fmt.Errorf("metadata: decode record: %w", err)
				s.mu.Unlock()
			}
			return
		}
		s.mu.Lock()
		s.records = append(s.records, rec)
		s.mu.Unlock()
	}
}

// StreamEnd signals the client side to stop sending metadata records, by
// closing the write half of the stream (spec §4.7: "Coordinator signals
// stream_end").
func (s *Stream) StreamEnd() error {
	return s.stream.Close()
}

// Wait blocks until the pull goroutine has observed EOF or ctx
// cancellation.
func (s *Stream) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ApplyMetadata walks every buffered record, translates its path through
// resolver, and writes the sidecar metadata file plus applies
// permissions/timestamps where the filesystem allows it (spec §4.7).
func (s *Stream) ApplyMetadata(hashesRoot, backupRoot string, resolver Resolver, logID string) error {
	s.mu.Lock()
	records := append([]Record(nil), s.records...)
	s.mu.Unlock()

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("metadata: zstd writer: %w", err)
	}
	defer enc.Close()

	var firstErr error
	for _, rec := range records {
		legalized, ok := resolver.Resolve(rec.ClientPath)
		if !ok {
			legalized = rec.ClientPath
		}

		contentPath := filepath.Join(backupRoot, legalized)
		sidecarPath := sidecarFor(hashesRoot, legalized, rec.IsDir)

		if err := writeSidecar(enc, sidecarPath, rec); err != nil {
			syslog.L.Warn().WithJob(logID).WithField("path", rec.ClientPath).WithMessage(err.Error()).Write()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if err := applyFSMetadata(contentPath, rec); err != nil {
			syslog.L.Warn().WithJob(logID).WithField("path", rec.ClientPath).WithMessage(err.Error()).Write()
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// sidecarFor mirrors the content tree layout under hashes_root (spec §3
// invariant, §6 on-disk layout): one metadata file per entry, one
// directory-metadata file per directory.
func sidecarFor(hashesRoot, legalizedPath string, isDir bool) string {
	dir := filepath.Dir(legalizedPath)
	base := filepath.Base(legalizedPath)
	if isDir {
		return filepath.Join(hashesRoot, legalizedPath, ".dirmeta")
	}
	return filepath.Join(hashesRoot, dir, escapeMetadataFilename(base))
}

func escapeMetadataFilename(name string) string {
	return name + ".meta"
}

func writeSidecar(enc *zstd.Encoder, sidecarPath string, rec Record) error {
	if err := os.MkdirAll(filepath.Dir(sidecarPath), 0755); err != nil {
		return fmt.Errorf("metadata: mkdir sidecar dir: %w", err)
	}
	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("metadata: encode sidecar: %w", err)
	}
	compressed := enc.EncodeAll(data, nil)
	if err := os.WriteFile(sidecarPath, compressed, 0644); err != nil {
		return fmt.Errorf("metadata: write sidecar: %w", err)
	}
	return nil
}

func applyFSMetadata(contentPath string, rec Record) error {
	if _, err := os.Lstat(contentPath); err != nil {
		return fmt.Errorf("metadata: stat %s: %w", contentPath, err)
	}
	if rec.Mode != 0 {
		if err := os.Chmod(contentPath, os.FileMode(rec.Mode&0777)); err != nil {
			return fmt.Errorf("metadata: chmod %s: %w", contentPath, err)
		}
	}
	if rec.MTimeUnix != 0 {
		mt := time.Unix(rec.MTimeUnix, 0)
		if err := os.Chtimes(contentPath, mt, mt); err != nil {
			return fmt.Errorf("metadata: chtimes %s: %w", contentPath, err)
		}
	}
	return nil
}
