// Package hashindex is the content-addressed lookup from (content_hash,
// size) to an existing on-disk file entry: a pebble LSM tree keyed by a
// fixed prefix, fronted by an xsync concurrent map for the hot path.
package hashindex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/fxamacker/cbor/v2"
	"github.com/gofrs/flock"
	"github.com/puzpuzpuz/xsync/v4"
)

var keyPrefix = []byte("h:")

// HashEntry is the persisted record behind one (hash,size) key (spec §3).
type HashEntry struct {
	ContentHash      string `cbor:"hash"`
	Size             int64  `cbor:"size"`
	CanonicalPath    string `cbor:"path"`
	ClientID         string `cbor:"client_id"`
	EntryID          int64  `cbor:"entry_id"`
	NextEntryID      int64  `cbor:"next_entry_id"`
	RefCount         int64  `cbor:"rsize"`
}

// LinkOutcome reports what FindAndLink actually did to the destination
// path, matching the three outcomes §4.4 names.
type LinkOutcome int

const (
	Miss LinkOutcome = iota
	Linked
	Copied
)

func (o LinkOutcome) String() string {
	switch o {
	case Linked:
		return "linked"
	case Copied:
		return "copied"
	default:
		return "miss"
	}
}

var ErrClosed = errors.New("hashindex: index closed")

// Index is the concurrency-safe Hash Index. All access goes through its
// API, per spec §5 ("Hash Index: shared; all access through its API which
// must be concurrency-safe").
type Index struct {
	db    *pebble.DB
	cache *xsync.Map[string, HashEntry]
	lock  *flock.Flock
	mu    sync.Mutex

	maxHardlinks int
	linkCounts   *xsync.Map[string, int]

	closed bool
}

type Options struct {
	MaxHardlinks int
}

// Open opens (creating if absent) the pebble-backed index rooted at dir.
func Open(dir string, opts Options) (*Index, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("hashindex: mkdir %s: %w", dir, err)
	}

	lk := flock.New(filepath.Join(dir, ".lock"))
	locked, err := lk.TryLock()
	if err != nil || !locked {
		return nil, fmt.Errorf("hashindex: lock %s held by another process", dir)
	}

	cacheMem := pebble.NewCache(64 << 20)
	defer cacheMem.Unref()

	db, err := pebble.Open(filepath.Join(dir, "index"), &pebble.Options{
		Cache: cacheMem,
		Filters: map[string]pebble.FilterPolicy{
			"rocksdb.BuiltinBloomFilter": bloom.FilterPolicy(10),
		},
	})
	if err != nil {
		_ = lk.Unlock()
		return nil, fmt.Errorf("hashindex: open pebble: %w", err)
	}

	maxHardlinks := opts.MaxHardlinks
	if maxHardlinks <= 0 {
		maxHardlinks = 1000
	}

	return &Index{
		db:           db,
		cache:        xsync.NewMap[string, HashEntry](),
		lock:         lk,
		maxHardlinks: maxHardlinks,
		linkCounts:   xsync.NewMap[string, int](),
	}, nil
}

func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return nil
	}
	idx.closed = true
	err := idx.db.Close()
	_ = idx.lock.Unlock()
	return err
}

func key(hash string, size int64) []byte {
	buf := make([]byte, len(keyPrefix)+8+len(hash))
	copy(buf, keyPrefix)
	binary.BigEndian.PutUint64(buf[len(keyPrefix):], uint64(size))
	copy(buf[len(keyPrefix)+8:], hash)
	return buf
}

// Find returns the current entry for (hash,size), if any.
func (idx *Index) Find(hash string, size int64) (HashEntry, bool, error) {
	ck := hash + ":" + fmt.Sprint(size)
	if e, ok := idx.cache.Load(ck); ok {
		return e, true, nil
	}

	v, closer, err := idx.db.Get(key(hash, size))
	if errors.Is(err, pebble.ErrNotFound) {
		return HashEntry{}, false, nil
	}
	if err != nil {
		return HashEntry{}, false, fmt.Errorf("hashindex: get: %w", err)
	}
	defer closer.Close()

	var e HashEntry
	if err := cbor.Unmarshal(v, &e); err != nil {
		return HashEntry{}, false, fmt.Errorf("hashindex: decode: %w", err)
	}
	idx.cache.Store(ck, e)
	return e, true, nil
}

// Insert writes e under its (hash,size) key. It does not check for an
// existing entry first: an entry already stored under the same key is
// superseded by e.
func (idx *Index) Insert(e HashEntry) error {
	data, err := cbor.Marshal(e)
	if err != nil {
		return fmt.Errorf("hashindex: encode: %w", err)
	}
	if err := idx.db.Set(key(e.ContentHash, e.Size), data, pebble.Sync); err != nil {
		return fmt.Errorf("hashindex: set: %w", err)
	}
	idx.cache.Store(e.ContentHash+":"+fmt.Sprint(e.Size), e)
	return nil
}

// FindAndLink is the operation §4.2 and §4.4 both call: look up
// (hash,size); on a hit, try to materialize destPath as a hard link (or
// reflink where supported), falling back to a full copy once the
// configured hard-link limit is exceeded (§4.2 edge case).
func (idx *Index) FindAndLink(hash string, size int64, destPath string) (LinkOutcome, error) {
	entry, ok, err := idx.Find(hash, size)
	if err != nil {
		return Miss, err
	}
	if !ok {
		return Miss, nil
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return Miss, fmt.Errorf("hashindex: mkdir dest: %w", err)
	}

	count, _ := idx.linkCounts.Load(entry.CanonicalPath)
	if count < idx.maxHardlinks {
		if err := tryReflinkOrHardlink(entry.CanonicalPath, destPath); err == nil {
			idx.linkCounts.Store(entry.CanonicalPath, count+1)
			return Linked, nil
		}
	}

	if err := copyFile(entry.CanonicalPath, destPath); err != nil {
		return Miss, fmt.Errorf("hashindex: fallback copy: %w", err)
	}
	return Copied, nil
}

func tryReflinkOrHardlink(src, dst string) error {
	_ = os.Remove(dst)
	if err := reflink(src, dst); err == nil {
		return nil
	}
	_ = os.Remove(dst)
	return os.Link(src, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
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
	return os.Rename(tmp, dst)
}
