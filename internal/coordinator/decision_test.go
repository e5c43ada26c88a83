package coordinator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/manishalankala/urbackup-coordinator/internal/filelist"
	"github.com/manishalankala/urbackup-coordinator/internal/hashindex"
)

func TestDecide_ZeroSizeSkipsIndexLookup(t *testing.T) {
	dir := t.TempDir()
	idx, err := hashindex.Open(filepath.Join(dir, "idx"), hashindex.Options{})
	require.NoError(t, err)
	defer idx.Close()

	d, err := Decide(idx, filelist.Entry{Kind: filelist.File, Name: "empty", Size: 0}, filepath.Join(dir, "dest", "empty"))
	require.NoError(t, err)
	require.Equal(t, ActionEmptyFile, d.Action)
}

func TestDecide_NoHashAlwaysFetches(t *testing.T) {
	dir := t.TempDir()
	idx, err := hashindex.Open(filepath.Join(dir, "idx"), hashindex.Options{})
	require.NoError(t, err)
	defer idx.Close()

	d, err := Decide(idx, filelist.Entry{Kind: filelist.File, Name: "legacy", Size: 10}, filepath.Join(dir, "dest", "legacy"))
	require.NoError(t, err)
	require.Equal(t, ActionFetch, d.Action)
}

func TestDecide_HashHitLinks(t *testing.T) {
	dir := t.TempDir()
	idx, err := hashindex.Open(filepath.Join(dir, "idx"), hashindex.Options{})
	require.NoError(t, err)
	defer idx.Close()

	canonical := filepath.Join(dir, "pool", "h1")
	require.NoError(t, os.MkdirAll(filepath.Dir(canonical), 0755))
	require.NoError(t, os.WriteFile(canonical, []byte("0123456789"), 0644))
	require.NoError(t, idx.Insert(hashindex.HashEntry{ContentHash: "H1", Size: 10, CanonicalPath: canonical}))

	dest := filepath.Join(dir, "dest", "x")
	d, err := Decide(idx, filelist.Entry{Kind: filelist.File, Name: "x", Size: 10, ContentHash: "H1", HasHash: true}, dest)
	require.NoError(t, err)
	require.Equal(t, ActionLinked, d.Action)
	require.Equal(t, "H1", d.ContentHash)
}

func TestDecide_HardlinkLimitExceededMarksCopiedFile(t *testing.T) {
	dir := t.TempDir()
	idx, err := hashindex.Open(filepath.Join(dir, "idx"), hashindex.Options{MaxHardlinks: 1})
	require.NoError(t, err)
	defer idx.Close()

	canonical := filepath.Join(dir, "pool", "h1")
	require.NoError(t, os.MkdirAll(filepath.Dir(canonical), 0755))
	require.NoError(t, os.WriteFile(canonical, []byte("0123456789"), 0644))
	require.NoError(t, idx.Insert(hashindex.HashEntry{ContentHash: "H1", Size: 10, CanonicalPath: canonical}))

	entry := filelist.Entry{Kind: filelist.File, Name: "x", Size: 10, ContentHash: "H1", HasHash: true}

	first, err := Decide(idx, entry, filepath.Join(dir, "dest", "first"))
	require.NoError(t, err)
	require.Equal(t, ActionLinked, first.Action)
	require.False(t, first.CopiedFile)

	second, err := Decide(idx, entry, filepath.Join(dir, "dest", "second"))
	require.NoError(t, err)
	require.Equal(t, ActionLinked, second.Action)
	require.True(t, second.CopiedFile)
}

func TestDecide_HashMissFetches(t *testing.T) {
	dir := t.TempDir()
	idx, err := hashindex.Open(filepath.Join(dir, "idx"), hashindex.Options{})
	require.NoError(t, err)
	defer idx.Close()

	dest := filepath.Join(dir, "dest", "x")
	d, err := Decide(idx, filelist.Entry{Kind: filelist.File, Name: "x", Size: 10, ContentHash: "H2", HasHash: true}, dest)
	require.NoError(t, err)
	require.Equal(t, ActionFetch, d.Action)
	require.Equal(t, "H2", d.ContentHash)
}
