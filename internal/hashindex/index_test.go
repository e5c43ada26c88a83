package hashindex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindAndLink_MissThenHit(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(filepath.Join(dir, "idx"), Options{MaxHardlinks: 2})
	require.NoError(t, err)
	defer idx.Close()

	dest := filepath.Join(dir, "content", "A", "x")

	outcome, err := idx.FindAndLink("H1", 5, dest)
	require.NoError(t, err)
	require.Equal(t, Miss, outcome)

	canonical := filepath.Join(dir, "pool", "h1")
	require.NoError(t, os.MkdirAll(filepath.Dir(canonical), 0755))
	require.NoError(t, os.WriteFile(canonical, []byte("hello"), 0644))

	require.NoError(t, idx.Insert(HashEntry{
		ContentHash:   "H1",
		Size:          5,
		CanonicalPath: canonical,
	}))

	outcome, err = idx.FindAndLink("H1", 5, dest)
	require.NoError(t, err)
	require.Equal(t, Linked, outcome)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestFindAndLink_FallsBackToCopyPastHardlinkLimit(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(filepath.Join(dir, "idx"), Options{MaxHardlinks: 1})
	require.NoError(t, err)
	defer idx.Close()

	canonical := filepath.Join(dir, "pool", "h1")
	require.NoError(t, os.MkdirAll(filepath.Dir(canonical), 0755))
	require.NoError(t, os.WriteFile(canonical, []byte("hello"), 0644))
	require.NoError(t, idx.Insert(HashEntry{ContentHash: "H1", Size: 5, CanonicalPath: canonical}))

	outcome, err := idx.FindAndLink("H1", 5, filepath.Join(dir, "A", "x1"))
	require.NoError(t, err)
	require.Equal(t, Linked, outcome)

	outcome, err = idx.FindAndLink("H1", 5, filepath.Join(dir, "A", "x2"))
	require.NoError(t, err)
	require.Equal(t, Copied, outcome)
}

func TestFind_UnknownReturnsMiss(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(filepath.Join(dir, "idx"), Options{})
	require.NoError(t, err)
	defer idx.Close()

	_, ok, err := idx.Find("nope", 1)
	require.NoError(t, err)
	require.False(t, ok)
}
