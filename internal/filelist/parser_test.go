package filelist

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParser_DirsAndFiles(t *testing.T) {
	p := New()
	entries, err := p.Feed([]byte(
		"d \"A\"\n" +
			"f \"x\" 5 H1\n" +
			"u\n",
	))
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.Len(t, entries, 3)

	require.Equal(t, EnterDir, entries[0].Kind)
	require.Equal(t, "A", entries[0].Name)

	require.Equal(t, File, entries[1].Kind)
	require.Equal(t, "x", entries[1].Name)
	require.EqualValues(t, 5, entries[1].Size)
	require.True(t, entries[1].HasHash)
	require.Equal(t, "H1", entries[1].ContentHash)

	require.Equal(t, LeaveDir, entries[2].Kind)
}

func TestParser_MissingHashIsFetchCandidate(t *testing.T) {
	p := New()
	entries, err := p.Feed([]byte("f \"legacy\" 10 -\n"))
	require.NoError(t, err)
	require.False(t, entries[0].HasHash)
}

func TestParser_DirsOnlyFilelistProducesNoFileEntries(t *testing.T) {
	p := New()
	entries, err := p.Feed([]byte("d \"A\"\nd \"B\"\nu\nu\n"))
	require.NoError(t, err)
	for _, e := range entries {
		require.NotEqual(t, File, e.Kind)
	}
}

func TestParser_ExtrasParsed(t *testing.T) {
	p := New()
	entries, err := p.Feed([]byte("f \"x\" 5 H1\tsha256=abcd&mode=0644\n"))
	require.NoError(t, err)
	require.Equal(t, "abcd", entries[0].Extras["sha256"])
	require.Equal(t, "0644", entries[0].Extras["mode"])
}

func TestParser_EscapedQuoteInName(t *testing.T) {
	p := New()
	entries, err := p.Feed([]byte(`f "a\"b" 1 H1` + "\n"))
	require.NoError(t, err)
	require.Equal(t, `a"b`, entries[0].Name)
}

func TestParser_FeedAcrossMultipleCalls(t *testing.T) {
	p := New()
	entries, err := p.Feed([]byte("d \"A\"\nf \"x\" 5"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entries, err = p.Feed([]byte(" H1\nu\n"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestParser_MalformedLineErrors(t *testing.T) {
	p := New()
	_, err := p.Feed([]byte("f nomame\n"))
	require.ErrorIs(t, err, ErrMalformedLine)
}
