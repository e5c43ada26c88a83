package verify

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/manishalankala/urbackup-coordinator/internal/settings"
)

type noopResolver struct{}

func (noopResolver) Resolve(p string) (string, bool) { return p, false }

func TestRun_MatchingFileSucceeds(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "A"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "A", "x"), []byte("hello"), 0644))

	sum, err := hashFile(settings.DigestSHA256, filepath.Join(dir, "A", "x"))
	require.NoError(t, err)

	fl := []byte("d \"A\"\nf \"x\" 5 " + sum + "\nu\n")

	ok, mismatches, err := Run(fl, Options{BackupRoot: dir, Digest: settings.DigestSHA256, Resolver: noopResolver{}})
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, mismatches)
}

func TestRun_MismatchDetected(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "A"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "A", "x"), []byte("changed"), 0644))

	fl := []byte("d \"A\"\nf \"x\" 5 deadbeef\nu\n")

	ok, mismatches, err := Run(fl, Options{BackupRoot: dir, Digest: settings.DigestSHA256, Resolver: noopResolver{}})
	require.NoError(t, err)
	require.False(t, ok)
	require.Len(t, mismatches, 1)
	require.Equal(t, "deadbeef", mismatches[0].Remote)
}

func TestRun_MissingFileFails(t *testing.T) {
	dir := t.TempDir()
	fl := []byte("f \"gone\" 5 deadbeef\n")

	ok, _, err := Run(fl, Options{BackupRoot: dir, Digest: settings.DigestSHA256, Resolver: noopResolver{}})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRun_DirOnlyFilelistSucceeds(t *testing.T) {
	dir := t.TempDir()
	fl := []byte("d \"A\"\nu\n")
	ok, mismatches, err := Run(fl, Options{BackupRoot: dir, Digest: settings.DigestSHA256, Resolver: noopResolver{}})
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, mismatches)
}

// swapNibblesHex mirrors the transform a legacy client applies before
// sending the sha256 extra: each byte's two hex digits are transposed.
// It's the test's own independent implementation of the swap (not a call
// into hashutil), so the assertions below actually exercise the fix
// rather than checking the code against itself.
func swapNibblesHex(t *testing.T, digest string) string {
	t.Helper()
	require.Zero(t, len(digest)%2)
	out := make([]byte, len(digest))
	for i := 0; i < len(digest); i += 2 {
		out[i] = digest[i+1]
		out[i+1] = digest[i]
	}
	return string(out)
}

func TestRun_LegacySha256ExtraIsNibbleUnswapped(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x"), []byte("legacy"), 0644))

	sum, err := hashFile(settings.DigestSHA256, filepath.Join(dir, "x"))
	require.NoError(t, err)

	legacy := swapNibblesHex(t, sum)
	fl := []byte("f \"x\" 6 -\tsha256=" + legacy + "\n")

	ok, mismatches, err := Run(fl, Options{BackupRoot: dir, Digest: settings.DigestSHA256, Resolver: noopResolver{}})
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, mismatches)
}

func TestRun_Sha256VerifyExtraUsedAsIsWithoutUnswap(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x"), []byte("legacy"), 0644))

	sum, err := hashFile(settings.DigestSHA256, filepath.Join(dir, "x"))
	require.NoError(t, err)

	// sha256_verify is never nibble-swapped by clients; feeding it the
	// swapped form must fail, proving Run doesn't unswap this key.
	swapped := swapNibblesHex(t, sum)
	fl := []byte("f \"x\" 6 -\tsha256_verify=" + swapped + "\n")

	ok, mismatches, err := Run(fl, Options{BackupRoot: dir, Digest: settings.DigestSHA256, Resolver: noopResolver{}})
	require.NoError(t, err)
	require.False(t, ok)
	require.Len(t, mismatches, 1)
	require.Equal(t, swapped, mismatches[0].Remote)
}
