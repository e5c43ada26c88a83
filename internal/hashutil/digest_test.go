package hashutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnswapLegacyNibbles_SwapsWithinEachByte(t *testing.T) {
	// Per-byte hex-digit transposition, not byte-order reversal: 0x1A
	// becomes 0xA1, 0x2B becomes 0xB2, byte order stays 1A,2B -> A1,B2.
	got, err := UnswapLegacyNibbles("1A2B")
	require.NoError(t, err)
	require.Equal(t, strings.ToLower("A1B2"), strings.ToLower(got))
}

func TestUnswapLegacyNibbles_IsInvolution(t *testing.T) {
	original := "0123456789abcdef"
	once, err := UnswapLegacyNibbles(original)
	require.NoError(t, err)
	twice, err := UnswapLegacyNibbles(once)
	require.NoError(t, err)
	require.Equal(t, strings.ToLower(original), strings.ToLower(twice))
}

func TestUnswapLegacyNibbles_RejectsOddLength(t *testing.T) {
	_, err := UnswapLegacyNibbles("abc")
	require.ErrorIs(t, err, ErrOddLengthDigest)
}

func TestUnswapLegacyNibbles_RejectsNonHex(t *testing.T) {
	_, err := UnswapLegacyNibbles("zzzz")
	require.Error(t, err)
}
