// Package hashutil selects and computes the content digest used across the
// pipeline (Prepare-Hash Worker, Verifier), built on rclone's multi-hash
// support (github.com/rclone/rclone/fs/hash).
package hashutil

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/rclone/rclone/fs/hash"

	"github.com/manishalankala/urbackup-coordinator/internal/settings"
)

var ErrOddLengthDigest = errors.New("hashutil: odd-length hex digest")

// Type maps a configured settings.Digest to rclone's hash.Type.
func Type(d settings.Digest) hash.Type {
	switch d {
	case settings.DigestSHA256:
		return hash.SHA256
	default:
		return hash.SHA512
	}
}

// Sum streams r through the configured digest and returns lowercase hex.
func Sum(d settings.Digest, r io.Reader) (string, error) {
	ht := Type(d)
	hasher, err := hash.NewMultiHasherTypes(hash.NewHashSet(ht))
	if err != nil {
		return "", fmt.Errorf("hashutil: new hasher: %w", err)
	}
	if _, err := io.Copy(hasher, r); err != nil {
		return "", fmt.Errorf("hashutil: hashing: %w", err)
	}
	sums := hasher.Sums()
	return sums[ht], nil
}

// UnswapLegacyNibbles undoes the per-byte hex-nibble swap some legacy
// clients apply to the sha256 filelist extra: within each byte, the two
// hex digits are transposed (so byte 0x1A becomes 0xA1), while byte order
// is untouched. An odd-length digest is a hard error rather than a
// silently-truncated swap.
func UnswapLegacyNibbles(digest string) (string, error) {
	if len(digest)%2 != 0 {
		return "", ErrOddLengthDigest
	}
	raw, err := hex.DecodeString(digest)
	if err != nil {
		return "", fmt.Errorf("hashutil: decode digest: %w", err)
	}
	for i, v := range raw {
		raw[i] = (v&0x0f)<<4 | (v&0xf0)>>4
	}
	return hex.EncodeToString(raw), nil
}
