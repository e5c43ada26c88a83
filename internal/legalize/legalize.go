// Package legalize implements the Path Legalizer (spec §4.5): mapping a
// raw client filename to a filesystem-legal, per-directory-unique name,
// and recording the correction for later metadata application.
package legalize

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/gobwas/glob"
)

const (
	windowsMaxComponent = 260 - 15
	posixMaxComponent   = 255 - 11
)

var windowsDisallowed = "\\:*?\"<>|/"

var reservedGlobs = compileReservedGlobs()

func compileReservedGlobs() []glob.Glob {
	bases := []string{"CON", "PRN", "AUX", "NUL"}
	for i := 1; i <= 9; i++ {
		bases = append(bases, fmt.Sprintf("COM%d", i), fmt.Sprintf("LPT%d", i))
	}
	globs := make([]glob.Glob, 0, len(bases)*2)
	for _, b := range bases {
		globs = append(globs, glob.MustCompile(strings.ToUpper(b)))
		globs = append(globs, glob.MustCompile(strings.ToUpper(b)+".*"))
	}
	return globs
}

func isReservedName(name string) bool {
	upper := strings.ToUpper(name)
	for _, g := range reservedGlobs {
		if g.Match(upper) {
			return true
		}
	}
	return false
}

// Platform selects the target filesystem's naming rules.
type Platform int

const (
	POSIX Platform = iota
	Windows
)

// Correction records one raw→legalized mapping (spec §3 PathCorrection).
type Correction struct {
	OriginalPath  string
	LegalizedPath string
}

// Legalizer tracks per-directory state needed for deterministic,
// per-directory-unique legalization (spec §4.5, §3 invariant).
type Legalizer struct {
	Platform        Platform
	CaseInsensitive bool

	// seen[dirKey][lowercasedName] = count of times this legalized name
	// (case-folded when CaseInsensitive) has been produced in this dir.
	seen map[string]map[string]int

	corrections []Correction
	byOriginal  map[string]string
}

func New(platform Platform, caseInsensitive bool) *Legalizer {
	return &Legalizer{
		Platform:        platform,
		CaseInsensitive: caseInsensitive,
		seen:            make(map[string]map[string]int),
		byOriginal:      make(map[string]string),
	}
}

// Legalize converts rawName (as seen inside directory dirKey, a stable
// identifier such as the legalized parent path) into a filesystem-legal,
// directory-unique name. originalPath is the raw client path recorded in
// the PathCorrection table when the name required modification.
func (lz *Legalizer) Legalize(dirKey, originalPath, rawName string) string {
	base := rawName
	modified := false

	if !utf8.ValidString(base) {
		base = reencodeUTF16Roundtrip(base)
		modified = true
	}

	var strippedModified bool
	base, strippedModified = stripDisallowed(base, lz.Platform)
	modified = modified || strippedModified

	if lz.Platform == Windows && isReservedName(base) {
		base = "_" + base
		modified = true
	}

	maxLen := posixMaxComponent
	if lz.Platform == Windows {
		maxLen = windowsMaxComponent
	}
	if len(base) > maxLen {
		base = truncateRunes(base, maxLen)
		modified = true
	}

	if modified {
		base = base + "-" + md5Prefix(rawName)
	}

	base = lz.dedupeCase(dirKey, base)

	if base != rawName {
		lz.record(originalPath, base)
	}
	return base
}

func stripDisallowed(name string, platform Platform) (string, bool) {
	disallowed := "/"
	if platform == Windows {
		disallowed = windowsDisallowed
	}

	var b strings.Builder
	modified := false
	for _, r := range name {
		if r < 0x20 && platform == Windows {
			modified = true
			continue
		}
		if strings.ContainsRune(disallowed, r) {
			modified = true
			continue
		}
		b.WriteRune(r)
	}
	return b.String(), modified
}

func reencodeUTF16Roundtrip(s string) string {
	u16 := utf16.Encode([]rune(s))
	return string(utf16.Decode(u16))
}

func truncateRunes(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	b := []byte(s)
	for len(b) > maxBytes {
		b = b[:len(b)-1]
		for len(b) > 0 && !utf8.Valid(b) {
			b = b[:len(b)-1]
		}
	}
	return string(b)
}

func md5Prefix(name string) string {
	sum := md5.Sum([]byte(name))
	return hex.EncodeToString(sum[:])[:10]
}

func (lz *Legalizer) dedupeCase(dirKey, name string) string {
	key := name
	if lz.CaseInsensitive {
		key = strings.ToLower(name)
	}

	if lz.seen[dirKey] == nil {
		lz.seen[dirKey] = make(map[string]int)
	}
	count := lz.seen[dirKey][key]
	lz.seen[dirKey][key] = count + 1
	if count == 0 {
		return name
	}
	return fmt.Sprintf("%s_%d", name, count)
}

func (lz *Legalizer) record(original, legalized string) {
	lz.corrections = append(lz.corrections, Correction{OriginalPath: original, LegalizedPath: legalized})
	lz.byOriginal[original] = legalized
}

// Corrections returns every recorded PathCorrection, in insertion order.
func (lz *Legalizer) Corrections() []Correction {
	return lz.corrections
}

// Resolve looks up the legalized path for a raw client path, used by the
// Metadata Stream (spec §4.7) to translate metadata records after drain.
func (lz *Legalizer) Resolve(originalPath string) (string, bool) {
	v, ok := lz.byOriginal[originalPath]
	return v, ok
}
