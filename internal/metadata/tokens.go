// Package metadata implements the Metadata Stream (spec §4.7) and the
// tokens-file / user-principal parsing it and the User-View Builder both
// depend on (spec §6 "Tokens file").
package metadata

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Principal is one derived UserPrincipal (spec §3).
type Principal struct {
	UID         int
	GIDs        []int
	AccountName string
}

// Tokens holds the parsed contents of .urbackup_tokens.properties.
type Tokens struct {
	UIDs       []int
	RealUIDs   []int
	Principals map[int]Principal
	AccessKey  string

	// IDTokens maps an id (uid or gid) to its access token string.
	IDTokens map[int]string
}

// ParseTokens reads the `<hashes_root>/.urbackup_tokens.properties` file
// format described in spec §6: simple `key=value` lines, with
// `<uid>.accountname` values base64url encoded (dash-substituted for
// padding, matching the client's own encoding).
func ParseTokens(r io.Reader) (Tokens, error) {
	t := Tokens{
		Principals: make(map[int]Principal),
		IDTokens:   make(map[int]string),
	}

	scanner := bufio.NewScanner(r)
	raw := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		raw[parts[0]] = parts[1]
	}
	if err := scanner.Err(); err != nil {
		return t, fmt.Errorf("metadata: scan tokens: %w", err)
	}

	if v, ok := raw["uids"]; ok {
		t.UIDs = parseIntList(v)
	}
	if v, ok := raw["real_uids"]; ok {
		t.RealUIDs = parseIntList(v)
	}
	t.AccessKey = raw["access_key"]

	// uids and real_uids are independent lists (the client writes .gids/
	// .accountname per id regardless of which list, if either, it ends up
	// in), so a Principal is built for every id in their union rather than
	// just t.UIDs.
	seen := make(map[int]bool, len(t.UIDs)+len(t.RealUIDs))
	for _, uid := range append(append([]int{}, t.UIDs...), t.RealUIDs...) {
		if seen[uid] {
			continue
		}
		seen[uid] = true

		p := Principal{UID: uid}
		if enc, ok := raw[fmt.Sprintf("%d.accountname", uid)]; ok {
			name, err := decodeAccountName(enc)
			if err != nil {
				return t, fmt.Errorf("metadata: decode accountname for uid %d: %w", uid, err)
			}
			p.AccountName = name
		}
		if v, ok := raw[fmt.Sprintf("%d.gids", uid)]; ok {
			p.GIDs = parseIntList(v)
		}
		t.Principals[uid] = p
	}

	for k, v := range raw {
		if strings.HasSuffix(k, ".token") {
			idStr := strings.TrimSuffix(k, ".token")
			if id, err := strconv.Atoi(idStr); err == nil {
				t.IDTokens[id] = v
			}
		}
	}

	return t, nil
}

func parseIntList(s string) []int {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if n, err := strconv.Atoi(part); err == nil {
			out = append(out, n)
		}
	}
	return out
}

// decodeAccountName decodes the base64url-dash encoding spec §6 names:
// base64url with '-' substituted for the standard padding character.
func decodeAccountName(enc string) (string, error) {
	padded := strings.ReplaceAll(enc, "-", "=")
	data, err := base64.URLEncoding.DecodeString(padded)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
