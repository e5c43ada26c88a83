package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/Masterminds/semver"
)

var (
	ErrConnectFail      = errors.New("protocol: connect failed")
	ErrFilelistTimeout  = errors.New("protocol: filelist request timed out")
	ErrNoBackupDirs     = errors.New("protocol: no backup dirs")
	ErrRemoteError      = errors.New("protocol: remote error")
)

// ClientVersion is the protocol tuple a client advertises before
// negotiation (spec §4.10, "<pver> is... by the client's advertised
// protocol tuple").
type ClientVersion struct {
	Major, Minor, Patch int
}

func (v ClientVersion) semver() *semver.Version {
	return semver.MustParse(fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch))
}

var (
	constraintV3 = mustConstraint(">= 3.0.0")
	constraintV2 = mustConstraint(">= 2.0.0")
)

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// PVer returns the "" / "2" / "3" suffix negotiated from the client's
// advertised version (spec §4.10).
func PVer(v ClientVersion) string {
	sv := v.semver()
	switch {
	case constraintV3.Check(sv):
		return "3"
	case constraintV2.Check(sv):
		return "2"
	default:
		return ""
	}
}

// Request describes one filelist-request negotiation (spec §4.10).
type Request struct {
	Identity        string
	ServerToken     string
	Full            bool
	Group           int
	ClientSubname   string
	Resume          string // "full" | "incr" | ""
	WithToken       bool
	ClientVersion   ClientVersion
}

// BuildCommand assembles the START BACKUP command line per §4.10's
// grammar.
func BuildCommand(r Request) string {
	pver := PVer(r.ClientVersion)

	var b strings.Builder
	b.WriteString(r.Identity)
	b.WriteString(pver)
	b.WriteString("START ")
	if r.Full {
		b.WriteString("FULL ")
	}
	b.WriteString("BACKUP")

	first := true
	sep := func() string {
		if first {
			first = false
			return "?"
		}
		return "&"
	}

	if r.Group != 0 {
		fmt.Fprintf(&b, "%sgroup=%d", sep(), r.Group)
	}
	if r.ClientSubname != "" {
		fmt.Fprintf(&b, "&clientsubname=%s", url.QueryEscape(r.ClientSubname))
	}
	if r.Resume != "" {
		fmt.Fprintf(&b, "&resume=%s", r.Resume)
	}
	b.WriteString("&sha=512")
	b.WriteString("&with_permissions=1&with_scripts=1&with_orig_path=1&with_sequence=1&with_proper_symlinks=1")

	if r.WithToken && r.ServerToken != "" {
		fmt.Fprintf(&b, "#token=%s", r.ServerToken)
	}
	return b.String()
}

// Outcome is the terminal result of a filelist-request negotiation.
type Outcome struct {
	Success      bool
	NoBackupDirs bool
	Err          error
}

const (
	legacyOverallTimeout = 4 * time.Hour
	v2OverallTimeout     = 120 * time.Second
	legacyRetryWindow    = 20 * time.Second
)

// singleReadTimeout bounds each individual read attempt while waiting for
// the filelist to finish building (mirrors the original's cc->Read(&ret,
// 60000)). Only the ping-timeout check after a stalled read distinguishes a
// dead connection from a client that is legitimately still busy; a var so
// tests can shrink it instead of waiting out the real 60s.
var singleReadTimeout = 60 * time.Second

// PingTimeout reports whether the ping/keepalive collaborator (out of
// scope per spec §1) has decided the client connection is dead.
type PingTimeout func() bool

// RequestFilelist negotiates filelist construction with the client over
// conn, per the state machine and timeouts in spec §4.10/§4.11.
func RequestFilelist(ctx context.Context, conn net.Conn, req Request, isTimeout PingTimeout) Outcome {
	cmd := BuildCommand(req)
	pver := PVer(req.ClientVersion)

	overall := v2OverallTimeout
	if pver == "" {
		overall = legacyOverallTimeout
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, overall)
	defer func() { cancel() }()

	if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
		return Outcome{Err: fmt.Errorf("%w: %v", ErrConnectFail, err)}
	}

	reader := bufio.NewReader(conn)
	start := time.Now()

	for {
		select {
		case <-deadlineCtx.Done():
			return Outcome{Err: fmt.Errorf("%w: after %s", ErrFilelistTimeout, overall)}
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(singleReadTimeout))
		text, err := ReadPacket(reader)
		if err != nil {
			if pver == "" && req.WithToken && time.Since(start) <= legacyRetryWindow {
				req.WithToken = false
				return RequestFilelist(ctx, conn, req, isTimeout)
			}
			if pver != "" || (isTimeout != nil && isTimeout()) {
				return Outcome{Err: fmt.Errorf("%w: %v", ErrFilelistTimeout, err)}
			}
			// Legacy client, no ping-death signal: tolerate the stalled
			// read and keep waiting out the overall window.
			continue
		}

		switch text {
		case "DONE":
			return Outcome{Success: true}
		case "BUSY":
			start = time.Now()
			cancel()
			deadlineCtx, cancel = context.WithTimeout(ctx, overall)
			continue
		case "no backup dirs":
			return Outcome{NoBackupDirs: true, Err: ErrNoBackupDirs}
		default:
			return Outcome{Err: fmt.Errorf("%w: %s", ErrRemoteError, text)}
		}
	}
}
