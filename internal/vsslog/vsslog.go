// Package vsslog ingests the client's VSS log channel (spec §6): lines of
// the form `<loglevel>-<unix_seconds>-<msg>`, anchored to the first entry's
// timestamp and re-expressed as an offset from it.
package vsslog

import (
	"fmt"
	"strconv"
	"strings"
)

// Level mirrors the client's log severity marker.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

func parseLevel(s string) (Level, error) {
	switch s {
	case "0":
		return LevelInfo, nil
	case "1":
		return LevelWarn, nil
	case "2":
		return LevelError, nil
	default:
		return 0, fmt.Errorf("vsslog: unknown loglevel %q", s)
	}
}

// Entry is one anchored VSS log line, ready for the job log sink.
type Entry struct {
	Level     Level
	OffsetSec int64
	Message   string
}

// Ingester anchors a stream of raw client log lines to the first entry's
// timestamp, per spec §6: "the server interprets the first entry's
// timestamp as the reference and converts subsequent stamps to
// initial_time − t". The first line only sets the reference and produces
// no Entry, matching the client's own log format where line 0 carries no
// message. Offsets beyond vss_duration_s + 60 are clamped to 0.
type Ingester struct {
	vssDurationSec int64

	hasInitial  bool
	initialTime int64
}

// New returns an Ingester that clamps offsets exceeding vssDurationSec+60.
func New(vssDurationSec int64) *Ingester {
	return &Ingester{vssDurationSec: vssDurationSec}
}

// Feed parses one raw log line. ok is false for the first line, which only
// anchors initialTime and carries no message of its own.
func (in *Ingester) Feed(line string) (entry Entry, ok bool, err error) {
	s1 := strings.Index(line, "-")
	if s1 < 0 {
		return Entry{}, false, fmt.Errorf("vsslog: malformed line %q", line)
	}
	level, err := parseLevel(line[:s1])
	if err != nil {
		return Entry{}, false, err
	}

	rest := line[s1+1:]
	s2 := strings.Index(rest, "-")
	if s2 < 0 {
		return Entry{Level: level, Message: rest}, true, nil
	}

	ts, err := strconv.ParseInt(rest[:s2], 10, 64)
	if err != nil {
		return Entry{}, false, fmt.Errorf("vsslog: bad timestamp in %q: %w", line, err)
	}
	msg := rest[s2+1:]

	if !in.hasInitial {
		in.initialTime = ts
		in.hasInitial = true
		return Entry{}, false, nil
	}

	offset := in.initialTime - ts
	if offset > in.vssDurationSec+60 {
		offset = 0
	}

	return Entry{Level: level, OffsetSec: offset, Message: msg}, true, nil
}
