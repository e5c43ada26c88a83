// Package ctxrecord holds the immutable per-job Context record described
// in spec §9 ("Global state"): server_identity, server_token and a
// settings snapshot, injected into the Coordinator at construction and
// never mutated for the job's lifetime.
package ctxrecord

import (
	"time"

	"github.com/manishalankala/urbackup-coordinator/internal/settings"
)

// JobContext is passed by value into the Coordinator so nothing it holds
// can be mutated out from under a running job.
type JobContext struct {
	ServerIdentity string
	ServerToken    string
	Settings       settings.Settings
	Now            func() time.Time
}

func New(identity, token string, s settings.Settings) JobContext {
	return JobContext{
		ServerIdentity: identity,
		ServerToken:    token,
		Settings:       s,
		Now:            time.Now,
	}
}
