// Package dao is the narrow contract onto the relational database access
// layer (spec §1 names `backup_dao` as an external collaborator). It also
// carries the ETA/retry persistence spec §4.1's supplemented features add
// on top of that contract: duration history for seeding `speed_est`, and
// retry-schedule bookkeeping on Failed/Fatal/EarlyError outcomes.
package dao

import (
	"context"
	"time"
)

// JobState mirrors the terminal states of the failure state machine
// (spec §4.11) that a committed row can end up in.
type JobState string

const (
	StateRunning   JobState = "running"
	StateCommitted JobState = "committed"
	StateFailed    JobState = "failed"
	StateFatal     JobState = "fatal"
	StateEarlyErr  JobState = "early_error"
)

// BackupJob is the persisted row backing spec §3's BackupJob record.
type BackupJob struct {
	ID            int64
	ClientName    string
	Single        string
	State         JobState
	StartedAt     time.Time
	CompletedAt   *time.Time
	BytesTotal    int64
	BytesReceived int64
}

// LinkRow is one committed file's placement, recorded once per entry
// whether it was linked from the Hash Index or freshly staged (spec §4.2
// "Linked: delete staging file; write SQL link row").
type LinkRow struct {
	JobID       int64
	Path        string
	ContentHash string
	Size        int64
	CopiedFile  bool
}

// DurationSample is one completed backup's timing, used to seed the ETA
// smoother's prior before the first real progress sample arrives.
type DurationSample struct {
	ClientName  string
	FinishedAt  time.Time
	Duration    time.Duration
	SpeedEstBps float64
}

// RetrySchedule is the next-attempt bookkeeping persisted on
// Failed/Fatal/EarlyError outcomes.
type RetrySchedule struct {
	ClientName    string
	NextAttemptAt time.Time
	Reason        string
}

// BackupDAO is the full contract the Coordinator drives. Everything here
// is a thin wrapper over SQL; no business logic lives behind it.
type BackupDAO interface {
	CreateJob(ctx context.Context, clientName, single string) (BackupJob, error)
	UpdateProgress(ctx context.Context, jobID int64, bytesReceived int64) error
	MarkState(ctx context.Context, jobID int64, state JobState) error
	InsertLinkRow(ctx context.Context, row LinkRow) error

	RecordDuration(ctx context.Context, sample DurationSample) error
	RecentDurationSamples(ctx context.Context, clientName string, limit int) ([]DurationSample, error)

	SetRetrySchedule(ctx context.Context, sched RetrySchedule) error
	ClearRetrySchedule(ctx context.Context, clientName string) error
	GetRetrySchedule(ctx context.Context, clientName string) (RetrySchedule, bool, error)

	Close() error
}
