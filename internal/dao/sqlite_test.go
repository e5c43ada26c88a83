package dao

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestDAO(t *testing.T) *SQLiteDAO {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	d, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestCreateJobAndMarkState(t *testing.T) {
	d := openTestDAO(t)
	ctx := context.Background()

	job, err := d.CreateJob(ctx, "client-a", "260101-0000")
	require.NoError(t, err)
	require.NotZero(t, job.ID)
	require.Equal(t, StateRunning, job.State)

	require.NoError(t, d.MarkState(ctx, job.ID, StateCommitted))
}

func TestInsertLinkRow(t *testing.T) {
	d := openTestDAO(t)
	ctx := context.Background()

	job, err := d.CreateJob(ctx, "client-a", "260101-0000")
	require.NoError(t, err)

	require.NoError(t, d.InsertLinkRow(ctx, LinkRow{JobID: job.ID, Path: "A/x", ContentHash: "H1", Size: 5}))
}

func TestInsertLinkRow_RecordsCopiedFile(t *testing.T) {
	d := openTestDAO(t)
	ctx := context.Background()

	job, err := d.CreateJob(ctx, "client-a", "260101-0000")
	require.NoError(t, err)

	require.NoError(t, d.InsertLinkRow(ctx, LinkRow{JobID: job.ID, Path: "A/copied", ContentHash: "H2", Size: 9, CopiedFile: true}))
	require.NoError(t, d.InsertLinkRow(ctx, LinkRow{JobID: job.ID, Path: "A/linked", ContentHash: "H3", Size: 9, CopiedFile: false}))

	var copiedFlag, linkedFlag int64
	require.NoError(t, d.readDB.QueryRowContext(ctx,
		`SELECT copied_file FROM link_rows WHERE path = ?`, "A/copied").Scan(&copiedFlag))
	require.NoError(t, d.readDB.QueryRowContext(ctx,
		`SELECT copied_file FROM link_rows WHERE path = ?`, "A/linked").Scan(&linkedFlag))

	require.Equal(t, int64(1), copiedFlag)
	require.Equal(t, int64(0), linkedFlag)
}

func TestRecentDurationSamples_OrderedNewestFirst(t *testing.T) {
	d := openTestDAO(t)
	ctx := context.Background()

	base := time.Unix(1700000000, 0)
	require.NoError(t, d.RecordDuration(ctx, DurationSample{ClientName: "c1", FinishedAt: base, Duration: time.Minute, SpeedEstBps: 100}))
	require.NoError(t, d.RecordDuration(ctx, DurationSample{ClientName: "c1", FinishedAt: base.Add(time.Hour), Duration: time.Minute, SpeedEstBps: 200}))

	samples, err := d.RecentDurationSamples(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	require.Equal(t, float64(200), samples[0].SpeedEstBps)
}

func TestRetrySchedule_SetGetClear(t *testing.T) {
	d := openTestDAO(t)
	ctx := context.Background()

	next := time.Unix(1700000000, 0)
	require.NoError(t, d.SetRetrySchedule(ctx, RetrySchedule{ClientName: "c1", NextAttemptAt: next, Reason: "disk_error"}))

	sched, ok, err := d.GetRetrySchedule(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "disk_error", sched.Reason)

	require.NoError(t, d.ClearRetrySchedule(ctx, "c1"))
	_, ok, err = d.GetRetrySchedule(ctx, "c1")
	require.NoError(t, err)
	require.False(t, ok)
}
