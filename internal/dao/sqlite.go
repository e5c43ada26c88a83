package dao

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteDAO is the default BackupDAO, a pure-Go sqlite database opened
// read/write-split: one connection pool for writes serialized behind a
// mutex, one read-only pool for concurrent reads, WAL for cross-process
// durability.
type SQLiteDAO struct {
	readDB  *sql.DB
	writeDB *sql.DB
	writeMu sync.Mutex
}

// Open opens dbPath, creating and migrating the schema on first use.
func Open(dbPath string) (*SQLiteDAO, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("dao: mkdir db dir: %w", err)
	}

	writeDB, err := sql.Open("sqlite", dbPath+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("dao: open write db: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	if _, err := writeDB.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("dao: set WAL: %w", err)
	}

	readDB, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("dao: open read db: %w", err)
	}

	d := &SQLiteDAO{readDB: readDB, writeDB: writeDB}
	if err := d.migrate(); err != nil {
		return nil, fmt.Errorf("dao: migrate: %w", err)
	}
	return d, nil
}

func (d *SQLiteDAO) migrate() error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}
	defer src.Close()

	dbDriver, err := sqlite3.WithInstance(d.writeDB, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("build sqlite driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", dbDriver)
	if err != nil {
		return fmt.Errorf("build migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (d *SQLiteDAO) CreateJob(ctx context.Context, clientName, single string) (BackupJob, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	now := time.Now()
	res, err := d.writeDB.ExecContext(ctx,
		`INSERT INTO backup_jobs (client_name, single, state, started_at) VALUES (?, ?, ?, ?)`,
		clientName, single, string(StateRunning), now.Unix())
	if err != nil {
		return BackupJob{}, fmt.Errorf("dao: create job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return BackupJob{}, fmt.Errorf("dao: create job id: %w", err)
	}
	return BackupJob{ID: id, ClientName: clientName, Single: single, State: StateRunning, StartedAt: now}, nil
}

func (d *SQLiteDAO) UpdateProgress(ctx context.Context, jobID int64, bytesReceived int64) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	_, err := d.writeDB.ExecContext(ctx, `UPDATE backup_jobs SET bytes_received = ? WHERE id = ?`, bytesReceived, jobID)
	if err != nil {
		return fmt.Errorf("dao: update progress: %w", err)
	}
	return nil
}

func (d *SQLiteDAO) MarkState(ctx context.Context, jobID int64, state JobState) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	var completedAt any
	if state == StateCommitted || state == StateFailed || state == StateFatal || state == StateEarlyErr {
		completedAt = time.Now().Unix()
	}
	_, err := d.writeDB.ExecContext(ctx,
		`UPDATE backup_jobs SET state = ?, completed_at = COALESCE(?, completed_at) WHERE id = ?`,
		string(state), completedAt, jobID)
	if err != nil {
		return fmt.Errorf("dao: mark state: %w", err)
	}
	return nil
}

func (d *SQLiteDAO) InsertLinkRow(ctx context.Context, row LinkRow) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	_, err := d.writeDB.ExecContext(ctx,
		`INSERT INTO link_rows (job_id, path, content_hash, size, copied_file) VALUES (?, ?, ?, ?, ?)`,
		row.JobID, row.Path, row.ContentHash, row.Size, row.CopiedFile)
	if err != nil {
		return fmt.Errorf("dao: insert link row: %w", err)
	}
	return nil
}

func (d *SQLiteDAO) RecordDuration(ctx context.Context, sample DurationSample) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	_, err := d.writeDB.ExecContext(ctx,
		`INSERT INTO duration_samples (client_name, finished_at, duration_ms, speed_est_bps) VALUES (?, ?, ?, ?)`,
		sample.ClientName, sample.FinishedAt.Unix(), sample.Duration.Milliseconds(), sample.SpeedEstBps)
	if err != nil {
		return fmt.Errorf("dao: record duration: %w", err)
	}
	return nil
}

func (d *SQLiteDAO) RecentDurationSamples(ctx context.Context, clientName string, limit int) ([]DurationSample, error) {
	rows, err := d.readDB.QueryContext(ctx,
		`SELECT finished_at, duration_ms, speed_est_bps FROM duration_samples
		 WHERE client_name = ? ORDER BY finished_at DESC LIMIT ?`, clientName, limit)
	if err != nil {
		return nil, fmt.Errorf("dao: recent durations: %w", err)
	}
	defer rows.Close()

	var out []DurationSample
	for rows.Next() {
		var finishedAt int64
		var durationMs int64
		var speed float64
		if err := rows.Scan(&finishedAt, &durationMs, &speed); err != nil {
			return nil, fmt.Errorf("dao: scan duration sample: %w", err)
		}
		out = append(out, DurationSample{
			ClientName:  clientName,
			FinishedAt:  time.Unix(finishedAt, 0),
			Duration:    time.Duration(durationMs) * time.Millisecond,
			SpeedEstBps: speed,
		})
	}
	return out, rows.Err()
}

func (d *SQLiteDAO) SetRetrySchedule(ctx context.Context, sched RetrySchedule) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	_, err := d.writeDB.ExecContext(ctx,
		`INSERT INTO retry_schedule (client_name, next_attempt_at, reason) VALUES (?, ?, ?)
		 ON CONFLICT(client_name) DO UPDATE SET next_attempt_at = excluded.next_attempt_at, reason = excluded.reason`,
		sched.ClientName, sched.NextAttemptAt.Unix(), sched.Reason)
	if err != nil {
		return fmt.Errorf("dao: set retry schedule: %w", err)
	}
	return nil
}

func (d *SQLiteDAO) ClearRetrySchedule(ctx context.Context, clientName string) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	_, err := d.writeDB.ExecContext(ctx, `DELETE FROM retry_schedule WHERE client_name = ?`, clientName)
	if err != nil {
		return fmt.Errorf("dao: clear retry schedule: %w", err)
	}
	return nil
}

func (d *SQLiteDAO) GetRetrySchedule(ctx context.Context, clientName string) (RetrySchedule, bool, error) {
	var nextAttempt int64
	var reason string
	err := d.readDB.QueryRowContext(ctx,
		`SELECT next_attempt_at, reason FROM retry_schedule WHERE client_name = ?`, clientName).
		Scan(&nextAttempt, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return RetrySchedule{}, false, nil
	}
	if err != nil {
		return RetrySchedule{}, false, fmt.Errorf("dao: get retry schedule: %w", err)
	}
	return RetrySchedule{ClientName: clientName, NextAttemptAt: time.Unix(nextAttempt, 0), Reason: reason}, true, nil
}

func (d *SQLiteDAO) Close() error {
	err1 := d.writeDB.Close()
	err2 := d.readDB.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
