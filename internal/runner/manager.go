// Package runner schedules Coordinator runs behind a bounded worker pool
// fed by a queue, with one cancelable context per running job instead of
// a bare unmanaged goroutine per job.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pbnjay/memory"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/manishalankala/urbackup-coordinator/internal/coordinator"
	"github.com/manishalankala/urbackup-coordinator/internal/syslog"
)

var (
	ErrManagerClosed = errors.New("runner: manager is closed")
	ErrAlreadyQueued = errors.New("runner: job already running or queued")
)

// Job is one runnable unit: a fully-wired Coordinator plus the identity
// the Manager tracks it under.
type Job struct {
	ID     string
	Client string
	Run    func(ctx context.Context) error
}

// NewCoordinatorJob wraps a constructed Coordinator as a runner.Job, the
// glue between the per-job orchestration type and the scheduler.
func NewCoordinatorJob(client string, coord *coordinator.Coordinator) Job {
	return Job{ID: uuid.NewString(), Client: client, Run: coord.Run}
}

type runningJob struct {
	cancel context.CancelFunc
}

// Manager bounds how many Coordinator runs execute concurrently and
// tracks in-flight jobs by id for cancellation, backed by the same xsync
// concurrent map the hash index uses.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc

	queue chan Job
	sem   chan struct{}

	running      *xsync.Map[string, runningJob]
	runningCount int64
}

// DefaultMaxConcurrent sizes the worker pool from host memory: each
// concurrent backup job holds staging buffers and an in-flight hash
// index lookup, so budget one job per GiB of total system memory,
// clamped to a sane range for a single coordinator process.
func DefaultMaxConcurrent() int {
	gibs := int(memory.TotalMemory() / (1024 * 1024 * 1024))
	switch {
	case gibs < 2:
		return 2
	case gibs > 64:
		return 64
	default:
		return gibs
	}
}

func NewManager(ctx context.Context, maxConcurrent, queueSize int) *Manager {
	newCtx, cancel := context.WithCancel(ctx)
	m := &Manager{
		ctx:     newCtx,
		cancel:  cancel,
		queue:   make(chan Job, queueSize),
		sem:     make(chan struct{}, maxConcurrent),
		running: xsync.NewMap[string, runningJob](),
	}
	go m.drainQueue()
	return m
}

// Enqueue admits job for execution once a worker slot is free. It
// returns ErrAlreadyQueued if a job with the same ID is already queued or
// running. The client name is not checked, so two jobs for one client
// under different IDs are both admitted.
func (m *Manager) Enqueue(job Job) error {
	select {
	case <-m.ctx.Done():
		return ErrManagerClosed
	default:
	}

	if _, exists := m.running.Load(job.ID); exists {
		return ErrAlreadyQueued
	}

	jobCtx, cancel := context.WithCancel(m.ctx)
	m.running.Store(job.ID, runningJob{cancel: cancel})
	atomic.AddInt64(&m.runningCount, 1)
	job.Run = bindContext(job.Run, jobCtx)

	select {
	case m.queue <- job:
		return nil
	case <-m.ctx.Done():
		m.forget(job.ID)
		cancel()
		return ErrManagerClosed
	}
}

func (m *Manager) forget(jobID string) {
	if _, existed := m.running.LoadAndDelete(jobID); existed {
		atomic.AddInt64(&m.runningCount, -1)
	}
}

func bindContext(run func(ctx context.Context) error, ctx context.Context) func(context.Context) error {
	return func(_ context.Context) error { return run(ctx) }
}

func (m *Manager) drainQueue() {
	for {
		select {
		case <-m.ctx.Done():
			return
		case job := <-m.queue:
			go m.runJob(job)
		}
	}
}

func (m *Manager) runJob(job Job) {
	select {
	case m.sem <- struct{}{}:
	case <-m.ctx.Done():
		m.forget(job.ID)
		return
	}
	defer func() { <-m.sem }()
	defer m.forget(job.ID)

	if err := job.Run(m.ctx); err != nil {
		syslog.L.Error(err).WithJob(job.ID).WithField("client", job.Client).WithMessage("job run failed").Write()
	}
}

// Cancel stops a running or queued job by id, if it's currently tracked.
func (m *Manager) Cancel(jobID string) error {
	rj, exists := m.running.Load(jobID)
	if !exists {
		return fmt.Errorf("runner: job %s not running", jobID)
	}
	rj.cancel()
	return nil
}

func (m *Manager) IsRunning(jobID string) bool {
	_, exists := m.running.Load(jobID)
	return exists
}

func (m *Manager) RunningCount() int {
	return int(atomic.LoadInt64(&m.runningCount))
}

func (m *Manager) Close() {
	m.cancel()
}
