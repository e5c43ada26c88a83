package coordinator

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/manishalankala/urbackup-coordinator/internal/ctxrecord"
	"github.com/manishalankala/urbackup-coordinator/internal/dao"
	"github.com/manishalankala/urbackup-coordinator/internal/hashindex"
	"github.com/manishalankala/urbackup-coordinator/internal/protocol"
	"github.com/manishalankala/urbackup-coordinator/internal/settings"
	"github.com/manishalankala/urbackup-coordinator/internal/transfer"
)

// fakeDAO is an in-memory stand-in for dao.BackupDAO good enough to drive
// the Coordinator end to end without a real database.
type fakeDAO struct {
	mu        sync.Mutex
	nextID    int64
	jobs      map[int64]*dao.BackupJob
	links     []dao.LinkRow
	states    []dao.JobState
	schedules map[string]dao.RetrySchedule
	durations []dao.DurationSample
}

func newFakeDAO() *fakeDAO {
	return &fakeDAO{
		jobs:      make(map[int64]*dao.BackupJob),
		schedules: make(map[string]dao.RetrySchedule),
	}
}

func (f *fakeDAO) CreateJob(ctx context.Context, clientName, single string) (dao.BackupJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	job := dao.BackupJob{ID: f.nextID, ClientName: clientName, Single: single, State: dao.StateRunning}
	f.jobs[job.ID] = &job
	return job, nil
}

func (f *fakeDAO) UpdateProgress(ctx context.Context, jobID int64, bytesReceived int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[jobID]; ok {
		j.BytesReceived = bytesReceived
	}
	return nil
}

func (f *fakeDAO) MarkState(ctx context.Context, jobID int64, state dao.JobState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
	if j, ok := f.jobs[jobID]; ok {
		j.State = state
	}
	return nil
}

func (f *fakeDAO) InsertLinkRow(ctx context.Context, row dao.LinkRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links = append(f.links, row)
	return nil
}

func (f *fakeDAO) RecordDuration(ctx context.Context, sample dao.DurationSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.durations = append(f.durations, sample)
	return nil
}

func (f *fakeDAO) RecentDurationSamples(ctx context.Context, clientName string, limit int) ([]dao.DurationSample, error) {
	return nil, nil
}

func (f *fakeDAO) SetRetrySchedule(ctx context.Context, sched dao.RetrySchedule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedules[sched.ClientName] = sched
	return nil
}

func (f *fakeDAO) ClearRetrySchedule(ctx context.Context, clientName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.schedules, clientName)
	return nil
}

func (f *fakeDAO) GetRetrySchedule(ctx context.Context, clientName string) (dao.RetrySchedule, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.schedules[clientName]
	return s, ok, nil
}

func (f *fakeDAO) Close() error { return nil }

// fakeFileClient returns a fixed 5-byte payload for every fetch,
// regardless of the requested path.
type fakeFileClient struct {
	hashed *bool
}

func (f fakeFileClient) SetHashedTransfer(hashed bool) {
	if f.hashed != nil {
		*f.hashed = hashed
	}
}

func (f fakeFileClient) Fetch(ctx context.Context, clientPath, destDir string) (transfer.FetchResult, error) {
	return f.FetchRange(ctx, clientPath, 0, 0, destDir)
}

func (fakeFileClient) FetchRange(ctx context.Context, clientPath string, offset, length int64, destDir string) (transfer.FetchResult, error) {
	tmp, err := os.CreateTemp(destDir, "fetch-*.tmp")
	if err != nil {
		return transfer.FetchResult{}, err
	}
	defer tmp.Close()
	if _, err := tmp.Write([]byte("hello")); err != nil {
		return transfer.FetchResult{}, err
	}
	return transfer.FetchResult{TmpPath: tmp.Name(), Size: 5}, nil
}

// fakeServerConn answers one filelist-request negotiation with DONE.
func fakeServerConn(t *testing.T) func(ctx context.Context) (net.Conn, error) {
	client, server := net.Pipe()
	go func() {
		reader := bufio.NewReader(server)
		_, _ = reader.ReadString('\n')
		_ = protocol.WritePacket(server, "DONE")
		server.Close()
	}()
	return func(ctx context.Context) (net.Conn, error) {
		return client, nil
	}
}

func TestCoordinator_Run_FetchPathCommits(t *testing.T) {
	dir := t.TempDir()

	idx, err := hashindex.Open(filepath.Join(dir, "idx"), hashindex.Options{})
	require.NoError(t, err)
	defer idx.Close()

	filelistPath := filepath.Join(dir, "filelist.txt")
	require.NoError(t, os.WriteFile(filelistPath, []byte(`f "hello.txt" 5 -`+"\n"), 0644))

	stagingDir := filepath.Join(dir, "staging")
	require.NoError(t, os.MkdirAll(stagingDir, 0755))

	fdao := newFakeDAO()

	fixedNow := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	jobCtx := ctxrecord.JobContext{
		ServerIdentity: "server1",
		ServerToken:    "",
		Settings: settings.Settings{
			BackupFolder: filepath.Join(dir, "backups"),
			Digest:       settings.DigestSHA256,
		},
		Now: func() time.Time { return fixedNow },
	}

	job := BackupJob{
		ID:         1,
		ClientID:   "client1",
		ClientName: "client1",
		Kind:       Full,
		LogID:      "job-1",
		StartedAt:  fixedNow,
	}

	collab := Collaborators{
		DAO:          fdao,
		Index:        idx,
		Dial:         fakeServerConn(t),
		FileClient:   fakeFileClient{},
		FilelistPath: filelistPath,
		StagingDir:   stagingDir,
	}

	coord := New(jobCtx, job, collab)

	go func() {
		time.Sleep(300 * time.Millisecond)
		_ = os.Remove(filelistPath)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = coord.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, Committed, coord.State())

	require.Len(t, fdao.links, 1)
	require.Equal(t, int64(5), fdao.links[0].Size)

	data, err := os.ReadFile(filepath.Join(jobCtx.Settings.BackupFolder, "client1", coord.path.Single, "hello.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestCoordinator_Preflight_AppliesTransferModeToFileClient(t *testing.T) {
	dir := t.TempDir()

	idx, err := hashindex.Open(filepath.Join(dir, "idx"), hashindex.Options{})
	require.NoError(t, err)
	defer idx.Close()

	var gotHashed bool
	jobCtx := ctxrecord.JobContext{
		Settings: settings.Settings{
			BackupFolder:      filepath.Join(dir, "backups"),
			Digest:            settings.DigestSHA256,
			LocalTransferMode: settings.TransferBlockhash,
		},
		Now: func() time.Time { return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC) },
	}

	coord := New(jobCtx, BackupJob{ClientID: "client1", ClientName: "client1", LogID: "job-1"}, Collaborators{
		DAO:        newFakeDAO(),
		Index:      idx,
		FileClient: fakeFileClient{hashed: &gotHashed},
	})

	require.NoError(t, coord.preflight(context.Background()))
	require.True(t, gotHashed)
}

func TestCoordinator_Run_NoBackupDirsIsEarlyError(t *testing.T) {
	dir := t.TempDir()
	idx, err := hashindex.Open(filepath.Join(dir, "idx"), hashindex.Options{})
	require.NoError(t, err)
	defer idx.Close()

	fdao := newFakeDAO()

	client, server := net.Pipe()
	go func() {
		reader := bufio.NewReader(server)
		_, _ = reader.ReadString('\n')
		_ = protocol.WritePacket(server, "no backup dirs")
		server.Close()
	}()

	jobCtx := ctxrecord.JobContext{
		Settings: settings.Settings{BackupFolder: filepath.Join(dir, "backups"), Digest: settings.DigestSHA256},
		Now:      time.Now,
	}
	job := BackupJob{ClientName: "client2", Kind: Full, LogID: "job-2", StartedAt: time.Now()}

	collab := Collaborators{
		DAO:   fdao,
		Index: idx,
		Dial: func(ctx context.Context) (net.Conn, error) {
			return client, nil
		},
	}

	coord := New(jobCtx, job, collab)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = coord.Run(ctx)
	require.Error(t, err)
	require.Equal(t, EarlyError, coord.State())
	require.Contains(t, fdao.schedules, "client2")
}
