package main

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/xtaci/smux"

	"github.com/manishalankala/urbackup-coordinator/internal/backuppath"
	"github.com/manishalankala/urbackup-coordinator/internal/coordinator"
	"github.com/manishalankala/urbackup-coordinator/internal/ctxrecord"
	"github.com/manishalankala/urbackup-coordinator/internal/dao"
	"github.com/manishalankala/urbackup-coordinator/internal/hashindex"
	"github.com/manishalankala/urbackup-coordinator/internal/mailer"
	"github.com/manishalankala/urbackup-coordinator/internal/metrics"
	"github.com/manishalankala/urbackup-coordinator/internal/runner"
	"github.com/manishalankala/urbackup-coordinator/internal/settings"
	"github.com/manishalankala/urbackup-coordinator/internal/transfer"
)

// coordinatorJobStarter builds a fully-wired Coordinator per enqueued
// client and hands it to the runner.Manager, playing the role the
// teacher's jobrpc.QueueArgs/backup.Manager pairing plays: the HTTP layer
// only knows a client name, everything else is assembled here.
type coordinatorJobStarter struct {
	settingsProvider settings.Provider
	dao              dao.BackupDAO
	index            *hashindex.Index
	snapshot         backuppath.SnapshotHelper
	notifier         mailer.Notifier
	metrics          *metrics.Metrics
	manager          *runner.Manager
	clientAddrs      map[string]string
	stagingRoot      string
}

func (s *coordinatorJobStarter) StartJob(clientName string) (string, error) {
	addr, ok := s.clientAddrs[clientName]
	if !ok {
		return "", fmt.Errorf("coordinatord: unknown client %q", clientName)
	}

	cur := s.settingsProvider.Current()
	jobCtx := ctxrecord.New(cur.ServerIdentity, cur.ServerTokenSealed, cur)

	dial := func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{}
		return d.DialContext(ctx, "tcp", addr)
	}

	job := coordinator.BackupJob{
		ClientID:     clientName,
		ClientName:   clientName,
		Kind:         coordinator.Incremental,
		UseSnapshots: cur.UseSnapshots,
		UseReflink:   cur.UseReflink,
		UseTmpfiles:  cur.UseTmpfiles,
		LogID:        fmt.Sprintf("%s-%d", clientName, time.Now().UnixNano()),
		StartedAt:    time.Now(),
	}

	filelistPath := filepath.Join(s.stagingRoot, clientName, "filelist.txt")

	collab := coordinator.Collaborators{
		DAO:           s.dao,
		Index:         s.index,
		Snapshot:      s.snapshot,
		Dial:          dial,
		FileClient:    &lazySmuxFileClient{dial: dial},
		Notifier:      s.notifier,
		PingTimeout:   func() bool { return false },
		FilelistPath:  filelistPath,
		StagingDir:    filepath.Join(s.stagingRoot, clientName),
		FreeSpaceStat: coordinator.NewMinFreeBytesChecker(1 << 30),
	}

	coord := coordinator.New(jobCtx, job, collab)
	rjob := runner.NewCoordinatorJob(clientName, coord)

	s.metrics.JobStarted()
	wrapped := rjob.Run
	rjob.Run = func(ctx context.Context) error {
		defer s.metrics.JobFinished()
		err := wrapped(ctx)
		s.metrics.RecordTerminal(coord.State().String())
		return err
	}

	if err := s.manager.Enqueue(rjob); err != nil {
		return "", err
	}
	return rjob.ID, nil
}

// lazySmuxFileClient dials and multiplexes a fresh smux session the first
// time a fetch is requested, since the Coordinator constructs its
// Collaborators before any connection to the client is known to be needed.
type lazySmuxFileClient struct {
	dial    func(ctx context.Context) (net.Conn, error)
	hashed  bool
	session *smux.Session
}

// SetHashedTransfer implements coordinator.HashedTransferSetter.
func (c *lazySmuxFileClient) SetHashedTransfer(hashed bool) {
	c.hashed = hashed
}

func (c *lazySmuxFileClient) ensureSession(ctx context.Context) (*smux.Session, error) {
	if c.session != nil && !c.session.IsClosed() {
		return c.session, nil
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := smux.Client(conn, smux.DefaultConfig())
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.session = sess
	return sess, nil
}

func (c *lazySmuxFileClient) Fetch(ctx context.Context, clientPath, destDir string) (transfer.FetchResult, error) {
	sess, err := c.ensureSession(ctx)
	if err != nil {
		return transfer.FetchResult{}, err
	}
	return transfer.NewSmuxClient(sess, c.hashed).Fetch(ctx, clientPath, destDir)
}

func (c *lazySmuxFileClient) FetchRange(ctx context.Context, clientPath string, offset, length int64, destDir string) (transfer.FetchResult, error) {
	sess, err := c.ensureSession(ctx)
	if err != nil {
		return transfer.FetchResult{}, err
	}
	return transfer.NewSmuxClient(sess, c.hashed).FetchRange(ctx, clientPath, offset, length, destDir)
}
