package coordinator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xtaci/smux"

	"github.com/manishalankala/urbackup-coordinator/internal/backuppath"
	"github.com/manishalankala/urbackup-coordinator/internal/ctxrecord"
	"github.com/manishalankala/urbackup-coordinator/internal/dao"
	"github.com/manishalankala/urbackup-coordinator/internal/filelist"
	"github.com/manishalankala/urbackup-coordinator/internal/hashindex"
	"github.com/manishalankala/urbackup-coordinator/internal/legalize"
	"github.com/manishalankala/urbackup-coordinator/internal/mailer"
	"github.com/manishalankala/urbackup-coordinator/internal/metadata"
	"github.com/manishalankala/urbackup-coordinator/internal/pipeline"
	"github.com/manishalankala/urbackup-coordinator/internal/protocol"
	"github.com/manishalankala/urbackup-coordinator/internal/syslog"
	"github.com/manishalankala/urbackup-coordinator/internal/transfer"
	"github.com/manishalankala/urbackup-coordinator/internal/userview"
	"github.com/manishalankala/urbackup-coordinator/internal/verify"
	"github.com/manishalankala/urbackup-coordinator/internal/vsslog"
)

// UserViewAccount is one account the Coordinator should publish a
// permission-collapsed view for once the backup commits (spec §4.9).
type UserViewAccount struct {
	Name         string
	PrincipalIDs []int
}

// Collaborators bundles every external dependency the Coordinator drives.
// All of them are the narrow contracts spec §1 names as out of scope for
// the core, wired here the way jobrun.go's BackupOperation wires
// storeInstance/proxmox.Task/system into one struct instead of threading
// them through every method call.
type Collaborators struct {
	DAO           dao.BackupDAO
	Index         *hashindex.Index
	Snapshot      backuppath.SnapshotHelper
	Dial          func(ctx context.Context) (net.Conn, error)
	FileClient    transfer.FileClientChunked
	MetadataConn  *smux.Session
	Notifier      mailer.Notifier
	PingTimeout   protocol.PingTimeout
	FilelistPath  string
	StagingDir    string
	UserViews     []UserViewAccount
	FreeSpaceStat FreeSpaceChecker
}

// Coordinator owns a single backup job's lifecycle end to end (spec
// §4.1). Small step methods mirror one phase of the state machine each;
// Run drives them in order and inspects accumulated errors at Finalize.
type Coordinator struct {
	jobCtx ctxrecord.JobContext
	job    BackupJob
	collab Collaborators

	state State
	errs  jobErrors

	legalizer *legalize.Legalizer
	path      backuppath.Path
	dbJob     dao.BackupJob

	eta              *ETASmoother
	priorSpeedEstBps float64
	bytesReceived    int64

	prepare    *pipeline.PrepareHashWorker
	commit     *pipeline.CommitHashWorker
	commitDone chan struct{}

	metaStream *metadata.Stream

	viewRoot   *userview.Node
	viewStack  []*userview.Node
	origStack  []string
	legalStack []string

	hashed bool
}

// HashedTransferSetter is an optional interface a Collaborators.FileClient
// may implement to accept the Coordinator's preflight transfer-mode
// decision (spec §4.1 step 1). FileClients that don't implement it always
// pull whole files.
type HashedTransferSetter interface {
	SetHashedTransfer(hashed bool)
}

func New(jobCtx ctxrecord.JobContext, job BackupJob, collab Collaborators) *Coordinator {
	return &Coordinator{
		jobCtx: jobCtx,
		job:    job,
		collab: collab,
		state:  Idle,
	}
}

// State reports the Coordinator's current position in the failure state
// machine (spec §4.11).
func (c *Coordinator) State() State { return c.state }

// Run drives every phase of spec §4.1 in order: Preflight, StartHelpers,
// RequestFilelist, Process, Drain, Finalize. It returns nil whenever the
// job reached a terminal state cleanly; c.State() reports which one.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.preflight(ctx); err != nil {
		return c.teardown(ctx, err)
	}
	if err := c.startHelpers(ctx); err != nil {
		return c.teardown(ctx, err)
	}
	if err := c.requestFilelist(ctx); err != nil {
		return c.teardown(ctx, err)
	}
	if err := c.process(ctx); err != nil {
		c.errs.recordDisk(&JobError{Kind: KindDiskError, Message: err.Error()})
	}
	c.drain()
	c.finalize(ctx)
	return c.teardown(ctx, nil)
}

// preflight builds the backup path tree and opens the per-job legalizer
// and job row, per spec §4.1 step 1. Any failure here is an EarlyError
// regardless of its underlying kind (spec §4.11: "from Preflight or
// RequestingFilelist on any failure").
func (c *Coordinator) preflight(ctx context.Context) error {
	c.state = Preflight

	c.hashed = c.jobCtx.Settings.Hashed()
	if setter, ok := c.collab.FileClient.(HashedTransferSetter); ok {
		setter.SetHashedTransfer(c.hashed)
	}

	if c.collab.FreeSpaceStat != nil {
		ok, err := c.collab.FreeSpaceStat.HasFreeSpace(c.jobCtx.Settings.BackupFolder)
		if err != nil || !ok {
			jerr := &JobError{Kind: KindCannotCreateBackupTree, Message: "insufficient free space on backup volume"}
			c.errs.recordEarly(jerr)
			return jerr
		}
	}

	platform := legalize.POSIX
	if c.jobCtx.Settings.WindowsTarget {
		platform = legalize.Windows
	}
	c.legalizer = legalize.New(platform, c.jobCtx.Settings.CaseInsensitive)

	var bpKind backuppath.Kind
	switch c.job.Kind {
	case Incremental:
		bpKind = backuppath.Incremental
	case Continuous:
		bpKind = backuppath.Continuous
	default:
		bpKind = backuppath.Full
	}

	path, err := backuppath.Build(backuppath.Options{
		BackupFolder: c.jobCtx.Settings.BackupFolder,
		ClientName:   c.job.ClientName,
		Kind:         bpKind,
		UseSnapshots: c.jobCtx.Settings.UseSnapshots,
		Snapshot:     c.collab.Snapshot,
		Now:          c.jobCtx.Now,
	})
	if err != nil {
		jerr := &JobError{Kind: KindCannotCreateBackupTree, Message: err.Error()}
		c.errs.recordEarly(jerr)
		return jerr
	}
	c.path = path

	c.viewRoot = &userview.Node{Name: "", IsDir: true}
	c.viewStack = []*userview.Node{c.viewRoot}

	dbJob, err := c.collab.DAO.CreateJob(ctx, c.job.ClientName, path.Single)
	if err != nil {
		jerr := &JobError{Kind: KindDiskError, Message: fmt.Sprintf("create job row: %v", err)}
		c.errs.recordEarly(jerr)
		return jerr
	}
	c.dbJob = dbJob

	return nil
}

// startHelpers seeds the ETA smoother from duration history and starts
// the Prepare-Hash/Commit-Hash workers and the metadata stream, per spec
// §4.1 step 2.
func (c *Coordinator) startHelpers(ctx context.Context) error {
	prior := 0.0
	if samples, err := c.collab.DAO.RecentDurationSamples(ctx, c.job.ClientName, 1); err == nil && len(samples) > 0 {
		prior = samples[0].SpeedEstBps
	}
	c.priorSpeedEstBps = prior
	c.eta = NewETASmoother(prior)
	c.eta.Start(c.jobCtx.Now(), 0)

	logID := c.job.LogID
	c.commit = pipeline.NewCommitHashWorker(c.collab.Index, c.path.Root, logID)
	c.prepare = pipeline.NewPrepareHashWorker(c.jobCtx.Settings.Digest, logID, c.commit.Inbound())
	c.commitDone = make(chan struct{})

	go c.prepare.Run()
	go c.commit.Run()
	go c.consumeOutcomes(ctx)

	if c.collab.MetadataConn != nil {
		stream, err := metadata.Open(ctx, c.collab.MetadataConn)
		if err != nil {
			jerr := &JobError{Kind: KindMetadataApplyError, Message: err.Error()}
			c.errs.recordEarly(jerr)
			return jerr
		}
		c.metaStream = stream
	}
	return nil
}

// requestFilelist negotiates filelist construction over a fresh
// connection, per spec §4.10/§4.11.
func (c *Coordinator) requestFilelist(ctx context.Context) error {
	c.state = RequestingFilelist

	if c.collab.Dial == nil {
		jerr := &JobError{Kind: KindConnectFail, Message: "no dial collaborator configured"}
		c.errs.recordEarly(jerr)
		return jerr
	}
	conn, err := c.collab.Dial(ctx)
	if err != nil {
		jerr := &JobError{Kind: KindConnectFail, Message: err.Error()}
		c.errs.recordEarly(jerr)
		return jerr
	}
	defer conn.Close()

	req := protocol.Request{
		Identity:      c.jobCtx.ServerIdentity,
		ServerToken:   c.jobCtx.ServerToken,
		Full:          c.job.Kind == Full,
		Group:         c.job.Group,
		ClientSubname: c.job.SubName,
		WithToken:     c.jobCtx.ServerToken != "",
	}
	if c.job.ResumeIncr {
		req.Resume = "incr"
	}

	start := c.jobCtx.Now()
	outcome := protocol.RequestFilelist(ctx, conn, req, c.collab.PingTimeout)
	if !outcome.Success {
		kind := KindFilelistRemoteError
		switch {
		case outcome.NoBackupDirs:
			kind = KindNoBackupDirs
		case errors.Is(outcome.Err, protocol.ErrFilelistTimeout):
			kind = KindFilelistTimeout
		case errors.Is(outcome.Err, protocol.ErrConnectFail):
			kind = KindConnectFail
		}
		msg := ""
		if outcome.Err != nil {
			msg = outcome.Err.Error()
		}
		jerr := &JobError{Kind: kind, Message: msg}
		c.errs.recordEarly(jerr)
		return jerr
	}

	c.state = Running
	c.fetchTokenFile(ctx)
	c.ingestVSSLog(ctx, conn, c.jobCtx.Now().Sub(start))
	return nil
}

// fetchTokenFile retrieves and parses the client's
// .urbackup_tokens.properties, grounded on
// FileBackup::getTokenFile/createUserViews: fetch
// "urbackup/tokens_<server_token>.properties" over the same FileClient the
// pipeline fetches backup content with, persist a copy alongside the
// hashes sidecar tree, and derive one UserView target per real uid the
// file names. A client with no token file (or one that fails to parse)
// simply gets no user views published at Finalize — this is not fatal to
// the backup itself.
func (c *Coordinator) fetchTokenFile(ctx context.Context) {
	if c.collab.FileClient == nil {
		return
	}

	remotePath := "urbackup/tokens_" + c.jobCtx.ServerToken + ".properties"
	res, err := c.collab.FileClient.Fetch(ctx, remotePath, c.collab.StagingDir)
	if err != nil {
		syslog.L.Info().WithJob(c.job.LogID).WithMessage("no token file for client: " + err.Error()).Write()
		return
	}

	fh, err := os.Open(res.TmpPath)
	if err != nil {
		os.Remove(res.TmpPath)
		return
	}
	tokens, err := metadata.ParseTokens(fh)
	fh.Close()
	if err != nil {
		syslog.L.Warn().WithJob(c.job.LogID).WithMessage("parse token file: " + err.Error()).Write()
		os.Remove(res.TmpPath)
		return
	}

	if mkErr := os.MkdirAll(c.path.HashesRoot, 0755); mkErr == nil {
		dest := filepath.Join(c.path.HashesRoot, ".urbackup_tokens.properties")
		if err := moveOrCopy(res.TmpPath, dest); err != nil {
			syslog.L.Warn().WithJob(c.job.LogID).WithMessage("persist token file: " + err.Error()).Write()
		}
	} else {
		os.Remove(res.TmpPath)
	}

	c.collab.UserViews = userViewAccountsFromTokens(tokens)
}

// userViewAccountsFromTokens derives one UserViewAccount per real uid in
// the client's token file, matching FileBackup::createUserViews: the
// account's principal IDs are its uid plus every gid it belongs to, and
// its account name has path separators sanitized before it becomes a
// share/view directory name.
func userViewAccountsFromTokens(t metadata.Tokens) []UserViewAccount {
	accounts := make([]UserViewAccount, 0, len(t.RealUIDs))
	for _, uid := range t.RealUIDs {
		p := t.Principals[uid]
		ids := append([]int{uid}, p.GIDs...)
		name := strings.NewReplacer("/", "_", "\\", "_").Replace(p.AccountName)
		accounts = append(accounts, UserViewAccount{Name: name, PrincipalIDs: ids})
	}
	return accounts
}

// ingestVSSLog requests the client's buffered VSS log over the
// still-open filelist-request connection and feeds each line through a
// vsslog.Ingester, grounded on FileBackup::logVssLogdata. Ingested lines
// are written to the job's structured log at the level the client
// reported; a client with nothing to report (or one that errors) is not
// fatal to the backup.
func (c *Coordinator) ingestVSSLog(ctx context.Context, conn net.Conn, vssDuration time.Duration) {
	reader := bufio.NewReader(conn)
	body, err := protocol.RequestVSSLog(ctx, conn, reader)
	if err != nil || body == "" {
		return
	}

	ing := vsslog.New(int64(vssDuration.Seconds()))
	for _, line := range strings.Split(body, "\n") {
		if line == "" {
			continue
		}
		entry, ok, err := ing.Feed(line)
		if err != nil {
			syslog.L.Warn().WithJob(c.job.LogID).WithMessage("vsslog: " + err.Error()).Write()
			continue
		}
		if !ok {
			continue
		}
		e := syslog.L.Info()
		switch entry.Level {
		case vsslog.LevelWarn:
			e = syslog.L.Warn()
		case vsslog.LevelError:
			e = syslog.L.Error(errors.New(entry.Message))
		}
		e.WithJob(c.job.LogID).WithField("offset_sec", entry.OffsetSec).WithMessage(entry.Message).Write()
	}
}

// moveOrCopy renames src to dst, falling back to copy+remove across
// filesystem boundaries.
func moveOrCopy(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return os.Remove(src)
}

// process tails the client's append-only filelist and decides, entry by
// entry, whether to link from the Hash Index or fetch (spec §4.1 step 4,
// §4.2, §4.5, §4.9).
func (c *Coordinator) process(ctx context.Context) error {
	entriesCh := make(chan []filelist.Entry, 16)
	tailDone := make(chan error, 1)
	go func() {
		err := filelist.Tail(ctx, c.collab.FilelistPath, entriesCh)
		tailDone <- err
		close(entriesCh)
	}()

	for entries := range entriesCh {
		for _, e := range entries {
			c.processEntry(ctx, e)
		}
	}

	err := <-tailDone
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, filelist.ErrDone) {
		return err
	}
	return nil
}

func (c *Coordinator) processEntry(ctx context.Context, e filelist.Entry) {
	switch e.Kind {
	case filelist.EnterDir:
		c.enterDir(e)
		return
	case filelist.LeaveDir:
		c.leaveDir()
		return
	}

	originalPath := filepath.Join(append(append([]string{}, c.origStack...), e.Name)...)
	dirKey := filepath.Join(c.legalStack...)
	legalName := c.legalizer.Legalize(dirKey, originalPath, e.Name)
	legalRelPath := filepath.Join(filepath.Join(c.legalStack...), legalName)
	destPath := filepath.Join(c.path.Root, legalRelPath)

	c.addViewLeaf(legalName, e)
	c.bytesReceived += e.Size
	if now := c.jobCtx.Now(); true {
		c.eta.Tick(now, c.bytesReceived)
	}

	decision, err := Decide(c.collab.Index, e, destPath)
	if err != nil {
		c.errs.recordDisk(&JobError{Kind: KindHashIndexError, Path: originalPath, Message: err.Error()})
		return
	}

	switch decision.Action {
	case ActionEmptyFile:
		c.commitEmptyFile(ctx, legalRelPath, destPath, originalPath)
	case ActionLinked:
		if err := c.collab.DAO.InsertLinkRow(ctx, dao.LinkRow{
			JobID: c.dbJob.ID, Path: legalRelPath, ContentHash: decision.ContentHash, Size: decision.Size,
			CopiedFile: decision.CopiedFile,
		}); err != nil {
			c.errs.recordSoft(&JobError{Kind: KindDiskError, Path: originalPath, Message: err.Error()})
		}
	case ActionFetch:
		c.fetchAndSubmit(ctx, e, legalRelPath, originalPath)
	}
}

func (c *Coordinator) commitEmptyFile(ctx context.Context, legalRelPath, destPath, originalPath string) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		c.errs.recordDisk(&JobError{Kind: KindDiskError, Path: originalPath, Message: err.Error()})
		return
	}
	if f, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644); err != nil {
		c.errs.recordDisk(&JobError{Kind: KindDiskError, Path: originalPath, Message: err.Error()})
		return
	} else {
		f.Close()
	}
	if err := c.collab.DAO.InsertLinkRow(ctx, dao.LinkRow{JobID: c.dbJob.ID, Path: legalRelPath, Size: 0}); err != nil {
		c.errs.recordSoft(&JobError{Kind: KindDiskError, Path: originalPath, Message: err.Error()})
	}
}

func (c *Coordinator) fetchAndSubmit(ctx context.Context, e filelist.Entry, legalRelPath, originalPath string) {
	if c.collab.FileClient == nil {
		c.errs.recordDisk(&JobError{Kind: KindDiskError, Path: originalPath, Message: "no file client configured"})
		return
	}
	result, err := c.collab.FileClient.Fetch(ctx, originalPath, c.collab.StagingDir)
	if err != nil {
		c.errs.recordSoft(&JobError{Kind: KindDiskError, Path: originalPath, Message: err.Error()})
		return
	}
	c.prepare.Submit(pipeline.StagedFile{
		TmpPath:     result.TmpPath,
		LogicalPath: legalRelPath,
		Size:        result.Size,
		ContentHash: e.ContentHash,
		HasHash:     e.HasHash,
		ClientID:    c.job.ClientID,
	})
}

func (c *Coordinator) enterDir(e filelist.Entry) {
	originalPath := filepath.Join(append(append([]string{}, c.origStack...), e.Name)...)
	dirKey := filepath.Join(c.legalStack...)
	legalName := c.legalizer.Legalize(dirKey, originalPath, e.Name)

	c.origStack = append(c.origStack, e.Name)
	c.legalStack = append(c.legalStack, legalName)

	node := &userview.Node{Name: legalName, IsDir: true, Allow: parseAllowExtras(e.Extras)}
	parent := c.viewStack[len(c.viewStack)-1]
	parent.Children = append(parent.Children, node)
	c.viewStack = append(c.viewStack, node)
}

func (c *Coordinator) leaveDir() {
	if len(c.origStack) > 0 {
		c.origStack = c.origStack[:len(c.origStack)-1]
		c.legalStack = c.legalStack[:len(c.legalStack)-1]
	}
	if len(c.viewStack) > 1 {
		c.viewStack = c.viewStack[:len(c.viewStack)-1]
	}
}

func (c *Coordinator) addViewLeaf(legalName string, e filelist.Entry) {
	parent := c.viewStack[len(c.viewStack)-1]
	parent.Children = append(parent.Children, &userview.Node{Name: legalName, Allow: parseAllowExtras(e.Extras)})
}

// parseAllowExtras reads the "principals" filelist extra, a comma-joined
// list of principal ids explicitly granted access to this entry, into the
// map the User-View Builder expects.
func parseAllowExtras(extras map[string]string) map[int]bool {
	raw, ok := extras["principals"]
	if !ok || raw == "" {
		return nil
	}
	allow := make(map[int]bool)
	for _, part := range strings.Split(raw, ",") {
		if id, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			allow[id] = true
		}
	}
	return allow
}

// consumeOutcomes drains the Commit-Hash Worker's outcomes channel for
// the whole job lifetime so a full commit queue never blocks Process
// (spec §4.4). It stops once it receives the Exit marker.
func (c *Coordinator) consumeOutcomes(ctx context.Context) {
	defer close(c.commitDone)
	for o := range c.commit.Outcomes() {
		if o.Marker != nil {
			if *o.Marker == pipeline.MarkerExit {
				return
			}
			continue
		}
		if o.Err != nil {
			c.errs.recordDisk(&JobError{Kind: KindDiskError, Path: o.Path, Message: o.Err.Error()})
			continue
		}
		if err := c.collab.DAO.InsertLinkRow(ctx, dao.LinkRow{
			JobID: c.dbJob.ID, Path: o.Path, ContentHash: o.Hash, Size: o.Size,
			CopiedFile: o.CopiedFile,
		}); err != nil {
			c.errs.recordSoft(&JobError{Kind: KindDiskError, Path: o.Path, Message: err.Error()})
		}
	}
}

// drainPollInterval paces reportDrainProgress's queue-depth polling,
// mirroring the original's Server->wait(1000) inside waitForFileThreads.
const drainPollInterval = time.Second

// drain flushes the pipeline and the metadata stream, per spec §4.1 step
// 5 / §4.4 / §4.7.
func (c *Coordinator) drain() {
	c.state = Draining

	c.prepare.SendMarker(pipeline.MarkerFlush)
	c.reportDrainProgress()

	c.prepare.SendMarker(pipeline.MarkerExit)
	c.prepare.Wait()
	<-c.commitDone

	if c.metaStream != nil {
		if err := c.metaStream.StreamEnd(); err != nil {
			c.errs.recordMetadataWarn(&JobError{Kind: KindMetadataApplyError, Message: err.Error()})
			return
		}
		if err := c.metaStream.Wait(); err != nil {
			c.errs.recordMetadataWarn(&JobError{Kind: KindMetadataApplyError, Message: err.Error()})
		}
	}
}

// reportDrainProgress polls the Commit-Hash Worker's queue depth and
// mid-commit flag after the Flush marker has been sent, logging progress
// until it reports fully quiescent. Grounded on the original's
// waitForFileThreads poll loop (hashpipe->getNumElements()+bsh->isWorking(),
// reported via ServerStatus::setProcessQueuesize every second); the
// authoritative drain gate is still the Exit marker + Wait()/commitDone
// sequence that follows, since IsWorking/QueueDepth alone can read
// transiently empty while upstream work is still in flight.
func (c *Coordinator) reportDrainProgress() {
	for {
		depth := c.commit.QueueDepth()
		working := c.commit.IsWorking()
		if depth == 0 && !working {
			return
		}
		syslog.L.Info().WithJob(c.job.LogID).WithField("queue_depth", depth).WithField("committing", working).WithMessage("draining commit queue").Write()
		time.Sleep(drainPollInterval)
	}
}

// finalize applies buffered metadata, verifies committed content,
// publishes user views, and resolves the terminal state (spec §4.1 step
// 6, §4.7, §4.8, §4.9, §4.11, §7).
func (c *Coordinator) finalize(ctx context.Context) {
	c.state = Finalizing

	if c.metaStream != nil {
		if err := c.metaStream.ApplyMetadata(c.path.HashesRoot, c.path.Root, c.legalizer, c.job.LogID); err != nil {
			c.errs.recordMetadataWarn(&JobError{Kind: KindMetadataApplyError, Message: err.Error()})
		}
	}

	if c.collab.FilelistPath != "" {
		if data, err := os.ReadFile(c.collab.FilelistPath); err == nil {
			c.runVerify(data)
		}
	}

	c.publishUserViews()

	state := c.errs.terminalState()
	c.state = state

	if c.errs.needsAdminMail() && c.collab.Notifier != nil {
		subject := fmt.Sprintf("backup %s for %s", state, c.job.ClientName)
		_ = c.collab.Notifier.Notify(subject, c.summarizeErrors())
	}

	if err := c.collab.DAO.UpdateProgress(ctx, c.dbJob.ID, c.bytesReceived); err != nil {
		syslog.L.Warn().WithJob(c.job.LogID).WithMessage(err.Error()).Write()
	}
}

func (c *Coordinator) runVerify(filelistData []byte) {
	var redownload verify.Redownloader
	if c.collab.FileClient != nil {
		redownload = fileClientRedownloader{client: c.collab.FileClient, dir: c.collab.StagingDir}
	}

	all, mismatches, err := verify.Run(filelistData, verify.Options{
		BackupRoot: c.path.Root,
		Digest:     c.jobCtx.Settings.Digest,
		Resolver:   c.legalizer,
		Redownload: redownload,
		TmpDir:     c.collab.StagingDir,
		LogID:      c.job.LogID,
	})
	if err != nil {
		c.errs.recordDisk(&JobError{Kind: KindDiskError, Message: fmt.Sprintf("verify: %v", err)})
		return
	}
	for _, m := range mismatches {
		c.errs.recordMismatch(&JobError{Kind: KindVerifyMismatch, Path: m.Path, Message: fmt.Sprintf("local=%s remote=%s", m.LocalHash, m.Remote)})
	}
	if !all && len(mismatches) == 0 {
		c.errs.recordSoft(&JobError{Kind: KindVerifyMismatch, Message: "one or more entries failed verification"})
	}
}

func (c *Coordinator) publishUserViews() {
	for _, acct := range c.collab.UserViews {
		roots := userview.FindIdenticalPermissionRoots(c.viewRoot, acct.PrincipalIDs)
		viewTarget, err := userview.CreateUserView(c.viewRoot, acct.PrincipalIDs, acct.Name, c.path.Root, roots)
		if err != nil {
			c.errs.recordSoft(&JobError{Kind: KindDiskError, Message: fmt.Sprintf("user view %s: %v", acct.Name, err)})
			continue
		}
		if err := userview.PublishSharedLinks(c.jobCtx.Settings.BackupFolder, c.job.ClientName, acct.Name, c.path.Single, viewTarget); err != nil {
			c.errs.recordSoft(&JobError{Kind: KindDiskError, Message: fmt.Sprintf("publish view %s: %v", acct.Name, err)})
		}
	}
}

func (c *Coordinator) summarizeErrors() string {
	var b strings.Builder
	if c.errs.earlyError != nil {
		fmt.Fprintf(&b, "early error: %s\n", c.errs.earlyError)
	}
	if c.errs.diskError != nil {
		fmt.Fprintf(&b, "disk error: %s\n", c.errs.diskError)
	}
	for _, m := range c.errs.mismatches {
		fmt.Fprintf(&b, "mismatch: %s\n", m)
	}
	for _, s := range c.errs.softErrors {
		fmt.Fprintf(&b, "soft error: %s\n", s)
	}
	if c.errs.metadataWarn != nil {
		fmt.Fprintf(&b, "metadata warning: %s\n", c.errs.metadataWarn)
	}
	return b.String()
}

// teardown persists retry-schedule bookkeeping and, on EarlyError, tears
// down the partially-built backup tree via a
// SetRetrySchedule/RemoveAllRetrySchedules-style pair run at the very end
// of the job.
func (c *Coordinator) teardown(ctx context.Context, preErr error) error {
	if preErr != nil && !c.state.IsTerminal() {
		// A failure in Preflight/StartHelpers/RequestingFilelist that
		// didn't already resolve a terminal state (spec §4.11: "from
		// Preflight or RequestingFilelist on any failure").
		c.state = EarlyError
	}

	if c.dbJob.ID == 0 {
		// Never got far enough to create the job row; nothing to
		// persist, but a partially-built backup tree can still exist.
		if c.state == EarlyError && c.path.Root != "" {
			_ = backuppath.Teardown(c.path, c.collab.Snapshot)
		}
		return preErr
	}

	switch c.state {
	case Failed, Fatal:
		_ = c.collab.DAO.SetRetrySchedule(ctx, dao.RetrySchedule{
			ClientName:    c.job.ClientName,
			NextAttemptAt: c.jobCtx.Now().Add(1 * time.Hour),
			Reason:        c.state.String(),
		})
	case Committed:
		_ = c.collab.DAO.ClearRetrySchedule(ctx, c.job.ClientName)
		if c.eta != nil {
			_ = c.collab.DAO.RecordDuration(ctx, dao.DurationSample{
				ClientName:  c.job.ClientName,
				FinishedAt:  c.jobCtx.Now(),
				Duration:    c.jobCtx.Now().Sub(c.job.StartedAt),
				SpeedEstBps: SmoothDuration(c.priorSpeedEstBps, c.eta.SpeedEstBps()),
			})
		}
		go c.notifyClientBackupSuccessful()
	case EarlyError:
		_ = c.collab.DAO.SetRetrySchedule(ctx, dao.RetrySchedule{
			ClientName:    c.job.ClientName,
			NextAttemptAt: c.jobCtx.Now().Add(1 * time.Hour),
			Reason:        c.state.String(),
		})
		if c.path.Root != "" {
			_ = backuppath.Teardown(c.path, c.collab.Snapshot)
		}
	}

	if err := c.collab.DAO.MarkState(ctx, c.dbJob.ID, mapDAOState(c.state)); err != nil {
		syslog.L.Warn().WithJob(c.job.LogID).WithMessage(err.Error()).Write()
	}
	return preErr
}

// notifyClientBackupSuccessful sends the "DID BACKUP" notification (spec
// §4.1 step 7) over a fresh control connection. It runs off the job's own
// context, since teardown may return (and cancel that context) before the
// retried send completes, and a failure here is logged but never changes
// the terminal state — the DB commit already happened.
func (c *Coordinator) notifyClientBackupSuccessful() {
	if c.collab.Dial == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	conn, err := c.collab.Dial(ctx)
	if err != nil {
		syslog.L.Warn().WithJob(c.job.LogID).WithMessage("notify backup success: dial: " + err.Error()).Write()
		return
	}
	defer conn.Close()

	if err := protocol.NotifyBackupSuccess(ctx, conn, bufio.NewReader(conn)); err != nil {
		syslog.L.Warn().WithJob(c.job.LogID).WithMessage("notify backup success: " + err.Error()).Write()
	}
}

func mapDAOState(s State) dao.JobState {
	switch s {
	case Committed:
		return dao.StateCommitted
	case Failed:
		return dao.StateFailed
	case Fatal:
		return dao.StateFatal
	case EarlyError:
		return dao.StateEarlyErr
	default:
		return dao.StateRunning
	}
}

// fileClientRedownloader adapts a FileClientChunked into the Verifier's
// narrow Redownloader contract.
type fileClientRedownloader struct {
	client transfer.FileClientChunked
	dir    string
}

func (r fileClientRedownloader) Redownload(clientPath, tmpDir string) (string, error) {
	dir := tmpDir
	if dir == "" {
		dir = r.dir
	}
	result, err := r.client.FetchRange(context.Background(), clientPath, 0, 0, dir)
	if err != nil {
		return "", err
	}
	return result.TmpPath, nil
}
