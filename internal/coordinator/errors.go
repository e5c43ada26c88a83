package coordinator

import "fmt"

// ErrKind enumerates the error kinds spec §7 names, each tagged with the
// terminal state (or non-fatal handling) it drives.
type ErrKind int

const (
	KindConnectFail ErrKind = iota
	KindFilelistTimeout
	KindFilelistRemoteError
	KindNoBackupDirs
	KindCannotCreateBackupTree
	KindDiskError
	KindVerifyMismatch
	KindMetadataApplyError
	KindHashIndexError
	KindPathLegalizeWarn
)

func (k ErrKind) String() string {
	switch k {
	case KindConnectFail:
		return "ConnectFail"
	case KindFilelistTimeout:
		return "FilelistTimeout"
	case KindFilelistRemoteError:
		return "FilelistRemoteError"
	case KindNoBackupDirs:
		return "NoBackupDirs"
	case KindCannotCreateBackupTree:
		return "CannotCreateBackupTree"
	case KindDiskError:
		return "DiskError"
	case KindVerifyMismatch:
		return "VerifyMismatch"
	case KindMetadataApplyError:
		return "MetadataApplyError"
	case KindHashIndexError:
		return "HashIndexError"
	case KindPathLegalizeWarn:
		return "PathLegalizeWarn"
	default:
		return "Unknown"
	}
}

// JobError carries one structured error kind plus context, the shape
// workers record on shared state instead of throwing across goroutine
// boundaries (spec §7 policy).
type JobError struct {
	Kind    ErrKind
	Path    string
	Message string
}

func (e *JobError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// IsEarlyError reports whether kind belongs to the EarlyError family
// (spec §4.11: "from Preflight or RequestingFilelist on any failure").
func (k ErrKind) IsEarlyError() bool {
	switch k {
	case KindConnectFail, KindFilelistTimeout, KindFilelistRemoteError, KindNoBackupDirs:
		return true
	default:
		return false
	}
}

// IsFatal reports whether kind belongs to the Fatal family (disk faults;
// HashIndexError is treated as DiskError per spec §7). terminalState does
// not consult it: a kind recorded during Preflight, such as
// CannotCreateBackupTree, ends the job in EarlyError.
func (k ErrKind) IsFatal() bool {
	switch k {
	case KindCannotCreateBackupTree, KindDiskError, KindHashIndexError:
		return true
	default:
		return false
	}
}

// jobErrors accumulates the flags the Coordinator inspects at Finalize to
// pick a terminal state (spec §7: "record structured errors on shared
// state... Coordinator inspects these flags at Finalize").
type jobErrors struct {
	earlyError   *JobError
	diskError    *JobError
	softErrors   []*JobError
	mismatches   []*JobError
	metadataWarn *JobError
}

func (j *jobErrors) recordEarly(err *JobError) {
	if j.earlyError == nil {
		j.earlyError = err
	}
}

func (j *jobErrors) recordDisk(err *JobError) {
	if j.diskError == nil {
		j.diskError = err
	}
}

func (j *jobErrors) recordSoft(err *JobError) {
	j.softErrors = append(j.softErrors, err)
}

func (j *jobErrors) recordMismatch(err *JobError) {
	j.mismatches = append(j.mismatches, err)
}

func (j *jobErrors) recordMetadataWarn(err *JobError) {
	if j.metadataWarn == nil {
		j.metadataWarn = err
	}
}

// terminalState implements spec §4.11's transition table given the flags
// accumulated over the run.
func (j *jobErrors) terminalState() State {
	if j.earlyError != nil {
		return EarlyError
	}
	if j.diskError != nil {
		return Fatal
	}
	if len(j.softErrors) > 0 || len(j.mismatches) > 0 {
		return Failed
	}
	return Committed
}

// needsAdminMail reports whether Finalize should notify admins: Fatal or
// any VerifyMismatch (spec §7).
func (j *jobErrors) needsAdminMail() bool {
	return j.diskError != nil || len(j.mismatches) > 0
}
