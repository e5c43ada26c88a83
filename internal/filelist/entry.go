package filelist

// EntryKind tags one parsed filelist record (spec §2 item 5, §3
// FilelistEntry).
type EntryKind int

const (
	EnterDir EntryKind = iota
	LeaveDir
	File
)

// Entry is one event in the streamed filelist. Name carries the raw
// client-side bytes; Extras carries protocol extension key/value pairs
// (e.g. legacy sha256, permissions).
type Entry struct {
	Kind        EntryKind
	Name        string
	Size        int64
	ContentHash string
	HasHash     bool
	Extras      map[string]string
}
