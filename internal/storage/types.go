package storage

import "errors"

var (
	ErrClosed       = errors.New("storage: closed")
	ErrUnknownSet   = errors.New("storage: unknown set name")
	ErrEmptyAddress = errors.New("storage: redis address is required")
)

// Well-known set names.
const (
	SetSent         = "sent"
	SetUnregistered = "unregistered"
)

// Config configures membership storage.
//
// Driver values:
//   - "file": Path is a prefix; each set gets <prefix>.<name>.snapshot.json
//     and <prefix>.<name>.journal.jsonl
//   - "redis": Addr/Password/DB select the server; keys are <KeyPrefix>:<name>
//   - "memory" or "": process-local, lost on exit
type Config struct {
	Driver    string
	Path      string
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// CompactEvery controls file journal compaction (writes between snapshots).
	CompactEvery int
}

func validName(name string) bool {
	switch name {
	case SetSent, SetUnregistered:
		return true
	}
	return false
}
