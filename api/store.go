package api

import "github.com/umit/resql/internal/wire"

// Metadata is the per-node persistent record outside the log itself. It is
// rewritten atomically on every term or vote change.
type Metadata struct {
	CurrentTerm       int64 `json:"current_term"`
	VotedFor          int64 `json:"voted_for"`
	LastSnapshotIndex int64 `json:"last_snapshot_index"`
	LastSnapshotTerm  int64 `json:"last_snapshot_term"`
}

// Store is the durable storage contract of a consensus peer: an append-only
// indexed log, the vote metadata record and the most recent snapshot.
//
// Append must not return before the entries survive a crash; the engine only
// advances commit state on appends the store has acknowledged.
type Store interface {
	// Append writes entries at the tail of the log and returns the highest
	// index written. Entries must be contiguous with the existing tail.
	Append(entries []*wire.LogEntry) (int64, error)

	// TruncateSuffix discards all entries with index >= from. Crash-safe:
	// a crash mid-truncation must not resurrect discarded entries nor
	// corrupt earlier ones.
	TruncateSuffix(from int64) error

	// TruncatePrefix discards all entries with index <= upTo. Called after
	// a durable snapshot has made them redundant.
	TruncatePrefix(upTo int64) error

	// Entries returns the whole retained log in index order. Used on
	// startup to rebuild the in-memory tail.
	Entries() ([]*wire.LogEntry, error)

	// Read returns the entry at index, or ErrNotFound.
	Read(index int64) (*wire.LogEntry, error)

	// TermAt returns the term of the entry at index, or ErrNotFound.
	TermAt(index int64) (int64, error)

	// FirstIndex and LastIndex bound the retained log; both are 0 when the
	// log is empty.
	FirstIndex() int64
	LastIndex() int64

	// Flush is a durability barrier: all prior appends survive a crash
	// once it returns.
	Flush() error

	// SetMetadata atomically replaces the metadata record.
	SetMetadata(md Metadata) error

	// Metadata returns the persisted metadata record.
	Metadata() (Metadata, error)

	// SaveSnapshot durably replaces the stored snapshot. After a crash
	// either the previous or the new snapshot must be intact, never a
	// partial one.
	SaveSnapshot(meta *wire.SnapshotMeta, data []byte) error

	// ReadSnapshot returns the last stored snapshot, or (nil, nil, nil)
	// when none exists.
	ReadSnapshot() (*wire.SnapshotMeta, []byte, error)

	// Size returns the byte size of the retained log. Drives snapshot
	// triggering.
	Size() (int64, error)

	// Close releases file handles and stops background workers.
	Close() error
}
