/*
Package api defines the core public interfaces of the replicated SQL store.
It provides the contracts between the consensus engine, the durable log
store, the replicated state machine and the client-facing server.

# Mandatory Implementations

  - FSM: the replicated state machine. The consensus engine guarantees that
    committed log entries are delivered to it in index order, exactly once
    per process lifetime. The library ships a SQL session machine in
    `github.com/umit/resql/rsm`.

  - Transport: how peers exchange RPCs. A framed binary TCP transport is
    provided in `github.com/umit/resql/transport`; tests use an in-process
    simulated network.

  - Store: durable storage for the log, vote metadata and snapshots. A
    segmented write-ahead log implementation lives in
    `github.com/umit/resql/pkg/wal`.
*/
package api

import (
	"context"
	"errors"
	"log/slog"

	"github.com/umit/resql/internal/wire"
)

var (
	ErrOutdatedTerm = errors.New("raft: term has been updated")
	ErrHigherTerm   = errors.New("raft: received higher term in reply")
	ErrOldSnapshot  = errors.New("raft: snapshot index is not newer than the last included index")

	// ErrNotLeader is returned for operations that only the leader may
	// serve. Callers should redirect to the leader hint when one is known.
	ErrNotLeader = errors.New("raft: not the leader")

	// ErrConfigInFlight rejects a membership change while another one is
	// still uncommitted. Changes are applied one member at a time.
	ErrConfigInFlight = errors.New("raft: configuration change already in flight")

	// ErrUnknownMember is returned when a config change references a node
	// the current configuration does not contain.
	ErrUnknownMember = errors.New("raft: unknown cluster member")

	// ErrStorageFault marks a node whose log storage failed a write or
	// fsync. The node demotes itself and refuses to serve until restarted
	// on healthy storage.
	ErrStorageFault = errors.New("raft: log storage fault")

	// ErrShutdown is returned after Stop.
	ErrShutdown = errors.New("raft: node is shut down")

	// ErrNotFound is returned by the log store for indexes outside the
	// retained range.
	ErrNotFound = errors.New("store: entry not found")
)

// Raft is the public interface exposed by a single consensus peer.
type Raft interface {
	// Submit proposes a new log entry for replication. The entry's Index,
	// Term and UnixMilli fields are assigned by the leader.
	//
	// Returns the assigned index, the current term and whether this peer
	// accepted the proposal as leader. If isLeader is false the entry was
	// not accepted and should be redirected. Non-blocking.
	Submit(e *wire.LogEntry) (index int64, term int64, isLeader bool)

	// ChangeConfig proposes a single-member cluster configuration change.
	// Only one change may be pending at a time.
	ChangeConfig(cc *wire.ConfigChange) (index int64, term int64, err error)

	// ReadIndex confirms current leadership with a quorum round and
	// returns a commit index that any read served at appliedIndex >= the
	// returned value is linearizable against.
	ReadIndex(ctx context.Context) (int64, error)

	// State returns the current term and whether this peer believes it is
	// the leader.
	State() (int64, bool)

	// LeaderAddr returns the address of the last known leader, or "".
	LeaderAddr() string

	// ClusterConfig returns the currently active membership.
	ClusterConfig() *wire.ClusterConfig

	// AppliedIndex returns the highest log index handed to the FSM.
	AppliedIndex() int64

	// Snapshot informs the engine that the FSM has produced an image
	// covering all entries up through index. The engine persists it and
	// truncates the log prefix.
	Snapshot(index int64, data []byte) error

	// Start launches all background processes of the peer.
	Start() error

	// Stop terminates the peer, closing background goroutines and
	// connections.
	Stop() error

	// Killed reports whether the peer has been stopped. Typically used by
	// tests.
	Killed() bool
}

// NodeBuilder assembles a consensus peer. Optional pieces fall back to
// production defaults when not provided.
type NodeBuilder interface {
	WithConfig(cfg *Config) NodeBuilder
	WithLogger(l *slog.Logger) NodeBuilder
	WithStore(s Store) NodeBuilder
	Build() (Raft, error)
}

// ApplyMessage is delivered on the apply channel for every committed entry
// and for every installed snapshot.
type ApplyMessage struct {
	CommandValid bool
	Entry        *wire.LogEntry

	SnapshotValid bool
	Snapshot      []byte
	SnapshotIndex int64
	SnapshotTerm  int64
}

// FSM is the replicated state machine the consensus engine drives.
//
// Apply must be deterministic: identical entries produce identical state and
// results on every replica. Snapshot captures must be consistent with respect
// to concurrent Apply calls.
type FSM interface {
	// Apply executes one committed entry and returns its result. SQL-level
	// errors are carried inside the result; an error return is reserved
	// for invariant violations and is fatal.
	Apply(e *wire.LogEntry) (*wire.CommandResult, error)

	// Query serves a read-only statement from current applied state. The
	// caller is responsible for read-index linearizability.
	Query(sessionID int64, sql string) *wire.CommandResult

	// AppliedIndex is the index of the last entry Apply has processed.
	AppliedIndex() int64

	// Snapshot serializes the machine state, returning the image and the
	// applied index it covers.
	Snapshot() ([]byte, int64, error)

	// Restore replaces the machine state from a snapshot image.
	Restore(snapshot []byte) error

	// Close releases underlying resources.
	Close() error
}
