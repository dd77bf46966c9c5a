// Package rsm implements the replicated state machine: an SQL engine
// wrapped with client session tracking so committed command batches apply
// exactly once even across retries and leader failover.
package rsm

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/umit/resql/api"
	"github.com/umit/resql/internal/wire"
	"github.com/umit/resql/pkg/logger"
	"github.com/umit/resql/sqlexec"
)

var _ api.FSM = (*Machine)(nil)

type session struct {
	id           int64
	name         string
	lastSeq      int64
	lastResult   *wire.CommandResult
	lastActiveMs int64
}

// Machine applies committed log entries to the SQL engine. All replicated
// state lives here: the engine contents, the session table, and the clock
// advanced by leader-stamped entry timestamps. Everything it does must be a
// pure function of the entry stream, so replicas replaying the same log
// arrive at identical state.
type Machine struct {
	mu sync.Mutex

	engine       sqlexec.Engine
	sessions     map[int64]*session
	byName       map[string]int64
	appliedIndex int64
	clockMs      int64

	inactivityTimeout time.Duration
	logger            *slog.Logger
}

func NewMachine(engine sqlexec.Engine, inactivityTimeout time.Duration, l *slog.Logger) *Machine {
	return &Machine{
		engine:            engine,
		sessions:          make(map[int64]*session),
		byName:            make(map[string]int64),
		inactivityTimeout: inactivityTimeout,
		logger:            l,
	}
}

// Apply consumes the next committed entry. Entries must arrive in strict
// index order with no gaps.
func (m *Machine) Apply(e *wire.LogEntry) (*wire.CommandResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.Index != m.appliedIndex+1 {
		return nil, fmt.Errorf("entry index %d does not follow applied index %d", e.Index, m.appliedIndex)
	}
	m.appliedIndex = e.Index
	m.advanceClock(e.UnixMilli)

	switch e.Kind {
	case wire.EntryConnect:
		return m.applyConnect(e), nil
	case wire.EntryCommand:
		return m.applyCommand(e)
	case wire.EntryNoOp, wire.EntryConfig:
		// Config changes take effect in the consensus layer. Here they
		// only advance the applied index and the clock.
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown entry kind %d at index %d", e.Kind, e.Index)
	}
}

// advanceClock moves the deterministic clock forward and expires idle
// sessions. Assumes the lock is held when called.
func (m *Machine) advanceClock(ms int64) {
	if ms <= m.clockMs {
		return
	}
	m.clockMs = ms
	if m.inactivityTimeout <= 0 {
		return
	}
	deadline := m.clockMs - m.inactivityTimeout.Milliseconds()
	for id, s := range m.sessions {
		if s.lastActiveMs < deadline {
			delete(m.sessions, id)
			delete(m.byName, s.name)
			m.logger.Info("session expired", slog.Int64("session", id), slog.String("client", s.name))
		}
	}
}

// applyConnect registers a session whose id is the entry's log index. A
// client reconnecting under the same name replaces its previous session.
// Assumes the lock is held when called.
func (m *Machine) applyConnect(e *wire.LogEntry) *wire.CommandResult {
	name := string(e.Data)
	if old, ok := m.byName[name]; ok {
		delete(m.sessions, old)
	}
	s := &session{id: e.Index, name: name, lastActiveMs: m.clockMs}
	m.sessions[s.id] = s
	m.byName[name] = s.id
	return &wire.CommandResult{SessionID: s.id}
}

// applyCommand runs a statement batch in one transaction. A retry of the
// last applied sequence returns the cached result without touching the
// engine; only that result is retained, so a sequence older than the last
// one is refused rather than answered with the wrong outcome. Assumes the
// lock is held when called.
func (m *Machine) applyCommand(e *wire.LogEntry) (*wire.CommandResult, error) {
	s, ok := m.sessions[e.Session]
	if !ok {
		return &wire.CommandResult{SessionID: e.Session, SessionExpired: true}, nil
	}
	s.lastActiveMs = m.clockMs

	if e.Sequence == s.lastSeq {
		return s.lastResult, nil
	}
	if e.Sequence < s.lastSeq {
		return &wire.CommandResult{
			SessionID: s.id,
			SQLError:  fmt.Sprintf("stale sequence %d, session is at %d", e.Sequence, s.lastSeq),
		}, nil
	}

	batch, err := wire.DecodeBatch(e.Data)
	if err != nil {
		return nil, fmt.Errorf("decode batch at index %d: %w", e.Index, err)
	}

	res := m.execBatch(batch)
	res.SessionID = s.id
	s.lastSeq = e.Sequence
	s.lastResult = res
	return res, nil
}

// execBatch executes the statements in one transaction. A statement error
// rolls everything back and is reported as a result, not as an apply
// failure: rejecting a bad statement is itself deterministic. Assumes the
// lock is held when called.
func (m *Machine) execBatch(batch []string) *wire.CommandResult {
	tx, err := m.engine.Begin()
	if err != nil {
		// Engine failure to even begin is a fault, but surfacing it
		// as an SQL error keeps replicas in agreement.
		return &wire.CommandResult{SQLError: err.Error()}
	}

	res := &wire.CommandResult{}
	for _, stmt := range batch {
		out, err := tx.Exec(stmt)
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				m.logger.Error("rollback failed", logger.ErrAttr(rbErr))
			}
			return &wire.CommandResult{SQLError: err.Error()}
		}
		res.RowsAffected += out.RowsAffected
		res.LastInsertID = out.LastInsertID
	}
	if err := tx.Commit(); err != nil {
		return &wire.CommandResult{SQLError: err.Error()}
	}
	return res
}

// Query runs a read-only statement outside the log. It never mutates
// replicated state; session liveness is only refreshed by logged commands.
func (m *Machine) Query(sessionID int64, stmt string) *wire.CommandResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok && sessionID != 0 {
		return &wire.CommandResult{SessionID: sessionID, SessionExpired: true}
	}
	rows, err := m.engine.Query(stmt)
	if err != nil {
		return &wire.CommandResult{SessionID: sessionID, SQLError: err.Error()}
	}
	return &wire.CommandResult{SessionID: sessionID, Columns: rows.Columns, Rows: rows.Rows}
}

// CachedResult returns the stored outcome for a (session, sequence) pair.
// Only the most recently applied sequence is retained; anything else misses
// so the server re-proposes and the machine decides deterministically.
func (m *Machine) CachedResult(sessionID, seq int64) (*wire.CommandResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || seq != s.lastSeq {
		return nil, false
	}
	return s.lastResult, true
}

func (m *Machine) AppliedIndex() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appliedIndex
}

func (m *Machine) Close() error {
	return m.engine.Close()
}
