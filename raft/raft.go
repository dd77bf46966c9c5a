// Package raft implements the consensus engine of the replicated SQL store:
// leader election, log replication, snapshot transfer and single-member
// cluster configuration changes.
package raft

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/umit/resql/api"
	"github.com/umit/resql/internal/wire"
	"github.com/umit/resql/pkg/logger"
)

// Raft is a single consensus peer.
type Raft struct {
	wg sync.WaitGroup
	mu sync.RWMutex // protects all mutable peer state below
	// Lock for storage writes, so persistence keeps the order in which
	// state changed without holding the global lock during disk IO.
	//
	// Lock mu -> update state -> capture write op -> lock pmu -> unlock mu ->
	// run write op -> unlock pmu
	pmu sync.Mutex

	me        int64
	transport api.Transport
	store     api.Store
	fsm       api.FSM
	dead      int32 // set by Stop()

	state State
	cfg   *api.Config

	electionTimer          *time.Timer
	heartbeatTicker        *time.Ticker
	resetElectionTimerCh   chan struct{}
	resetHeartbeatTickerCh chan struct{}

	applyChan         chan *api.ApplyMessage
	signalApplierChan chan struct{}

	// Persistent state:

	curTerm  int64
	votedFor int64
	// log holds the entries after the last snapshot. Entry i lives at
	// absolute index lastIncludedIndex+1+i; the durable copy is in store.
	log []*wire.LogEntry

	lastIncludedIndex int64
	lastIncludedTerm  int64

	// config is the committed cluster membership. Changes are applied when
	// the config entry commits, not when it is appended.
	config *wire.ClusterConfig
	// pendingConfigIdx is the index of an uncommitted config entry on the
	// leader; 0 when no change is in flight.
	pendingConfigIdx int64

	// Volatile state:

	commitIdx      int64
	lastAppliedIdx int64
	leaderID       int64

	// Leader-only, reinitialized after election. Keyed by member id so the
	// maps survive membership changes.
	nextIdx  map[int64]int64
	matchIdx map[int64]int64

	// Follower-side assembly buffer for a chunked snapshot transfer.
	incoming *incomingSnapshot

	// storageFaulted is set when a log write or fsync fails. The node
	// demotes itself and refuses proposals until restarted.
	storageFaulted atomic.Bool

	raftCtx    context.Context
	raftCancel func()
	logger     *slog.Logger

	monitoring *monitoringServer
	metrics    *nodeMetrics
}

var _ api.Raft = (*Raft)(nil)
var _ api.RPCHandler = (*Raft)(nil)

func (rf *Raft) Start() error {
	if err := rf.restoreFromStore(); err != nil {
		return err
	}
	rf.initializeNextIndexes()

	rf.electionTimer = time.NewTimer(rf.randElectionInterval())
	rf.heartbeatTicker = time.NewTicker(rf.cfg.Timings.HeartbeatTimeout)
	rf.heartbeatTicker.Stop()
	rf.becomeFollower(rf.curTerm)

	if rf.cfg.MonitoringAddr != "" {
		rf.monitoring = newMonitoringServer(rf, rf.cfg.MonitoringAddr)
		if err := rf.monitoring.start(); err != nil {
			return err
		}
	}

	rf.wg.Add(3)
	go rf.applier()
	go rf.ticker()
	go rf.snapshotter()

	// Deliver the stored snapshot to the state machine before any entries.
	rf.signalApplier()
	return nil
}

// Stop sets the peer to a dead state and shuts down its background work.
func (rf *Raft) Stop() error {
	if !atomic.CompareAndSwapInt32(&rf.dead, 0, 1) {
		return api.ErrShutdown
	}

	var err error
	if rf.monitoring != nil {
		tctx, tcancel := context.WithTimeout(context.Background(), rf.cfg.Timings.ShutdownTimeout)
		defer tcancel()
		if serr := rf.monitoring.stop(tctx); serr != nil {
			err = errors.Join(err, serr)
		}
	}

	rf.raftCancel()
	rf.wg.Wait()

	if serr := rf.store.Close(); serr != nil {
		err = errors.Join(err, serr)
	}
	return err
}

// Submit proposes a new log entry for replication. The leader stamps the
// entry with its index, term and wall clock; followers reject.
func (rf *Raft) Submit(e *wire.LogEntry) (int64, int64, bool) {
	rf.mu.Lock()

	if !rf.isState(leader) || rf.storageFaulted.Load() {
		term := rf.curTerm
		rf.mu.Unlock()
		return -1, term, false
	}

	term := rf.curTerm
	lastLogIdx, _ := rf.lastLogIdxAndTerm()
	e.Index = lastLogIdx + 1
	e.Term = term
	e.UnixMilli = time.Now().UnixMilli()
	rf.log = append(rf.log, e)
	rf.matchIdx[rf.me] = e.Index
	rf.nextIdx[rf.me] = e.Index + 1
	rf.metrics.proposals.Inc()

	// If the append does not survive, the node must not continue as
	// leader: it is no longer a reliable replica of its own log.
	if err := rf.appendAndUnlock([]*wire.LogEntry{e}); err != nil {
		rf.handleStorageFault("Submit", err)
		return -1, term, false
	}

	go rf.sendSnapshotOrEntries()

	return e.Index, term, true
}

// ChangeConfig proposes a single-member membership change. Only one change
// may be uncommitted at a time.
func (rf *Raft) ChangeConfig(cc *wire.ConfigChange) (int64, int64, error) {
	rf.mu.Lock()

	if !rf.isState(leader) || rf.storageFaulted.Load() {
		term := rf.curTerm
		rf.mu.Unlock()
		return -1, term, api.ErrNotLeader
	}
	if rf.pendingConfigIdx != 0 {
		term := rf.curTerm
		rf.mu.Unlock()
		return -1, term, api.ErrConfigInFlight
	}

	_, known := rf.config.Lookup(cc.ID)
	switch cc.Op {
	case wire.ConfigAddLearner:
		if known {
			term := rf.curTerm
			rf.mu.Unlock()
			return -1, term, errors.New("raft: member already in configuration")
		}
	case wire.ConfigPromoteVoter, wire.ConfigRemoveMember:
		if !known {
			term := rf.curTerm
			rf.mu.Unlock()
			return -1, term, api.ErrUnknownMember
		}
	default:
		term := rf.curTerm
		rf.mu.Unlock()
		return -1, term, errors.New("raft: unknown config change op")
	}

	term := rf.curTerm
	lastLogIdx, _ := rf.lastLogIdxAndTerm()
	e := &wire.LogEntry{
		Index:     lastLogIdx + 1,
		Term:      term,
		Kind:      wire.EntryConfig,
		UnixMilli: time.Now().UnixMilli(),
		Data:      wire.EncodeConfigChange(cc),
	}
	rf.log = append(rf.log, e)
	rf.matchIdx[rf.me] = e.Index
	rf.nextIdx[rf.me] = e.Index + 1
	rf.pendingConfigIdx = e.Index
	rf.logger.Info("proposing config change",
		slog.Int64("member", cc.ID), slog.Int("op", int(cc.Op)), slog.Int64("index", e.Index))

	if err := rf.appendAndUnlock([]*wire.LogEntry{e}); err != nil {
		rf.handleStorageFault("ChangeConfig", err)
		return -1, term, api.ErrStorageFault
	}

	go rf.sendSnapshotOrEntries()

	return e.Index, term, nil
}

// LeaderAddr returns the address of the last known leader, or "".
func (rf *Raft) LeaderAddr() string {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	if m, ok := rf.config.Lookup(rf.leaderID); ok {
		return m.Addr
	}
	return ""
}

// ClusterConfig returns a copy of the active membership.
func (rf *Raft) ClusterConfig() *wire.ClusterConfig {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	return rf.config.Clone()
}

// AppliedIndex returns the highest log index handed to the state machine.
func (rf *Raft) AppliedIndex() int64 {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	return rf.lastAppliedIdx
}

// handleStorageFault demotes the node after a failed log write. Must be
// called without the lock held; it reacquires it.
func (rf *Raft) handleStorageFault(op string, err error) {
	rf.storageFaulted.Store(true)
	rf.logger.Error("log storage fault, demoting",
		slog.String("op", op), logger.ErrAttr(err))

	rf.mu.Lock()
	if rf.isState(leader) {
		rf.becomeFollower(rf.curTerm)
	}
	rf.mu.Unlock()
}
