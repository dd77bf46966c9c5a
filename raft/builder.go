package raft

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/umit/resql/api"
	"github.com/umit/resql/internal/wire"
	"github.com/umit/resql/pkg/logger"
	"github.com/umit/resql/pkg/wal"
)

type nodeBuilder struct {
	// required
	me        int64
	bootstrap *wire.ClusterConfig
	applyCh   chan *api.ApplyMessage
	fsm       api.FSM
	transport api.Transport

	// optional with defaults
	cfg    *api.Config
	store  api.Store
	logger *slog.Logger
}

// NewNodeBuilder prepares a consensus peer. The bootstrap configuration is
// only used on a node with empty storage; a stored snapshot's membership
// takes precedence.
func NewNodeBuilder(
	nodeID int64,
	bootstrap *wire.ClusterConfig,
	applyCh chan *api.ApplyMessage,
	fsm api.FSM,
	transport api.Transport,
) api.NodeBuilder {
	return &nodeBuilder{
		me:        nodeID,
		bootstrap: bootstrap,
		applyCh:   applyCh,
		fsm:       fsm,
		transport: transport,
		cfg:       DefaultConfig(),
	}
}

func (nb *nodeBuilder) Build() (api.Raft, error) {
	ctx, cancel := context.WithCancel(context.Background())

	log := nb.logger
	if log == nil {
		log = logger.NewLogger(nb.cfg.Log.Env, nb.cfg.Log.AddSource).With(slog.Int64("me", nb.me))
	}

	store := nb.store
	if store == nil {
		var err error
		store, err = wal.Open(fmt.Sprintf("data-%d", nb.me), log, nb.cfg.Fsync)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("builder: failed to open log store: %w", err)
		}
	}

	rf := &Raft{
		raftCtx:                ctx,
		raftCancel:             cancel,
		me:                     nb.me,
		applyChan:              nb.applyCh,
		fsm:                    nb.fsm,
		transport:              nb.transport,
		store:                  store,
		cfg:                    nb.cfg,
		logger:                 log,
		config:                 nb.bootstrap.Clone(),
		votedFor:               votedForNone,
		leaderID:               -1,
		signalApplierChan:      make(chan struct{}, 1),
		resetElectionTimerCh:   make(chan struct{}, 1),
		resetHeartbeatTickerCh: make(chan struct{}, 1),
		log:                    make([]*wire.LogEntry, 0),
		nextIdx:                make(map[int64]int64),
		matchIdx:               make(map[int64]int64),
	}
	rf.metrics = newNodeMetrics(rf.me)
	rf.transport.UpdatePeers(rf.config.Clone().Members)

	return rf, nil
}

func (nb *nodeBuilder) WithConfig(cfg *api.Config) api.NodeBuilder {
	nb.cfg = cfg
	return nb
}

func (nb *nodeBuilder) WithLogger(l *slog.Logger) api.NodeBuilder {
	nb.logger = l
	return nb
}

func (nb *nodeBuilder) WithStore(s api.Store) api.NodeBuilder {
	nb.store = s
	return nb
}
