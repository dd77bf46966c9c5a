// Package server assembles one node of the replicated SQL store: the
// consensus engine, the durable log, the session state machine and the
// request handlers clients talk to.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/umit/resql/api"
	"github.com/umit/resql/internal/wire"
	"github.com/umit/resql/pkg/logger"
	"github.com/umit/resql/pkg/wal"
	"github.com/umit/resql/raft"
	"github.com/umit/resql/rsm"
	"github.com/umit/resql/sqlexec"
	"github.com/umit/resql/transport"
)

// applyOutcome is what the apply loop hands to a request waiting on a log
// index: the term the entry actually committed with and its result.
type applyOutcome struct {
	term   int64
	result *wire.CommandResult
}

// Node is a full store node.
type Node struct {
	id      int64
	cfg     *api.Config
	logger  *slog.Logger
	machine *rsm.Machine
	rf      api.Raft
	handler api.RPCHandler
	applyCh chan *api.ApplyMessage
	srv     *transport.Server

	// waiters maps a log index to the request blocked on its commit.
	// proposeMu orders waiter registration against the apply loop's
	// notification, closing the window where a fast commit could be
	// applied before its waiter is registered.
	proposeMu sync.Mutex
	waiters   *xsync.MapOf[int64, chan applyOutcome]

	wg     sync.WaitGroup
	ctx    context.Context
	cancel func()
}

// Options configures a Node beyond its identity.
type Options struct {
	// DataDir holds the write-ahead log and the SQL engine file.
	DataDir string
	// ListenAddr is the address served for both peers and clients.
	ListenAddr string
	// Bootstrap is the initial membership, used only with empty storage.
	Bootstrap []wire.Member
	// Config falls back to raft.DefaultConfig when nil.
	Config *api.Config
	// Logger falls back to a production logger when nil.
	Logger *slog.Logger
}

func NewNode(id int64, opts Options) (*Node, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = raft.DefaultConfig()
	}
	l := opts.Logger
	if l == nil {
		l = logger.NewLogger(cfg.Log.Env, cfg.Log.AddSource).With(slog.Int64("node", id))
	}

	// The engine file is a materialized view of the log: recovery replays
	// the stored snapshot and log suffix into a clean engine, so a stale
	// file from the previous run must not survive.
	engineDir := filepath.Join(opts.DataDir, "engine")
	if err := os.RemoveAll(engineDir); err != nil {
		return nil, fmt.Errorf("reset sql engine dir: %w", err)
	}
	engine, err := sqlexec.OpenSQLite(engineDir)
	if err != nil {
		return nil, fmt.Errorf("open sql engine: %w", err)
	}
	machine := rsm.NewMachine(engine, cfg.Sessions.InactivityTimeout, l)

	store, err := wal.Open(filepath.Join(opts.DataDir, "log"), l, cfg.Fsync)
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("open log store: %w", err)
	}

	bootstrap := &wire.ClusterConfig{Members: opts.Bootstrap}
	tr := transport.NewTCPTransport(opts.Bootstrap, l)
	applyCh := make(chan *api.ApplyMessage, 256)

	rf, err := raft.NewNodeBuilder(id, bootstrap, applyCh, machine, tr).
		WithConfig(cfg).
		WithLogger(l).
		WithStore(store).
		Build()
	if err != nil {
		engine.Close()
		store.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		id:      id,
		cfg:     cfg,
		logger:  l,
		machine: machine,
		rf:      rf,
		handler: rf.(api.RPCHandler),
		applyCh: applyCh,
		waiters: xsync.NewMapOf[int64, chan applyOutcome](),
		ctx:     ctx,
		cancel:  cancel,
	}
	n.srv = transport.NewServer(opts.ListenAddr, n.handle, l)
	return n, nil
}

// Addr returns the bound listen address.
func (n *Node) Addr() string { return n.srv.Addr() }

// Raft exposes the consensus peer, mainly for tests and tooling.
func (n *Node) Raft() api.Raft { return n.rf }

func (n *Node) Start() error {
	n.wg.Add(1)
	go n.applyLoop()

	if err := n.rf.Start(); err != nil {
		return fmt.Errorf("start consensus: %w", err)
	}
	if err := n.srv.Start(); err != nil {
		return fmt.Errorf("start transport server: %w", err)
	}
	n.logger.Info("node started", slog.String("addr", n.Addr()))
	return nil
}

func (n *Node) Stop() error {
	var err error
	if serr := n.srv.Stop(); serr != nil {
		err = errors.Join(err, serr)
	}
	if serr := n.rf.Stop(); serr != nil && !errors.Is(serr, api.ErrShutdown) {
		err = errors.Join(err, serr)
	}
	n.cancel()
	n.wg.Wait()
	if serr := n.machine.Close(); serr != nil {
		err = errors.Join(err, serr)
	}
	return err
}

// applyLoop drains the consensus apply channel into the state machine and
// wakes requests blocked on commit.
func (n *Node) applyLoop() {
	defer n.wg.Done()

	for {
		var msg *api.ApplyMessage
		var ok bool
		select {
		case <-n.ctx.Done():
			return
		case msg, ok = <-n.applyCh:
			// Consensus closes the channel on shutdown.
			if !ok {
				return
			}
		}
		switch {
		case msg.SnapshotValid:
			if err := n.machine.Restore(msg.Snapshot); err != nil {
				// A snapshot the leader replicated must restore; state
				// divergence here is unrecoverable in-process.
				n.logger.Error("snapshot restore failed", logger.ErrAttr(err))
				panic(fmt.Sprintf("snapshot restore failed at index %d: %v", msg.SnapshotIndex, err))
			}
		case msg.CommandValid:
			res, err := n.machine.Apply(msg.Entry)
			if err != nil {
				n.logger.Error("apply failed", slog.Int64("index", msg.Entry.Index), logger.ErrAttr(err))
				panic(fmt.Sprintf("apply failed at index %d: %v", msg.Entry.Index, err))
			}
			n.proposeMu.Lock()
			ch, ok := n.waiters.LoadAndDelete(msg.Entry.Index)
			n.proposeMu.Unlock()
			if ok {
				ch <- applyOutcome{term: msg.Entry.Term, result: res}
			}
		}
	}
}

// waitApplied blocks until the state machine has applied at least index.
func (n *Node) waitApplied(ctx context.Context, index int64) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for n.machine.AppliedIndex() < index {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
