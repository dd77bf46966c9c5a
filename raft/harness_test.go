package raft

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/umit/resql/api"
	"github.com/umit/resql/internal/wire"
	"github.com/umit/resql/pkg/logger"
	"github.com/umit/resql/pkg/wal"
	"github.com/umit/resql/rsm"
	"github.com/umit/resql/sqlexec"
)

var errPeerUnreachable = errors.New("sim: peer unreachable")

// simNetwork routes consensus RPCs between in-process peers and lets tests
// take nodes off the network to simulate crashes and partitions.
type simNetwork struct {
	mu       sync.RWMutex
	handlers map[int64]api.RPCHandler
	down     map[int64]bool
}

func newSimNetwork() *simNetwork {
	return &simNetwork{
		handlers: make(map[int64]api.RPCHandler),
		down:     make(map[int64]bool),
	}
}

func (n *simNetwork) register(id int64, h api.RPCHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = h
}

func (n *simNetwork) unregister(id int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, id)
}

func (n *simNetwork) setDown(id int64, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[id] = down
}

func (n *simNetwork) route(from, to int64) (api.RPCHandler, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.down[from] || n.down[to] {
		return nil, errPeerUnreachable
	}
	h, ok := n.handlers[to]
	if !ok {
		return nil, errPeerUnreachable
	}
	return h, nil
}

// simTransport implements api.Transport over a simNetwork.
type simTransport struct {
	net *simNetwork
	me  int64
}

func (t *simTransport) SendRequestVote(ctx context.Context, to int64, req *wire.RequestVoteRequest) (*wire.RequestVoteResponse, error) {
	h, err := t.net.route(t.me, to)
	if err != nil {
		return nil, err
	}
	return h.RequestVote(ctx, req)
}

func (t *simTransport) SendAppendEntries(ctx context.Context, to int64, req *wire.AppendEntriesRequest) (*wire.AppendEntriesResponse, error) {
	h, err := t.net.route(t.me, to)
	if err != nil {
		return nil, err
	}
	return h.AppendEntries(ctx, req)
}

func (t *simTransport) SendInstallSnapshot(ctx context.Context, to int64, req *wire.InstallSnapshotRequest) (*wire.InstallSnapshotResponse, error) {
	h, err := t.net.route(t.me, to)
	if err != nil {
		return nil, err
	}
	return h.InstallSnapshot(ctx, req)
}

func (t *simTransport) UpdatePeers([]wire.Member) {}

func (t *simTransport) Close() error { return nil }

// clusterNode is one peer of a test cluster together with its state machine
// and the applier draining committed entries into it.
type clusterNode struct {
	id      int64
	dir     string
	rf      api.Raft
	engine  *sqlexec.MemEngine
	machine *rsm.Machine
	applyCh chan *api.ApplyMessage
	quit    chan struct{}
	done    chan struct{}
}

func (cn *clusterNode) runApplier(t *testing.T) {
	defer close(cn.done)
	for {
		select {
		case <-cn.quit:
			return
		case msg, ok := <-cn.applyCh:
			if !ok {
				return
			}
			switch {
			case msg.SnapshotValid:
				if err := cn.machine.Restore(msg.Snapshot); err != nil {
					t.Errorf("node %d: restore at %d: %v", cn.id, msg.SnapshotIndex, err)
					return
				}
			case msg.CommandValid:
				if _, err := cn.machine.Apply(msg.Entry); err != nil {
					t.Errorf("node %d: apply at %d: %v", cn.id, msg.Entry.Index, err)
					return
				}
			}
		}
	}
}

// cluster is an in-process multi-node deployment on a simulated network.
type cluster struct {
	t       *testing.T
	net     *simNetwork
	voters  []wire.Member
	baseDir string
	mu      sync.Mutex
	nodes   map[int64]*clusterNode
}

func newCluster(t *testing.T, n int) *cluster {
	t.Helper()
	c := &cluster{
		t:       t,
		net:     newSimNetwork(),
		baseDir: t.TempDir(),
		nodes:   make(map[int64]*clusterNode),
	}
	for i := 1; i <= n; i++ {
		c.voters = append(c.voters, wire.Member{
			ID: int64(i), Addr: fmt.Sprintf("node-%d", i), Voter: true,
		})
	}
	for i := 1; i <= n; i++ {
		c.startNode(int64(i))
	}
	t.Cleanup(c.shutdown)
	return c
}

// startNode boots (or reboots) node id from its data directory.
func (c *cluster) startNode(id int64) *clusterNode {
	c.t.Helper()
	_, l := logger.NewTestLogger()
	l = l.With("node", id)

	engine := sqlexec.NewMemEngine()
	machine := rsm.NewMachine(engine, time.Minute, l)
	dir := filepath.Join(c.baseDir, fmt.Sprintf("node-%d", id))
	store, err := wal.Open(dir, l, TestsConfig().Fsync)
	require.NoError(c.t, err)

	applyCh := make(chan *api.ApplyMessage, 256)
	tr := &simTransport{net: c.net, me: id}
	rf, err := NewNodeBuilder(id, &wire.ClusterConfig{Members: c.voters}, applyCh, machine, tr).
		WithConfig(TestsConfig()).
		WithLogger(l).
		WithStore(store).
		Build()
	require.NoError(c.t, err)

	cn := &clusterNode{
		id:      id,
		dir:     dir,
		rf:      rf,
		engine:  engine,
		machine: machine,
		applyCh: applyCh,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go cn.runApplier(c.t)

	c.net.register(id, rf.(api.RPCHandler))
	c.net.setDown(id, false)
	require.NoError(c.t, rf.Start())

	c.mu.Lock()
	c.nodes[id] = cn
	c.mu.Unlock()
	return cn
}

func (c *cluster) node(id int64) *clusterNode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[id]
}

// stopNode halts a node's consensus engine and applier, keeping its data
// directory for a later restart.
func (c *cluster) stopNode(id int64) {
	c.t.Helper()
	cn := c.node(id)
	if cn == nil {
		return
	}
	c.net.unregister(id)
	if err := cn.rf.Stop(); err != nil && !errors.Is(err, api.ErrShutdown) {
		c.t.Fatalf("stop node %d: %v", id, err)
	}
	close(cn.quit)
	<-cn.done

	c.mu.Lock()
	delete(c.nodes, id)
	c.mu.Unlock()
}

func (c *cluster) disconnect(id int64) { c.net.setDown(id, true) }
func (c *cluster) reconnect(id int64)  { c.net.setDown(id, false) }

func (c *cluster) shutdown() {
	c.mu.Lock()
	ids := make([]int64, 0, len(c.nodes))
	for id := range c.nodes {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.stopNode(id)
	}
}

// connectedIDs lists nodes that are running and on the network.
func (c *cluster) connectedIDs() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.net.mu.RLock()
	defer c.net.mu.RUnlock()
	var ids []int64
	for id := range c.nodes {
		if !c.net.down[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// waitForLeader blocks until exactly one connected node claims leadership
// in the highest term and returns its id.
func (c *cluster) waitForLeader() int64 {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		leaders := make(map[int64]int64) // term -> node
		maxTerm := int64(0)
		for _, id := range c.connectedIDs() {
			cn := c.node(id)
			if cn == nil {
				continue
			}
			term, isLeader := cn.rf.State()
			if isLeader {
				if prev, ok := leaders[term]; ok && prev != id {
					c.t.Fatalf("two leaders in term %d: %d and %d", term, prev, id)
				}
				leaders[term] = id
				if term > maxTerm {
					maxTerm = term
				}
			}
		}
		if id, ok := leaders[maxTerm]; ok && maxTerm > 0 {
			return id
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.t.Fatalf("no leader elected")
	return 0
}

// submit proposes one entry through the current leader, retrying across
// leader changes, and returns the index it committed at.
func (c *cluster) submit(e *wire.LogEntry) int64 {
	c.t.Helper()
	overall := time.Now().Add(15 * time.Second)
	for time.Now().Before(overall) {
		id := c.waitForLeader()
		cn := c.node(id)
		if cn == nil {
			continue
		}
		clone := *e
		idx, term, ok := cn.rf.Submit(&clone)
		if !ok {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		// Leadership can be lost before the entry commits; confirm it
		// actually applied under the same term.
		attempt := time.Now().Add(2 * time.Second)
		for time.Now().Before(attempt) {
			if cn.rf.AppliedIndex() >= idx {
				if curTerm, _ := cn.rf.State(); curTerm == term {
					return idx
				}
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	c.t.Fatalf("proposal did not commit")
	return 0
}

// connectSession opens a client session via the log and returns its id.
func (c *cluster) connectSession(name string) int64 {
	c.t.Helper()
	return c.submit(&wire.LogEntry{Kind: wire.EntryConnect, Data: []byte(name)})
}

// exec replicates one statement batch under a session and sequence.
func (c *cluster) exec(session, seq int64, stmts ...string) int64 {
	c.t.Helper()
	return c.submit(&wire.LogEntry{
		Kind:     wire.EntryCommand,
		Session:  session,
		Sequence: seq,
		Data:     wire.EncodeBatch(stmts),
	})
}

// waitAppliedOn blocks until the given nodes have applied through index.
func (c *cluster) waitAppliedOn(index int64, ids ...int64) {
	c.t.Helper()
	for _, id := range ids {
		cn := c.node(id)
		require.NotNil(c.t, cn)
		require.Eventually(c.t, func() bool {
			return cn.machine.AppliedIndex() >= index
		}, 10*time.Second, 10*time.Millisecond, "node %d did not apply index %d", id, index)
	}
}

// requireKey asserts a key's value on the given nodes' engines.
func (c *cluster) requireKey(key, want string, ids ...int64) {
	c.t.Helper()
	for _, id := range ids {
		cn := c.node(id)
		require.NotNil(c.t, cn)
		require.Eventually(c.t, func() bool {
			got, ok := cn.engine.Get(key)
			return ok && got == want
		}, 10*time.Second, 10*time.Millisecond, "node %d: key %q != %q", id, key, want)
	}
}
