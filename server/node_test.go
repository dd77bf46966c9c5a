package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umit/resql/internal/wire"
	"github.com/umit/resql/pkg/logger"
	"github.com/umit/resql/raft"
	"github.com/umit/resql/rsm"
	"github.com/umit/resql/sqlexec"
)

func startTestNode(t *testing.T) *Node {
	t.Helper()
	_, l := logger.NewTestLogger()

	n, err := NewNode(1, Options{
		DataDir:    t.TempDir(),
		ListenAddr: "127.0.0.1:0",
		Bootstrap:  []wire.Member{{ID: 1, Addr: "127.0.0.1:0", Voter: true}},
		Config:     raft.TestsConfig(),
		Logger:     l,
	})
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(func() { _ = n.Stop() })
	return n
}

func connectTestSession(t *testing.T, n *Node, name string) int64 {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var resp *wire.ConnectResponse
	require.Eventually(t, func() bool {
		resp = n.Connect(ctx, &wire.ConnectRequest{ClientName: name})
		return resp.Status == wire.StatusOK
	}, 10*time.Second, 20*time.Millisecond, "session not established")
	require.Positive(t, resp.SessionID)
	return resp.SessionID
}

func TestWaitAppliedGatesOnMachine(t *testing.T) {
	_, l := logger.NewTestLogger()
	m := rsm.NewMachine(sqlexec.NewMemEngine(), 0, l)
	n := &Node{machine: m, logger: l}

	_, err := m.Apply(&wire.LogEntry{Index: 1, Term: 1, Kind: wire.EntryConnect, Data: []byte("c1")})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// A read barrier is satisfied only once the state machine itself has
	// executed through the index. Consensus may hand entries off for
	// apply well before that, so its progress must not be consulted here.
	require.NoError(t, n.waitApplied(ctx, 1))
	require.ErrorIs(t, n.waitApplied(ctx, 2), context.DeadlineExceeded)
}

func TestStopShutsDownCleanly(t *testing.T) {
	_, l := logger.NewTestLogger()
	n, err := NewNode(1, Options{
		DataDir:    t.TempDir(),
		ListenAddr: "127.0.0.1:0",
		Bootstrap:  []wire.Member{{ID: 1, Addr: "127.0.0.1:0", Voter: true}},
		Config:     raft.TestsConfig(),
		Logger:     l,
	})
	require.NoError(t, err)
	require.NoError(t, n.Start())

	session := connectTestSession(t, n, "alice")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp := n.Submit(ctx, &wire.SubmitRequest{
		SessionID: session,
		Sequence:  1,
		Batch:     []string{"CREATE TABLE t (v TEXT)"},
	})
	require.Equal(t, wire.StatusOK, resp.Status)

	// Consensus closes the apply channel when it stops; the apply loop
	// must exit on that close instead of reading from a closed channel.
	require.NoError(t, n.Stop())
}

func TestSubmitAndQueryRoundTrip(t *testing.T) {
	n := startTestNode(t)
	session := connectTestSession(t, n, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp := n.Submit(ctx, &wire.SubmitRequest{
		SessionID: session,
		Sequence:  1,
		Batch: []string{
			"CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)",
			"INSERT INTO kv VALUES ('a', '1')",
		},
	})
	require.Equal(t, wire.StatusOK, resp.Status)
	require.NotNil(t, resp.Result)
	assert.EqualValues(t, 1, resp.Result.RowsAffected)

	q := n.Query(ctx, &wire.QueryRequest{SessionID: session, SQL: "SELECT v FROM kv WHERE k = 'a'"})
	require.Equal(t, wire.StatusOK, q.Status)
	require.Len(t, q.Result.Rows, 1)
	assert.Equal(t, "1", q.Result.Rows[0][0])
}

func TestDuplicateSubmitServedFromCache(t *testing.T) {
	n := startTestNode(t)
	session := connectTestSession(t, n, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	setup := n.Submit(ctx, &wire.SubmitRequest{
		SessionID: session,
		Sequence:  1,
		Batch:     []string{"CREATE TABLE t (id INTEGER PRIMARY KEY AUTOINCREMENT)"},
	})
	require.Equal(t, wire.StatusOK, setup.Status)

	req := &wire.SubmitRequest{
		SessionID: session,
		Sequence:  2,
		Batch:     []string{"INSERT INTO t DEFAULT VALUES"},
	}
	first := n.Submit(ctx, req)
	require.Equal(t, wire.StatusOK, first.Status)

	// The retry must not re-execute the insert: same result, one row.
	second := n.Submit(ctx, req)
	require.Equal(t, wire.StatusOK, second.Status)
	assert.Equal(t, first.Result.LastInsertID, second.Result.LastInsertID)

	q := n.Query(ctx, &wire.QueryRequest{SessionID: session, SQL: "SELECT COUNT(*) FROM t"})
	require.Equal(t, wire.StatusOK, q.Status)
	assert.Equal(t, "1", q.Result.Rows[0][0])
}

func TestSubmitUnknownSession(t *testing.T) {
	n := startTestNode(t)
	// Make sure the node is serving before poking it with a bogus session.
	connectTestSession(t, n, "warmup")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp := n.Submit(ctx, &wire.SubmitRequest{
		SessionID: 999999,
		Sequence:  1,
		Batch:     []string{"SELECT 1"},
	})
	assert.Equal(t, wire.StatusSessionExpired, resp.Status)
}

func TestQueryUnknownSession(t *testing.T) {
	n := startTestNode(t)
	connectTestSession(t, n, "warmup")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	q := n.Query(ctx, &wire.QueryRequest{SessionID: 999999, SQL: "SELECT 1"})
	assert.Equal(t, wire.StatusSessionExpired, q.Status)
}

func TestConfigChangeAddsLearner(t *testing.T) {
	n := startTestNode(t)
	connectTestSession(t, n, "warmup")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp := n.ConfigChange(ctx, &wire.ConfigChangeRequest{
		Change: wire.ConfigChange{Op: wire.ConfigAddLearner, ID: 2, Addr: "127.0.0.1:1"},
	})
	require.Equal(t, wire.StatusOK, resp.Status)

	cfg := n.Raft().ClusterConfig()
	require.Len(t, cfg.Members, 2)
	m, ok := cfg.Lookup(2)
	require.True(t, ok)
	assert.False(t, m.Voter)
}

func TestRestartRecoversSessionsAndData(t *testing.T) {
	dir := t.TempDir()
	_, l := logger.NewTestLogger()
	opts := Options{
		DataDir:    dir,
		ListenAddr: "127.0.0.1:0",
		Bootstrap:  []wire.Member{{ID: 1, Addr: "127.0.0.1:0", Voter: true}},
		Config:     raft.TestsConfig(),
		Logger:     l,
	}

	n, err := NewNode(1, opts)
	require.NoError(t, err)
	require.NoError(t, n.Start())

	session := connectTestSession(t, n, "durable")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp := n.Submit(ctx, &wire.SubmitRequest{
		SessionID: session,
		Sequence:  1,
		Batch: []string{
			"CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)",
			"INSERT INTO kv VALUES ('persist', 'me')",
		},
	})
	require.Equal(t, wire.StatusOK, resp.Status)
	require.NoError(t, n.Stop())

	n2, err := NewNode(1, opts)
	require.NoError(t, err)
	require.NoError(t, n2.Start())
	t.Cleanup(func() { _ = n2.Stop() })

	var q *wire.QueryResponse
	require.Eventually(t, func() bool {
		qctx, qcancel := context.WithTimeout(context.Background(), time.Second)
		defer qcancel()
		q = n2.Query(qctx, &wire.QueryRequest{SessionID: session, SQL: "SELECT v FROM kv WHERE k = 'persist'"})
		return q.Status == wire.StatusOK
	}, 10*time.Second, 20*time.Millisecond, "query did not succeed after restart")
	require.Len(t, q.Result.Rows, 1)
	assert.Equal(t, "me", q.Result.Rows[0][0])

	// The session survives too: its next sequence keeps deduplicating.
	dup := n2.Submit(ctx, &wire.SubmitRequest{
		SessionID: session,
		Sequence:  1,
		Batch:     []string{"INSERT INTO kv VALUES ('persist', 'me')"},
	})
	require.Equal(t, wire.StatusOK, dup.Status)
}
