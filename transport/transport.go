package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/umit/resql/api"
	"github.com/umit/resql/internal/cbreaker"
	"github.com/umit/resql/internal/wire"
)

const defaultDialTimeout = 2 * time.Second

// TCPTransport is the production api.Transport: one multiplexed framed
// connection per peer, guarded by a per-peer circuit breaker so a dead node
// does not hold every heartbeat for a full dial timeout.
type TCPTransport struct {
	logger *slog.Logger

	mu    sync.RWMutex
	addrs map[int64]string

	conns    *xsync.MapOf[int64, *peerConn]
	breakers *xsync.MapOf[int64, *cbreaker.CircuitBreaker]
}

var _ api.Transport = (*TCPTransport)(nil)

func NewTCPTransport(members []wire.Member, l *slog.Logger) *TCPTransport {
	t := &TCPTransport{
		logger:   l,
		addrs:    make(map[int64]string),
		conns:    xsync.NewMapOf[int64, *peerConn](),
		breakers: xsync.NewMapOf[int64, *cbreaker.CircuitBreaker](),
	}
	t.UpdatePeers(members)
	return t
}

// UpdatePeers replaces the address book. Connections to removed members are
// torn down.
func (t *TCPTransport) UpdatePeers(members []wire.Member) {
	next := make(map[int64]string, len(members))
	for _, m := range members {
		next[m.ID] = m.Addr
	}

	t.mu.Lock()
	prev := t.addrs
	t.addrs = next
	t.mu.Unlock()

	for id, addr := range prev {
		if newAddr, ok := next[id]; !ok || newAddr != addr {
			if pc, loaded := t.conns.LoadAndDelete(id); loaded {
				pc.Close()
			}
			t.breakers.Delete(id)
		}
	}
}

func (t *TCPTransport) peer(to int64) (*peerConn, *cbreaker.CircuitBreaker, error) {
	t.mu.RLock()
	addr, ok := t.addrs[to]
	t.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: peer #%d", api.ErrUnknownMember, to)
	}

	pc, _ := t.conns.LoadOrCompute(to, func() *peerConn {
		return newPeerConn(addr, defaultDialTimeout)
	})
	cb, _ := t.breakers.LoadOrCompute(to, func() *cbreaker.CircuitBreaker {
		return cbreaker.NewCircuitBreaker(6, 2, 3*time.Second)
	})
	return pc, cb, nil
}

// call sends a message to a peer through its circuit breaker.
func (t *TCPTransport) call(ctx context.Context, to int64, msg any) (any, error) {
	pc, cb, err := t.peer(to)
	if err != nil {
		return nil, err
	}
	return cbreaker.Do(ctx, cb, func(ctx context.Context) (any, error) {
		return pc.Call(ctx, msg)
	})
}

func (t *TCPTransport) SendRequestVote(
	ctx context.Context, to int64, req *wire.RequestVoteRequest) (*wire.RequestVoteResponse, error) {
	resp, err := t.call(ctx, to, req)
	if err != nil {
		return nil, err
	}
	out, ok := resp.(*wire.RequestVoteResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type %T to RequestVote", resp)
	}
	return out, nil
}

func (t *TCPTransport) SendAppendEntries(
	ctx context.Context, to int64, req *wire.AppendEntriesRequest) (*wire.AppendEntriesResponse, error) {
	resp, err := t.call(ctx, to, req)
	if err != nil {
		return nil, err
	}
	out, ok := resp.(*wire.AppendEntriesResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type %T to AppendEntries", resp)
	}
	return out, nil
}

func (t *TCPTransport) SendInstallSnapshot(
	ctx context.Context, to int64, req *wire.InstallSnapshotRequest) (*wire.InstallSnapshotResponse, error) {
	resp, err := t.call(ctx, to, req)
	if err != nil {
		return nil, err
	}
	out, ok := resp.(*wire.InstallSnapshotResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type %T to InstallSnapshot", resp)
	}
	return out, nil
}

func (t *TCPTransport) Close() error {
	t.conns.Range(func(id int64, pc *peerConn) bool {
		pc.Close()
		t.conns.Delete(id)
		return true
	})
	return nil
}
