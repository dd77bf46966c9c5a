package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/umit/resql/internal/wire"
)

var errConnClosed = errors.New("transport: connection closed")

// result delivers a decoded response or a transport error to a waiter.
type result struct {
	msg any
	err error
}

// peerConn is one outbound framed connection. Requests are multiplexed by
// id; a reader goroutine fans responses back out to the pending map.
type peerConn struct {
	addr        string
	dialTimeout time.Duration

	mu      sync.Mutex // protects conn and writes to it
	conn    net.Conn
	pending *xsync.MapOf[uint64, chan result]
	nextID  atomic.Uint64
	closed  atomic.Bool
}

func newPeerConn(addr string, dialTimeout time.Duration) *peerConn {
	return &peerConn{
		addr:        addr,
		dialTimeout: dialTimeout,
		pending:     xsync.NewMapOf[uint64, chan result](),
	}
}

// ensureConn dials when no live connection exists, starting the response
// reader for the new connection.
func (p *peerConn) ensureConn() (net.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return nil, errConnClosed
	}
	if p.conn != nil {
		return p.conn, nil
	}

	conn, err := net.DialTimeout("tcp", p.addr, p.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	p.conn = conn
	go p.readResponses(conn)
	return conn, nil
}

// readResponses dispatches incoming frames to waiting requests until the
// connection dies, then fails everything still pending.
func (p *peerConn) readResponses(conn net.Conn) {
	for {
		requestID, data, err := readFrame(conn)
		if err != nil {
			p.dropConn(conn, err)
			return
		}

		ch, ok := p.pending.LoadAndDelete(requestID)
		if !ok {
			// Response to a caller that already timed out.
			continue
		}
		msg, err := wire.Decode(data)
		ch <- result{msg: msg, err: err}
	}
}

// dropConn closes a dead connection and fails its pending requests. The
// next Call redials.
func (p *peerConn) dropConn(conn net.Conn, cause error) {
	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
	}
	p.mu.Unlock()
	conn.Close()

	p.pending.Range(func(id uint64, ch chan result) bool {
		if c, ok := p.pending.LoadAndDelete(id); ok {
			c <- result{err: fmt.Errorf("connection to %s lost: %w", p.addr, cause)}
		}
		return true
	})
}

// Call sends one message and waits for its response or ctx expiry.
func (p *peerConn) Call(ctx context.Context, msg any) (any, error) {
	conn, err := p.ensureConn()
	if err != nil {
		return nil, err
	}

	data, err := wire.Encode(msg)
	if err != nil {
		return nil, err
	}

	id := p.nextID.Add(1)
	ch := make(chan result, 1)
	p.pending.Store(id, ch)
	defer p.pending.Delete(id)

	p.mu.Lock()
	if p.conn != conn {
		p.mu.Unlock()
		return nil, fmt.Errorf("connection to %s lost", p.addr)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	err = writeFrame(conn, id, data)
	p.mu.Unlock()
	if err != nil {
		p.dropConn(conn, err)
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.msg, res.err
	}
}

// ClientConn is a dialed connection for store clients. It shares the framed
// multiplexing of peer connections and redials transparently after drops.
type ClientConn struct {
	pc *peerConn
}

func Dial(addr string, dialTimeout time.Duration) *ClientConn {
	if dialTimeout <= 0 {
		dialTimeout = 2 * time.Second
	}
	return &ClientConn{pc: newPeerConn(addr, dialTimeout)}
}

// Call sends one message and waits for its response.
func (c *ClientConn) Call(ctx context.Context, msg any) (any, error) {
	return c.pc.Call(ctx, msg)
}

func (c *ClientConn) Close() { c.pc.Close() }

func (p *peerConn) Close() {
	p.closed.Store(true)
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
