// Package client provides a store client with leader discovery, session
// management and exactly-once command submission.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/umit/resql/internal/retry"
	"github.com/umit/resql/internal/wire"
	"github.com/umit/resql/transport"
)

var (
	// ErrSessionExpired means the server dropped this client's session.
	// The caller must Connect again before submitting more commands;
	// outcomes of in-flight commands from the old session are unknown.
	ErrSessionExpired = errors.New("client: session expired")

	// ErrNoLeader is returned when no endpoint acknowledged leadership
	// within the attempt budget.
	ErrNoLeader = errors.New("client: no leader reachable")

	ErrNotConnected = errors.New("client: no session, call Connect first")
)

// SQLError is a committed statement failure. The batch it belonged to was
// rolled back and its sequence number consumed.
type SQLError struct {
	Msg string
}

func (e *SQLError) Error() string { return "client: sql: " + e.Msg }

const (
	defaultCallTimeout = 3 * time.Second
	defaultDialTimeout = 2 * time.Second
	discoveryAttempts  = 8
)

// Option configures a Client.
type Option func(*Client)

func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client talks to one cluster on behalf of one named session. It is safe
// for concurrent use, but commands are serialized: sequence numbers must
// reach the leader in order for duplicate detection to hold.
type Client struct {
	name        string
	callTimeout time.Duration
	logger      *slog.Logger

	mu        sync.Mutex
	addrs     []string
	cur       int
	conns     map[string]*transport.ClientConn
	sessionID int64
	seq       int64
}

// New builds a client for the given endpoints. name identifies the session
// server-side: reconnecting under the same name replaces the old session.
func New(name string, addrs []string, opts ...Option) (*Client, error) {
	if name == "" {
		return nil, errors.New("client: empty client name")
	}
	if len(addrs) == 0 {
		return nil, errors.New("client: no endpoints")
	}
	c := &Client{
		name:        name,
		callTimeout: defaultCallTimeout,
		logger:      slog.Default(),
		addrs:       append([]string(nil), addrs...),
		conns:       make(map[string]*transport.ClientConn),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("client", name))
	return c, nil
}

// Connect establishes (or replaces) this client's session, following leader
// hints until the actual leader answers.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := roundTrip[*wire.ConnectResponse](ctx, c, &wire.ConnectRequest{ClientName: c.name})
	if err != nil {
		return err
	}
	c.sessionID = resp.SessionID
	c.seq = 0
	c.logger.Debug("session established", slog.Int64("session", c.sessionID))
	return nil
}

// Exec submits one batch of statements as a single transaction. On ambiguous
// outcomes it resubmits under the same sequence number, so a batch is applied
// at most once no matter how many times the call is retried.
func (c *Client) Exec(ctx context.Context, stmts ...string) (*wire.CommandResult, error) {
	if len(stmts) == 0 {
		return nil, errors.New("client: empty batch")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == 0 {
		return nil, ErrNotConnected
	}

	seq := c.seq + 1
	req := &wire.SubmitRequest{SessionID: c.sessionID, Sequence: seq, Batch: stmts}
	resp, err := roundTrip[*wire.SubmitResponse](ctx, c, req)
	if err != nil {
		return nil, err
	}
	// The sequence is consumed on any committed outcome, including a
	// rolled-back batch.
	c.seq = seq
	if resp.Result != nil && resp.Result.SQLError != "" {
		return resp.Result, &SQLError{Msg: resp.Result.SQLError}
	}
	return resp.Result, nil
}

// Query runs a linearizable read on the leader. Reads do not consume a
// sequence number.
func (c *Client) Query(ctx context.Context, sql string) (*wire.CommandResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == 0 {
		return nil, ErrNotConnected
	}

	req := &wire.QueryRequest{SessionID: c.sessionID, SQL: sql}
	resp, err := roundTrip[*wire.QueryResponse](ctx, c, req)
	if err != nil {
		return nil, err
	}
	if resp.Result != nil && resp.Result.SQLError != "" {
		return resp.Result, &SQLError{Msg: resp.Result.SQLError}
	}
	return resp.Result, nil
}

// ChangeConfig proposes a single-member cluster configuration change. Intended
// for operator tooling, not ordinary clients.
func (c *Client) ChangeConfig(ctx context.Context, change wire.ConfigChange) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := roundTrip[*wire.ConfigChangeResponse](ctx, c, &wire.ConfigChangeRequest{Change: change})
	return err
}

// Close drops all connections. The session stays alive server-side until its
// inactivity deadline passes.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.conns {
		conn.Close()
	}
	c.conns = make(map[string]*transport.ClientConn)
}

// statusErr is the retryable-condition signal inside a discovery loop.
type statusErr struct {
	status wire.Status
	addr   string
}

func (e *statusErr) Error() string {
	return fmt.Sprintf("client: %s: status %d", e.addr, e.status)
}

func statusOf(msg any) (wire.Status, string, error) {
	switch m := msg.(type) {
	case *wire.ConnectResponse:
		return m.Status, m.LeaderHint, nil
	case *wire.SubmitResponse:
		return m.Status, m.LeaderHint, nil
	case *wire.QueryResponse:
		return m.Status, m.LeaderHint, nil
	case *wire.ConfigChangeResponse:
		return m.Status, m.LeaderHint, nil
	default:
		return 0, "", fmt.Errorf("client: unexpected response %T", msg)
	}
}

// roundTrip sends req to the current endpoint, chasing leader hints and
// rotating through endpoints with backoff until the leader commits an answer.
// Callers hold c.mu.
func roundTrip[T any](ctx context.Context, c *Client, req any) (T, error) {
	var zero T
	var resp any

	err := retry.Do(ctx, func(ctx context.Context) error {
		addr := c.addrs[c.cur]
		conn := c.connTo(addr)

		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		msg, err := conn.Call(callCtx, req)
		cancel()
		if err != nil {
			c.logger.Debug("endpoint unreachable", slog.String("addr", addr), slog.String("error", err.Error()))
			c.advance("")
			return err
		}

		status, hint, err := statusOf(msg)
		if err != nil {
			return err
		}
		switch status {
		case wire.StatusOK, wire.StatusSQLError:
			resp = msg
			return nil
		case wire.StatusSessionExpired:
			return ErrSessionExpired
		case wire.StatusNotLeader:
			c.advance(hint)
			return &statusErr{status: status, addr: addr}
		case wire.StatusTimeout, wire.StatusUnavailable:
			// Same endpoint, same request. Submissions keep their
			// sequence number so a commit that raced the timeout is
			// detected as a duplicate.
			return &statusErr{status: status, addr: addr}
		default:
			return fmt.Errorf("client: %s: unknown status %d", addr, status)
		}
	}, retry.WithMaxAttempts(discoveryAttempts))

	if err != nil {
		if errors.Is(err, ErrSessionExpired) {
			return zero, ErrSessionExpired
		}
		var se *statusErr
		if errors.As(err, &se) && se.status == wire.StatusNotLeader {
			return zero, ErrNoLeader
		}
		return zero, err
	}
	out, ok := resp.(T)
	if !ok {
		return zero, fmt.Errorf("client: unexpected response %T", resp)
	}
	return out, nil
}

// connTo returns a pooled connection to addr, dialing lazily.
func (c *Client) connTo(addr string) *transport.ClientConn {
	if conn, ok := c.conns[addr]; ok {
		return conn
	}
	conn := transport.Dial(addr, defaultDialTimeout)
	c.conns[addr] = conn
	return conn
}

// advance moves the cursor to the hinted leader when one is known, otherwise
// to the next endpoint round-robin.
func (c *Client) advance(hint string) {
	if hint != "" {
		for i, a := range c.addrs {
			if a == hint {
				c.cur = i
				return
			}
		}
		// A hint outside the configured set still gets tried; config
		// changes can introduce members the client was not told about.
		c.addrs = append(c.addrs, hint)
		c.cur = len(c.addrs) - 1
		return
	}
	c.cur = (c.cur + 1) % len(c.addrs)
}
