package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/umit/resql/api"
	"github.com/umit/resql/internal/wire"
)

// handle dispatches one decoded message from the transport server.
func (n *Node) handle(ctx context.Context, msg any) (any, error) {
	switch m := msg.(type) {
	case *wire.RequestVoteRequest:
		return n.handler.RequestVote(ctx, m)
	case *wire.AppendEntriesRequest:
		return n.handler.AppendEntries(ctx, m)
	case *wire.InstallSnapshotRequest:
		return n.handler.InstallSnapshot(ctx, m)
	case *wire.ConnectRequest:
		return n.Connect(ctx, m), nil
	case *wire.SubmitRequest:
		return n.Submit(ctx, m), nil
	case *wire.QueryRequest:
		return n.Query(ctx, m), nil
	case *wire.ConfigChangeRequest:
		return n.ConfigChange(ctx, m), nil
	default:
		return nil, fmt.Errorf("unexpected message type %T", msg)
	}
}

// propose submits an entry and registers the commit waiter atomically with
// respect to the apply loop, so a fast commit cannot slip past the waiter.
func (n *Node) propose(e *wire.LogEntry) (index, term int64, ch chan applyOutcome, ok bool) {
	n.proposeMu.Lock()
	defer n.proposeMu.Unlock()

	index, term, ok = n.rf.Submit(e)
	if !ok {
		return 0, term, nil, false
	}
	ch = make(chan applyOutcome, 1)
	n.waiters.Store(index, ch)
	return index, term, ch, true
}

// awaitOutcome blocks on a registered commit waiter.
func (n *Node) awaitOutcome(ctx context.Context, index, term int64, ch chan applyOutcome) (*wire.CommandResult, wire.Status) {
	defer n.waiters.Delete(index)

	select {
	case <-ctx.Done():
		return nil, wire.StatusTimeout
	case <-n.ctx.Done():
		return nil, wire.StatusUnavailable
	case out := <-ch:
		if out.term != term {
			// The slot was taken by another leader's entry.
			return nil, wire.StatusNotLeader
		}
		return out.result, wire.StatusOK
	}
}

// Connect establishes a client session. The session id is the log index the
// connect entry commits at.
func (n *Node) Connect(ctx context.Context, req *wire.ConnectRequest) *wire.ConnectResponse {
	e := &wire.LogEntry{Kind: wire.EntryConnect, Data: []byte(req.ClientName)}
	index, term, ch, ok := n.propose(e)
	if !ok {
		return &wire.ConnectResponse{Status: wire.StatusNotLeader, LeaderHint: n.rf.LeaderAddr()}
	}

	res, status := n.awaitOutcome(ctx, index, term, ch)
	if status != wire.StatusOK {
		return &wire.ConnectResponse{Status: status, LeaderHint: n.rf.LeaderAddr()}
	}
	return &wire.ConnectResponse{Status: wire.StatusOK, SessionID: res.SessionID}
}

// Submit replicates a statement batch under a session and sequence. A
// sequence the machine has already applied is answered from the cached
// result without re-proposing, which is what makes client retries safe.
func (n *Node) Submit(ctx context.Context, req *wire.SubmitRequest) *wire.SubmitResponse {
	if res, ok := n.machine.CachedResult(req.SessionID, req.Sequence); ok {
		return submitResponseFor(res)
	}

	_, isLeader := n.rf.State()
	if !isLeader {
		return &wire.SubmitResponse{Status: wire.StatusNotLeader, LeaderHint: n.rf.LeaderAddr()}
	}

	e := &wire.LogEntry{
		Kind:     wire.EntryCommand,
		Session:  req.SessionID,
		Sequence: req.Sequence,
		Data:     wire.EncodeBatch(req.Batch),
	}
	index, term, ch, ok := n.propose(e)
	if !ok {
		return &wire.SubmitResponse{Status: wire.StatusNotLeader, LeaderHint: n.rf.LeaderAddr()}
	}

	res, status := n.awaitOutcome(ctx, index, term, ch)
	if status != wire.StatusOK {
		return &wire.SubmitResponse{Status: status, LeaderHint: n.rf.LeaderAddr()}
	}
	return submitResponseFor(res)
}

func submitResponseFor(res *wire.CommandResult) *wire.SubmitResponse {
	switch {
	case res == nil:
		return &wire.SubmitResponse{Status: wire.StatusUnavailable}
	case res.SessionExpired:
		return &wire.SubmitResponse{Status: wire.StatusSessionExpired, Result: res}
	case res.SQLError != "":
		return &wire.SubmitResponse{Status: wire.StatusSQLError, Result: res}
	default:
		return &wire.SubmitResponse{Status: wire.StatusOK, Result: res}
	}
}

// Query serves a linearizable read: leadership is confirmed with a quorum
// round and the read waits until the machine has caught up to the confirmed
// commit index.
func (n *Node) Query(ctx context.Context, req *wire.QueryRequest) *wire.QueryResponse {
	readIdx, err := n.rf.ReadIndex(ctx)
	if err != nil {
		if errors.Is(err, api.ErrNotLeader) {
			return &wire.QueryResponse{Status: wire.StatusNotLeader, LeaderHint: n.rf.LeaderAddr()}
		}
		return &wire.QueryResponse{Status: wire.StatusTimeout}
	}
	if err := n.waitApplied(ctx, readIdx); err != nil {
		return &wire.QueryResponse{Status: wire.StatusTimeout}
	}

	res := n.machine.Query(req.SessionID, req.SQL)
	switch {
	case res.SessionExpired:
		return &wire.QueryResponse{Status: wire.StatusSessionExpired, Result: res}
	case res.SQLError != "":
		return &wire.QueryResponse{Status: wire.StatusSQLError, Result: res}
	default:
		return &wire.QueryResponse{Status: wire.StatusOK, Result: res}
	}
}

// ConfigChange proposes a single-member membership change and waits for it
// to commit.
func (n *Node) ConfigChange(ctx context.Context, req *wire.ConfigChangeRequest) *wire.ConfigChangeResponse {
	n.proposeMu.Lock()
	index, term, err := n.rf.ChangeConfig(&req.Change)
	var ch chan applyOutcome
	if err == nil {
		ch = make(chan applyOutcome, 1)
		n.waiters.Store(index, ch)
	}
	n.proposeMu.Unlock()

	if err != nil {
		switch {
		case errors.Is(err, api.ErrNotLeader):
			return &wire.ConfigChangeResponse{Status: wire.StatusNotLeader, LeaderHint: n.rf.LeaderAddr()}
		case errors.Is(err, api.ErrConfigInFlight), errors.Is(err, api.ErrUnknownMember):
			return &wire.ConfigChangeResponse{Status: wire.StatusUnavailable}
		default:
			return &wire.ConfigChangeResponse{Status: wire.StatusUnavailable}
		}
	}

	_, status := n.awaitOutcome(ctx, index, term, ch)
	if status != wire.StatusOK {
		return &wire.ConfigChangeResponse{Status: status, LeaderHint: n.rf.LeaderAddr()}
	}
	return &wire.ConfigChangeResponse{Status: wire.StatusOK}
}
