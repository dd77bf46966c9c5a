package raft

import (
	"context"

	"github.com/umit/resql/api"
	"github.com/umit/resql/internal/wire"
)

// ReadIndex confirms current leadership with a quorum round and returns a
// commit index that reads served at appliedIndex >= it are linearizable
// against. It does not go through the log.
func (rf *Raft) ReadIndex(ctx context.Context) (int64, error) {
	rf.mu.RLock()
	if !rf.isState(leader) || rf.storageFaulted.Load() {
		rf.mu.RUnlock()
		return 0, api.ErrNotLeader
	}
	// The commit index is only a safe read point once this leader has
	// committed an entry of its own term.
	if rf.getTerm(rf.commitIdx) != rf.curTerm {
		rf.mu.RUnlock()
		return 0, api.ErrNotLeader
	}

	readIdx := rf.commitIdx
	term := rf.curTerm
	prevLogIdx, prevLogTerm := rf.lastLogIdxAndTerm()
	voters := rf.config.Voters()
	quorum := rf.config.Quorum()
	rf.mu.RUnlock()

	if quorum <= 1 {
		return readIdx, nil
	}

	// An empty AppendEntries round: any reply at our term acknowledges our
	// leadership, whether or not the follower's log matched.
	args := &wire.AppendEntriesRequest{
		Term:         term,
		LeaderID:     rf.me,
		PrevLogIndex: prevLogIdx,
		PrevLogTerm:  prevLogTerm,
		LeaderCommit: readIdx,
	}

	acks := make(chan int64, len(voters))
	for _, id := range voters {
		if id == rf.me {
			continue
		}
		go func(peerID int64) {
			tctx, tcancel := context.WithTimeout(ctx, rf.cfg.Timings.RPCTimeout)
			defer tcancel()
			reply, err := rf.transport.SendAppendEntries(tctx, peerID, args)
			if err != nil {
				return
			}
			acks <- reply.Term
		}(id)
	}

	got := 1 // self
	for got < quorum {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-rf.raftCtx.Done():
			return 0, api.ErrShutdown
		case replyTerm := <-acks:
			if replyTerm > term {
				rf.mu.Lock()
				if replyTerm > rf.curTerm {
					rf.becomeFollower(replyTerm)
				}
				rf.mu.Unlock()
				return 0, api.ErrNotLeader
			}
			got++
		}
	}

	// Leadership reconfirmed for the captured term.
	rf.mu.RLock()
	stillLeader := rf.isState(leader) && rf.curTerm == term
	rf.mu.RUnlock()
	if !stillLeader {
		return 0, api.ErrNotLeader
	}
	return readIdx, nil
}
