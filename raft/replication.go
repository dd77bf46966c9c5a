package raft

import (
	"context"
	"slices"

	"github.com/umit/resql/internal/wire"
	"github.com/umit/resql/pkg/logger"
)

// sendSnapshotOrEntries is invoked by the leader to replicate its state to
// every member of the active configuration, learners included.
func (rf *Raft) sendSnapshotOrEntries() {
	rf.mu.Lock()
	// With a single voter the leader's own match index is the quorum.
	if rf.isState(leader) {
		lastCommitIdx := rf.commitIdx
		rf.tryToCommit()
		if rf.commitIdx != lastCommitIdx {
			rf.onCommitAdvance(lastCommitIdx)
			rf.signalApplier()
		}
	}
	curTerm := rf.curTerm
	members := rf.config.Members
	rf.mu.Unlock()

	for _, m := range members {
		if m.ID == rf.me {
			continue
		}
		go func(peerID int64) {
			rf.mu.RLock()
			if rf.curTerm != curTerm || !rf.isState(leader) {
				rf.mu.RUnlock()
				return
			}

			if rf.nextIdx[peerID] <= rf.lastIncludedIndex {
				rf.leaderSendSnapshot(peerID) // releases the lock
				return
			}
			rf.leaderSendEntries(peerID) // releases the lock
		}(m.ID)
	}
}

// leaderSendEntries handles sending log entries to a single peer
//
// Assumes the read lock is held when called; releases it.
func (rf *Raft) leaderSendEntries(peerID int64) {
	prevLogIdx := rf.nextIdx[peerID] - 1
	prevLogTerm := rf.getTerm(prevLogIdx)

	sliceIndex := rf.nextIdx[peerID] - rf.lastIncludedIndex - 1
	entries := make([]*wire.LogEntry, len(rf.log[sliceIndex:]))
	copy(entries, rf.log[sliceIndex:])

	args := &wire.AppendEntriesRequest{
		Term:         rf.curTerm,
		LeaderID:     rf.me,
		PrevLogIndex: prevLogIdx,
		PrevLogTerm:  prevLogTerm,
		LeaderCommit: rf.commitIdx,
		Entries:      entries,
	}
	rf.mu.RUnlock()

	tctx, tcancel := context.WithTimeout(rf.raftCtx, rf.cfg.Timings.RPCTimeout)
	defer tcancel()

	reply, err := rf.transport.SendAppendEntries(tctx, peerID, args)
	if err != nil {
		rf.logger.Debug("failed to send AppendEntries", "peer_id", peerID, logger.ErrAttr(err))
		return
	}

	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.curTerm != args.Term {
		return
	}

	rf.handleAppendEntriesReply(peerID, args, reply)
}

// handleAppendEntriesReply processes the reply from an AppendEntries RPC
//
// Assumes the lock is held when called
func (rf *Raft) handleAppendEntriesReply(peerID int64, req *wire.AppendEntriesRequest, reply *wire.AppendEntriesResponse) {
	if reply.Term > rf.curTerm {
		rf.becomeFollower(reply.Term)
		return
	}

	if !rf.isState(leader) || req.Term != rf.curTerm {
		return
	}

	if reply.Success {
		newMatchIdx := req.PrevLogIndex + int64(len(req.Entries))
		if newMatchIdx > rf.matchIdx[peerID] {
			rf.matchIdx[peerID] = newMatchIdx
		}
		rf.nextIdx[peerID] = rf.matchIdx[peerID] + 1

		lastCommitIdx := rf.commitIdx
		rf.tryToCommit()
		if rf.commitIdx != lastCommitIdx {
			rf.onCommitAdvance(lastCommitIdx)
			rf.signalApplier()
		}
		return
	}

	rf.updateNextIndexAfterConflict(peerID, reply)
}

// updateNextIndexAfterConflict backs off a follower's nextIdx using the
// conflict hints of a failed AppendEntries RPC
//
// Assumes the lock is held when called.
func (rf *Raft) updateNextIndexAfterConflict(peerID int64, reply *wire.AppendEntriesResponse) {
	if reply.ConflictIndex <= 0 {
		return
	}

	if reply.ConflictTerm < 0 {
		rf.nextIdx[peerID] = reply.ConflictIndex
		return
	}

	lastLogIdx, _ := rf.lastLogIdxAndTerm()
	for i := lastLogIdx; i > rf.lastIncludedIndex; i-- {
		if rf.getTerm(i) == reply.ConflictTerm {
			rf.nextIdx[peerID] = i + 1
			return
		}
	}
	rf.nextIdx[peerID] = reply.ConflictIndex
}

// tryToCommit advances the commit index to the highest entry replicated on
// a quorum of voters. Only entries from the current term commit by
// counting; older entries commit transitively.
//
// Assumes the lock is held when called
func (rf *Raft) tryToCommit() {
	voters := rf.config.Voters()
	matches := make([]int64, 0, len(voters))
	for _, id := range voters {
		matches = append(matches, rf.matchIdx[id])
	}
	slices.Sort(matches)

	// The quorum-th highest match index is replicated on a majority.
	newCommitIdx := matches[len(matches)-rf.config.Quorum()]

	if newCommitIdx > rf.commitIdx && rf.getTerm(newCommitIdx) == rf.curTerm {
		rf.commitIdx = newCommitIdx
	}
}
