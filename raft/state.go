package raft

import (
	"fmt"
	"sync/atomic"

	"github.com/umit/resql/api"
	"github.com/umit/resql/internal/wire"
)

type State = uint32

const (
	_ State = iota
	follower
	candidate
	leader
)

// stateToString converts a State to its string representation.
func stateToString(s State) string {
	switch s {
	case follower:
		return "follower"
	case candidate:
		return "candidate"
	case leader:
		return "leader"
	default:
		return "unknown"
	}
}

func (rf *Raft) isState(state State) bool {
	return atomic.LoadUint32(&rf.state) == state
}

// isVoter reports whether this peer votes in the active configuration.
// Learners replicate the log but never start elections or grant votes.
//
// Assumes the lock is held when called
func (rf *Raft) isVoter() bool {
	m, ok := rf.config.Lookup(rf.me)
	return ok && m.Voter
}

// becomeFollower transitions the peer to the follower state
//
// Assumes the lock is held when called
func (rf *Raft) becomeFollower(term int64) {
	rf.logger.Info("transitioning to follower", "term", term)
	atomic.StoreUint32(&rf.state, follower)
	rf.leaderID = -1
	if term > rf.curTerm {
		rf.curTerm = term
		rf.votedFor = votedForNone
	}
	rf.resetElectionTimer()
}

// becomeLeader transitions the peer to the leader state and establishes its
// commit baseline by proposing a no-op for the new term.
//
// Assumes the lock is held when called
func (rf *Raft) becomeLeader() {
	rf.logger.Info("transitioning to leader", "from_state", stateToString(rf.state), "term", rf.curTerm)
	atomic.StoreUint32(&rf.state, leader)
	rf.resetHeartbeatTicker()
	rf.metrics.leaderElections.Inc()

	rf.leaderID = rf.me
	lastLogIdx, _ := rf.lastLogIdxAndTerm()
	rf.nextIdx = make(map[int64]int64, len(rf.config.Members))
	rf.matchIdx = make(map[int64]int64, len(rf.config.Members))
	for _, m := range rf.config.Members {
		rf.nextIdx[m.ID] = lastLogIdx + 1
		rf.matchIdx[m.ID] = 0
	}
	rf.matchIdx[rf.me] = lastLogIdx
	rf.pendingConfigIdx = rf.findPendingConfig()

	if rf.cfg.CommitNoOpOnElection {
		go rf.Submit(&wire.LogEntry{Kind: wire.EntryNoOp})
	}
}

// findPendingConfig locates an uncommitted config entry in the log tail. A
// new leader inherits in-flight changes from the previous term.
//
// Assumes the lock is held when called
func (rf *Raft) findPendingConfig() int64 {
	for i := len(rf.log) - 1; i >= 0; i-- {
		e := rf.log[i]
		if e.Index <= rf.commitIdx {
			break
		}
		if e.Kind == wire.EntryConfig {
			return e.Index
		}
	}
	return 0
}

// checkOrUpdateTerm validates the term from an RPC reply. It returns an
// error if the request's term is outdated. If the reply carries a higher
// term, it transitions the node to a follower.
//
// Assumes the lock is held when called.
func (rf *Raft) checkOrUpdateTerm(rpcCallName string, peerID int64, reqTerm, replyTerm int64) error {
	if replyTerm > rf.curTerm {
		rf.becomeFollower(replyTerm)
		return fmt.Errorf("%w %s reply received from peer #%d", api.ErrHigherTerm, rpcCallName, peerID)
	}

	if !rf.isState(leader) || rf.curTerm != reqTerm {
		return fmt.Errorf("%w ignoring %s reply from peer #%d", api.ErrOutdatedTerm, rpcCallName, peerID)
	}

	return nil
}

// Killed returns true if the server has been stopped.
func (rf *Raft) Killed() bool {
	return atomic.LoadInt32(&rf.dead) == 1
}

// State returns current term and whether this server believes it is the leader
func (rf *Raft) State() (int64, bool) {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	return rf.curTerm, rf.isState(leader)
}
