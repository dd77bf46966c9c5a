package raft

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/umit/resql/internal/wire"
	"github.com/umit/resql/pkg/logger"
)

// startElection begins the leader election process for a new term
func (rf *Raft) startElection() {
	timeout := rf.randElectionInterval()

	rf.mu.Lock()
	if !rf.isVoter() {
		rf.mu.Unlock()
		return
	}
	rf.curTerm++
	rf.logger.Info("starting election", "term", rf.curTerm)
	atomic.StoreUint32(&rf.state, candidate)
	rf.votedFor = rf.me
	rf.resetElectionTimer()
	rf.metrics.electionsStarted.Inc()
	lastLogIdx, lastLogTerm := rf.lastLogIdxAndTerm()
	electionTerm := rf.curTerm
	voters := rf.config.Voters()
	quorum := rf.config.Quorum()

	if err := rf.persistMetadataAndUnlock(); err != nil {
		rf.handleStorageFault("startElection", err)
		return
	}

	// Buffered channel to collect replies without blocking
	repliesChan := make(chan *wire.RequestVoteResponse, len(voters))
	args := &wire.RequestVoteRequest{
		Term:         electionTerm,
		CandidateID:  rf.me,
		LastLogIndex: lastLogIdx,
		LastLogTerm:  lastLogTerm,
	}

	// Send RequestVote RPCs in parallel to all voting peers
	for _, id := range voters {
		if id == rf.me {
			continue
		}
		go func(peerID int64) {
			tctx, tcancel := context.WithTimeout(rf.raftCtx, rf.cfg.Timings.RPCTimeout)
			defer tcancel()

			reply, err := rf.transport.SendRequestVote(tctx, peerID, args)
			if err != nil {
				rf.logger.Warn("failed to get vote response from peer", "peer_id", peerID, logger.ErrAttr(err))
				return
			}
			repliesChan <- reply
		}(id)
	}

	rf.countVotes(timeout, repliesChan, electionTerm, quorum)
}

// countVotes collects RequestVote responses until timeout or quorum is
// reached. It steps down on higher-term replies.
func (rf *Raft) countVotes(timeout time.Duration, repliesChan <-chan *wire.RequestVoteResponse, electionTerm int64, quorum int) {
	votes := map[int64]bool{rf.me: true}
	if len(votes) >= quorum {
		// Single-voter cluster: win immediately.
		rf.mu.Lock()
		if rf.curTerm == electionTerm && rf.isState(candidate) {
			rf.becomeLeader()
			rf.mu.Unlock()
			rf.sendSnapshotOrEntries()
			return
		}
		rf.mu.Unlock()
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-rf.raftCtx.Done():
			return
		case <-timer.C:
			rf.logger.Debug("election timed out")
			return
		case reply := <-repliesChan:
			rf.mu.Lock()
			rf.logger.Debug("received vote reply", "voter", reply.VoterID, "granted", reply.Granted, "term", reply.Term)

			// Step down if reply term is newer
			if reply.Term > rf.curTerm {
				rf.becomeFollower(reply.Term)
				rf.mu.Unlock()
				return
			}

			// Ignore outdated election responses
			if rf.curTerm != electionTerm {
				rf.mu.Unlock()
				return
			}

			// Count granted votes only if still candidate
			if reply.Granted && rf.isState(candidate) {
				rf.logger.Debug("vote granted", "voter_id", reply.VoterID)
				votes[reply.VoterID] = true
				if len(votes) >= quorum {
					rf.becomeLeader()
					rf.mu.Unlock()
					rf.sendSnapshotOrEntries()
					return
				}
			}
			rf.mu.Unlock()
		}
	}
}
