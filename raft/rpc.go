package raft

import (
	"context"
	"slices"

	"github.com/umit/resql/internal/wire"
)

func (rf *Raft) RequestVote(ctx context.Context, req *wire.RequestVoteRequest) (*wire.RequestVoteResponse, error) {
	reply := &wire.RequestVoteResponse{VoterID: rf.me}
	var persistMetadata bool

	rf.mu.Lock()
	defer func() {
		if persistMetadata {
			if pErr := rf.persistMetadataAndUnlock(); pErr != nil {
				rf.handleStorageFault("RequestVote", pErr)
			}
		} else {
			rf.mu.Unlock()
		}
	}()

	if req.Term < rf.curTerm {
		reply.Term = rf.curTerm
		return reply, nil
	}

	if req.Term > rf.curTerm {
		rf.becomeFollower(req.Term)
		persistMetadata = true
	}

	reply.Term = rf.curTerm
	if !rf.isCandidateLogUpToDate(req.LastLogIndex, req.LastLogTerm) {
		myLastLogIdx, myLastLogTerm := rf.lastLogIdxAndTerm()
		rf.logger.Warn(
			"denying vote, candidate log not up-to-date",
			"candidate_id", req.CandidateID,
			"candidate_last_log_idx", req.LastLogIndex,
			"candidate_last_log_term", req.LastLogTerm,
			"my_last_log_idx", myLastLogIdx,
			"my_last_log_term", myLastLogTerm,
		)
		return reply, nil
	}

	if rf.votedFor != votedForNone && rf.votedFor != req.CandidateID {
		rf.logger.Warn(
			"denying vote, already voted for another candidate",
			"candidate_id", req.CandidateID,
			"voted_for", rf.votedFor,
		)
		return reply, nil
	}

	reply.Granted = true
	rf.votedFor = req.CandidateID
	persistMetadata = true
	rf.resetElectionTimer()
	rf.logger.Info(
		"voting for candidate",
		"candidate_id", req.CandidateID,
		"term", rf.curTerm,
	)

	return reply, nil
}

func (rf *Raft) AppendEntries(ctx context.Context, req *wire.AppendEntriesRequest) (*wire.AppendEntriesResponse, error) {
	reply := &wire.AppendEntriesResponse{}
	rf.mu.Lock()

	if req.Term < rf.curTerm {
		reply.Term = rf.curTerm
		rf.mu.Unlock()
		return reply, nil
	}

	if len(req.Entries) > 0 {
		rf.logger.Debug("append entries received", "leader_id", req.LeaderID, "term", req.Term, "num_entries", len(req.Entries))
	}

	rf.resetElectionTimer()

	termChanged := false
	if req.Term > rf.curTerm || rf.isState(candidate) {
		rf.becomeFollower(req.Term)
		termChanged = true
	}
	rf.leaderID = req.LeaderID
	reply.Term = rf.curTerm

	if !rf.isLogConsistent(req.PrevLogIndex, req.PrevLogTerm) {
		rf.fillConflictReply(req, reply)
		var pErr error
		if termChanged {
			pErr = rf.persistMetadataAndUnlock()
		} else {
			rf.mu.Unlock()
		}
		if pErr != nil {
			rf.handleStorageFault("AppendEntries-inconsistent", pErr)
		}
		return reply, nil
	}

	didTruncate, appended := rf.processEntries(req)

	var shouldSignalApplier bool
	if req.LeaderCommit > rf.commitIdx {
		lastLogIndex, _ := rf.lastLogIdxAndTerm()
		prevCommit := rf.commitIdx
		rf.commitIdx = min(req.LeaderCommit, lastLogIndex)
		rf.onCommitAdvance(prevCommit)
		shouldSignalApplier = true
	}

	var persistOp func() error
	switch {
	case didTruncate:
		from := appended[0].Index
		entriesCopy := slices.Clone(appended)
		persistOp = func() error {
			if err := rf.store.TruncateSuffix(from); err != nil {
				return err
			}
			_, err := rf.store.Append(entriesCopy)
			return err
		}
	case len(appended) > 0:
		entriesCopy := slices.Clone(appended)
		persistOp = func() error {
			_, err := rf.store.Append(entriesCopy)
			return err
		}
	}

	if err := rf.runPersistAndUnlock(termChanged, persistOp); err != nil {
		rf.handleStorageFault("AppendEntries", err)
		return reply, nil
	}

	if shouldSignalApplier {
		rf.signalApplier()
	}

	reply.Success = true
	return reply, nil
}

// incomingSnapshot buffers the chunks of an in-progress snapshot transfer.
type incomingSnapshot struct {
	leaderID int64
	meta     wire.SnapshotMeta
	buf      []byte
}

func (rf *Raft) InstallSnapshot(ctx context.Context, req *wire.InstallSnapshotRequest) (*wire.InstallSnapshotResponse, error) {
	reply := &wire.InstallSnapshotResponse{}
	rf.mu.Lock()

	reply.Term = rf.curTerm
	if req.Term < rf.curTerm {
		rf.mu.Unlock()
		return reply, nil
	}

	termChanged := false
	if req.Term > rf.curTerm || rf.isState(candidate) {
		rf.becomeFollower(req.Term)
		termChanged = true
	}
	rf.leaderID = req.LeaderID
	reply.Term = rf.curTerm
	rf.resetElectionTimer()

	finishMeta := func(success bool) (*wire.InstallSnapshotResponse, error) {
		reply.Success = success
		var pErr error
		if termChanged {
			pErr = rf.persistMetadataAndUnlock()
		} else {
			rf.mu.Unlock()
		}
		if pErr != nil {
			rf.handleStorageFault("InstallSnapshot", pErr)
		}
		return reply, nil
	}

	// A snapshot we already cover: acknowledge so the leader switches back
	// to log replication.
	if req.Meta.LastIncludedIndex <= rf.lastIncludedIndex {
		return finishMeta(true)
	}

	if req.Offset == 0 {
		rf.incoming = &incomingSnapshot{leaderID: req.LeaderID, meta: req.Meta}
	}
	in := rf.incoming
	if in == nil || in.leaderID != req.LeaderID ||
		in.meta.LastIncludedIndex != req.Meta.LastIncludedIndex ||
		req.Offset != int64(len(in.buf)) {
		// Out-of-sequence chunk. Drop the transfer; the leader restarts
		// from offset zero.
		rf.incoming = nil
		return finishMeta(false)
	}

	in.buf = append(in.buf, req.Chunk...)
	if !req.Done {
		return finishMeta(true)
	}

	// Final chunk: install the assembled snapshot.
	rf.incoming = nil
	meta := req.Meta
	data := in.buf

	rf.logger.Info(
		"installing snapshot",
		"leader_id", req.LeaderID,
		"last_included_index", meta.LastIncludedIndex,
		"size", len(data),
	)

	// Keep the log tail past the snapshot when it matches, otherwise the
	// whole retained log is superseded.
	keptTail := false
	sliceIndex := meta.LastIncludedIndex - rf.lastIncludedIndex
	if sliceIndex < int64(len(rf.log)) && rf.getTerm(meta.LastIncludedIndex) == meta.LastIncludedTerm {
		rf.log = append([]*wire.LogEntry(nil), rf.log[sliceIndex:]...)
		keptTail = true
	} else {
		rf.log = nil
	}

	rf.lastIncludedIndex = meta.LastIncludedIndex
	rf.lastIncludedTerm = meta.LastIncludedTerm
	rf.config = meta.Config.Clone()
	rf.transport.UpdatePeers(rf.config.Clone().Members)

	if rf.commitIdx < meta.LastIncludedIndex {
		rf.commitIdx = meta.LastIncludedIndex
	}

	persistOp := func() error {
		if err := rf.store.SaveSnapshot(&meta, data); err != nil {
			return err
		}
		if !keptTail {
			if err := rf.store.TruncateSuffix(meta.LastIncludedIndex + 1); err != nil {
				return err
			}
		}
		return rf.store.TruncatePrefix(meta.LastIncludedIndex)
	}

	if err := rf.runPersistAndUnlock(termChanged, persistOp); err != nil {
		rf.handleStorageFault("InstallSnapshot", err)
		return reply, nil
	}

	rf.signalApplier()
	reply.Success = true
	return reply, nil
}
