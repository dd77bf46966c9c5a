package raft

import "github.com/umit/resql/internal/wire"

// getTerm returns the term of a log entry at a given absolute index.
// It handles cases where the index is part of a snapshot.
//
// Assumes the lock is held when called
func (rf *Raft) getTerm(idx int64) int64 {
	if idx == rf.lastIncludedIndex {
		return rf.lastIncludedTerm
	}

	if idx < rf.lastIncludedIndex {
		return -1
	}

	sliceIndex := idx - rf.lastIncludedIndex - 1
	if sliceIndex >= int64(len(rf.log)) {
		return -1
	}
	return rf.log[sliceIndex].Term
}

// entryAt returns the in-memory entry at an absolute index, or nil when it
// is outside the retained tail.
//
// Assumes the lock is held when called
func (rf *Raft) entryAt(idx int64) *wire.LogEntry {
	sliceIndex := idx - rf.lastIncludedIndex - 1
	if sliceIndex < 0 || sliceIndex >= int64(len(rf.log)) {
		return nil
	}
	return rf.log[sliceIndex]
}

// lastLogIdxAndTerm returns the index and term of the last entry in the log
//
// Assumes the lock is held when called
func (rf *Raft) lastLogIdxAndTerm() (lastLogIdx, lastLogTerm int64) {
	if len(rf.log) > 0 {
		lastLogIdx = rf.lastIncludedIndex + int64(len(rf.log))
		lastLogTerm = rf.log[len(rf.log)-1].Term
	} else {
		lastLogIdx = rf.lastIncludedIndex
		lastLogTerm = rf.lastIncludedTerm
	}
	return
}

// isLogConsistent checks if the log matches the leader's AppendEntries
// request at the given index and term.
//
// Assumes the lock is held when called.
func (rf *Raft) isLogConsistent(prevLogIdx int64, prevLogTerm int64) bool {
	lastLogIdx, _ := rf.lastLogIdxAndTerm()
	if prevLogIdx > lastLogIdx {
		return false
	}
	return rf.getTerm(prevLogIdx) == prevLogTerm
}

// processEntries appends or truncates the follower's log for an
// AppendEntries request. It reports whether a suffix was truncated and
// which entries are new.
//
// Assumes the lock is held when called
func (rf *Raft) processEntries(req *wire.AppendEntriesRequest) (didTruncate bool, appended []*wire.LogEntry) {
	for i, entry := range req.Entries {
		absIdx := req.PrevLogIndex + 1 + int64(i)
		lastAbsIdx, _ := rf.lastLogIdxAndTerm()
		if absIdx > lastAbsIdx {
			rf.log = append(rf.log, req.Entries[i:]...)
			appended = req.Entries[i:]
			break
		}

		if rf.getTerm(absIdx) != entry.Term {
			sliceIdx := absIdx - rf.lastIncludedIndex - 1
			rf.log = rf.log[:sliceIdx]
			rf.log = append(rf.log, req.Entries[i:]...)
			didTruncate = true
			appended = req.Entries[i:]
			break
		}
	}
	return
}

// fillConflictReply sets the conflict hint fields in an AppendEntries reply
//
// Assumes the lock is held when called
func (rf *Raft) fillConflictReply(req *wire.AppendEntriesRequest, reply *wire.AppendEntriesResponse) {
	lastLogIdx, _ := rf.lastLogIdxAndTerm()
	if req.PrevLogIndex > lastLogIdx {
		reply.ConflictIndex = lastLogIdx + 1
		reply.ConflictTerm = -1
	} else {
		reply.ConflictTerm = rf.getTerm(req.PrevLogIndex)
		firstIndexOfTerm := req.PrevLogIndex
		for firstIndexOfTerm > rf.lastIncludedIndex+1 && rf.getTerm(firstIndexOfTerm-1) == reply.ConflictTerm {
			firstIndexOfTerm--
		}
		reply.ConflictIndex = firstIndexOfTerm
	}
}

// isCandidateLogUpToDate determines if the candidate's log is at least as up-to-date as receiver's log
//
// Assumes the lock is held when called
func (rf *Raft) isCandidateLogUpToDate(candidateLastLogIdx int64, candidateLastLogTerm int64) bool {
	myLastLogIdx, myLastLogTerm := rf.lastLogIdxAndTerm()
	if candidateLastLogTerm != myLastLogTerm {
		return candidateLastLogTerm > myLastLogTerm
	}
	return candidateLastLogIdx >= myLastLogIdx
}

// initializeNextIndexes initializes replication indexes from the current
// log state.
//
// If used outside of Start the lock must be held.
func (rf *Raft) initializeNextIndexes() {
	lastLogIdx, _ := rf.lastLogIdxAndTerm()
	rf.nextIdx = make(map[int64]int64, len(rf.config.Members))
	rf.matchIdx = make(map[int64]int64, len(rf.config.Members))
	for _, m := range rf.config.Members {
		rf.nextIdx[m.ID] = lastLogIdx + 1
	}
}
