package raft

import (
	"context"

	"github.com/umit/resql/api"
	"github.com/umit/resql/internal/wire"
	"github.com/umit/resql/pkg/logger"
)

// Snapshot records a state machine image covering all entries up through
// index, then drops the superseded log prefix.
func (rf *Raft) Snapshot(index int64, data []byte) error {
	rf.mu.Lock()

	if index <= rf.lastIncludedIndex {
		rf.mu.Unlock()
		return api.ErrOldSnapshot
	}

	term := rf.getTerm(index)
	sliceIndex := index - rf.lastIncludedIndex
	if sliceIndex < int64(len(rf.log)) {
		rf.log = append([]*wire.LogEntry(nil), rf.log[sliceIndex:]...)
	} else {
		rf.log = nil
	}

	rf.lastIncludedIndex = index
	rf.lastIncludedTerm = term

	meta := &wire.SnapshotMeta{
		LastIncludedIndex: index,
		LastIncludedTerm:  term,
		Config:            *rf.config.Clone(),
	}
	rf.metrics.snapshotsTaken.Inc()
	rf.logger.Info("taking snapshot", "index", index, "term", term, "size", len(data))

	persistOp := func() error {
		if err := rf.store.SaveSnapshot(meta, data); err != nil {
			return err
		}
		return rf.store.TruncatePrefix(index)
	}
	if err := rf.runPersistAndUnlock(false, persistOp); err != nil {
		rf.handleStorageFault("Snapshot", err)
		return err
	}
	return nil
}

// leaderSendSnapshot streams the stored snapshot to one peer in chunks.
//
// Assumes the read lock is held when called; releases it.
func (rf *Raft) leaderSendSnapshot(peerID int64) {
	term := rf.curTerm
	rf.mu.RUnlock()

	meta, data, err := rf.store.ReadSnapshot()
	if err != nil || meta == nil {
		rf.logger.Error("cannot read snapshot for transfer", logger.ErrAttr(err))
		return
	}

	chunkSize := rf.cfg.Snapshots.ChunkSize
	if chunkSize <= 0 {
		chunkSize = len(data) + 1
	}

	offset := int64(0)
	for {
		end := min(int(offset)+chunkSize, len(data))
		req := &wire.InstallSnapshotRequest{
			Term:     term,
			LeaderID: rf.me,
			Meta:     *meta,
			Offset:   offset,
			Chunk:    data[offset:end],
			Done:     end == len(data),
		}

		tctx, tcancel := context.WithTimeout(rf.raftCtx, rf.cfg.Timings.RPCTimeout)
		reply, err := rf.transport.SendInstallSnapshot(tctx, peerID, req)
		tcancel()
		if err != nil {
			rf.logger.Debug("failed to send snapshot chunk", "peer_id", peerID, "offset", offset, logger.ErrAttr(err))
			return
		}
		rf.metrics.snapshotChunksSent.Inc()

		rf.mu.Lock()
		if err := rf.checkOrUpdateTerm("InstallSnapshot", peerID, term, reply.Term); err != nil {
			rf.mu.Unlock()
			rf.logger.Debug("aborting snapshot transfer", "peer_id", peerID, logger.ErrAttr(err))
			return
		}
		if !reply.Success {
			// Follower dropped the transfer; retry from scratch on the
			// next heartbeat.
			rf.mu.Unlock()
			return
		}

		if req.Done {
			rf.matchIdx[peerID] = max(rf.matchIdx[peerID], meta.LastIncludedIndex)
			rf.nextIdx[peerID] = rf.matchIdx[peerID] + 1
			rf.mu.Unlock()
			rf.logger.Info("snapshot transferred", "peer_id", peerID, "index", meta.LastIncludedIndex)
			return
		}
		rf.mu.Unlock()

		offset = int64(end)
	}
}
