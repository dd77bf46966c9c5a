package raft

import (
	"errors"
	"log/slog"
	"time"

	"github.com/umit/resql/api"
	"github.com/umit/resql/pkg/logger"
)

// snapshotter periodically compares the durable log size against the
// configured threshold and asks the state machine for an image when the log
// has grown past it.
func (rf *Raft) snapshotter() {
	defer rf.wg.Done()

	if rf.cfg.Snapshots.ThresholdBytes <= 0 {
		return
	}

	ticker := time.NewTicker(rf.cfg.Snapshots.CheckLogSizeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rf.raftCtx.Done():
			return
		case <-ticker.C:
			rf.checkAndTakeSnapshot()
		}
	}
}

func (rf *Raft) checkAndTakeSnapshot() {
	size, err := rf.store.Size()
	if err != nil {
		rf.logger.Warn("failed to read log size", logger.ErrAttr(err))
		return
	}
	if size < rf.cfg.Snapshots.ThresholdBytes {
		return
	}

	rf.logger.Info(
		"log size exceeds threshold, requesting snapshot from FSM",
		slog.Int64("size", size),
		slog.Int64("threshold", rf.cfg.Snapshots.ThresholdBytes))

	snapshotData, lastApplied, err := rf.fsm.Snapshot()
	if err != nil {
		rf.logger.Warn("failed to get snapshot from FSM", logger.ErrAttr(err))
		return
	}
	if lastApplied == 0 {
		return
	}

	if err := rf.Snapshot(lastApplied, snapshotData); err != nil && !errors.Is(err, api.ErrOldSnapshot) {
		rf.logger.Warn("failed to record snapshot", logger.ErrAttr(err))
	}
}
