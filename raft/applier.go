package raft

import (
	"github.com/umit/resql/api"
	"github.com/umit/resql/pkg/logger"
)

// applier delivers committed log entries and installed snapshots to the
// apply channel in index order.
func (rf *Raft) applier() {
	defer func() {
		close(rf.applyChan)
		rf.wg.Done()
	}()

	for {
		select {
		case <-rf.raftCtx.Done():
			return
		case <-rf.signalApplierChan:
			for {
				rf.mu.RLock()
				if rf.lastAppliedIdx >= rf.commitIdx || rf.Killed() {
					rf.mu.RUnlock()
					break
				}

				var msg api.ApplyMessage
				if rf.lastAppliedIdx < rf.lastIncludedIndex {
					rf.logger.Info("delivering snapshot to state machine", "index", rf.lastIncludedIndex)

					meta, snapshot, err := rf.store.ReadSnapshot()
					if err != nil || meta == nil {
						rf.mu.RUnlock()
						rf.logger.Error("failed to read snapshot for apply", logger.ErrAttr(err))
						break
					}

					msg = api.ApplyMessage{
						SnapshotValid: true,
						Snapshot:      snapshot,
						SnapshotTerm:  rf.lastIncludedTerm,
						SnapshotIndex: rf.lastIncludedIndex,
					}
				} else {
					applyIdx := rf.lastAppliedIdx + 1
					entry := rf.entryAt(applyIdx)
					if entry == nil {
						rf.mu.RUnlock()
						rf.logger.Error("committed entry missing from log tail", "index", applyIdx)
						break
					}
					rf.logger.Debug("applying entry to state machine", "index", applyIdx)
					msg = api.ApplyMessage{
						CommandValid: true,
						Entry:        entry,
					}
				}
				rf.mu.RUnlock()

				select {
				case <-rf.raftCtx.Done():
					return
				case rf.applyChan <- &msg:
				}

				rf.mu.Lock()
				if msg.SnapshotValid {
					rf.lastAppliedIdx = max(rf.lastAppliedIdx, msg.SnapshotIndex)
				} else {
					rf.lastAppliedIdx = max(rf.lastAppliedIdx, msg.Entry.Index)
				}
				rf.mu.Unlock()
			}
		}
	}
}

func (rf *Raft) signalApplier() {
	select {
	case rf.signalApplierChan <- struct{}{}:
	default:
	}
}
