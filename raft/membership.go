package raft

import (
	"log/slog"

	"github.com/umit/resql/internal/wire"
	"github.com/umit/resql/pkg/logger"
)

// onCommitAdvance activates membership changes whose config entries fall in
// the newly committed range (prevCommit, commitIdx]. Config entries take
// effect at commit time on every replica, so all nodes switch configuration
// at the same log position.
//
// Assumes the lock is held when called
func (rf *Raft) onCommitAdvance(prevCommit int64) {
	for idx := prevCommit + 1; idx <= rf.commitIdx; idx++ {
		e := rf.entryAt(idx)
		if e == nil || e.Kind != wire.EntryConfig {
			continue
		}
		rf.activateConfigEntry(e)
	}
}

// activateConfigEntry applies one committed config entry to the active
// membership.
//
// Assumes the lock is held when called
func (rf *Raft) activateConfigEntry(e *wire.LogEntry) {
	cc, err := wire.DecodeConfigChange(e.Data)
	if err != nil {
		rf.logger.Error("corrupt config entry", slog.Int64("index", e.Index), logger.ErrAttr(err))
		return
	}

	rf.config = rf.config.Apply(cc, e.Index)
	rf.logger.Info("configuration change committed",
		slog.Int64("index", e.Index),
		slog.Int64("member", cc.ID),
		slog.Int("op", int(cc.Op)),
		slog.Int("members", len(rf.config.Members)))

	if rf.pendingConfigIdx == e.Index {
		rf.pendingConfigIdx = 0
	}

	if rf.isState(leader) {
		switch cc.Op {
		case wire.ConfigAddLearner:
			lastLogIdx, _ := rf.lastLogIdxAndTerm()
			rf.nextIdx[cc.ID] = lastLogIdx + 1
			rf.matchIdx[cc.ID] = 0
		case wire.ConfigRemoveMember:
			delete(rf.nextIdx, cc.ID)
			delete(rf.matchIdx, cc.ID)
		}
	}

	rf.transport.UpdatePeers(rf.config.Clone().Members)

	// A leader that removed itself finishes committing the change and then
	// steps down; the remaining voters elect a successor.
	if cc.Op == wire.ConfigRemoveMember && cc.ID == rf.me && rf.isState(leader) {
		rf.logger.Info("removed self from configuration, stepping down")
		rf.becomeFollower(rf.curTerm)
	}
}
