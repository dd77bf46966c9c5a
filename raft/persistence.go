package raft

import (
	"fmt"

	"github.com/umit/resql/api"
	"github.com/umit/resql/internal/wire"
)

// metadataSnapshot captures the metadata record under the main lock.
//
// Assumes the lock is held when called
func (rf *Raft) metadataSnapshot() api.Metadata {
	return api.Metadata{
		CurrentTerm:       rf.curTerm,
		VotedFor:          rf.votedFor,
		LastSnapshotIndex: rf.lastIncludedIndex,
		LastSnapshotTerm:  rf.lastIncludedTerm,
	}
}

// persistMetadataAndUnlock writes the term and vote record. It must be
// called with rf.mu held, and it will unlock it.
func (rf *Raft) persistMetadataAndUnlock() error {
	md := rf.metadataSnapshot()
	rf.pmu.Lock()
	rf.mu.Unlock()
	defer rf.pmu.Unlock()
	return rf.store.SetMetadata(md)
}

// appendAndUnlock durably appends entries at the log tail. It must be
// called with rf.mu held, and it will unlock it.
func (rf *Raft) appendAndUnlock(entries []*wire.LogEntry) error {
	md := rf.metadataSnapshot()
	rf.pmu.Lock()
	rf.mu.Unlock()
	defer rf.pmu.Unlock()
	if err := rf.store.SetMetadata(md); err != nil {
		return err
	}
	_, err := rf.store.Append(entries)
	return err
}

// runPersistAndUnlock runs a captured storage operation in state-change
// order, optionally refreshing the metadata record first. It must be called
// with rf.mu held, and it will unlock it.
func (rf *Raft) runPersistAndUnlock(withMetadata bool, op func() error) error {
	var md api.Metadata
	if withMetadata {
		md = rf.metadataSnapshot()
	}
	rf.pmu.Lock()
	rf.mu.Unlock()
	defer rf.pmu.Unlock()

	if withMetadata {
		if err := rf.store.SetMetadata(md); err != nil {
			return err
		}
	}
	if op != nil {
		return op()
	}
	return nil
}

// restoreFromStore rebuilds the in-memory peer state from durable storage.
// Called once from Start before any background goroutine runs.
func (rf *Raft) restoreFromStore() error {
	md, err := rf.store.Metadata()
	if err != nil {
		return fmt.Errorf("read metadata: %w", err)
	}
	rf.curTerm = md.CurrentTerm
	rf.votedFor = md.VotedFor

	meta, _, err := rf.store.ReadSnapshot()
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	if meta != nil {
		rf.lastIncludedIndex = meta.LastIncludedIndex
		rf.lastIncludedTerm = meta.LastIncludedTerm
		rf.config = meta.Config.Clone()
		rf.transport.UpdatePeers(rf.config.Clone().Members)
	}

	entries, err := rf.store.Entries()
	if err != nil {
		return fmt.Errorf("read log: %w", err)
	}
	// Prefix truncation is segment-granular, so the store may still hold a
	// few entries the snapshot already covers.
	for _, e := range entries {
		if e.Index <= rf.lastIncludedIndex {
			continue
		}
		want := rf.lastIncludedIndex + int64(len(rf.log)) + 1
		if e.Index != want {
			return fmt.Errorf("log gap: expected index %d, found %d", want, e.Index)
		}
		rf.log = append(rf.log, e)
	}

	// Committed-ness beyond the snapshot is rediscovered through
	// replication; the snapshot itself is re-delivered to the FSM.
	rf.commitIdx = rf.lastIncludedIndex
	rf.lastAppliedIdx = 0

	rf.logger.Info("restored state from storage",
		"term", rf.curTerm,
		"snapshot_index", rf.lastIncludedIndex,
		"log_entries", len(rf.log))
	return nil
}
