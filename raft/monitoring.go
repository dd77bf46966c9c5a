package raft

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	vmetrics "github.com/VictoriaMetrics/metrics"

	"github.com/umit/resql/pkg/logger"
)

// nodeMetrics holds the per-node counters. A dedicated set keeps multiple
// peers in one process (tests) from colliding in a global registry.
type nodeMetrics struct {
	set *vmetrics.Set

	proposals          *vmetrics.Counter
	electionsStarted   *vmetrics.Counter
	leaderElections    *vmetrics.Counter
	snapshotsTaken     *vmetrics.Counter
	snapshotChunksSent *vmetrics.Counter
}

func newNodeMetrics(me int64) *nodeMetrics {
	s := vmetrics.NewSet()
	name := func(metric string) string {
		return fmt.Sprintf(`%s{node="%d"}`, metric, me)
	}
	return &nodeMetrics{
		set:                s,
		proposals:          s.NewCounter(name("raft_proposals_total")),
		electionsStarted:   s.NewCounter(name("raft_elections_started_total")),
		leaderElections:    s.NewCounter(name("raft_elections_won_total")),
		snapshotsTaken:     s.NewCounter(name("raft_snapshots_taken_total")),
		snapshotChunksSent: s.NewCounter(name("raft_snapshot_chunks_sent_total")),
	}
}

// status represents the raft node's externally visible state.
type status struct {
	NodeID      int64  `json:"nodeId"`
	State       string `json:"state"`
	CurrentTerm int64  `json:"currentTerm"`
	VotedFor    int64  `json:"votedFor"`
	LeaderID    int64  `json:"leaderId"`
	CommitIndex int64  `json:"commitIndex"`
	LastApplied int64  `json:"lastApplied"`

	LogInfo struct {
		LastIndex int64 `json:"lastIndex"`
		LastTerm  int64 `json:"lastTerm"`
		Count     int   `json:"count"`
	} `json:"logInfo"`

	SnapshotInfo struct {
		LastIncludedIndex int64 `json:"lastIncludedIndex"`
		LastIncludedTerm  int64 `json:"lastIncludedTerm"`
	} `json:"snapshotInfo"`

	Config struct {
		Version int64    `json:"version"`
		Members []member `json:"members"`
	} `json:"config"`

	LeaderSpecific *leaderSpecificStatus `json:"leaderSpecific,omitempty"`
}

type member struct {
	ID    int64  `json:"id"`
	Addr  string `json:"addr"`
	Voter bool   `json:"voter"`
}

type leaderSpecificStatus struct {
	PeerReplicationInfo map[string]peerReplicationInfo `json:"peerReplicationInfo"`
}

type peerReplicationInfo struct {
	MatchIndex int64 `json:"matchIndex"`
	NextIndex  int64 `json:"nextIndex"`
}

// statusHandler implements the http.Handler interface.
type statusHandler struct {
	rf *Raft
}

func (h *statusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s := h.getStatus()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s); err != nil {
		h.rf.logger.Warn("failed to encode status for monitoring", logger.ErrAttr(err))
		http.Error(w, "failed to encode status", http.StatusInternalServerError)
	}
}

// getStatus collects the current status from the Raft instance.
func (h *statusHandler) getStatus() status {
	h.rf.mu.RLock()
	defer h.rf.mu.RUnlock()

	lastLogIdx, lastLogTerm := h.rf.lastLogIdxAndTerm()
	s := status{
		NodeID:      h.rf.me,
		State:       stateToString(h.rf.state),
		CurrentTerm: h.rf.curTerm,
		VotedFor:    h.rf.votedFor,
		LeaderID:    h.rf.leaderID,
		CommitIndex: h.rf.commitIdx,
		LastApplied: h.rf.lastAppliedIdx,
	}
	s.LogInfo.LastIndex = lastLogIdx
	s.LogInfo.LastTerm = lastLogTerm
	s.LogInfo.Count = len(h.rf.log)
	s.SnapshotInfo.LastIncludedIndex = h.rf.lastIncludedIndex
	s.SnapshotInfo.LastIncludedTerm = h.rf.lastIncludedTerm
	s.Config.Version = h.rf.config.Version
	for _, m := range h.rf.config.Members {
		s.Config.Members = append(s.Config.Members, member{ID: m.ID, Addr: m.Addr, Voter: m.Voter})
	}

	if h.rf.isState(leader) {
		s.LeaderSpecific = &leaderSpecificStatus{
			PeerReplicationInfo: make(map[string]peerReplicationInfo),
		}
		for _, m := range h.rf.config.Members {
			s.LeaderSpecific.PeerReplicationInfo[strconv.FormatInt(m.ID, 10)] = peerReplicationInfo{
				MatchIndex: h.rf.matchIdx[m.ID],
				NextIndex:  h.rf.nextIdx[m.ID],
			}
		}
	}

	return s
}

// monitoringServer exposes /status and /metrics for one peer.
type monitoringServer struct {
	rf  *Raft
	srv *http.Server
}

func newMonitoringServer(rf *Raft, addr string) *monitoringServer {
	mux := http.NewServeMux()
	mux.Handle("/status", &statusHandler{rf: rf})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		rf.metrics.set.WritePrometheus(w)
	})
	return &monitoringServer{
		rf:  rf,
		srv: &http.Server{Addr: addr, Handler: mux},
	}
}

func (ms *monitoringServer) start() error {
	ms.rf.logger.Info("starting monitoring server", "addr", ms.srv.Addr)
	ms.rf.wg.Add(1)
	go func() {
		defer ms.rf.wg.Done()
		if err := ms.srv.ListenAndServe(); err != http.ErrServerClosed {
			ms.rf.logger.Error("monitoring server failed", logger.ErrAttr(err))
		}
	}()
	return nil
}

func (ms *monitoringServer) stop(ctx context.Context) error {
	return ms.srv.Shutdown(ctx)
}
