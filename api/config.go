package api

import (
	"time"

	"github.com/umit/resql/pkg/logger"
)

type Config struct {
	Log       LoggerCfg
	Timings   Timings
	Snapshots SnapshotsCfg
	Fsync     FsyncCfg
	Sessions  SessionsCfg

	// MonitoringAddr exposes /status and /metrics over HTTP when set.
	MonitoringAddr string

	// CommitNoOpOnElection makes a fresh leader append a no-op entry so its
	// commit index advances into the new term without waiting for client
	// traffic. Disabled in some deterministic tests.
	CommitNoOpOnElection bool
}

type LoggerCfg struct {
	Env       logger.Enviroment
	AddSource bool
}

type Timings struct {
	ElectionTimeoutBase        time.Duration
	ElectionTimeoutRandomDelta time.Duration
	HeartbeatTimeout           time.Duration
	RPCTimeout                 time.Duration
	ShutdownTimeout            time.Duration
}

type SnapshotsCfg struct {
	// CheckLogSizeInterval is how often the snapshotter compares the log
	// size against ThresholdBytes.
	CheckLogSizeInterval time.Duration
	// ThresholdBytes disables size-triggered snapshots when 0.
	ThresholdBytes int64
	// ChunkSize bounds a single InstallSnapshot transfer.
	ChunkSize int
}

type FsyncCfg struct {
	// BatchSize bounds how many append requests share one fsync.
	BatchSize int
	// Timeout flushes a partial batch that has waited this long.
	Timeout time.Duration
	// SegmentBytes rolls the active log segment past this size.
	SegmentBytes int64
}

type SessionsCfg struct {
	// InactivityTimeout expires sessions with no traffic for this long,
	// measured on the leader-stamped entry clock.
	InactivityTimeout time.Duration
}
