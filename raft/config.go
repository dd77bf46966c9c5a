package raft

import (
	"time"

	"github.com/umit/resql/api"
	"github.com/umit/resql/pkg/logger"
)

const votedForNone = -1

func DefaultConfig() *api.Config {
	return &api.Config{
		Log: api.LoggerCfg{
			Env: logger.Prod,
		},
		Timings: api.Timings{
			ElectionTimeoutBase:        150 * time.Millisecond,
			ElectionTimeoutRandomDelta: 150 * time.Millisecond,
			HeartbeatTimeout:           60 * time.Millisecond,
			RPCTimeout:                 100 * time.Millisecond,
			ShutdownTimeout:            3 * time.Second,
		},
		Snapshots: api.SnapshotsCfg{
			CheckLogSizeInterval: 30 * time.Second,
			ThresholdBytes:       64 << 20,
			ChunkSize:            1 << 20,
		},
		Fsync: api.FsyncCfg{
			BatchSize:    128,
			Timeout:      15 * time.Millisecond,
			SegmentBytes: 64 << 20,
		},
		Sessions: api.SessionsCfg{
			InactivityTimeout: 10 * time.Minute,
		},
		CommitNoOpOnElection: true,
	}
}

func TestsConfig() *api.Config {
	return &api.Config{
		Log: api.LoggerCfg{
			Env: logger.Dev,
		},
		Timings: api.Timings{
			ElectionTimeoutBase:        150 * time.Millisecond,
			ElectionTimeoutRandomDelta: 150 * time.Millisecond,
			HeartbeatTimeout:           60 * time.Millisecond,
			RPCTimeout:                 100 * time.Millisecond,
			ShutdownTimeout:            3 * time.Second,
		},
		Snapshots: api.SnapshotsCfg{
			CheckLogSizeInterval: 30 * time.Second,
			ThresholdBytes:       0,
			ChunkSize:            512,
		},
		Fsync: api.FsyncCfg{
			BatchSize:    10,
			Timeout:      10 * time.Millisecond,
			SegmentBytes: 4096,
		},
		Sessions: api.SessionsCfg{
			InactivityTimeout: time.Minute,
		},
		CommitNoOpOnElection: true,
	}
}
