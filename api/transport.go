package api

import (
	"context"

	"github.com/umit/resql/internal/wire"
)

// Transport lets peers exchange consensus RPCs. Implementations must be safe
// for concurrent use; cluster membership changes are pushed to the transport
// through UpdatePeers.
type Transport interface {
	// SendRequestVote sends a RequestVote RPC to a specific peer.
	SendRequestVote(
		ctx context.Context, to int64, req *wire.RequestVoteRequest) (*wire.RequestVoteResponse, error)
	// SendAppendEntries sends an AppendEntries RPC to a specific peer.
	SendAppendEntries(
		ctx context.Context, to int64, req *wire.AppendEntriesRequest) (*wire.AppendEntriesResponse, error)
	// SendInstallSnapshot sends one snapshot chunk to a specific peer.
	SendInstallSnapshot(
		ctx context.Context, to int64, req *wire.InstallSnapshotRequest) (*wire.InstallSnapshotResponse, error)

	// UpdatePeers replaces the transport's address book after a committed
	// membership change.
	UpdatePeers(members []wire.Member)

	// Close tears down all peer connections.
	Close() error
}

// RPCHandler is the inbound side of the consensus protocol; the engine
// implements it and the transport server dispatches decoded requests to it.
type RPCHandler interface {
	RequestVote(ctx context.Context, req *wire.RequestVoteRequest) (*wire.RequestVoteResponse, error)
	AppendEntries(ctx context.Context, req *wire.AppendEntriesRequest) (*wire.AppendEntriesResponse, error)
	InstallSnapshot(ctx context.Context, req *wire.InstallSnapshotRequest) (*wire.InstallSnapshotResponse, error)
}
