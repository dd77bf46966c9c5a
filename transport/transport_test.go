package transport

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umit/resql/api"
	"github.com/umit/resql/internal/wire"
	"github.com/umit/resql/pkg/logger"
)

func startTestServer(t *testing.T, handler Handler) *Server {
	t.Helper()
	_, l := logger.NewTestLogger()
	srv := NewServer("127.0.0.1:0", handler, l)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func echoVoteHandler(ctx context.Context, msg any) (any, error) {
	switch m := msg.(type) {
	case *wire.RequestVoteRequest:
		return &wire.RequestVoteResponse{Term: m.Term, VoterID: 2, Granted: true}, nil
	case *wire.AppendEntriesRequest:
		return &wire.AppendEntriesResponse{Term: m.Term, Success: true}, nil
	default:
		return nil, fmt.Errorf("unexpected message %T", msg)
	}
}

func TestRequestVoteRoundTrip(t *testing.T) {
	srv := startTestServer(t, echoVoteHandler)

	_, l := logger.NewTestLogger()
	tr := NewTCPTransport([]wire.Member{{ID: 2, Addr: srv.Addr(), Voter: true}}, l)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := tr.SendRequestVote(ctx, 2, &wire.RequestVoteRequest{Term: 7, CandidateID: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(7), resp.Term)
	assert.True(t, resp.Granted)
}

func TestConcurrentCallsMultiplex(t *testing.T) {
	srv := startTestServer(t, echoVoteHandler)

	_, l := logger.NewTestLogger()
	tr := NewTCPTransport([]wire.Member{{ID: 2, Addr: srv.Addr(), Voter: true}}, l)
	defer tr.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(term int64) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			resp, err := tr.SendAppendEntries(ctx, 2, &wire.AppendEntriesRequest{Term: term, LeaderID: 1})
			if assert.NoError(t, err) {
				assert.Equal(t, term, resp.Term)
			}
		}(int64(i + 1))
	}
	wg.Wait()
}

func TestUnknownPeer(t *testing.T) {
	_, l := logger.NewTestLogger()
	tr := NewTCPTransport(nil, l)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := tr.SendRequestVote(ctx, 9, &wire.RequestVoteRequest{})
	require.ErrorIs(t, err, api.ErrUnknownMember)
}

func TestUpdatePeersDropsRemovedMember(t *testing.T) {
	srv := startTestServer(t, echoVoteHandler)

	_, l := logger.NewTestLogger()
	tr := NewTCPTransport([]wire.Member{{ID: 2, Addr: srv.Addr(), Voter: true}}, l)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := tr.SendRequestVote(ctx, 2, &wire.RequestVoteRequest{Term: 1})
	require.NoError(t, err)

	tr.UpdatePeers(nil)

	_, err = tr.SendRequestVote(ctx, 2, &wire.RequestVoteRequest{Term: 1})
	require.ErrorIs(t, err, api.ErrUnknownMember)
}

func TestReconnectAfterServerRestart(t *testing.T) {
	_, l := logger.NewTestLogger()
	srv := NewServer("127.0.0.1:0", echoVoteHandler, l)
	require.NoError(t, srv.Start())
	addr := srv.Addr()

	tr := NewTCPTransport([]wire.Member{{ID: 2, Addr: addr, Voter: true}}, l)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := tr.SendRequestVote(ctx, 2, &wire.RequestVoteRequest{Term: 1})
	require.NoError(t, err)

	require.NoError(t, srv.Stop())

	srv2 := NewServer(addr, echoVoteHandler, l)
	require.NoError(t, srv2.Start())
	defer srv2.Stop()

	// The first call after the restart may hit the dead connection; the
	// transport redials on the next one.
	require.Eventually(t, func() bool {
		cctx, ccancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer ccancel()
		_, err := tr.SendRequestVote(cctx, 2, &wire.RequestVoteRequest{Term: 2})
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
}
