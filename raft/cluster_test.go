package raft

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umit/resql/api"
	"github.com/umit/resql/internal/wire"
)

func TestSingleNodeCommits(t *testing.T) {
	c := newCluster(t, 1)

	session := c.connectSession("solo")
	idx := c.exec(session, 1, "SET greeting hello")
	c.waitAppliedOn(idx, 1)
	c.requireKey("greeting", "hello", 1)
}

func TestInitialElection(t *testing.T) {
	c := newCluster(t, 3)

	leader := c.waitForLeader()
	cn := c.node(leader)
	term, isLeader := cn.rf.State()
	require.True(t, isLeader)
	require.Positive(t, term)

	// Terms settle; no spurious re-elections in a healthy cluster.
	time.Sleep(600 * time.Millisecond)
	again := c.waitForLeader()
	assert.Equal(t, leader, again)
}

func TestReplicationToAllNodes(t *testing.T) {
	c := newCluster(t, 3)

	session := c.connectSession("writer")
	var last int64
	for i := 1; i <= 5; i++ {
		last = c.exec(session, int64(i), fmt.Sprintf("SET k%d v%d", i, i))
	}
	c.waitAppliedOn(last, 1, 2, 3)
	for i := 1; i <= 5; i++ {
		c.requireKey(fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i), 1, 2, 3)
	}
}

func TestLeaderFailover(t *testing.T) {
	c := newCluster(t, 3)

	session := c.connectSession("writer")
	idx := c.exec(session, 1, "SET before failover")
	c.waitAppliedOn(idx, 1, 2, 3)

	old := c.waitForLeader()
	c.disconnect(old)

	// The two survivors hold a quorum and elect a replacement.
	start := time.Now()
	next := c.waitForLeader()
	require.NotEqual(t, old, next)
	require.Less(t, time.Since(start), 5*time.Second)

	idx = c.exec(session, 2, "SET after failover")

	// The deposed leader rejoins as a follower and catches up.
	c.reconnect(old)
	c.waitAppliedOn(idx, 1, 2, 3)
	c.requireKey("after", "failover", old)

	_, stillLeader := c.node(old).rf.State()
	assert.False(t, stillLeader)
}

func TestConflictingSuffixTruncated(t *testing.T) {
	c := newCluster(t, 3)

	session := c.connectSession("writer")
	idx := c.exec(session, 1, "SET stable yes")
	c.waitAppliedOn(idx, 1, 2, 3)

	// Isolate the leader and feed it proposals that can never commit.
	old := c.waitForLeader()
	c.disconnect(old)
	oldNode := c.node(old)
	for i := int64(2); i <= 4; i++ {
		e := &wire.LogEntry{
			Kind:     wire.EntryCommand,
			Session:  session,
			Sequence: i,
			Data:     wire.EncodeBatch([]string{"SET orphaned entry"}),
		}
		_, _, ok := oldNode.rf.Submit(e)
		require.True(t, ok)
	}

	// The majority side moves on with a different suffix.
	next := c.waitForLeader()
	require.NotEqual(t, old, next)
	idx = c.exec(session, 2, "SET chosen value")
	c.waitAppliedOn(idx, next)

	// On rejoin the deposed leader's conflicting suffix is dropped for the
	// committed one.
	c.reconnect(old)
	c.waitAppliedOn(idx, 1, 2, 3)
	c.requireKey("chosen", "value", 1, 2, 3)
	for _, id := range []int64{1, 2, 3} {
		_, ok := c.node(id).engine.Get("orphaned")
		assert.False(t, ok, "node %d applied an uncommitted entry", id)
	}
}

func TestDuplicateSequenceAppliedOnce(t *testing.T) {
	c := newCluster(t, 3)

	session := c.connectSession("resender")
	c.exec(session, 1, "SET x first")
	idx := c.exec(session, 2, "SET x second")
	c.waitAppliedOn(idx, 1, 2, 3)

	// A client retry replicates its last command again under the same
	// sequence number. Every replica must recognize it and skip the
	// re-execution.
	dupIdx := c.exec(session, 2, "SET x second")
	c.waitAppliedOn(dupIdx, 1, 2, 3)
	c.requireKey("x", "second", 1, 2, 3)

	// A delayed duplicate of an older sequence is refused outright; it
	// must neither roll x back nor be answered from the newer cache.
	staleIdx := c.exec(session, 1, "SET x first")
	c.waitAppliedOn(staleIdx, 1, 2, 3)
	c.requireKey("x", "second", 1, 2, 3)

	leader := c.node(c.waitForLeader())
	res, ok := leader.machine.CachedResult(session, 2)
	require.True(t, ok)
	assert.EqualValues(t, 1, res.RowsAffected)
}

func TestSnapshotInstallOnLaggingFollower(t *testing.T) {
	c := newCluster(t, 3)

	session := c.connectSession("writer")
	seq := int64(0)
	write := func(k, v string) int64 {
		seq++
		return c.exec(session, seq, fmt.Sprintf("SET %s %s", k, v))
	}

	idx := write("warm", "up")
	c.waitAppliedOn(idx, 1, 2, 3)

	leaderID := c.waitForLeader()
	var followerID int64
	for _, m := range c.voters {
		if m.ID != leaderID {
			followerID = m.ID
			break
		}
	}
	c.disconnect(followerID)

	for i := 0; i < 30; i++ {
		idx = write(fmt.Sprintf("bulk%d", i), "data")
	}
	leader := c.node(c.waitForLeader())
	c.waitAppliedOn(idx, leader.id)

	// Compact the leader's log below what the follower still needs, forcing
	// a snapshot transfer on rejoin. The test chunk size is small enough
	// that the image travels in several pieces.
	image, snapIdx, err := leader.machine.Snapshot()
	require.NoError(t, err)
	require.NoError(t, leader.rf.Snapshot(snapIdx, image))

	c.reconnect(followerID)
	c.waitAppliedOn(idx, followerID)
	c.requireKey("bulk29", "data", followerID)
	c.requireKey("warm", "up", followerID)

	// The follower keeps serving new entries after the install.
	idx = write("post", "install")
	c.waitAppliedOn(idx, 1, 2, 3)
	c.requireKey("post", "install", followerID)
}

func TestRestartRecoversFromDisk(t *testing.T) {
	c := newCluster(t, 3)

	session := c.connectSession("writer")
	seq := int64(0)
	write := func(k, v string) int64 {
		seq++
		return c.exec(session, seq, fmt.Sprintf("SET %s %s", k, v))
	}

	var idx int64
	for i := 0; i < 10; i++ {
		idx = write(fmt.Sprintf("k%d", i), "v")
	}
	c.waitAppliedOn(idx, 1, 2, 3)

	// Snapshot on the node being restarted so recovery exercises both the
	// stored image and the log suffix behind it.
	victim := c.node(3)
	image, snapIdx, err := victim.machine.Snapshot()
	require.NoError(t, err)
	require.NoError(t, victim.rf.Snapshot(snapIdx, image))
	idx = write("tail", "entry")
	c.waitAppliedOn(idx, 3)

	c.stopNode(3)
	c.startNode(3)

	c.waitAppliedOn(idx, 3)
	c.requireKey("k0", "v", 3)
	c.requireKey("tail", "entry", 3)

	// Still a functioning voter after recovery.
	idx = write("post", "restart")
	c.waitAppliedOn(idx, 1, 2, 3)
}

func TestAddLearnerAndPromote(t *testing.T) {
	c := newCluster(t, 3)

	session := c.connectSession("writer")
	idx := c.exec(session, 1, "SET seed data")
	c.waitAppliedOn(idx, 1, 2, 3)

	// A joining node starts from the old membership; it learns about itself
	// from the replicated config entry.
	c.startNode(4)

	leader := c.node(c.waitForLeader())
	ccIdx, _, err := leader.rf.ChangeConfig(&wire.ConfigChange{
		Op: wire.ConfigAddLearner, ID: 4, Addr: "node-4",
	})
	require.NoError(t, err)
	c.waitAppliedOn(ccIdx, 1, 2, 3, 4)
	c.requireKey("seed", "data", 4)

	cfg := leader.rf.ClusterConfig()
	require.Len(t, cfg.Members, 4)
	m, ok := cfg.Lookup(4)
	require.True(t, ok)
	assert.False(t, m.Voter, "fresh member must join as learner")

	// A learner never stands for election.
	_, isLeader := c.node(4).rf.State()
	assert.False(t, isLeader)

	leader = c.node(c.waitForLeader())
	ccIdx, _, err = leader.rf.ChangeConfig(&wire.ConfigChange{
		Op: wire.ConfigPromoteVoter, ID: 4,
	})
	require.NoError(t, err)
	c.waitAppliedOn(ccIdx, 1, 2, 3, 4)

	for _, id := range []int64{1, 2, 3, 4} {
		cfg := c.node(id).rf.ClusterConfig()
		m, ok := cfg.Lookup(4)
		require.True(t, ok, "node %d lost member 4", id)
		assert.True(t, m.Voter, "node %d did not promote member 4", id)
	}
	assert.Equal(t, 3, leader.rf.ClusterConfig().Quorum())
}

func TestRemovedLeaderStepsDown(t *testing.T) {
	c := newCluster(t, 3)

	session := c.connectSession("writer")
	idx := c.exec(session, 1, "SET seed data")
	c.waitAppliedOn(idx, 1, 2, 3)

	old := c.waitForLeader()
	_, _, err := c.node(old).rf.ChangeConfig(&wire.ConfigChange{
		Op: wire.ConfigRemoveMember, ID: old,
	})
	require.NoError(t, err)

	// After the removal commits the deposed leader stops leading and the
	// remaining pair elects a successor.
	require.Eventually(t, func() bool {
		_, isLeader := c.node(old).rf.State()
		return !isLeader
	}, 5*time.Second, 10*time.Millisecond)

	c.disconnect(old)
	next := c.waitForLeader()
	require.NotEqual(t, old, next)
	require.Len(t, c.node(next).rf.ClusterConfig().Members, 2)

	idx = c.exec(session, 2, "SET after removal")
	var rest []int64
	for _, m := range c.node(next).rf.ClusterConfig().Members {
		rest = append(rest, m.ID)
	}
	c.waitAppliedOn(idx, rest...)
}

func TestChangeConfigValidation(t *testing.T) {
	c := newCluster(t, 3)
	leader := c.node(c.waitForLeader())

	_, _, err := leader.rf.ChangeConfig(&wire.ConfigChange{Op: wire.ConfigPromoteVoter, ID: 99})
	assert.ErrorIs(t, err, api.ErrUnknownMember)

	_, _, err = leader.rf.ChangeConfig(&wire.ConfigChange{Op: wire.ConfigRemoveMember, ID: 99})
	assert.ErrorIs(t, err, api.ErrUnknownMember)

	_, _, err = leader.rf.ChangeConfig(&wire.ConfigChange{Op: wire.ConfigAddLearner, ID: 2, Addr: "elsewhere"})
	assert.Error(t, err, "re-adding an existing member must be rejected")

	// Only one change may be in flight; a second proposal in the same
	// commit window is refused.
	_, _, err = leader.rf.ChangeConfig(&wire.ConfigChange{Op: wire.ConfigAddLearner, ID: 4, Addr: "node-4"})
	require.NoError(t, err)
	_, _, err = leader.rf.ChangeConfig(&wire.ConfigChange{Op: wire.ConfigAddLearner, ID: 5, Addr: "node-5"})
	if err != nil {
		assert.ErrorIs(t, err, api.ErrConfigInFlight)
	}
}

func TestReadIndexOnLeader(t *testing.T) {
	c := newCluster(t, 3)

	session := c.connectSession("reader")
	idx := c.exec(session, 1, "SET r 1")
	c.waitAppliedOn(idx, 1, 2, 3)

	leader := c.node(c.waitForLeader())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	readIdx, err := leader.rf.ReadIndex(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, readIdx, idx)

	// A follower refuses read-index rounds outright.
	for _, m := range c.voters {
		if m.ID == leader.id {
			continue
		}
		fctx, fcancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err := c.node(m.ID).rf.ReadIndex(fctx)
		fcancel()
		assert.ErrorIs(t, err, api.ErrNotLeader)
	}
}

func TestReadIndexFailsWithoutQuorum(t *testing.T) {
	c := newCluster(t, 3)

	leader := c.node(c.waitForLeader())
	for _, m := range c.voters {
		if m.ID != leader.id {
			c.disconnect(m.ID)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := leader.rf.ReadIndex(ctx)
	assert.Error(t, err, "read index must not succeed without a quorum")
}
