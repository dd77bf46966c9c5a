package wire

// EntryKind identifies what a replicated log entry carries.
type EntryKind uint8

const (
	// EntryCommand is a client SQL batch tagged with a session and sequence.
	EntryCommand EntryKind = iota + 1
	// EntryNoOp is appended by a freshly elected leader to establish its
	// commit baseline for the new term.
	EntryNoOp
	// EntryConfig carries a single cluster membership change.
	EntryConfig
	// EntryConnect registers a new client session. The session id is the
	// index the entry commits at, which makes id assignment deterministic
	// across replicas.
	EntryConnect
)

// LogEntry is a single record of the replicated log. Entries are immutable
// once appended and uniquely identified by Index; the same index may only be
// rewritten with a different term during pre-commit conflict resolution.
type LogEntry struct {
	Index int64
	Term  int64
	Kind  EntryKind

	// Session and Sequence tag command entries for exactly-once
	// application. Zero for non-command kinds.
	Session  int64
	Sequence int64

	// UnixMilli is the leader's clock at append time. Session expiry is
	// computed from these stamps during apply so every replica expires
	// sessions at the same log position.
	UnixMilli int64

	Data []byte
}

// ConfigChangeOp enumerates single-member cluster configuration changes.
type ConfigChangeOp uint8

const (
	ConfigAddLearner ConfigChangeOp = iota + 1
	ConfigPromoteVoter
	ConfigRemoveMember
)

// ConfigChange is the payload of an EntryConfig entry. Only one change may be
// in flight at a time.
type ConfigChange struct {
	Op   ConfigChangeOp
	ID   int64
	Addr string
}

// Member describes one node of the cluster.
type Member struct {
	ID    int64
	Addr  string
	Voter bool
}

// ClusterConfig is the membership at a point of the log. Version is the index
// of the config entry that produced it (0 for the bootstrap config).
type ClusterConfig struct {
	Version int64
	Members []Member
}

// Voters returns the ids of all voting members.
func (c *ClusterConfig) Voters() []int64 {
	var ids []int64
	for _, m := range c.Members {
		if m.Voter {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Quorum returns the strict majority size of the voting set.
func (c *ClusterConfig) Quorum() int {
	n := 0
	for _, m := range c.Members {
		if m.Voter {
			n++
		}
	}
	return n/2 + 1
}

// Lookup returns the member with the given id, if present.
func (c *ClusterConfig) Lookup(id int64) (Member, bool) {
	for _, m := range c.Members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

// Clone returns a deep copy.
func (c *ClusterConfig) Clone() *ClusterConfig {
	cp := &ClusterConfig{Version: c.Version}
	cp.Members = append([]Member(nil), c.Members...)
	return cp
}

// Apply returns a new config with the change applied at the given log index.
func (c *ClusterConfig) Apply(cc *ConfigChange, index int64) *ClusterConfig {
	next := c.Clone()
	next.Version = index

	switch cc.Op {
	case ConfigAddLearner:
		if _, ok := next.Lookup(cc.ID); !ok {
			next.Members = append(next.Members, Member{ID: cc.ID, Addr: cc.Addr, Voter: false})
		}
	case ConfigPromoteVoter:
		for i := range next.Members {
			if next.Members[i].ID == cc.ID {
				next.Members[i].Voter = true
			}
		}
	case ConfigRemoveMember:
		members := next.Members[:0]
		for _, m := range next.Members {
			if m.ID != cc.ID {
				members = append(members, m)
			}
		}
		next.Members = members
	}
	return next
}

// SnapshotMeta describes a state machine image. It replaces all log entries
// up to and including LastIncludedIndex.
type SnapshotMeta struct {
	LastIncludedIndex int64
	LastIncludedTerm  int64
	Config            ClusterConfig
}
