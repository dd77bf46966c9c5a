package wire

import (
	"fmt"
)

// MsgType tags every framed message on the wire.
type MsgType uint8

const (
	MsgRequestVote MsgType = iota + 1
	MsgRequestVoteResp
	MsgAppendEntries
	MsgAppendEntriesResp
	MsgInstallSnapshot
	MsgInstallSnapshotResp
	MsgConnect
	MsgConnectResp
	MsgSubmit
	MsgSubmitResp
	MsgQuery
	MsgQueryResp
	MsgConfigChange
	MsgConfigChangeResp
)

// Status is the terminal outcome of a client-facing request. Consensus
// internals (vote conflicts, log mismatches) never surface here.
type Status uint8

const (
	StatusOK Status = iota + 1
	// StatusNotLeader carries a leader hint the client must redirect to.
	StatusNotLeader
	// StatusSessionExpired means the client has to re-establish a session.
	// Distinct from SQL errors so clients do not blindly retry under a
	// fresh session with a colliding sequence.
	StatusSessionExpired
	// StatusSQLError is a successful consensus outcome carrying an
	// application-level error.
	StatusSQLError
	// StatusTimeout reports an unknown outcome: the proposal may or may
	// not commit. Clients resubmit with the same session and sequence.
	StatusTimeout
	// StatusUnavailable means the node cannot serve at all right now.
	StatusUnavailable
)

type RequestVoteRequest struct {
	Term         int64
	CandidateID  int64
	LastLogIndex int64
	LastLogTerm  int64
}

type RequestVoteResponse struct {
	Term    int64
	VoterID int64
	Granted bool
}

type AppendEntriesRequest struct {
	Term         int64
	LeaderID     int64
	PrevLogIndex int64
	PrevLogTerm  int64
	LeaderCommit int64
	Entries      []*LogEntry
}

type AppendEntriesResponse struct {
	Term    int64
	Success bool
	// Conflict hints let the leader back off nextIndex in one round trip
	// instead of decrementing entry by entry.
	ConflictIndex int64
	ConflictTerm  int64
}

type InstallSnapshotRequest struct {
	Term     int64
	LeaderID int64
	Meta     SnapshotMeta
	Offset   int64
	Chunk    []byte
	Done     bool
}

type InstallSnapshotResponse struct {
	Term    int64
	Success bool
}

type ConnectRequest struct {
	ClientName string
}

type ConnectResponse struct {
	Status     Status
	SessionID  int64
	LeaderHint string
}

type SubmitRequest struct {
	SessionID int64
	Sequence  int64
	Batch     []string
}

type SubmitResponse struct {
	Status     Status
	LeaderHint string
	Result     *CommandResult
}

type QueryRequest struct {
	SessionID int64
	SQL       string
}

type QueryResponse struct {
	Status     Status
	LeaderHint string
	Result     *CommandResult
}

type ConfigChangeRequest struct {
	Change ConfigChange
}

type ConfigChangeResponse struct {
	Status     Status
	LeaderHint string
}

// CommandResult is what applying one log entry produced. For command entries
// it carries the SQL outcome; SQLError is data, not a protocol failure.
type CommandResult struct {
	SessionID    int64
	RowsAffected int64
	LastInsertID int64
	// SessionExpired marks a deterministic rejection: the tagged session
	// no longer exists on the state machine.
	SessionExpired bool
	SQLError       string
	Columns        []string
	Rows           [][]string
}

func (cr *CommandResult) encode(w *writer) {
	if cr.SessionExpired {
		w.u8(1)
	} else {
		w.u8(0)
	}
	w.i64(cr.SessionID)
	w.i64(cr.RowsAffected)
	w.i64(cr.LastInsertID)
	w.str(cr.SQLError)
	w.u32(uint32(len(cr.Columns)))
	for _, c := range cr.Columns {
		w.str(c)
	}
	w.u32(uint32(len(cr.Rows)))
	for _, row := range cr.Rows {
		w.u32(uint32(len(row)))
		for _, v := range row {
			w.str(v)
		}
	}
}

func decodeResult(r *reader) *CommandResult {
	cr := &CommandResult{}
	cr.SessionExpired = r.u8() == 1
	cr.SessionID = r.i64()
	cr.RowsAffected = r.i64()
	cr.LastInsertID = r.i64()
	cr.SQLError = r.str()
	nc := int(r.u32())
	for i := 0; i < nc; i++ {
		cr.Columns = append(cr.Columns, r.str())
	}
	nr := int(r.u32())
	for i := 0; i < nr; i++ {
		n := int(r.u32())
		row := make([]string, 0, n)
		for j := 0; j < n; j++ {
			row = append(row, r.str())
		}
		cr.Rows = append(cr.Rows, row)
	}
	return cr
}

// EncodeResult serializes a command result on its own. Used by the state
// machine to keep cached session results in snapshot images.
func EncodeResult(cr *CommandResult) []byte {
	w := &writer{}
	cr.encode(w)
	return w.buf
}

// DecodeResult is the inverse of EncodeResult.
func DecodeResult(buf []byte) (*CommandResult, error) {
	r := &reader{buf: buf}
	cr := decodeResult(r)
	if r.err != nil {
		return nil, fmt.Errorf("decode command result: %w", r.err)
	}
	return cr, nil
}

func encodeClusterConfig(w *writer, c *ClusterConfig) {
	w.i64(c.Version)
	w.u32(uint32(len(c.Members)))
	for _, m := range c.Members {
		w.i64(m.ID)
		w.str(m.Addr)
		if m.Voter {
			w.u8(1)
		} else {
			w.u8(0)
		}
	}
}

func decodeClusterConfig(r *reader) ClusterConfig {
	c := ClusterConfig{Version: r.i64()}
	n := int(r.u32())
	for j := 0; j < n; j++ {
		m := Member{ID: r.i64(), Addr: r.str()}
		m.Voter = r.u8() == 1
		c.Members = append(c.Members, m)
	}
	return c
}

// EncodeClusterConfig serializes a membership configuration.
func EncodeClusterConfig(c *ClusterConfig) []byte {
	w := &writer{}
	encodeClusterConfig(w, c)
	return w.buf
}

// DecodeClusterConfig is the inverse of EncodeClusterConfig.
func DecodeClusterConfig(buf []byte) (*ClusterConfig, error) {
	r := &reader{buf: buf}
	c := decodeClusterConfig(r)
	if r.err != nil {
		return nil, fmt.Errorf("decode cluster config: %w", r.err)
	}
	return &c, nil
}

// EncodeConfigChange serializes a membership change for an EntryConfig payload.
func EncodeConfigChange(cc *ConfigChange) []byte {
	w := &writer{}
	w.u8(uint8(cc.Op))
	w.i64(cc.ID)
	w.str(cc.Addr)
	return w.buf
}

// DecodeConfigChange is the inverse of EncodeConfigChange.
func DecodeConfigChange(buf []byte) (*ConfigChange, error) {
	r := &reader{buf: buf}
	cc := &ConfigChange{}
	cc.Op = ConfigChangeOp(r.u8())
	cc.ID = r.i64()
	cc.Addr = r.str()
	if r.err != nil {
		return nil, fmt.Errorf("decode config change: %w", r.err)
	}
	return cc, nil
}

// EncodeBatch serializes a SQL statement batch for an EntryCommand payload.
func EncodeBatch(stmts []string) []byte {
	w := &writer{}
	w.u32(uint32(len(stmts)))
	for _, s := range stmts {
		w.str(s)
	}
	return w.buf
}

// DecodeBatch is the inverse of EncodeBatch.
func DecodeBatch(buf []byte) ([]string, error) {
	r := &reader{buf: buf}
	n := int(r.u32())
	stmts := make([]string, 0, n)
	for j := 0; j < n; j++ {
		stmts = append(stmts, r.str())
	}
	if r.err != nil {
		return nil, fmt.Errorf("decode batch: %w", r.err)
	}
	return stmts, nil
}

// EncodeSnapshotMeta serializes snapshot metadata.
func EncodeSnapshotMeta(m *SnapshotMeta) []byte {
	w := &writer{}
	w.i64(m.LastIncludedIndex)
	w.i64(m.LastIncludedTerm)
	encodeClusterConfig(w, &m.Config)
	return w.buf
}

// DecodeSnapshotMeta is the inverse of EncodeSnapshotMeta.
func DecodeSnapshotMeta(buf []byte) (*SnapshotMeta, error) {
	r := &reader{buf: buf}
	m := &SnapshotMeta{}
	m.LastIncludedIndex = r.i64()
	m.LastIncludedTerm = r.i64()
	m.Config = decodeClusterConfig(r)
	if r.err != nil {
		return nil, fmt.Errorf("decode snapshot meta: %w", r.err)
	}
	return m, nil
}

// Encode serializes any wire message, prefixed with its MsgType byte.
func Encode(msg any) ([]byte, error) {
	w := &writer{}
	switch m := msg.(type) {
	case *RequestVoteRequest:
		w.u8(uint8(MsgRequestVote))
		w.i64(m.Term)
		w.i64(m.CandidateID)
		w.i64(m.LastLogIndex)
		w.i64(m.LastLogTerm)
	case *RequestVoteResponse:
		w.u8(uint8(MsgRequestVoteResp))
		w.i64(m.Term)
		w.i64(m.VoterID)
		if m.Granted {
			w.u8(1)
		} else {
			w.u8(0)
		}
	case *AppendEntriesRequest:
		w.u8(uint8(MsgAppendEntries))
		w.i64(m.Term)
		w.i64(m.LeaderID)
		w.i64(m.PrevLogIndex)
		w.i64(m.PrevLogTerm)
		w.i64(m.LeaderCommit)
		w.u32(uint32(len(m.Entries)))
		for _, e := range m.Entries {
			w.bytes(EncodeEntry(e))
		}
	case *AppendEntriesResponse:
		w.u8(uint8(MsgAppendEntriesResp))
		w.i64(m.Term)
		if m.Success {
			w.u8(1)
		} else {
			w.u8(0)
		}
		w.i64(m.ConflictIndex)
		w.i64(m.ConflictTerm)
	case *InstallSnapshotRequest:
		w.u8(uint8(MsgInstallSnapshot))
		w.i64(m.Term)
		w.i64(m.LeaderID)
		w.bytes(EncodeSnapshotMeta(&m.Meta))
		w.i64(m.Offset)
		w.bytes(m.Chunk)
		if m.Done {
			w.u8(1)
		} else {
			w.u8(0)
		}
	case *InstallSnapshotResponse:
		w.u8(uint8(MsgInstallSnapshotResp))
		w.i64(m.Term)
		if m.Success {
			w.u8(1)
		} else {
			w.u8(0)
		}
	case *ConnectRequest:
		w.u8(uint8(MsgConnect))
		w.str(m.ClientName)
	case *ConnectResponse:
		w.u8(uint8(MsgConnectResp))
		w.u8(uint8(m.Status))
		w.i64(m.SessionID)
		w.str(m.LeaderHint)
	case *SubmitRequest:
		w.u8(uint8(MsgSubmit))
		w.i64(m.SessionID)
		w.i64(m.Sequence)
		w.bytes(EncodeBatch(m.Batch))
	case *SubmitResponse:
		w.u8(uint8(MsgSubmitResp))
		w.u8(uint8(m.Status))
		w.str(m.LeaderHint)
		encodeOptionalResult(w, m.Result)
	case *QueryRequest:
		w.u8(uint8(MsgQuery))
		w.i64(m.SessionID)
		w.str(m.SQL)
	case *QueryResponse:
		w.u8(uint8(MsgQueryResp))
		w.u8(uint8(m.Status))
		w.str(m.LeaderHint)
		encodeOptionalResult(w, m.Result)
	case *ConfigChangeRequest:
		w.u8(uint8(MsgConfigChange))
		w.bytes(EncodeConfigChange(&m.Change))
	case *ConfigChangeResponse:
		w.u8(uint8(MsgConfigChangeResp))
		w.u8(uint8(m.Status))
		w.str(m.LeaderHint)
	default:
		return nil, fmt.Errorf("wire: cannot encode %T", msg)
	}
	return w.buf, nil
}

func encodeOptionalResult(w *writer, cr *CommandResult) {
	if cr == nil {
		w.u8(0)
		return
	}
	w.u8(1)
	cr.encode(w)
}

func decodeOptionalResult(r *reader) *CommandResult {
	if r.u8() == 0 {
		return nil
	}
	return decodeResult(r)
}

// Decode parses a message produced by Encode. The concrete type follows from
// the leading MsgType byte.
func Decode(buf []byte) (any, error) {
	if len(buf) == 0 {
		return nil, ErrShortBuffer
	}
	r := &reader{buf: buf}
	var msg any

	switch MsgType(r.u8()) {
	case MsgRequestVote:
		msg = &RequestVoteRequest{Term: r.i64(), CandidateID: r.i64(), LastLogIndex: r.i64(), LastLogTerm: r.i64()}
	case MsgRequestVoteResp:
		msg = &RequestVoteResponse{Term: r.i64(), VoterID: r.i64(), Granted: r.u8() == 1}
	case MsgAppendEntries:
		m := &AppendEntriesRequest{Term: r.i64(), LeaderID: r.i64(), PrevLogIndex: r.i64(), PrevLogTerm: r.i64(), LeaderCommit: r.i64()}
		n := int(r.u32())
		for j := 0; j < n; j++ {
			b := r.bytes()
			if r.err != nil {
				break
			}
			e, err := DecodeEntry(b)
			if err != nil {
				return nil, err
			}
			m.Entries = append(m.Entries, e)
		}
		msg = m
	case MsgAppendEntriesResp:
		msg = &AppendEntriesResponse{Term: r.i64(), Success: r.u8() == 1, ConflictIndex: r.i64(), ConflictTerm: r.i64()}
	case MsgInstallSnapshot:
		m := &InstallSnapshotRequest{Term: r.i64(), LeaderID: r.i64()}
		metaBuf := r.bytes()
		if r.err == nil {
			meta, err := DecodeSnapshotMeta(metaBuf)
			if err != nil {
				return nil, err
			}
			m.Meta = *meta
		}
		m.Offset = r.i64()
		m.Chunk = r.bytes()
		m.Done = r.u8() == 1
		msg = m
	case MsgInstallSnapshotResp:
		msg = &InstallSnapshotResponse{Term: r.i64(), Success: r.u8() == 1}
	case MsgConnect:
		msg = &ConnectRequest{ClientName: r.str()}
	case MsgConnectResp:
		msg = &ConnectResponse{Status: Status(r.u8()), SessionID: r.i64(), LeaderHint: r.str()}
	case MsgSubmit:
		m := &SubmitRequest{SessionID: r.i64(), Sequence: r.i64()}
		batchBuf := r.bytes()
		if r.err == nil {
			batch, err := DecodeBatch(batchBuf)
			if err != nil {
				return nil, err
			}
			m.Batch = batch
		}
		msg = m
	case MsgSubmitResp:
		msg = &SubmitResponse{Status: Status(r.u8()), LeaderHint: r.str(), Result: decodeOptionalResult(r)}
	case MsgQuery:
		msg = &QueryRequest{SessionID: r.i64(), SQL: r.str()}
	case MsgQueryResp:
		msg = &QueryResponse{Status: Status(r.u8()), LeaderHint: r.str(), Result: decodeOptionalResult(r)}
	case MsgConfigChange:
		ccBuf := r.bytes()
		if r.err == nil {
			cc, err := DecodeConfigChange(ccBuf)
			if err != nil {
				return nil, err
			}
			msg = &ConfigChangeRequest{Change: *cc}
		}
	case MsgConfigChangeResp:
		msg = &ConfigChangeResponse{Status: Status(r.u8()), LeaderHint: r.str()}
	default:
		return nil, fmt.Errorf("wire: unknown message type %d", buf[0])
	}

	if r.err != nil {
		return nil, fmt.Errorf("wire: decode: %w", r.err)
	}
	return msg, nil
}
