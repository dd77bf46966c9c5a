package sqlexec

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemEngine is a deterministic in-memory engine used by tests and the
// simulated cluster harness. Statements of the form "SET k v" mutate a
// key/value table, "DEL k" deletes, and queries of the form "GET k" read.
// Anything else is rejected, so transaction rollback paths get exercised.
type MemEngine struct {
	mu   sync.Mutex
	data map[string]string
}

var _ Engine = (*MemEngine)(nil)

func NewMemEngine() *MemEngine {
	return &MemEngine{data: make(map[string]string)}
}

type memTx struct {
	e       *MemEngine
	staged  map[string]string
	deleted map[string]bool
	done    bool
}

func (e *MemEngine) Begin() (Tx, error) {
	return &memTx{e: e, staged: make(map[string]string), deleted: make(map[string]bool)}, nil
}

func (t *memTx) Exec(stmt string) (*ExecResult, error) {
	if t.done {
		return nil, errors.New("transaction already finished")
	}
	fields := strings.Fields(stmt)
	switch {
	case len(fields) == 3 && strings.EqualFold(fields[0], "SET"):
		t.staged[fields[1]] = fields[2]
		delete(t.deleted, fields[1])
		return &ExecResult{RowsAffected: 1}, nil
	case len(fields) == 2 && strings.EqualFold(fields[0], "DEL"):
		t.deleted[fields[1]] = true
		delete(t.staged, fields[1])
		return &ExecResult{RowsAffected: 1}, nil
	default:
		return nil, fmt.Errorf("unsupported statement %q", stmt)
	}
}

func (t *memTx) Commit() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	t.e.mu.Lock()
	defer t.e.mu.Unlock()
	for k, v := range t.staged {
		t.e.data[k] = v
	}
	for k := range t.deleted {
		delete(t.e.data, k)
	}
	return nil
}

func (t *memTx) Rollback() error {
	t.done = true
	return nil
}

func (e *MemEngine) Query(stmt string) (*Rows, error) {
	fields := strings.Fields(stmt)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "GET") {
		return nil, fmt.Errorf("unsupported query %q", stmt)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := &Rows{Columns: []string{"value"}}
	if v, ok := e.data[fields[1]]; ok {
		out.Rows = append(out.Rows, []string{v})
	}
	return out, nil
}

// Snapshot encodes the table in sorted order so identical state always
// produces identical bytes.
func (e *MemEngine) Snapshot() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]string, 0, len(e.data))
	for k := range e.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s\x00%s\x00", k, e.data[k])
	}
	return []byte(sb.String()), nil
}

func (e *MemEngine) Restore(image []byte) error {
	fields := strings.Split(string(image), "\x00")
	data := make(map[string]string)
	for i := 0; i+1 < len(fields); i += 2 {
		data[fields[i]] = fields[i+1]
	}
	e.mu.Lock()
	e.data = data
	e.mu.Unlock()
	return nil
}

func (e *MemEngine) Close() error { return nil }

// Get reads a key directly, bypassing the statement surface. Tests use it
// to compare replica states.
func (e *MemEngine) Get(key string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.data[key]
	return v, ok
}
