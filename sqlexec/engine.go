// Package sqlexec is the boundary to the embedded SQL engine. The engine is
// consumed as an already-correct relational library; the only requirement the
// replicated state machine places on it is determinism: identical statement
// batches against identical state must produce identical results on every
// replica. Statements therefore must not depend on wall-clock, randomness or
// unordered iteration.
package sqlexec

// ExecResult is the outcome of a single write statement.
type ExecResult struct {
	RowsAffected int64
	LastInsertID int64
}

// Rows is the materialized result of a read statement. Values are rendered
// as text; NULL becomes the empty string.
type Rows struct {
	Columns []string
	Rows    [][]string
}

// Tx is a transaction on the engine. A statement batch is applied inside one
// transaction so the batch is atomic.
type Tx interface {
	Exec(stmt string) (*ExecResult, error)
	Commit() error
	Rollback() error
}

// Engine abstracts the embedded SQL engine.
//
// Snapshot must capture a consistent image with no transaction in flight;
// the state machine guarantees capture and apply never overlap.
type Engine interface {
	Begin() (Tx, error)
	Query(stmt string) (*Rows, error)
	Snapshot() ([]byte, error)
	Restore(image []byte) error
	Close() error
}
