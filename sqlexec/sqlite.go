package sqlexec

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const dbFileName = "state.db"

// SQLiteEngine runs statements against an embedded SQLite database. The
// database file is rebuildable state: recovery goes through snapshot plus
// log replay, not through this file.
type SQLiteEngine struct {
	dir  string
	path string
	db   *sql.DB
}

var _ Engine = (*SQLiteEngine)(nil)

// OpenSQLite creates or opens the engine database under dir.
func OpenSQLite(dir string) (*SQLiteEngine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create engine directory %s: %w", dir, err)
	}
	e := &SQLiteEngine{dir: dir, path: filepath.Join(dir, dbFileName)}
	if err := e.open(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *SQLiteEngine) open() error {
	db, err := sql.Open("sqlite", "file:"+e.path+"?_pragma=journal_mode(wal)&_pragma=synchronous(off)")
	if err != nil {
		return fmt.Errorf("open sqlite database %s: %w", e.path, err)
	}
	// One connection keeps statement execution strictly serial, which the
	// apply path requires anyway.
	db.SetMaxOpenConns(1)
	e.db = db
	return nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Exec(stmt string) (*ExecResult, error) {
	res, err := t.tx.Exec(stmt)
	if err != nil {
		return nil, err
	}
	out := &ExecResult{}
	if n, err := res.RowsAffected(); err == nil {
		out.RowsAffected = n
	}
	if id, err := res.LastInsertId(); err == nil {
		out.LastInsertID = id
	}
	return out, nil
}

func (t *sqliteTx) Commit() error   { return t.tx.Commit() }
func (t *sqliteTx) Rollback() error { return t.tx.Rollback() }

func (e *SQLiteEngine) Begin() (Tx, error) {
	tx, err := e.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

func (e *SQLiteEngine) Query(stmt string) (*Rows, error) {
	rows, err := e.db.Query(stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := &Rows{Columns: cols}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make([]string, len(cols))
		for i, v := range vals {
			row[i] = renderValue(v)
		}
		out.Rows = append(out.Rows, row)
	}
	return out, rows.Err()
}

func renderValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	case string:
		return x
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Snapshot produces a compacted copy of the database file via VACUUM INTO
// and returns its bytes.
func (e *SQLiteEngine) Snapshot() ([]byte, error) {
	tmp := e.path + ".image"
	os.Remove(tmp)
	if _, err := e.db.Exec(fmt.Sprintf("VACUUM INTO '%s'", tmp)); err != nil {
		return nil, fmt.Errorf("vacuum into %s: %w", tmp, err)
	}
	defer os.Remove(tmp)

	data, err := os.ReadFile(tmp)
	if err != nil {
		return nil, fmt.Errorf("read snapshot image: %w", err)
	}
	return data, nil
}

// Restore atomically replaces the database file with image and reopens it.
func (e *SQLiteEngine) Restore(image []byte) error {
	if err := e.db.Close(); err != nil {
		return fmt.Errorf("close database before restore: %w", err)
	}
	// Drop sqlite sidecar files so the restored image is opened clean.
	os.Remove(e.path + "-wal")
	os.Remove(e.path + "-shm")

	tmp := e.path + ".tmp"
	if err := os.WriteFile(tmp, image, 0o644); err != nil {
		return fmt.Errorf("write restore image: %w", err)
	}
	if err := os.Rename(tmp, e.path); err != nil {
		return err
	}
	return e.open()
}

func (e *SQLiteEngine) Close() error {
	return e.db.Close()
}
