package sqlexec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteExecAndQuery(t *testing.T) {
	e, err := OpenSQLite(t.TempDir())
	require.NoError(t, err)
	defer e.Close()

	tx, err := e.Begin()
	require.NoError(t, err)
	_, err = tx.Exec("CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)")
	require.NoError(t, err)
	res, err := tx.Exec("INSERT INTO kv VALUES ('a', '1'), ('b', '2')")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RowsAffected)
	require.NoError(t, tx.Commit())

	rows, err := e.Query("SELECT k, v FROM kv ORDER BY k")
	require.NoError(t, err)
	assert.Equal(t, []string{"k", "v"}, rows.Columns)
	require.Len(t, rows.Rows, 2)
	assert.Equal(t, []string{"a", "1"}, rows.Rows[0])
	assert.Equal(t, []string{"b", "2"}, rows.Rows[1])
}

func TestSQLiteRollback(t *testing.T) {
	e, err := OpenSQLite(t.TempDir())
	require.NoError(t, err)
	defer e.Close()

	tx, err := e.Begin()
	require.NoError(t, err)
	_, err = tx.Exec("CREATE TABLE kv (k TEXT)")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx, err = e.Begin()
	require.NoError(t, err)
	_, err = tx.Exec("INSERT INTO kv VALUES ('x')")
	require.NoError(t, err)
	_, err = tx.Exec("not valid sql")
	require.Error(t, err)
	require.NoError(t, tx.Rollback())

	rows, err := e.Query("SELECT count(*) FROM kv")
	require.NoError(t, err)
	assert.Equal(t, []string{"0"}, rows.Rows[0])
}

func TestSQLiteSnapshotRestore(t *testing.T) {
	e, err := OpenSQLite(t.TempDir())
	require.NoError(t, err)
	defer e.Close()

	tx, err := e.Begin()
	require.NoError(t, err)
	_, err = tx.Exec("CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)")
	require.NoError(t, err)
	_, err = tx.Exec("INSERT INTO kv VALUES ('a', '1')")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	image, err := e.Snapshot()
	require.NoError(t, err)
	require.NotEmpty(t, image)

	other, err := OpenSQLite(t.TempDir())
	require.NoError(t, err)
	defer other.Close()
	require.NoError(t, other.Restore(image))

	rows, err := other.Query("SELECT v FROM kv WHERE k = 'a'")
	require.NoError(t, err)
	require.Len(t, rows.Rows, 1)
	assert.Equal(t, "1", rows.Rows[0][0])
}

func TestMemEngineDeterministicSnapshot(t *testing.T) {
	a := NewMemEngine()
	b := NewMemEngine()

	for _, e := range []*MemEngine{a, b} {
		tx, err := e.Begin()
		require.NoError(t, err)
		_, err = tx.Exec("SET x 1")
		require.NoError(t, err)
		_, err = tx.Exec("SET y 2")
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
	}

	sa, err := a.Snapshot()
	require.NoError(t, err)
	sb, err := b.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, sa, sb)

	c := NewMemEngine()
	require.NoError(t, c.Restore(sa))
	v, ok := c.Get("y")
	require.True(t, ok)
	assert.Equal(t, "2", v)
}

func TestMemEngineRollbackDiscardsStaged(t *testing.T) {
	e := NewMemEngine()
	tx, err := e.Begin()
	require.NoError(t, err)
	_, err = tx.Exec("SET x 1")
	require.NoError(t, err)
	_, err = tx.Exec("bogus")
	require.Error(t, err)
	require.NoError(t, tx.Rollback())

	_, ok := e.Get("x")
	assert.False(t, ok)
}
