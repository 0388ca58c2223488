package sqlquery

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FlowPilot/internal/driver"
	"FlowPilot/internal/storage/sqldb"
)

func openDB(t *testing.T) *sqldb.DB {
	t.Helper()
	db, err := sqldb.Open(context.Background(), sqldb.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "q.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`CREATE TABLE orders (id INTEGER PRIMARY KEY, customer TEXT, total REAL)`)
	require.NoError(t, err)
	return db
}

func TestExecThenQuery(t *testing.T) {
	d := New(openDB(t), 2)
	ctx := context.Background()

	for _, args := range []string{`[1,"ann",10.5]`, `[2,"bob",3]`, `[3,"cy",7]`} {
		res := d.Execute(ctx, "db_exec", map[string]string{
			"statement": "INSERT INTO orders (id, customer, total) VALUES (?, ?, ?)",
			"args":      args,
		}, driver.ExecContext{})
		require.True(t, res.OK(), "%+v", res.Error)
		assert.EqualValues(t, 1, res.Data["rows_affected"])
	}

	res := d.Execute(ctx, "db_query", map[string]string{"query": "SELECT customer, total FROM orders ORDER BY id"}, driver.ExecContext{})
	require.True(t, res.OK(), "%+v", res.Error)
	assert.Equal(t, 2, res.Data["row_count"])
	assert.Equal(t, true, res.Data["truncated"])
	first := res.Data["first"].(map[string]any)
	assert.Equal(t, "ann", first["customer"])
}

func TestQueryRejectsWrites(t *testing.T) {
	d := New(openDB(t), 0)
	res := d.Execute(context.Background(), "db_query", map[string]string{"query": "DELETE FROM orders"}, driver.ExecContext{})
	assert.Equal(t, "NOT_READ_ONLY", res.Error.Code)

	res = d.Execute(context.Background(), "db_query", map[string]string{"query": "SELECT 1; DROP TABLE orders"}, driver.ExecContext{})
	assert.Equal(t, "NOT_READ_ONLY", res.Error.Code)
}

func TestSyntaxErrorIsPermanent(t *testing.T) {
	d := New(openDB(t), 0)
	res := d.Execute(context.Background(), "db_query", map[string]string{"query": "SELECT nope FROM missing"}, driver.ExecContext{})
	require.False(t, res.OK())
	assert.False(t, res.Error.Transient)

	res = d.Execute(context.Background(), "db_exec", map[string]string{"statement": "x", "args": "{"}, driver.ExecContext{})
	assert.Equal(t, "INVALID_ARGS", res.Error.Code)
}

func TestIsReadOnly(t *testing.T) {
	assert.True(t, IsReadOnly("  select 1;"))
	assert.True(t, IsReadOnly("WITH t AS (SELECT 1) SELECT * FROM t"))
	assert.False(t, IsReadOnly("UPDATE x SET a=1"))
	assert.False(t, IsReadOnly(""))
}
