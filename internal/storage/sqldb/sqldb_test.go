package sqldb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLiteAndUpsert(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "nested", "fp.db")})
	require.NoError(t, err)
	defer db.Close()

	_, err = db.ExecContext(ctx, `CREATE TABLE kv (id TEXT PRIMARY KEY, value TEXT NOT NULL)`)
	require.NoError(t, err)

	stmt := db.Upsert("kv", []string{"id", "value"})
	_, err = db.ExecContext(ctx, stmt, "a", "1")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, stmt, "a", "2")
	require.NoError(t, err)

	var value string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT value FROM kv WHERE id = ?`, "a").Scan(&value))
	assert.Equal(t, "2", value)

	_, err = db.ExecContext(ctx, `INSERT INTO kv (id, value) VALUES (?, ?)`, "a", "3")
	assert.True(t, IsDuplicate(err))

	_, err = db.ExecContext(ctx, `ALTER TABLE kv ADD COLUMN value TEXT`)
	assert.True(t, IsDuplicateColumn(err))
}

func TestUpsertMySQLSyntax(t *testing.T) {
	db := &DB{Dialect: MySQL}
	assert.Equal(t,
		"INSERT INTO s (id, a) VALUES (?, ?) ON DUPLICATE KEY UPDATE a = VALUES(a)",
		db.Upsert("s", []string{"id", "a"}))
}

func TestMySQLErrorNumbers(t *testing.T) {
	assert.True(t, IsDuplicate(&mysql.MySQLError{Number: 1062}))
	assert.True(t, IsDuplicateColumn(&mysql.MySQLError{Number: 1060}))
	assert.False(t, IsDuplicate(nil))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle", DSN: "x"})
	assert.Error(t, err)
	_, err = Open(context.Background(), Config{Driver: "sqlite"})
	assert.Error(t, err)
}
