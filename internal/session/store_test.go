package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "FlowPilot/internal/errors"
	"FlowPilot/internal/storage/sqldb"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Load(ctx, "missing")
	assert.Equal(t, xerrors.CodeSessionNotFound, xerrors.CodeOf(err))

	s := drafted(t)
	require.NoError(t, store.Save(ctx, s))
	assert.Equal(t, int64(1), s.Version)

	loaded, err := store.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDrafted, loaded.State)
	assert.Equal(t, s.PlanID(), loaded.PlanID())
	assert.Equal(t, "a@b.com", loaded.Params["recipient_email"])

	stale := loaded.Clone()
	require.NoError(t, loaded.ShowPreview())
	require.NoError(t, store.Save(ctx, loaded))
	assert.Equal(t, int64(2), loaded.Version)

	err = store.Save(ctx, stale)
	assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, StatePreview, list[0].State)

	require.NoError(t, store.Archive(ctx, s.ID))
	_, err = store.Load(ctx, s.ID)
	assert.Equal(t, xerrors.CodeSessionNotFound, xerrors.CodeOf(err))
	assert.Error(t, store.Archive(ctx, s.ID))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreIsolatesCallers(t *testing.T) {
	store := NewMemoryStore()
	s := drafted(t)
	require.NoError(t, store.Save(context.Background(), s))
	s.Params["recipient_email"] = "mutated@x.com"
	loaded, err := store.Load(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", loaded.Params["recipient_email"])
}

func TestSQLStoreOnSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := sqldb.Open(ctx, sqldb.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "sessions.db")})
	require.NoError(t, err)
	defer db.Close()

	store, err := NewSQLStore(ctx, db)
	require.NoError(t, err)
	// 迁移可重复执行
	_, err = NewSQLStore(ctx, db)
	require.NoError(t, err)

	exerciseStore(t, store)

	var archived int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fp_session_archive`).Scan(&archived))
	assert.Equal(t, 1, archived)
}

func TestSaveRejectsInvalidSessions(t *testing.T) {
	store := NewMemoryStore()
	assert.Error(t, store.Save(context.Background(), nil))
	assert.Error(t, store.Save(context.Background(), &Session{State: StateCollecting}))
	assert.Error(t, store.Save(context.Background(), &Session{ID: "x", State: "BOGUS"}))
}
