package tasks

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FlowPilot/internal/driver"
	"FlowPilot/internal/storage/sqldb"
)

func TestTaskCreateIsIdempotentPerStep(t *testing.T) {
	ctx := context.Background()
	db, err := sqldb.Open(ctx, sqldb.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "tasks.db")})
	require.NoError(t, err)
	defer db.Close()

	d, err := New(ctx, db)
	require.NoError(t, err)

	ec := driver.ExecContext{SessionID: "s1", PlanID: "p1", StepID: "create"}
	params := map[string]string{"task_name": "Renew domain", "content": "before June"}

	first := d.Execute(ctx, "task_create", params, ec)
	require.True(t, first.OK(), "%+v", first.Error)
	second := d.Execute(ctx, "task_create", params, ec)
	require.True(t, second.OK())
	assert.Equal(t, first.Data["task_id"], second.Data["task_id"])

	tasks, err := d.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Renew domain", tasks[0].Name)
	assert.Equal(t, "before June", tasks[0].Content)
}

func TestNewRequiresDB(t *testing.T) {
	_, err := New(context.Background(), nil)
	assert.Error(t, err)
}
