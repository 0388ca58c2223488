// Package tasks 提供 task_create 能力，把待办事项写入 SQL 任务表。
package tasks

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"FlowPilot/internal/driver"
	xerrors "FlowPilot/internal/errors"
	"FlowPilot/internal/storage/sqldb"
	"FlowPilot/internal/workflow"
)

var taskNamespace = uuid.MustParse("0b6f8f4e-3c7d-4f0a-a5a8-1e2d3c4b5a69")

// Task 是一条待办记录。
type Task struct {
	ID        string
	Name      string
	Content   string
	Due       string
	SessionID string
	CreatedAt time.Time
}

// Driver 在任务表中创建记录。
type Driver struct {
	driver.Catalog
	db  *sqldb.DB
	now func() time.Time
}

// New 创建任务驱动并确保表结构存在。
func New(ctx context.Context, db *sqldb.DB) (*Driver, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务驱动需要数据库连接")
	}
	d := &Driver{
		db:  db,
		now: time.Now,
		Catalog: driver.Catalog{
			"task_create": {
				Description: "Create a task in the task list",
				System:      "task list",
				TargetParam: "task_name",
				Required:    []driver.ParamDescriptor{{Name: "task_name", Type: workflow.ParamString}},
				Optional: []driver.ParamDescriptor{
					{Name: "content", Type: workflow.ParamText},
					{Name: "due", Type: workflow.ParamString},
				},
				SideEffect:    driver.ExternalWrite,
				EstimatedCost: "1 row",
				Keywords:      []string{"task", "todo", "reminder", "create"},
			},
		},
	}
	if err := d.migrate(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Driver) migrate(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS fp_tasks (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		content TEXT,
		due VARCHAR(64),
		session_id VARCHAR(64),
		created_at BIGINT NOT NULL
	)`
	if _, err := d.db.ExecContext(ctx, stmt); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建任务表失败")
	}
	return nil
}

// Execute 实现 driver.Driver。任务 ID 由计划与步骤派生，重复调用不会产生重复记录。
func (d *Driver) Execute(ctx context.Context, nodeType string, params map[string]string, ec driver.ExecContext) driver.Result {
	if nodeType != "task_create" {
		return driver.Permanent("UNSUPPORTED_NODE_TYPE", "不支持的节点类型 "+nodeType)
	}
	name := strings.TrimSpace(params["task_name"])
	if len(name) > 255 {
		return driver.Permanent("INVALID_PARAMETER", "task_name 超过 255 字符")
	}
	id := uuid.NewSHA1(taskNamespace, []byte(ec.PlanID+"/"+ec.StepID+"/"+name)).String()
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO fp_tasks (id, name, content, due, session_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, name, params["content"], params["due"], ec.SessionID, d.now().Unix())
	if err != nil && !sqldb.IsDuplicate(err) {
		return driver.Transient("TASK_STORE_UNAVAILABLE", err.Error())
	}
	return driver.Success(map[string]any{"task_id": id, "task_name": name})
}

// List 返回会话创建的任务，按创建时间排序。
func (d *Driver) List(ctx context.Context, sessionID string) ([]Task, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, name, COALESCE(content, ''), COALESCE(due, ''), COALESCE(session_id, ''), created_at
		 FROM fp_tasks WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var (
			t       Task
			created int64
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.Content, &t.Due, &t.SessionID, &created); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取任务失败")
		}
		t.CreatedAt = time.Unix(created, 0)
		out = append(out, t)
	}
	return out, rows.Err()
}
