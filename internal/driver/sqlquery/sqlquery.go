// Package sqlquery 提供 db_query（只读）与 db_exec（写入）能力。
package sqlquery

import (
	"context"
	"database/sql"
	sqldriver "database/sql/driver"
	"encoding/json"
	stdErrors "errors"
	"strings"

	"github.com/go-sql-driver/mysql"

	"FlowPilot/internal/driver"
	"FlowPilot/internal/storage/sqldb"
	"FlowPilot/internal/workflow"
)

const defaultMaxRows = 100

// Driver 在配置的数据库上执行 SQL。
type Driver struct {
	driver.Catalog
	db      *sqldb.DB
	maxRows int
}

// New 创建 SQL 驱动。maxRows<=0 时使用默认上限。
func New(db *sqldb.DB, maxRows int) *Driver {
	if maxRows <= 0 {
		maxRows = defaultMaxRows
	}
	system := "database"
	if db != nil {
		system = string(db.Dialect) + " database"
	}
	return &Driver{
		db:      db,
		maxRows: maxRows,
		Catalog: driver.Catalog{
			"db_query": {
				Description:   "Run a read-only SQL query",
				System:        system,
				Required:      []driver.ParamDescriptor{{Name: "query", Type: workflow.ParamText}},
				Optional:      []driver.ParamDescriptor{{Name: "args", Type: workflow.ParamText, Description: "JSON array of positional arguments"}},
				SideEffect:    driver.PureRead,
				EstimatedCost: "1 query",
				Keywords:      []string{"query", "select", "database", "report", "sql"},
			},
			"db_exec": {
				Description:   "Execute a SQL statement that modifies data",
				System:        system,
				Required:      []driver.ParamDescriptor{{Name: "statement", Type: workflow.ParamText}},
				Optional:      []driver.ParamDescriptor{{Name: "args", Type: workflow.ParamText, Description: "JSON array of positional arguments"}},
				SideEffect:    driver.ExternalWrite,
				EstimatedCost: "1 statement",
				Keywords:      []string{"insert", "update", "delete", "database", "sql"},
			},
		},
	}
}

// Execute 实现 driver.Driver。
func (d *Driver) Execute(ctx context.Context, nodeType string, params map[string]string, _ driver.ExecContext) driver.Result {
	if d.db == nil {
		return driver.Permanent("DB_NOT_CONFIGURED", "未配置数据库")
	}
	args, err := parseArgs(params["args"])
	if err != nil {
		return driver.Permanent("INVALID_ARGS", err.Error())
	}
	switch nodeType {
	case "db_query":
		return d.query(ctx, params["query"], args)
	case "db_exec":
		return d.exec(ctx, params["statement"], args)
	default:
		return driver.Permanent("UNSUPPORTED_NODE_TYPE", "不支持的节点类型 "+nodeType)
	}
}

func (d *Driver) query(ctx context.Context, query string, args []any) driver.Result {
	if !IsReadOnly(query) {
		return driver.Permanent("NOT_READ_ONLY", "db_query 只允许 SELECT 或 WITH 查询")
	}
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return classify(err)
	}
	out := make([]any, 0)
	truncated := false
	for rows.Next() {
		if len(out) >= d.maxRows {
			truncated = true
			break
		}
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return classify(err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if raw, ok := values[i].([]byte); ok {
				row[col] = string(raw)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return classify(err)
	}
	data := map[string]any{
		"rows":      out,
		"row_count": len(out),
		"truncated": truncated,
	}
	if len(out) > 0 {
		data["first"] = out[0]
	}
	return driver.Success(data)
}

func (d *Driver) exec(ctx context.Context, statement string, args []any) driver.Result {
	if strings.TrimSpace(statement) == "" {
		return driver.Permanent("INVALID_STATEMENT", "SQL 语句不能为空")
	}
	res, err := d.db.ExecContext(ctx, statement, args...)
	if err != nil {
		return classify(err)
	}
	affected, _ := res.RowsAffected()
	return driver.Success(map[string]any{"rows_affected": affected})
}

// IsReadOnly 判断语句是否为单条只读查询。
func IsReadOnly(query string) bool {
	q := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(query), ";"))
	if q == "" || strings.Contains(q, ";") {
		return false
	}
	head := strings.ToUpper(strings.Fields(q)[0])
	return head == "SELECT" || head == "WITH"
}

func parseArgs(raw string) ([]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var args []any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, stdErrors.New("args 必须是 JSON 数组")
	}
	return args, nil
}

// classify 把数据库错误分为可重试（连接、锁、超时）与不可重试（语法、约束）。
func classify(err error) driver.Result {
	if stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(err, sqldriver.ErrBadConn) || stdErrors.Is(err, sql.ErrConnDone) {
		return driver.Transient("DB_UNAVAILABLE", err.Error())
	}
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1205, 1213, 1040:
			return driver.Transient("DB_BUSY", err.Error())
		}
		return driver.Permanent("DB_ERROR", err.Error())
	}
	if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
		return driver.Transient("DB_BUSY", err.Error())
	}
	return driver.Permanent("DB_ERROR", err.Error())
}
