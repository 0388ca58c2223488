// Package sqldb 统一打开 MySQL 与 SQLite 连接，供会话存储与 SQL 类驱动共用。
package sqldb

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Dialect 表示底层数据库方言。
type Dialect string

const (
	MySQL  Dialect = "mysql"
	SQLite Dialect = "sqlite"
)

// Config 描述连接参数与连接池设置。
type Config struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// DB 包装 *sql.DB 并记录方言。
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open 根据配置打开数据库并执行连通性检查。
func Open(ctx context.Context, cfg Config) (*DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("数据库 DSN 不能为空")
	}
	dialect := Dialect(strings.ToLower(strings.TrimSpace(cfg.Driver)))
	switch dialect {
	case MySQL:
		return openMySQL(ctx, dsn, cfg)
	case SQLite, "sqlite3":
		return openSQLite(ctx, dsn)
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %s", cfg.Driver)
	}
}

func openMySQL(ctx context.Context, dsn string, cfg Config) (*DB, error) {
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("解析 MySQL DSN 失败: %w", err)
	}
	parsed.ParseTime = true
	db, err := sql.Open("mysql", parsed.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}
	return &DB{DB: db, Dialect: MySQL}, nil
}

func openSQLite(ctx context.Context, path string) (*DB, error) {
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("创建数据库目录失败: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开 SQLite 失败: %w", err)
	}
	// SQLite 只允许单写者
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("执行 %s 失败: %w", pragma, err)
		}
	}
	return &DB{DB: db, Dialect: SQLite}, nil
}

// Upsert 生成按主键覆盖写入的语句。columns 的第一列为主键。
func (d *DB) Upsert(table string, columns []string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), placeholders)
	updates := make([]string, 0, len(columns)-1)
	for _, col := range columns[1:] {
		if d.Dialect == MySQL {
			updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", col, col))
		} else {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", col, col))
		}
	}
	if d.Dialect == MySQL {
		return insert + " ON DUPLICATE KEY UPDATE " + strings.Join(updates, ", ")
	}
	return insert + fmt.Sprintf(" ON CONFLICT(%s) DO UPDATE SET ", columns[0]) + strings.Join(updates, ", ")
}

// IsDuplicate 判断错误是否为主键或唯一索引冲突。
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsDuplicateColumn 判断迁移中的重复列错误，便于迁移幂等。
func IsDuplicateColumn(err error) bool {
	if err == nil {
		return false
	}
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1060
	}
	return strings.Contains(err.Error(), "duplicate column name")
}
