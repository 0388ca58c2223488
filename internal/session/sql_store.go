package session

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	xerrors "FlowPilot/internal/errors"
	"FlowPilot/internal/storage/sqldb"
)

// SQLStore 把会话序列化为 JSON 存入 MySQL 或 SQLite。状态、属主、时间戳
// 另存为独立列，便于清理任务按条件扫描。
type SQLStore struct {
	db *sqldb.DB
}

// NewSQLStore 创建存储并执行迁移。
func NewSQLStore(ctx context.Context, db *sqldb.DB) (*SQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话存储需要数据库连接")
	}
	s := &SQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS fp_sessions (
			id VARCHAR(64) PRIMARY KEY,
			owner_id VARCHAR(128) NOT NULL DEFAULT '',
			state VARCHAR(32) NOT NULL,
			version BIGINT NOT NULL,
			data MEDIUMTEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS fp_session_archive (
			id VARCHAR(64) PRIMARY KEY,
			owner_id VARCHAR(128) NOT NULL DEFAULT '',
			state VARCHAR(32) NOT NULL,
			data MEDIUMTEXT NOT NULL,
			archived_at BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化会话表失败")
		}
	}
	// settled_at 为后加列，老表需要补齐。
	if _, err := s.db.ExecContext(ctx, `ALTER TABLE fp_sessions ADD COLUMN settled_at BIGINT NOT NULL DEFAULT 0`); err != nil && !sqldb.IsDuplicateColumn(err) {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扩展 fp_sessions.settled_at 失败")
	}
	return nil
}

// Load 实现 Store。
func (s *SQLStore) Load(ctx context.Context, id string) (*Session, error) {
	var (
		data    string
		version int64
	)
	row := s.db.QueryRowContext(ctx, `SELECT data, version FROM fp_sessions WHERE id = ?`, id)
	if err := row.Scan(&data, &version); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}
	var sess Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话失败")
	}
	sess.Version = version
	return &sess, nil
}

// Save 实现 Store。首次保存插入新行，之后按版本号条件更新。
func (s *SQLStore) Save(ctx context.Context, sess *Session) error {
	if err := validate(sess); err != nil {
		return err
	}
	next := sess.Clone()
	next.Version = sess.Version + 1
	raw, err := json.Marshal(next)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码会话失败")
	}

	if sess.Version == 0 {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO fp_sessions (id, owner_id, state, version, data, created_at, updated_at, settled_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.OwnerID, string(sess.State), next.Version, string(raw),
			sess.CreatedAt.Unix(), sess.UpdatedAt.Unix(), unix(sess.SettledAt))
		if err != nil {
			if sqldb.IsDuplicate(err) {
				return ErrVersionConflict
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入会话失败")
		}
		sess.Version = next.Version
		return nil
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE fp_sessions SET owner_id = ?, state = ?, version = ?, data = ?, updated_at = ?, settled_at = ? WHERE id = ? AND version = ?`,
		sess.OwnerID, string(sess.State), next.Version, string(raw), sess.UpdatedAt.Unix(), unix(sess.SettledAt), sess.ID, sess.Version)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新会话失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	sess.Version = next.Version
	return nil
}

// Archive 实现 Store：把会话移入归档表。
func (s *SQLStore) Archive(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	var owner, state, data string
	row := tx.QueryRowContext(ctx, `SELECT owner_id, state, data FROM fp_sessions WHERE id = ?`, id)
	if err := row.Scan(&owner, &state, &data); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}
	upsert := s.db.Upsert("fp_session_archive", []string{"id", "owner_id", "state", "data", "archived_at"})
	if _, err := tx.ExecContext(ctx, upsert, id, owner, state, data, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入归档失败")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM fp_sessions WHERE id = ?`, id); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交归档失败")
	}
	return nil
}

// List 实现 Store。
func (s *SQLStore) List(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data, version FROM fp_sessions ORDER BY id`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "列出会话失败")
	}
	defer rows.Close()
	var out []*Session
	for rows.Next() {
		var (
			data    string
			version int64
		)
		if err := rows.Scan(&data, &version); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
		}
		var sess Session
		if err := json.Unmarshal([]byte(data), &sess); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话失败")
		}
		sess.Version = version
		out = append(out, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历会话失败")
	}
	return out, nil
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
