package session

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	xerrors "FlowPilot/internal/errors"
	"FlowPilot/internal/storage/redis"
)

// RedisStore 把会话存为 JSON 字符串，版本号放在单独的键上，
// 通过 WATCH 事务实现乐观并发控制。
type RedisStore struct {
	client *goredis.Client
	prefix string
}

// NewRedisStore 创建 Redis 会话存储。
func NewRedisStore(client *goredis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) dataKey(id string) string { return redis.Key(s.prefix, "session", id) }
func (s *RedisStore) versionKey(id string) string { return redis.Key(s.prefix, "session", id, "version") }
func (s *RedisStore) indexKey() string { return redis.Key(s.prefix, "sessions") }
func (s *RedisStore) archiveKey(id string) string { return redis.Key(s.prefix, "archive", id) }

// Load 实现 Store。
func (s *RedisStore) Load(ctx context.Context, id string) (*Session, error) {
	raw, err := s.client.Get(ctx, s.dataKey(id)).Bytes()
	if err != nil {
		if redis.IsNil(err) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话失败")
	}
	return &sess, nil
}

// Save 实现 Store。
func (s *RedisStore) Save(ctx context.Context, sess *Session) error {
	if err := validate(sess); err != nil {
		return err
	}
	next := sess.Clone()
	next.Version = sess.Version + 1
	raw, err := json.Marshal(next)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码会话失败")
	}
	vkey := s.versionKey(sess.ID)

	txf := func(tx *goredis.Tx) error {
		current, err := tx.Get(ctx, vkey).Int64()
		if err != nil && !redis.IsNil(err) {
			return err
		}
		if current != sess.Version {
			return ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, s.dataKey(sess.ID), raw, 0)
			pipe.Set(ctx, vkey, strconv.FormatInt(next.Version, 10), 0)
			pipe.SAdd(ctx, s.indexKey(), sess.ID)
			return nil
		})
		return err
	}
	if err := s.client.Watch(ctx, txf, vkey); err != nil {
		switch {
		case err == ErrVersionConflict, err == goredis.TxFailedErr:
			return ErrVersionConflict
		default:
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存会话失败")
		}
	}
	sess.Version = next.Version
	return nil
}

// Archive 实现 Store。
func (s *RedisStore) Archive(ctx context.Context, id string) error {
	raw, err := s.client.Get(ctx, s.dataKey(id)).Bytes()
	if err != nil {
		if redis.IsNil(err) {
			return ErrNotFound
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.archiveKey(id), raw, 0)
		pipe.Del(ctx, s.dataKey(id), s.versionKey(id))
		pipe.SRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "归档会话失败")
	}
	return nil
}

// List 实现 Store。
func (s *RedisStore) List(ctx context.Context) ([]*Session, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "列出会话失败")
	}
	sort.Strings(ids)
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Load(ctx, id)
		if err != nil {
			if xerrors.CodeOf(err) == xerrors.CodeSessionNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}
