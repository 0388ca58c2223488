package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"FlowPilot/internal/storage/redis"
)

// RedisQueue 使用 Redis list 实现简单的消息队列：LPUSH 投递，BRPOP 消费。
type RedisQueue struct {
	client goredis.UniversalClient
	queue  string
	wait   time.Duration
	owned  bool
}

// NewRedisQueue 在已有连接上创建队列。name 为空时使用 prefix:inbox。
func NewRedisQueue(client goredis.UniversalClient, prefix, name string, blockWait time.Duration) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("Redis client 不能为空")
	}
	if name == "" {
		name = redis.Key(prefix, "inbox")
	}
	if blockWait <= 0 {
		blockWait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: name, wait: blockWait}, nil
}

// OpenRedisQueue 建立连接并创建队列，Close 时关闭连接。
func OpenRedisQueue(ctx context.Context, cfg redis.Config, name string, blockWait time.Duration) (*RedisQueue, error) {
	client, err := redis.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	q, err := NewRedisQueue(client, cfg.Prefix(), name, blockWait)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	q.owned = true
	return q, nil
}

// Name 返回队列的 key。
func (q *RedisQueue) Name() string { return q.queue }

// Publish 将消息投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, payload []byte) error {
	if err := q.client.LPush(ctx, q.queue, payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布消息失败: %w", err)
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取消息。处理失败的消息重新放回队尾。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, goredis.ErrClosed) {
						errCh <- err
						return
					}
					if redis.IsNil(err) {
						continue
					}
					errCh <- fmt.Errorf("Redis 取消息失败: %w", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				payload := []byte(values[1])
				if handlerErr := handler(ctx, payload); handlerErr != nil {
					_ = q.client.RPush(ctx, q.queue, payload).Err()
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 关闭自己建立的 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil || !q.owned {
		return nil
	}
	return q.client.Close()
}
