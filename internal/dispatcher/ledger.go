package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"FlowPilot/internal/storage/redis"
	"FlowPilot/internal/workflow"
)

// Ledger 保存步骤完成标记。调度前先查询标记，已成功的步骤不会再次调用驱动，
// 重复确认不会重复产生副作用。只记录成功的步骤。
type Ledger interface {
	Lookup(ctx context.Context, planID, stepID string) (workflow.StepResult, bool, error)
	Record(ctx context.Context, planID, stepID string, result workflow.StepResult) error
}

// defaultMarkerTTL 是完成标记的默认保留时长。
const defaultMarkerTTL = 7 * 24 * time.Hour

// MemoryLedger 是进程内的完成标记表。标记在 ttl 后过期，
// 写入时按写入顺序清理过期标记，内存占用不随运行时间无限增长。
type MemoryLedger struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	markers map[string]marker
	order   []string
}

type marker struct {
	result  workflow.StepResult
	expires time.Time
}

// MemoryLedgerOption 配置 MemoryLedger。
type MemoryLedgerOption func(*MemoryLedger)

// WithMarkerTTL 设置标记保留时长，ttl<=0 时使用 7 天。
func WithMarkerTTL(ttl time.Duration) MemoryLedgerOption {
	return func(l *MemoryLedger) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithLedgerClock 替换时钟，便于测试。
func WithLedgerClock(now func() time.Time) MemoryLedgerOption {
	return func(l *MemoryLedger) {
		if now != nil {
			l.now = now
		}
	}
}

// NewMemoryLedger 创建内存标记表。
func NewMemoryLedger(opts ...MemoryLedgerOption) *MemoryLedger {
	l := &MemoryLedger{ttl: defaultMarkerTTL, now: time.Now, markers: make(map[string]marker)}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func ledgerKey(planID, stepID string) string { return planID + "/" + stepID }

// Lookup 实现 Ledger。过期标记视为不存在。
func (l *MemoryLedger) Lookup(_ context.Context, planID, stepID string) (workflow.StepResult, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.markers[ledgerKey(planID, stepID)]
	if !ok || !l.now().Before(m.expires) {
		return workflow.StepResult{}, false, nil
	}
	return cloneResult(m.result), true, nil
}

// Record 实现 Ledger。未过期的标记先写入者获胜。
func (l *MemoryLedger) Record(_ context.Context, planID, stepID string, result workflow.StepResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.prune(now)
	key := ledgerKey(planID, stepID)
	if m, exists := l.markers[key]; exists && now.Before(m.expires) {
		return nil
	}
	l.markers[key] = marker{result: cloneResult(result), expires: now.Add(l.ttl)}
	l.order = append(l.order, key)
	return nil
}

// Len 返回当前保存的标记数，包括尚未清理的过期标记。
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.markers)
}

// prune 从最早写入的标记开始删除已过期的条目。ttl 固定，
// 写入顺序即过期顺序。
func (l *MemoryLedger) prune(now time.Time) {
	n := 0
	for _, key := range l.order {
		m, ok := l.markers[key]
		if ok && now.Before(m.expires) {
			break
		}
		if ok {
			delete(l.markers, key)
		}
		n++
	}
	if n > 0 {
		l.order = append(l.order[:0:0], l.order[n:]...)
	}
}

// RedisLedger 用 SETNX 保存标记，多个进程共享同一份完成记录。
type RedisLedger struct {
	client goredis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisLedger 创建 Redis 标记表。ttl<=0 时标记保留 7 天。
func NewRedisLedger(client goredis.Cmdable, prefix string, ttl time.Duration) *RedisLedger {
	if ttl <= 0 {
		ttl = defaultMarkerTTL
	}
	return &RedisLedger{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLedger) key(planID, stepID string) string {
	return redis.Key(l.prefix, "ledger", planID, stepID)
}

// Lookup 实现 Ledger。
func (l *RedisLedger) Lookup(ctx context.Context, planID, stepID string) (workflow.StepResult, bool, error) {
	raw, err := l.client.Get(ctx, l.key(planID, stepID)).Bytes()
	if err != nil {
		if redis.IsNil(err) {
			return workflow.StepResult{}, false, nil
		}
		return workflow.StepResult{}, false, fmt.Errorf("读取完成标记失败: %w", err)
	}
	var res workflow.StepResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return workflow.StepResult{}, false, fmt.Errorf("解析完成标记失败: %w", err)
	}
	return res, true, nil
}

// Record 实现 Ledger。
func (l *RedisLedger) Record(ctx context.Context, planID, stepID string, result workflow.StepResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("序列化完成标记失败: %w", err)
	}
	if err := l.client.SetNX(ctx, l.key(planID, stepID), raw, l.ttl).Err(); err != nil {
		return fmt.Errorf("写入完成标记失败: %w", err)
	}
	return nil
}

func cloneResult(r workflow.StepResult) workflow.StepResult {
	if r.Output != nil {
		out := make(map[string]any, len(r.Output))
		for k, v := range r.Output {
			out[k] = v
		}
		r.Output = out
	}
	return r
}
