package inbox

import (
	"context"
	"sync"

	xerrors "FlowPilot/internal/errors"
)

// MemoryQueue 使用 channel 模拟消息队列，用于测试与单进程部署。
type MemoryQueue struct {
	ch     chan []byte
	mu     sync.Mutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan []byte, size)}
}

// Publish 将消息投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
	msg := append([]byte(nil), payload...)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- msg:
		return nil
	}
}

// Receive 取出一条消息，用于读取内存回复队列。
func (q *MemoryQueue) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-q.ch:
		if !ok {
			return nil, xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
		}
		return msg, nil
	}
}

// Consume 启动指定数量的工作协程消费队列中的消息。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-q.ch:
					if !ok {
						return
					}
					_ = handler(ctx, msg)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}
