// Package inbox 从消息队列接收用户消息，交给编排器处理，并把回复写入回复队列。
package inbox

import (
	"context"
)

// Handler 处理一条队列消息。返回错误表示消息可以重新投递。
type Handler func(ctx context.Context, payload []byte) error

// Producer 负责向队列投递消息。
type Producer interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// Consumer 负责从队列中消费消息。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
