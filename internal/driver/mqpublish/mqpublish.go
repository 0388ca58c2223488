// Package mqpublish 提供 mq_publish 能力，把消息投递到 RabbitMQ。
package mqpublish

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"FlowPilot/internal/driver"
	"FlowPilot/internal/workflow"
)

// Publisher 是 *amqp.Channel 的发布子集。
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Driver 发布消息到交换机或默认交换机上的队列。
type Driver struct {
	driver.Catalog
	mu              sync.Mutex
	pub             Publisher
	defaultExchange string
}

// New 创建消息发布驱动。
func New(pub Publisher, defaultExchange string) *Driver {
	return &Driver{
		pub:             pub,
		defaultExchange: defaultExchange,
		Catalog: driver.Catalog{
			"mq_publish": {
				Description: "Publish a message to RabbitMQ",
				System:      "RabbitMQ",
				TargetParam: "routing_key",
				Required: []driver.ParamDescriptor{
					{Name: "routing_key", Type: workflow.ParamString},
					{Name: "body", Type: workflow.ParamText},
				},
				Optional:      []driver.ParamDescriptor{{Name: "exchange", Type: workflow.ParamString}},
				SideEffect:    driver.ExternalWrite,
				EstimatedCost: "1 message",
				Keywords:      []string{"publish", "queue", "broadcast", "message", "event"},
			},
		},
	}
}

// Execute 实现 driver.Driver。
func (d *Driver) Execute(ctx context.Context, nodeType string, params map[string]string, ec driver.ExecContext) driver.Result {
	if nodeType != "mq_publish" {
		return driver.Permanent("UNSUPPORTED_NODE_TYPE", "不支持的节点类型 "+nodeType)
	}
	if d.pub == nil {
		return driver.Permanent("MQ_NOT_CONFIGURED", "未配置 RabbitMQ")
	}
	exchange := strings.TrimSpace(params["exchange"])
	if exchange == "" {
		exchange = d.defaultExchange
	}
	key := strings.TrimSpace(params["routing_key"])
	msg := amqp.Publishing{
		ContentType:  contentType(params["body"]),
		DeliveryMode: amqp.Persistent,
		MessageId:    ec.PlanID + "/" + ec.StepID,
		Timestamp:    time.Now(),
		Body:         []byte(params["body"]),
	}

	// amqp.Channel 不支持并发发布
	d.mu.Lock()
	err := d.pub.PublishWithContext(ctx, exchange, key, false, false, msg)
	d.mu.Unlock()
	if err != nil {
		return classify(err)
	}
	return driver.Success(map[string]any{
		"exchange":    exchange,
		"routing_key": key,
		"message_id":  msg.MessageId,
		"bytes":       len(msg.Body),
	})
}

func contentType(body string) string {
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return "application/json"
	}
	return "text/plain"
}

func classify(err error) driver.Result {
	var amqpErr *amqp.Error
	if stdErrors.As(err, &amqpErr) && !amqpErr.Recover {
		if amqpErr.Code == amqp.NotFound || amqpErr.Code == amqp.AccessRefused {
			return driver.Permanent("MQ_REJECTED", fmt.Sprintf("RabbitMQ %d: %s", amqpErr.Code, amqpErr.Reason))
		}
	}
	return driver.Transient("MQ_UNAVAILABLE", err.Error())
}

// Connection 持有发布用的 RabbitMQ 连接与 channel。
type Connection struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial 连接 RabbitMQ 并打开 channel。
func Dial(url string) (*Connection, error) {
	if strings.TrimSpace(url) == "" {
		return nil, stdErrors.New("RabbitMQ URL 不能为空")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	return &Connection{conn: conn, ch: ch}, nil
}

// Channel 返回可用于 New 的发布者。
func (c *Connection) Channel() *amqp.Channel { return c.ch }

// Close 关闭 channel 与连接。
func (c *Connection) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.ch != nil {
		errs = append(errs, c.ch.Close())
	}
	if c.conn != nil {
		errs = append(errs, c.conn.Close())
	}
	return stdErrors.Join(errs...)
}
