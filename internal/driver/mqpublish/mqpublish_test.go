package mqpublish

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FlowPilot/internal/driver"
)

type fakePublisher struct {
	exchange, key string
	msg           amqp.Publishing
	err           error
}

func (f *fakePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return f.err
}

func TestPublish(t *testing.T) {
	pub := &fakePublisher{}
	d := New(pub, "events")
	res := d.Execute(context.Background(), "mq_publish", map[string]string{
		"routing_key": "orders.created",
		"body":        `{"id":1}`,
	}, driver.ExecContext{PlanID: "p", StepID: "s"})
	require.True(t, res.OK(), "%+v", res.Error)
	assert.Equal(t, "events", pub.exchange)
	assert.Equal(t, "orders.created", pub.key)
	assert.Equal(t, "application/json", pub.msg.ContentType)
	assert.Equal(t, "p/s", pub.msg.MessageId)
}

func TestPublishErrorClassification(t *testing.T) {
	pub := &fakePublisher{err: &amqp.Error{Code: amqp.NotFound, Reason: "no exchange"}}
	d := New(pub, "")
	res := d.Execute(context.Background(), "mq_publish", map[string]string{"routing_key": "k", "body": "b"}, driver.ExecContext{})
	assert.False(t, res.Error.Transient)

	pub.err = errors.New("connection reset")
	res = d.Execute(context.Background(), "mq_publish", map[string]string{"routing_key": "k", "body": "b"}, driver.ExecContext{})
	assert.True(t, res.Error.Transient)
	assert.Equal(t, "text/plain", contentType("hello"))
}
