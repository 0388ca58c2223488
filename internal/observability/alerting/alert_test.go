package alerting

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "FlowPilot/internal/errors"
)

type captureSender struct {
	subject, content string
	to               []string
	err              error
}

func (c *captureSender) Send(_ context.Context, subject, content string, to []string) error {
	c.subject, c.content, c.to = subject, content, to
	return c.err
}

func sampleEvent() Event {
	return Event{
		Code:       xerrors.CodeDriverExecution,
		Severity:   xerrors.SeverityWarning,
		Message:    "plan failed at step email",
		SessionID:  "s-1",
		PlanID:     "p-1",
		StepID:     "email",
		Metadata:   map[string]string{"error_code": "INVALID_RECIPIENT"},
		OccurredAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	var buf bytes.Buffer
	sender := &captureSender{}
	d := NewFanout(
		&LogNotifier{Logger: slog.New(slog.NewJSONHandler(&buf, nil))},
		&EmailNotifier{Sender: sender, To: []string{"ops@corp.io"}, SubjectPrefix: "[flowpilot] "},
		nil,
	)
	assert.Equal(t, []Channel{ChannelEmail, ChannelLog}, d.Channels())

	require.NoError(t, d.Notify(context.Background(), sampleEvent()))
	assert.Equal(t, "[flowpilot] [warning] DRIVER_EXECUTION", sender.subject)
	assert.Contains(t, sender.content, "Step: email")
	assert.Contains(t, sender.content, "- error_code: INVALID_RECIPIENT")
	assert.Contains(t, buf.String(), `"plan_id":"p-1"`)
	assert.Contains(t, buf.String(), `"error_code":"INVALID_RECIPIENT"`)
}

func TestFanoutJoinsErrors(t *testing.T) {
	d := NewFanout(&EmailNotifier{Sender: &captureSender{err: assert.AnError}, To: []string{"x@y.z"}})
	err := d.Notify(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel email")
}

func TestUnconfiguredEmailIsSkipped(t *testing.T) {
	assert.NoError(t, (&EmailNotifier{}).Notify(context.Background(), sampleEvent()))
	var nilDispatcher *FanoutDispatcher
	assert.NoError(t, nilDispatcher.Notify(context.Background(), sampleEvent()))
}
