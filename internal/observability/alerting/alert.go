// Package alerting 把计划失败等事件扇出到日志与邮件渠道。
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	xerrors "FlowPilot/internal/errors"
	"FlowPilot/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog   Channel = "log"
	ChannelEmail Channel = "email"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	SessionID  string
	PlanID     string
	StepID     string
	Metadata   map[string]string
	OccurredAt time.Time
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Channels 返回已注册的渠道，按名称排序。
func (d *FanoutDispatcher) Channels() []Channel {
	if d == nil {
		return nil
	}
	out := make([]Channel, 0, len(d.notifiers))
	for ch := range d.notifiers {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	var errs []error
	for _, ch := range d.Channels() {
		notifier := d.notifiers[ch]
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 把告警写入运行日志。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 记录一条告警日志，critical 使用 Error 级别。
func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	l := logger.L()
	if n != nil && n.Logger != nil {
		l = n.Logger
	}
	level := slog.LevelWarn
	if event.Severity == xerrors.SeverityCritical {
		level = slog.LevelError
	}
	attrs := []slog.Attr{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("session_id", event.SessionID),
		slog.String("plan_id", event.PlanID),
	}
	if event.StepID != "" {
		attrs = append(attrs, slog.String("step_id", event.StepID))
	}
	for _, k := range sortedKeys(event.Metadata) {
		attrs = append(attrs, slog.String(k, event.Metadata[k]))
	}
	l.LogAttrs(ctx, level, event.Message, attrs...)
	return nil
}

// EmailSender 定义发送邮件所需的能力。
type EmailSender interface {
	Send(ctx context.Context, subject, content string, to []string) error
}

// EmailNotifier 通过邮件发送告警。
type EmailNotifier struct {
	Sender        EmailSender
	To            []string
	SubjectPrefix string
}

// Channel 返回邮件渠道。
func (n *EmailNotifier) Channel() Channel { return ChannelEmail }

// Notify 发送邮件。
func (n *EmailNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || len(n.To) == 0 {
		logger.L().Warn("EmailNotifier 未正确配置，跳过发送", slog.String("plan_id", event.PlanID))
		return nil
	}
	subject := fmt.Sprintf("%s[%s] %s", n.SubjectPrefix, event.Severity, event.Code)
	var b strings.Builder
	fmt.Fprintf(&b, "Time: %s\nSession: %s\nPlan: %s\n", event.OccurredAt.Format(time.RFC3339), event.SessionID, event.PlanID)
	if event.StepID != "" {
		fmt.Fprintf(&b, "Step: %s\n", event.StepID)
	}
	fmt.Fprintf(&b, "Code: %s\nDetail: %s\n", event.Code, event.Message)
	if len(event.Metadata) > 0 {
		b.WriteString("Metadata:\n")
		for _, k := range sortedKeys(event.Metadata) {
			fmt.Fprintf(&b, "- %s: %s\n", k, event.Metadata[k])
		}
	}
	return n.Sender.Send(ctx, subject, b.String(), n.To)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
