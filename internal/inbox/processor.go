package inbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	xerrors "FlowPilot/internal/errors"
	"FlowPilot/internal/observability/alerting"
	"FlowPilot/internal/orchestrator"
	"FlowPilot/pkg/logger"
)

// Conversation 是处理器所需的编排器能力。
type Conversation interface {
	HandleUserMessage(ctx context.Context, sessionID string, msg orchestrator.Message) (*orchestrator.Reply, error)
}

// Processor 从入站队列消费消息，交给编排器处理并发布回复。
// 同一会话的消息由编排器串行处理。
type Processor struct {
	conv        Conversation
	consumer    Consumer
	replies     Producer
	workerCount int
	timeout     time.Duration
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithMessageTimeout 限制单条消息的处理时间，包括等待计划执行落定。
func WithMessageTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerter = d }
}

// NewProcessor 构造 Processor。replies 为空时回复只写日志。
func NewProcessor(conv Conversation, consumer Consumer, replies Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		conv:        conv,
		consumer:    consumer,
		replies:     replies,
		workerCount: 1,
		timeout:     10 * time.Minute,
		logger:      logger.Named("inbox"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动消费循环，直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.conv == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "消息处理器未初始化")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理一条入站消息。格式错误的消息记录日志后丢弃；
// 只有可重试的错误才返回给队列重新投递。
func (p *Processor) Handle(ctx context.Context, payload []byte) error {
	env, err := DecodeEnvelope(payload)
	if err != nil {
		p.logger.Warn("丢弃格式错误的消息", slog.Any("error", err), slog.Int("bytes", len(payload)))
		return nil
	}

	msgCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	reply, err := p.conv.HandleUserMessage(msgCtx, env.SessionID, env.Message())
	out := ReplyEnvelope{ID: env.ID, SessionID: env.SessionID, Reply: reply}
	if err != nil {
		if xerrors.RetryableError(err) && ctx.Err() == nil {
			p.logger.Warn("消息处理失败，等待重投",
				slog.String("session_id", env.SessionID),
				slog.Any("error", err))
			p.emitAlert(ctx, env, err)
			return err
		}
		out.Error = &ErrorBody{Code: string(xerrors.CodeOf(err)), Message: publicMessage(err)}
		p.logger.Info("消息被拒绝",
			slog.String("session_id", env.SessionID),
			slog.String("code", out.Error.Code))
	}
	p.publish(ctx, out)
	return nil
}

func (p *Processor) publish(ctx context.Context, out ReplyEnvelope) {
	data, err := json.Marshal(out)
	if err != nil {
		p.logger.Error("序列化回复失败", slog.String("session_id", out.SessionID), slog.Any("error", err))
		return
	}
	if p.replies == nil {
		p.logger.Debug("回复", slog.String("session_id", out.SessionID), slog.String("payload", string(data)))
		return
	}
	if err := p.replies.Publish(context.WithoutCancel(ctx), data); err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeQueueFailure, err, "发布回复失败")
		p.logger.Error("发布回复失败", slog.String("session_id", out.SessionID), slog.Any("error", wrapped))
		p.emitAlert(ctx, Envelope{ID: out.ID, SessionID: out.SessionID}, wrapped)
	}
}

// publicMessage 只暴露统一错误的消息部分。
func publicMessage(err error) string {
	if e, ok := xerrors.From(err); ok {
		return e.Message()
	}
	return xerrors.AttributesOf(xerrors.CodeUnknown).Message
}

func (p *Processor) emitAlert(ctx context.Context, env Envelope, cause error) {
	if p.alerter == nil || !xerrors.ShouldAlert(cause) {
		return
	}
	event := alerting.Event{
		Code:      xerrors.CodeOf(cause),
		Message:   cause.Error(),
		Severity:  xerrors.SeverityOf(cause),
		SessionID: env.SessionID,
		Metadata:  map[string]string{"stage": "inbox"},
	}
	if e, ok := xerrors.From(cause); ok {
		for k, v := range e.Metadata() {
			event.Metadata[k] = v
		}
	}
	if env.ID != "" {
		event.Metadata["message_id"] = env.ID
	}
	if err := p.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		p.logger.Error("告警通知失败", slog.Any("error", err), slog.String("session_id", env.SessionID))
	}
}
