// Package orchestrator 实现会话入口 HandleUserMessage：匹配意图、追问缺失参数、
// 生成预览，只在收到结构化确认动作后把冻结的计划交给调度器执行。
package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"FlowPilot/internal/dispatcher"
	"FlowPilot/internal/driver"
	xerrors "FlowPilot/internal/errors"
	"FlowPilot/internal/matcher"
	"FlowPilot/internal/observability/alerting"
	"FlowPilot/internal/session"
	"FlowPilot/internal/template"
	"FlowPilot/pkg/logger"
)

// Config 控制会话生命周期。
type Config struct {
	// IdleTTL 之后未确认的会话被放弃。
	IdleTTL time.Duration `mapstructure:"idle_ttl"`
	// ArchiveTTL 之后已落定的会话被归档。
	ArchiveTTL time.Duration `mapstructure:"archive_ttl"`
	// SweepInterval 是清理任务的执行间隔。
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

func (c Config) normalized() Config {
	if c.IdleTTL <= 0 {
		c.IdleTTL = 30 * time.Minute
	}
	if c.ArchiveTTL <= 0 {
		c.ArchiveTTL = 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

// Dependencies 是编排器依赖的组件。
type Dependencies struct {
	Store    session.Store
	Matcher  *matcher.Matcher
	Library  template.Source
	Registry *driver.Registry
	Engine   *dispatcher.Engine
}

// Orchestrator 是会话状态的唯一写入者。
type Orchestrator struct {
	store     session.Store
	matcher   *matcher.Matcher
	library   template.Source
	registry  *driver.Registry
	engine    *dispatcher.Engine
	responder Responder
	alerts    alerting.Dispatcher
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger
	audit     *slog.Logger

	locks *keyedMutex
	runs  *runRegistry

	baseCtx  context.Context
	stopRuns context.CancelFunc
}

// Option 配置 Orchestrator。
type Option func(*Orchestrator)

// WithResponder 为没有匹配到意图的消息提供闲聊回复。
func WithResponder(r Responder) Option {
	return func(o *Orchestrator) { o.responder = r }
}

// WithAlertDispatcher 指定计划失败时的告警分发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(o *Orchestrator) { o.alerts = d }
}

// WithConfig 覆盖生命周期配置。
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg.normalized() }
}

// WithClock 替换时间源，测试使用。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New 创建编排器。
func New(deps Dependencies, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "orchestrator requires a session store")
	case deps.Matcher == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "orchestrator requires a matcher")
	case deps.Library == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "orchestrator requires a template source")
	case deps.Engine == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "orchestrator requires a dispatcher")
	}
	base, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:    deps.Store,
		matcher:  deps.Matcher,
		library:  deps.Library,
		registry: deps.Registry,
		engine:   deps.Engine,
		cfg:      Config{}.normalized(),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.Named("orchestrator"),
		audit:    logger.Audit(),
		locks:    newKeyedMutex(),
		runs:     newRunRegistry(),
		baseCtx:  base,
		stopRuns: stop,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// HandleUserMessage 是唯一的上行入口。sessionID 为空时创建新会话。
// 会话正在执行时，消息等待执行落定后再处理，且等待期间不持有会话锁。
func (o *Orchestrator) HandleUserMessage(ctx context.Context, sessionID string, msg Message) (*Reply, error) {
	msg.Text = strings.TrimSpace(msg.Text)
	if msg.Text == "" && msg.Action == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "message must carry text or an action")
	}
	if msg.Action != nil && msg.Action.Type != ActionConfirm && msg.Action.Type != ActionCancel {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "unknown action %q", msg.Action.Type)
	}
	if strings.TrimSpace(sessionID) == "" {
		sessionID = uuid.NewString()
	}

	deferred := false
	for {
		if active := o.runs.get(sessionID); active != nil {
			if msg.Action != nil && msg.Action.Type == ActionCancel {
				// 停止调度后续步骤，进行中的步骤照常完成
				active.cancel()
				if err := waitRun(ctx, active); err != nil {
					return nil, err
				}
				return o.settledReply(ctx, sessionID, active, true), nil
			}
			deferred = true
			if err := waitRun(ctx, active); err != nil {
				return nil, err
			}
			continue
		}

		unlock := o.locks.Lock(sessionID)
		if o.runs.get(sessionID) != nil {
			unlock()
			continue
		}
		reply, started, err := o.handleLocked(ctx, sessionID, msg)
		unlock()
		if err != nil {
			return nil, err
		}
		if started == nil {
			reply.Deferred = deferred
			return reply, nil
		}

		if reply == nil {
			// 恢复了中断的执行，等它落定后再处理这条消息
			deferred = true
			if err := waitRun(ctx, started); err != nil {
				return nil, err
			}
			continue
		}
		if err := waitRun(ctx, started); err != nil {
			reply.Text = "The plan is running. Its summary will be available once it settles."
			reply.Deferred = deferred
			return reply, nil
		}
		return o.settledReply(ctx, sessionID, started, deferred), nil
	}
}

func waitRun(ctx context.Context, r *run) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleLocked 在持有会话锁时处理消息。返回的 run 非空表示需要等待执行；
// reply 为空表示这是恢复执行，调用方应在执行落定后重新处理消息。
func (o *Orchestrator) handleLocked(ctx context.Context, sessionID string, msg Message) (*Reply, *run, error) {
	sess, err := o.store.Load(ctx, sessionID)
	switch {
	case err == nil:
		if sess.OwnerID != "" && msg.OwnerID != "" && sess.OwnerID != msg.OwnerID {
			return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, "session belongs to another owner")
		}
	case xerrors.CodeOf(err) == xerrors.CodeSessionNotFound:
		sess = session.New(sessionID, msg.OwnerID, o.now())
	default:
		return nil, nil, err
	}

	if sess.State == session.StateConfirmed || sess.State == session.StateExecuting {
		return o.resume(ctx, sess)
	}

	now := o.now()
	if msg.Text != "" {
		sess.AddTurn(session.RoleUser, msg.Text, now)
	}
	before := sess.State

	var (
		reply  *Reply
		launch bool
	)
	switch {
	case msg.Action != nil && msg.Action.Type == ActionConfirm:
		reply, launch, err = o.confirm(sess, msg.Action.PlanID)
	case msg.Action != nil && msg.Action.Type == ActionCancel:
		reply, err = o.cancel(sess, now)
	default:
		reply, err = o.converse(ctx, sess, msg.Text)
	}
	if err != nil {
		return nil, nil, err
	}

	sess.Touch(now)
	if reply.Text != "" {
		sess.AddTurn(session.RoleAssistant, reply.Text, now)
	}
	if err := o.store.Save(ctx, sess); err != nil {
		return nil, nil, err
	}
	if sess.State != before {
		o.audit.Info("session transition",
			slog.String("session_id", sess.ID),
			slog.String("from", string(before)),
			slog.String("to", string(sess.State)),
			slog.String("plan_id", sess.PlanID()))
	}
	reply.SessionID = sess.ID
	reply.State = sess.State

	if !launch {
		return reply, nil, nil
	}
	started, err := o.launch(sess)
	if err != nil {
		return nil, nil, err
	}
	return reply, started, nil
}

// confirm 处理结构化确认。对已执行过的同一计划重复确认只返回摘要。
func (o *Orchestrator) confirm(sess *session.Session, planID string) (*Reply, bool, error) {
	if sess.State.Terminal() && sess.State.Frozen() && planID == sess.PlanID() {
		exec := o.summarize(sess, nil)
		return &Reply{Execution: exec, Text: "This plan was already confirmed. Nothing was re-run.\n" + renderExecution(exec)}, false, nil
	}
	if err := sess.Confirm(planID); err != nil {
		return nil, false, err
	}
	if err := sess.StartExecution(); err != nil {
		return nil, false, err
	}
	o.audit.Info("plan confirmed",
		slog.String("session_id", sess.ID),
		slog.String("plan_id", sess.PlanID()),
		slog.String("template_id", sess.SelectedID()))
	return &Reply{Text: "Confirmed. Running the plan."}, true, nil
}

// cancel 放弃尚未确认的会话。执行中的取消在 HandleUserMessage 中处理。
func (o *Orchestrator) cancel(sess *session.Session, now time.Time) (*Reply, error) {
	if sess.State.Terminal() {
		if sess.State != session.StateAbandoned && sess.Plan != nil {
			exec := o.summarize(sess, nil)
			return &Reply{Execution: exec, Text: "Nothing to cancel. The last plan has already settled.\n" + renderExecution(exec)}, nil
		}
		return &Reply{Text: "Nothing to cancel."}, nil
	}
	if err := sess.Abandon(now); err != nil {
		return nil, err
	}
	return &Reply{Text: "Cancelled. Nothing was executed."}, nil
}

func (o *Orchestrator) settledReply(ctx context.Context, sessionID string, r *run, deferred bool) *Reply {
	reply := &Reply{SessionID: sessionID, Execution: r.summary, Deferred: deferred}
	if sess, err := o.store.Load(ctx, sessionID); err == nil {
		reply.State = sess.State
	}
	if r.summary != nil {
		reply.Text = renderExecution(r.summary)
	}
	return reply
}

// Shutdown 停止调度新的步骤并等待进行中的执行落定。
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stopRuns()
	for _, r := range o.runs.all() {
		if err := waitRun(ctx, r); err != nil {
			return err
		}
	}
	return nil
}
