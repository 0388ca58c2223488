// Package dispatcher 按依赖关系执行计划：解析占位符、查找驱动、校验必填参数、
// 在超时内调用驱动并按策略重试，失败步骤的传递后继全部跳过。
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"FlowPilot/internal/driver"
	xerrors "FlowPilot/internal/errors"
	"FlowPilot/internal/observability/metrics"
	"FlowPilot/internal/workflow"
	"FlowPilot/pkg/logger"
)

// Config 控制调度器的并发度与超时。
type Config struct {
	MaxParallel    int           `mapstructure:"max_parallel"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxTimeout     time.Duration `mapstructure:"max_timeout"`
}

func (c Config) normalized() Config {
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 5 * time.Minute
	}
	if c.DefaultTimeout > c.MaxTimeout {
		c.DefaultTimeout = c.MaxTimeout
	}
	return c
}

// RunContext 携带一次执行的会话上下文。
type RunContext struct {
	SessionID string
	// Values 解析单段占位符，计划参数之外的会话值。
	Values map[string]string
	// Prior 是此前已记录的结果，成功的步骤直接复用。
	Prior []workflow.StepResult
	// Observer 在每个步骤落定时被调度协程同步调用。
	Observer func(workflow.StepResult)
}

// Engine 执行计划。Engine 本身无状态，可被多个会话并发使用。
type Engine struct {
	registry *driver.Registry
	ledger   Ledger
	cfg      Config
	logger   *slog.Logger
	audit    *slog.Logger
}

// Option 配置 Engine。
type Option func(*Engine)

// WithLedger 指定完成标记表，默认使用内存实现。
func WithLedger(l Ledger) Option {
	return func(e *Engine) {
		if l != nil {
			e.ledger = l
		}
	}
}

// WithConfig 覆盖并发度与超时。
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg.normalized() }
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New 创建调度器。
func New(registry *driver.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		ledger:   NewMemoryLedger(),
		cfg:      Config{}.normalized(),
		logger:   logger.Named("dispatcher"),
		audit:    logger.Audit(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

type stepState int

const (
	statePending stepState = iota
	stateRunning
	stateDone
	stateSkipped
)

// run 是一次执行的调度状态，只由调度协程读写。
type run struct {
	plan      *workflow.Plan
	state     map[string]stepState
	results   map[string]workflow.StepResult
	outputs   map[string]map[string]any
	reasons   map[string]string
	cancelled bool
}

func newRun(plan *workflow.Plan, prior []workflow.StepResult) *run {
	r := &run{
		plan:    plan,
		state:   make(map[string]stepState, len(plan.Steps)),
		results: make(map[string]workflow.StepResult, len(plan.Steps)),
		outputs: make(map[string]map[string]any, len(plan.Steps)),
		reasons: make(map[string]string),
	}
	for _, step := range plan.Steps {
		r.state[step.ID] = statePending
	}
	for _, res := range prior {
		step, ok := plan.Step(res.StepID)
		if !ok || !res.Succeeded() || res.Capability != step.Capability {
			continue
		}
		res = cloneResult(res)
		res.Reused = true
		r.state[res.StepID] = stateDone
		r.results[res.StepID] = res
		r.outputs[res.StepID] = res.Output
	}
	return r
}

func (r *run) ready(step workflow.StepSpec) bool {
	if r.state[step.ID] != statePending {
		return false
	}
	if step.DependsOn == "" {
		return true
	}
	return r.state[step.DependsOn] == stateDone && r.results[step.DependsOn].Succeeded()
}

// inputs 复制祖先步骤的输出，工作协程只读这份快照。
func (r *run) inputs(stepID string) map[string]map[string]any {
	out := make(map[string]map[string]any)
	for id := range workflow.Ancestors(r.plan.Steps, stepID) {
		if data, ok := r.outputs[id]; ok {
			out[id] = data
		}
	}
	return out
}

func (r *run) settle(res workflow.StepResult) {
	r.state[res.StepID] = stateDone
	r.results[res.StepID] = res
	if res.Succeeded() {
		r.outputs[res.StepID] = res.Output
		return
	}
	for _, id := range workflow.Dependents(r.plan.Steps, res.StepID) {
		if r.state[id] == statePending {
			r.state[id] = stateSkipped
			r.reasons[id] = fmt.Sprintf("dependency %s failed", res.StepID)
		}
	}
}

func (r *run) report() *Report {
	rep := &Report{PlanID: r.plan.ID, Cancelled: r.cancelled}
	for _, step := range r.plan.Steps {
		switch r.state[step.ID] {
		case stateDone:
			rep.Results = append(rep.Results, r.results[step.ID])
		case stateSkipped, statePending:
			reason := r.reasons[step.ID]
			if reason == "" {
				reason = ReasonCancelled
			}
			rep.Skipped = append(rep.Skipped, Skip{StepID: step.ID, Capability: step.Capability, Reason: reason, Optional: step.Optional})
		}
	}
	return rep
}

// Execute 执行计划并按计划顺序返回结果。只有计划本身不合法时才返回 error；
// 步骤失败体现在 Report 中。ctx 取消后不再调度新步骤，也不再重试，
// 已在执行的驱动调用会完成。
func (e *Engine) Execute(ctx context.Context, plan *workflow.Plan, rc RunContext) (*Report, error) {
	if plan == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "plan cannot be nil")
	}
	if err := workflow.ValidatePlan(plan.Steps); err != nil {
		return nil, err
	}
	plan = plan.Clone()
	started := time.Now().UTC()
	r := newRun(plan, rc.Prior)

	sem := semaphore.NewWeighted(int64(e.cfg.MaxParallel))
	events := make(chan workflow.StepResult)
	done := ctx.Done()
	running := 0

	for {
		if !r.cancelled && ctx.Err() != nil {
			r.cancelled = true
		}
		if !r.cancelled {
			for _, step := range plan.Steps {
				if !r.ready(step) {
					continue
				}
				if !sem.TryAcquire(1) {
					break
				}
				r.state[step.ID] = stateRunning
				running++
				go func(step workflow.StepSpec, inputs map[string]map[string]any) {
					res := e.runStep(ctx, plan, step, rc, inputs)
					// 先释放再上报，调度协程收到结果时配额一定可用。
					sem.Release(1)
					events <- res
				}(step.Clone(), r.inputs(step.ID))
			}
		}
		if running == 0 {
			break
		}
		select {
		case res := <-events:
			running--
			r.settle(res)
			e.observe(rc, plan, res)
		case <-done:
			done = nil
			r.cancelled = true
			e.logger.Warn("执行被取消，等待进行中的步骤完成",
				slog.String("plan_id", plan.ID),
				slog.Int("in_flight", running))
		}
	}

	rep := r.report()
	rep.StartedAt = started
	rep.FinishedAt = time.Now().UTC()
	metrics.ObservePlan(string(rep.Status()), rep.Cancelled)
	e.audit.Info("plan settled",
		slog.String("session_id", rc.SessionID),
		slog.String("plan_id", plan.ID),
		slog.String("outcome", string(rep.Status())),
		slog.Int("attempted", len(rep.Results)),
		slog.Int("skipped", len(rep.Skipped)),
		slog.Bool("cancelled", rep.Cancelled))
	return rep, nil
}

func (e *Engine) observe(rc RunContext, plan *workflow.Plan, res workflow.StepResult) {
	e.audit.Info("step settled",
		slog.String("session_id", rc.SessionID),
		slog.String("plan_id", plan.ID),
		slog.String("step_id", res.StepID),
		slog.String("capability", res.Capability),
		slog.String("status", string(res.Status)),
		slog.String("side_effect", res.SideEffect),
		slog.Int("attempts", res.Attempts),
		slog.Bool("reused", res.Reused))
	metrics.ObserveStep(res.Capability, string(res.Status), res.Attempts, res.Reused, res.Duration())
	if rc.Observer != nil {
		rc.Observer(res)
	}
}

// runStep 执行单个步骤的完整流水线。
func (e *Engine) runStep(ctx context.Context, plan *workflow.Plan, step workflow.StepSpec, rc RunContext, inputs map[string]map[string]any) workflow.StepResult {
	res := workflow.StepResult{
		StepID:     step.ID,
		Capability: step.Capability,
		Optional:   step.Optional,
		StartedAt:  time.Now().UTC(),
	}
	fail := func(code xerrors.Code, msg string, transient bool) workflow.StepResult {
		res.Status = workflow.StepFailed
		res.ErrorCode = string(code)
		res.Error = msg
		res.Transient = transient
		res.FinishedAt = time.Now().UTC()
		return res
	}

	if marker, ok, err := e.ledger.Lookup(ctx, plan.ID, step.ID); err != nil {
		// 标记表不可用时无法证明步骤未执行过，宁可失败也不重复产生副作用。
		e.logger.Error("查询完成标记失败",
			slog.String("plan_id", plan.ID),
			slog.String("step_id", step.ID),
			slog.Any("error", err))
		return fail(xerrors.CodeStorageFailure, err.Error(), true)
	} else if ok && marker.Succeeded() {
		marker.Reused = true
		marker.Optional = step.Optional
		return marker
	}

	params, err := workflow.Interpolate(step.Params, resolver(plan, rc, inputs))
	if err != nil {
		return fail(xerrors.CodeOf(err), err.Error(), false)
	}

	entry, ok := e.registry.Lookup(step.Capability)
	if !ok {
		return fail(xerrors.CodeDriverNotFound, fmt.Sprintf("no driver registered for capability %s", step.Capability), false)
	}
	res.SideEffect = string(entry.Capability.SideEffect)

	if missing := driver.MissingRequired(entry.Capability.RequiredNames(), params); len(missing) > 0 {
		return fail(xerrors.CodeMissingParameter, fmt.Sprintf("missing required parameters: %v", missing), false)
	}

	timeout := e.timeoutFor(step)
	attempts := step.Retry.Attempts()
	var last driver.Result
	for attempt := 1; attempt <= attempts; attempt++ {
		res.Attempts = attempt
		ec := driver.ExecContext{SessionID: rc.SessionID, PlanID: plan.ID, StepID: step.ID, Attempt: attempt}
		last = invoke(ctx, entry.Driver, step.Capability, params, ec, timeout)
		if last.OK() {
			break
		}
		if last.Error == nil || !last.Error.Transient || attempt == attempts {
			break
		}
		e.logger.Warn("步骤暂时失败，准备重试",
			slog.String("plan_id", plan.ID),
			slog.String("step_id", step.ID),
			slog.Int("attempt", attempt),
			slog.String("code", last.Error.Code))
		if !wait(ctx, step.Retry.Delay(attempt)) {
			break
		}
	}

	if !last.OK() {
		failure := last.Error
		if failure == nil {
			failure = &driver.Failure{Code: string(xerrors.CodeDriverExecution), Message: "driver reported failure without detail"}
		}
		out := fail(xerrors.CodeDriverExecution, failure.Message, failure.Transient)
		if failure.Code != "" {
			out.ErrorCode = failure.Code
		}
		return out
	}

	res.Status = workflow.StepSucceeded
	res.Output = last.Data
	res.FinishedAt = time.Now().UTC()
	if err := e.ledger.Record(context.WithoutCancel(ctx), plan.ID, step.ID, res); err != nil {
		e.logger.Error("写入完成标记失败",
			slog.String("plan_id", plan.ID),
			slog.String("step_id", step.ID),
			slog.Any("error", err))
	}
	return res
}

func (e *Engine) timeoutFor(step workflow.StepSpec) time.Duration {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	if timeout > e.cfg.MaxTimeout {
		timeout = e.cfg.MaxTimeout
	}
	return timeout
}

// resolver 单段引用依次查 RunContext.Values 与计划参数，多段引用查祖先输出。
func resolver(plan *workflow.Plan, rc RunContext, inputs map[string]map[string]any) workflow.Resolver {
	return func(ref workflow.Ref) (string, bool) {
		if ref.IsStep() {
			data, ok := inputs[ref.Name()]
			if !ok {
				return "", false
			}
			return workflow.LookupPath(data, ref.Field())
		}
		if v, ok := rc.Values[ref.Name()]; ok {
			return v, true
		}
		v, ok := plan.Params[ref.Name()]
		return v, ok
	}
}

// invoke 调用驱动。调用上下文与运行取消解耦，只受步骤超时约束，
// 进行中的副作用不会被取消打断。驱动 panic 视为永久失败。
func invoke(ctx context.Context, d driver.Driver, nodeType string, params map[string]string, ec driver.ExecContext, timeout time.Duration) driver.Result {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	ch := make(chan driver.Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- driver.Permanent("DRIVER_PANIC", fmt.Sprintf("driver panicked: %v", p))
			}
		}()
		ch <- d.Execute(callCtx, nodeType, params, ec)
	}()

	select {
	case res := <-ch:
		return res
	case <-callCtx.Done():
		return driver.Transient(string(xerrors.CodeStepTimeout), fmt.Sprintf("step exceeded timeout of %s", timeout))
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
