package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"FlowPilot/internal/dispatcher"
	"FlowPilot/internal/driver"
	xerrors "FlowPilot/internal/errors"
	"FlowPilot/internal/observability/alerting"
	"FlowPilot/internal/session"
	"FlowPilot/internal/workflow"
)

// launch 在后台执行已确认的计划。调用方持有会话锁，sess 已处于 EXECUTING 并已保存。
func (o *Orchestrator) launch(sess *session.Session) (*run, error) {
	runCtx, cancel := context.WithCancel(o.baseCtx)
	r := &run{sessionID: sess.ID, planID: sess.PlanID(), ctx: runCtx, cancel: cancel, done: make(chan struct{})}
	if !o.runs.add(r) {
		cancel()
		return nil, xerrors.New(xerrors.CodeConflict, "a plan is already running for this session",
			xerrors.WithMetadata("session_id", sess.ID))
	}
	rc := dispatcher.RunContext{
		SessionID: sess.ID,
		Values:    maps.Clone(sess.Memory),
		Prior:     append([]workflow.StepResult(nil), sess.Results...),
	}
	go o.execute(runCtx, r, sess.Plan.Clone(), rc)
	return r, nil
}

// resume 重新执行进程中断时仍处于 CONFIRMED 或 EXECUTING 的会话。
// 已成功的步骤由 Prior 与幂等标记复用，不会重复产生副作用。
func (o *Orchestrator) resume(ctx context.Context, sess *session.Session) (*Reply, *run, error) {
	if sess.State == session.StateConfirmed {
		if err := sess.StartExecution(); err != nil {
			return nil, nil, err
		}
		if err := o.store.Save(ctx, sess); err != nil {
			return nil, nil, err
		}
	}
	o.logger.Info("恢复中断的计划执行",
		slog.String("session_id", sess.ID),
		slog.String("plan_id", sess.PlanID()),
		slog.Int("recorded", len(sess.Results)))
	r, err := o.launch(sess)
	if err != nil {
		return nil, nil, err
	}
	return nil, r, nil
}

// execute 运行计划并把结果写回会话。结束时无论成败都会关闭 r.done。
func (o *Orchestrator) execute(ctx context.Context, r *run, plan *workflow.Plan, rc dispatcher.RunContext) {
	defer func() {
		r.cancel()
		o.runs.remove(r)
		close(r.done)
	}()

	rc.Observer = func(res workflow.StepResult) {
		unlock := o.locks.Lock(r.sessionID)
		defer unlock()
		o.persist(r.sessionID, func(sess *session.Session) error {
			return sess.RecordResult(res)
		})
	}

	rep, execErr := o.engine.Execute(ctx, plan, rc)
	if execErr != nil {
		o.logger.Error("计划执行失败", slog.String("plan_id", plan.ID), slog.Any("error", execErr))
	}

	unlock := o.locks.Lock(r.sessionID)
	var summary *Execution
	o.persist(r.sessionID, func(sess *session.Session) error {
		if rep != nil {
			for _, res := range rep.Results {
				if err := sess.RecordResult(res); err != nil {
					return err
				}
			}
		}
		completed := execErr == nil && rep.Status() == dispatcher.OutcomeCompleted
		if err := sess.Settle(completed, o.now()); err != nil {
			return err
		}
		summary = o.summarize(sess, rep)
		sess.AddTurn(session.RoleAssistant, renderExecution(summary), o.now())
		sess.Touch(o.now())
		return nil
	})
	unlock()

	if summary == nil {
		summary = &Execution{PlanID: plan.ID, Outcome: dispatcher.OutcomeFailed}
		if rep != nil {
			summary = o.summarizeReport(plan, rep)
		}
	}
	r.summary = summary

	o.audit.Info("session transition",
		slog.String("session_id", r.sessionID),
		slog.String("from", string(session.StateExecuting)),
		slog.String("to", outcomeState(summary.Outcome)),
		slog.String("plan_id", plan.ID))

	if summary.Outcome == dispatcher.OutcomeFailed {
		o.alert(r.sessionID, summary, execErr)
	}
}

// persist 加载会话、应用修改并保存。调用方持有会话锁。
func (o *Orchestrator) persist(sessionID string, mutate func(*session.Session) error) {
	ctx := context.WithoutCancel(o.baseCtx)
	sess, err := o.store.Load(ctx, sessionID)
	if err != nil {
		o.logger.Error("加载会话失败", slog.String("session_id", sessionID), slog.Any("error", err))
		return
	}
	if err := mutate(sess); err != nil {
		o.logger.Error("更新会话失败", slog.String("session_id", sessionID), slog.Any("error", err))
		return
	}
	if err := o.store.Save(ctx, sess); err != nil {
		o.logger.Error("保存会话失败", slog.String("session_id", sessionID), slog.Any("error", err))
	}
}

func outcomeState(outcome dispatcher.Outcome) string {
	if outcome == dispatcher.OutcomeCompleted {
		return string(session.StateCompleted)
	}
	return string(session.StateFailed)
}

func (o *Orchestrator) alert(sessionID string, exec *Execution, cause error) {
	if o.alerts == nil {
		return
	}
	event := alerting.Event{
		Code:      xerrors.CodeDriverExecution,
		Message:   "plan failed",
		Severity:  xerrors.SeverityWarning,
		SessionID: sessionID,
		PlanID:    exec.PlanID,
		Metadata:  map[string]string{"skipped": fmt.Sprint(len(exec.Skipped))},
	}
	switch {
	case cause != nil:
		event.Code = xerrors.CodeOf(cause)
		event.Message = cause.Error()
		event.Severity = xerrors.SeverityOf(cause)
		if e, ok := xerrors.From(cause); ok {
			for k, v := range e.Metadata() {
				event.Metadata[k] = v
			}
		}
	case exec.Failed != nil:
		event.StepID = exec.Failed.StepID
		event.Message = exec.Failed.Error
		if exec.Failed.ErrorCode != "" {
			event.Metadata["error_code"] = exec.Failed.ErrorCode
		}
		event.Metadata["capability"] = exec.Failed.Capability
	case exec.Cancelled:
		event.Code = xerrors.CodeRunCancelled
		event.Message = "plan cancelled before all steps ran"
		event.Severity = xerrors.SeverityInfo
	}
	if len(exec.SideEffects) > 0 {
		event.Metadata["side_effects"] = strings.Join(exec.SideEffects, "; ")
	}
	ctx := context.WithoutCancel(o.baseCtx)
	if err := o.alerts.Notify(ctx, event); err != nil {
		o.logger.Warn("告警发送失败", slog.String("plan_id", exec.PlanID), slog.Any("error", err))
	}
}

// summarize 由会话记录构建执行摘要，rep 非空时补充跳过与取消信息。
func (o *Orchestrator) summarize(sess *session.Session, rep *dispatcher.Report) *Execution {
	if rep != nil {
		exec := o.summarizeReport(sess.Plan, rep)
		if sess.State == session.StateCompleted {
			exec.Outcome = dispatcher.OutcomeCompleted
		}
		return exec
	}
	exec := &Execution{PlanID: sess.PlanID(), Outcome: dispatcher.OutcomeFailed}
	if sess.State == session.StateCompleted {
		exec.Outcome = dispatcher.OutcomeCompleted
	}
	recorded := make(map[string]workflow.StepResult, len(sess.Results))
	for _, res := range sess.Results {
		recorded[res.StepID] = res
	}
	if sess.Plan == nil {
		return exec
	}
	for _, step := range sess.Plan.Steps {
		res, ok := recorded[step.ID]
		if !ok {
			exec.Skipped = append(exec.Skipped, dispatcher.Skip{StepID: step.ID, Capability: step.Capability, Reason: "not attempted", Optional: step.Optional})
			continue
		}
		o.addResult(exec, sess.Plan, res)
	}
	return exec
}

func (o *Orchestrator) summarizeReport(plan *workflow.Plan, rep *dispatcher.Report) *Execution {
	exec := &Execution{
		PlanID:    rep.PlanID,
		Outcome:   rep.Status(),
		Skipped:   append([]dispatcher.Skip(nil), rep.Skipped...),
		Cancelled: rep.Cancelled,
	}
	for _, res := range rep.Results {
		o.addResult(exec, plan, res)
	}
	return exec
}

func (o *Orchestrator) addResult(exec *Execution, plan *workflow.Plan, res workflow.StepResult) {
	out := StepOutcome{
		StepID:     res.StepID,
		Capability: res.Capability,
		Output:     res.Output,
		Error:      res.Error,
		ErrorCode:  res.ErrorCode,
		Attempts:   res.Attempts,
		Reused:     res.Reused,
	}
	if !res.Succeeded() {
		if exec.Failed == nil && !res.Optional {
			exec.Failed = &out
		}
		return
	}
	exec.Succeeded = append(exec.Succeeded, out)
	if res.SideEffect == string(driver.ExternalWrite) {
		exec.SideEffects = append(exec.SideEffects, o.describeEffect(plan, res))
	}
}

// describeEffect 给出已发生的外部写入，失败时需要向用户披露。
func (o *Orchestrator) describeEffect(plan *workflow.Plan, res workflow.StepResult) string {
	desc := res.Capability
	step, ok := plan.Step(res.StepID)
	if !ok || o.registry == nil {
		return desc
	}
	c, ok := o.registry.Capability(step.Capability)
	if !ok {
		return desc
	}
	if c.System != "" {
		desc = c.System
	}
	if t := target(c, step); t != "" {
		desc += " -> " + t
	}
	return fmt.Sprintf("%s (step %s)", desc, res.StepID)
}

func renderExecution(exec *Execution) string {
	if exec == nil {
		return ""
	}
	var b strings.Builder
	switch {
	case exec.Outcome == dispatcher.OutcomeCompleted:
		fmt.Fprintf(&b, "Plan %s completed: %d step(s) succeeded.", exec.PlanID, len(exec.Succeeded))
	case exec.Cancelled:
		fmt.Fprintf(&b, "Plan %s was cancelled: %d step(s) succeeded before it stopped.", exec.PlanID, len(exec.Succeeded))
	default:
		fmt.Fprintf(&b, "Plan %s failed.", exec.PlanID)
	}
	if exec.Failed != nil {
		fmt.Fprintf(&b, "\nStep %s (%s) failed", exec.Failed.StepID, exec.Failed.Capability)
		if exec.Failed.ErrorCode != "" {
			fmt.Fprintf(&b, " [%s]", exec.Failed.ErrorCode)
		}
		if exec.Failed.Error != "" {
			fmt.Fprintf(&b, ": %s", exec.Failed.Error)
		}
	}
	if len(exec.Skipped) > 0 {
		ids := make([]string, 0, len(exec.Skipped))
		for _, s := range exec.Skipped {
			ids = append(ids, s.StepID)
		}
		fmt.Fprintf(&b, "\nSkipped: %s", strings.Join(ids, ", "))
	}
	if exec.Outcome != dispatcher.OutcomeCompleted && len(exec.SideEffects) > 0 {
		fmt.Fprintf(&b, "\nThese changes were already made and were not rolled back: %s", strings.Join(exec.SideEffects, "; "))
	}
	return b.String()
}

// Recover 在启动时恢复所有被中断的执行。
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	sessions, err := o.store.List(ctx)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, s := range sessions {
		if s.State != session.StateConfirmed && s.State != session.StateExecuting {
			continue
		}
		unlock := o.locks.Lock(s.ID)
		if o.runs.get(s.ID) != nil {
			unlock()
			continue
		}
		sess, err := o.store.Load(ctx, s.ID)
		if err == nil && (sess.State == session.StateConfirmed || sess.State == session.StateExecuting) {
			_, _, err = o.resume(ctx, sess)
			if err == nil {
				resumed++
			}
		}
		unlock()
		if err != nil {
			o.logger.Error("恢复会话失败", slog.String("session_id", s.ID), slog.Any("error", err))
		}
	}
	return resumed, nil
}
