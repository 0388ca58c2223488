// Package session 定义会话模型与状态机。会话只能通过显式的迁移方法修改，
// 非法迁移返回 SESSION_STATE 错误且不改变任何字段。
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	xerrors "FlowPilot/internal/errors"
	"FlowPilot/internal/workflow"
)

// 保留的最近对话轮数。
const maxHistory = 50

// Turn 是一条对话记录。
type Turn struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Round 是已结束的一轮自动化请求，Restart 时归档。
type Round struct {
	TemplateID string                `json:"template_id,omitempty"`
	PlanID     string                `json:"plan_id,omitempty"`
	State      State                 `json:"state"`
	Results    []workflow.StepResult `json:"results,omitempty"`
	SettledAt  time.Time             `json:"settled_at"`
}

// Session 跟踪一次进行中的自动化请求。
type Session struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id,omitempty"`
	State   State  `json:"state"`
	// TemplateID 为空且 AdHoc 非空表示临时合成的计划。
	TemplateID string                     `json:"template_id,omitempty"`
	AdHoc      *workflow.WorkflowTemplate `json:"ad_hoc,omitempty"`
	Params     map[string]string          `json:"params,omitempty"`
	// Pending 是等待用户补充的必填参数。
	Pending []string              `json:"pending,omitempty"`
	Plan    *workflow.Plan        `json:"plan,omitempty"`
	Results []workflow.StepResult `json:"results,omitempty"`
	Memory  map[string]string     `json:"memory,omitempty"`
	History []Turn                `json:"history,omitempty"`
	Rounds  []Round               `json:"rounds,omitempty"`
	// Version 由 Store 在每次保存成功后递增，用于乐观并发控制。
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	SettledAt time.Time `json:"settled_at,omitempty"`
}

// New 创建处于 COLLECTING 状态的会话。id 为空时生成 UUID。
func New(id, ownerID string, now time.Time) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	now = now.UTC()
	return &Session{
		ID:        id,
		OwnerID:   ownerID,
		State:     StateCollecting,
		Memory:    map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *Session) move(to State) error {
	if !CanTransition(s.State, to) {
		return transitionError(s.ID, s.State, to)
	}
	s.State = to
	return nil
}

func (s *Session) requireState(op string, allowed ...State) error {
	for _, st := range allowed {
		if s.State == st {
			return nil
		}
	}
	return xerrors.New(xerrors.CodeSessionState,
		fmt.Sprintf("session %s cannot %s while %s", s.ID, op, s.State),
		xerrors.WithMetadata("state", string(s.State)))
}

// HasSelection 判断是否已选定模板或临时计划。
func (s *Session) HasSelection() bool {
	return s.TemplateID != "" || s.AdHoc != nil
}

// SelectedID 返回选中模板的 ID，临时计划返回其合成 ID。
func (s *Session) SelectedID() string {
	if s.TemplateID != "" {
		return s.TemplateID
	}
	if s.AdHoc != nil {
		return s.AdHoc.ID
	}
	return ""
}

// Select 选定模板。adhoc 为 true 时保存合成模板本身，TemplateID 置空。
// 更换模板会清空已解析的参数。
func (s *Session) Select(tpl workflow.WorkflowTemplate, adhoc bool) error {
	if err := s.requireState("select a template", StateCollecting, StateEditing); err != nil {
		return err
	}
	previous := s.SelectedID()
	if adhoc {
		clone := tpl.Clone()
		s.TemplateID, s.AdHoc = "", &clone
	} else {
		s.TemplateID, s.AdHoc = tpl.ID, nil
	}
	if previous != tpl.ID {
		s.Params = nil
		s.Pending = nil
	}
	return nil
}

// SetParams 替换已解析的参数与待补充列表。确认之后参数不可变。
func (s *Session) SetParams(values map[string]string, pending []string) error {
	if err := s.requireState("change parameters", StateCollecting, StateEditing); err != nil {
		return err
	}
	s.Params = cloneMap(values)
	s.Pending = append([]string(nil), pending...)
	return nil
}

// Draft 在全部必填参数解析后生成草稿：COLLECTING/EDITING → DRAFTED。
func (s *Session) Draft(plan *workflow.Plan) error {
	if !CanTransition(s.State, StateDrafted) {
		return transitionError(s.ID, s.State, StateDrafted)
	}
	if !s.HasSelection() {
		return xerrors.New(xerrors.CodeSessionState, "no template selected")
	}
	if len(s.Pending) > 0 {
		return xerrors.New(xerrors.CodeParameterResolution, fmt.Sprintf("missing required parameters: %v", s.Pending))
	}
	if plan == nil || len(plan.Steps) == 0 {
		return xerrors.New(xerrors.CodeInvalidPlan, "draft requires a plan with steps")
	}
	s.Plan = plan.Clone()
	s.Results = nil
	return s.move(StateDrafted)
}

// ShowPreview DRAFTED → PREVIEW。
func (s *Session) ShowPreview() error { return s.move(StatePreview) }

// BeginEdit PREVIEW → EDITING。任何不是结构化确认的消息都会触发。
func (s *Session) BeginEdit() error { return s.move(StateEditing) }

// Reopen EDITING → COLLECTING，编辑后仍有必填参数缺失。
func (s *Session) Reopen(pending []string) error {
	if err := s.move(StateCollecting); err != nil {
		return err
	}
	s.Pending = append([]string(nil), pending...)
	s.Plan = nil
	return nil
}

// Confirm PREVIEW → CONFIRMED。planID 必须与预览中的计划一致。
func (s *Session) Confirm(planID string) error {
	if !CanTransition(s.State, StateConfirmed) {
		return transitionError(s.ID, s.State, StateConfirmed)
	}
	if s.Plan == nil || planID != s.Plan.ID {
		return xerrors.New(xerrors.CodeSessionState,
			fmt.Sprintf("confirmation names plan %q but the preview shows %q", planID, s.PlanID()),
			xerrors.WithMetadata("plan_id", planID))
	}
	return s.move(StateConfirmed)
}

// StartExecution CONFIRMED → EXECUTING。
func (s *Session) StartExecution() error { return s.move(StateExecuting) }

// RecordResult 在 EXECUTING 期间追加一个步骤结果。同一步骤已有成功结果时忽略。
func (s *Session) RecordResult(res workflow.StepResult) error {
	if err := s.requireState("record results", StateExecuting); err != nil {
		return err
	}
	if _, ok := s.Plan.Step(res.StepID); !ok {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("step %s is not part of plan %s", res.StepID, s.PlanID()))
	}
	for i, existing := range s.Results {
		if existing.StepID != res.StepID {
			continue
		}
		if !existing.Succeeded() {
			s.Results[i] = res
		}
		return nil
	}
	s.Results = append(s.Results, res)
	return nil
}

// Settle EXECUTING → COMPLETED 或 FAILED。
func (s *Session) Settle(completed bool, at time.Time) error {
	to := StateFailed
	if completed {
		to = StateCompleted
	}
	if err := s.move(to); err != nil {
		return err
	}
	s.SettledAt = at.UTC()
	return nil
}

// Abandon 放弃尚未确认的会话。
func (s *Session) Abandon(at time.Time) error {
	if err := s.move(StateAbandoned); err != nil {
		return err
	}
	s.SettledAt = at.UTC()
	return nil
}

// Restart 从终态开始新一轮请求：归档本轮，保留记忆与对话历史。
func (s *Session) Restart() error {
	if !s.State.Terminal() {
		return xerrors.New(xerrors.CodeSessionState,
			fmt.Sprintf("session %s cannot restart while %s", s.ID, s.State),
			xerrors.WithMetadata("state", string(s.State)))
	}
	s.Rounds = append(s.Rounds, Round{
		TemplateID: s.SelectedID(),
		PlanID:     s.PlanID(),
		State:      s.State,
		Results:    s.Results,
		SettledAt:  s.SettledAt,
	})
	s.State = StateCollecting
	s.TemplateID, s.AdHoc = "", nil
	s.Params, s.Pending = nil, nil
	s.Plan, s.Results = nil, nil
	s.SettledAt = time.Time{}
	return nil
}

// Remember 记录跨轮次的上下文值。
func (s *Session) Remember(key, value string) {
	if s.Memory == nil {
		s.Memory = map[string]string{}
	}
	s.Memory[key] = value
}

// AddTurn 追加对话记录，只保留最近的若干条。
func (s *Session) AddTurn(role, text string, at time.Time) {
	s.History = append(s.History, Turn{Role: role, Text: text, At: at.UTC()})
	if len(s.History) > maxHistory {
		s.History = append([]Turn(nil), s.History[len(s.History)-maxHistory:]...)
	}
}

// Touch 更新最后活动时间。
func (s *Session) Touch(at time.Time) { s.UpdatedAt = at.UTC() }

// PlanID 返回当前计划 ID。
func (s *Session) PlanID() string {
	if s.Plan == nil {
		return ""
	}
	return s.Plan.ID
}

// Clone 返回深拷贝。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.AdHoc != nil {
		tpl := s.AdHoc.Clone()
		c.AdHoc = &tpl
	}
	c.Params = cloneMap(s.Params)
	c.Memory = cloneMap(s.Memory)
	c.Pending = append([]string(nil), s.Pending...)
	c.Plan = s.Plan.Clone()
	c.Results = cloneResults(s.Results)
	c.History = append([]Turn(nil), s.History...)
	c.Rounds = make([]Round, len(s.Rounds))
	for i, r := range s.Rounds {
		r.Results = cloneResults(r.Results)
		c.Rounds[i] = r
	}
	if len(c.Rounds) == 0 {
		c.Rounds = nil
	}
	return &c
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneResults(in []workflow.StepResult) []workflow.StepResult {
	if in == nil {
		return nil
	}
	out := make([]workflow.StepResult, len(in))
	for i, r := range in {
		if r.Output != nil {
			data := make(map[string]any, len(r.Output))
			for k, v := range r.Output {
				data[k] = v
			}
			r.Output = data
		}
		out[i] = r
	}
	return out
}
