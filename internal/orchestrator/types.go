package orchestrator

import (
	"FlowPilot/internal/dispatcher"
	"FlowPilot/internal/driver"
	"FlowPilot/internal/matcher"
	"FlowPilot/internal/session"
)

// ActionType 是结构化动作的类型。确认只能通过动作表达，文本永远不会被当作同意。
type ActionType string

const (
	ActionConfirm ActionType = "confirm"
	ActionCancel  ActionType = "cancel"
)

// Action 是与文本分离的结构化信号。确认动作必须携带预览中的计划 ID。
type Action struct {
	Type   ActionType `json:"type"`
	PlanID string     `json:"plan_id,omitempty"`
}

// Message 是一条用户输入。
type Message struct {
	Text    string  `json:"text,omitempty"`
	OwnerID string  `json:"owner_id,omitempty"`
	Action  *Action `json:"action,omitempty"`
}

// PreviewStep 描述计划中的一个步骤，供用户在确认前审阅。
type PreviewStep struct {
	StepID        string            `json:"step_id"`
	Action        string            `json:"action"`
	Capability    string            `json:"capability"`
	System        string            `json:"system,omitempty"`
	Target        string            `json:"target,omitempty"`
	SideEffect    driver.SideEffect `json:"side_effect,omitempty"`
	EstimatedCost string            `json:"estimated_cost,omitempty"`
	DependsOn     string            `json:"depends_on,omitempty"`
	Optional      bool              `json:"optional,omitempty"`
	Available     bool              `json:"available"`
	Params        map[string]string `json:"params,omitempty"`
}

// Preview 是待确认计划的可读视图。
type Preview struct {
	PlanID         string        `json:"plan_id"`
	Title          string        `json:"title"`
	TemplateID     string        `json:"template_id,omitempty"`
	AdHoc          bool          `json:"ad_hoc,omitempty"`
	Steps          []PreviewStep `json:"steps"`
	ExternalWrites int           `json:"external_writes"`
	Warnings       []string      `json:"warnings,omitempty"`
}

// StepOutcome 是执行摘要中的单步结果。
type StepOutcome struct {
	StepID     string         `json:"step_id"`
	Capability string         `json:"capability"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Attempts   int            `json:"attempts,omitempty"`
	Reused     bool           `json:"reused,omitempty"`
}

// Execution 是计划落定后的结构化摘要，不包含原始堆栈。
type Execution struct {
	PlanID      string             `json:"plan_id"`
	Outcome     dispatcher.Outcome `json:"outcome"`
	Succeeded   []StepOutcome      `json:"succeeded,omitempty"`
	Failed      *StepOutcome       `json:"failed,omitempty"`
	Skipped     []dispatcher.Skip  `json:"skipped,omitempty"`
	SideEffects []string           `json:"side_effects,omitempty"`
	Cancelled   bool               `json:"cancelled,omitempty"`
}

// Clarification 列出仍缺失的必填参数。
type Clarification struct {
	TemplateID string   `json:"template_id,omitempty"`
	Missing    []string `json:"missing"`
	Prompt     string   `json:"prompt"`
}

// Reply 是对一条用户消息的回应。
type Reply struct {
	SessionID     string              `json:"session_id"`
	State         session.State       `json:"state"`
	Text          string              `json:"text,omitempty"`
	Preview       *Preview            `json:"preview,omitempty"`
	Execution     *Execution          `json:"execution,omitempty"`
	Clarification *Clarification      `json:"clarification,omitempty"`
	Candidates    []matcher.Candidate `json:"candidates,omitempty"`
	// Deferred 表示消息到达时会话正在执行，回应在执行落定后给出。
	Deferred bool `json:"deferred,omitempty"`
}
