package dispatcher

import (
	"time"

	"FlowPilot/internal/driver"
	"FlowPilot/internal/workflow"
)

// Outcome 是整个计划的执行结论。
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// ReasonCancelled 是取消后未调度步骤的跳过原因。
const ReasonCancelled = "cancelled"

// Skip 描述一个从未尝试的步骤。
type Skip struct {
	StepID     string `json:"step_id"`
	Capability string `json:"capability"`
	Reason     string `json:"reason"`
	Optional   bool   `json:"optional,omitempty"`
}

// Report 是一次 Execute 的结果。Results 只包含实际尝试过（或复用标记）的步骤，
// 按计划顺序排列，与完成顺序无关。
type Report struct {
	PlanID     string                `json:"plan_id"`
	Results    []workflow.StepResult `json:"results"`
	Skipped    []Skip                `json:"skipped,omitempty"`
	Cancelled  bool                  `json:"cancelled,omitempty"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
}

// Status 当且仅当所有非可选步骤都成功时返回 completed。
func (r *Report) Status() Outcome {
	if r == nil {
		return OutcomeFailed
	}
	for _, s := range r.Skipped {
		if !s.Optional {
			return OutcomeFailed
		}
	}
	for _, res := range r.Results {
		if !res.Succeeded() && !res.Optional {
			return OutcomeFailed
		}
	}
	return OutcomeCompleted
}

// Lookup 按步骤 ID 查找结果。
func (r *Report) Lookup(stepID string) (workflow.StepResult, bool) {
	if r == nil {
		return workflow.StepResult{}, false
	}
	for _, res := range r.Results {
		if res.StepID == stepID {
			return res, true
		}
	}
	return workflow.StepResult{}, false
}

// FirstFailure 返回第一个失败的非可选步骤。
func (r *Report) FirstFailure() (workflow.StepResult, bool) {
	if r == nil {
		return workflow.StepResult{}, false
	}
	for _, res := range r.Results {
		if res.Status == workflow.StepFailed && !res.Optional {
			return res, true
		}
	}
	return workflow.StepResult{}, false
}

// SideEffects 返回已成功执行的外部写操作，用于向用户披露。
func (r *Report) SideEffects() []workflow.StepResult {
	if r == nil {
		return nil
	}
	var out []workflow.StepResult
	for _, res := range r.Results {
		if res.Succeeded() && res.SideEffect == string(driver.ExternalWrite) {
			out = append(out, res)
		}
	}
	return out
}

// Succeeded 返回成功的步骤，包含复用的结果。
func (r *Report) Succeeded() []workflow.StepResult {
	if r == nil {
		return nil
	}
	var out []workflow.StepResult
	for _, res := range r.Results {
		if res.Succeeded() {
			out = append(out, res)
		}
	}
	return out
}
