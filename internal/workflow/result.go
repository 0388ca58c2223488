package workflow

import "time"

// StepStatus 是单步执行结果的状态。
type StepStatus string

const (
	StepSucceeded StepStatus = "success"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult 记录一个步骤的执行结果，由调度器在执行期间独占写入。
type StepResult struct {
	StepID     string         `json:"step_id"`
	Capability string         `json:"capability"`
	Status     StepStatus     `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Transient  bool           `json:"transient,omitempty"`
	Attempts   int            `json:"attempts,omitempty"`
	Reused     bool           `json:"reused,omitempty"`
	Optional   bool           `json:"optional,omitempty"`
	SideEffect string         `json:"side_effect,omitempty"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
}

// Succeeded 判断步骤是否成功。
func (r StepResult) Succeeded() bool { return r.Status == StepSucceeded }

// Duration 返回执行耗时。
func (r StepResult) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
