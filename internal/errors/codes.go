package errors

// 通用错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

// FlowPilot 领域错误码，对应自动化请求从匹配到执行的各个阶段。
const (
	// CodeParameterResolution 用户提供的参数缺失或非法，可通过追问恢复。
	CodeParameterResolution Code = "PARAMETER_RESOLUTION"
	// CodeTemplateNotFound 没有模板达到匹配阈值。
	CodeTemplateNotFound Code = "TEMPLATE_NOT_FOUND"
	// CodeDriverNotFound 步骤引用了未注册的能力，仅影响该步骤。
	CodeDriverNotFound Code = "DRIVER_NOT_FOUND"
	// CodeDriverExecution 外部调用失败，是否可重试由驱动分类。
	CodeDriverExecution Code = "DRIVER_EXECUTION"
	// CodeSessionState 非法的会话状态迁移。
	CodeSessionState Code = "SESSION_STATE"
	// CodeMissingParameter 驱动声明的必填参数在调用前缺失。
	CodeMissingParameter Code = "MISSING_PARAMETER"
	// CodeUnresolvedPlaceholder 占位符无法解析。
	CodeUnresolvedPlaceholder Code = "UNRESOLVED_PLACEHOLDER"
	// CodeInvalidPlan 计划结构不合法（依赖前向引用、重复 ID 等）。
	CodeInvalidPlan Code = "INVALID_PLAN"
	// CodeSessionNotFound 会话不存在或已归档。
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	// CodeStepTimeout 单个步骤超出时间预算。
	CodeStepTimeout Code = "STEP_TIMEOUT"
	// CodeRunCancelled 执行在调度新步骤前被取消。
	CodeRunCancelled Code = "RUN_CANCELLED"
)

func init() {
	defaults := map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
		CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true},

		CodeParameterResolution:   {Message: "parameter could not be resolved", Severity: SeverityInfo},
		CodeTemplateNotFound:      {Message: "no template matched the request", Severity: SeverityInfo},
		CodeDriverNotFound:        {Message: "no driver registered for capability", Severity: SeverityWarning, Alert: true},
		CodeDriverExecution:       {Message: "driver execution failed", Severity: SeverityWarning, Alert: true},
		CodeSessionState:          {Message: "invalid session state transition", Severity: SeverityInfo},
		CodeMissingParameter:      {Message: "required driver parameter missing", Severity: SeverityInfo},
		CodeUnresolvedPlaceholder: {Message: "unresolved placeholder", Severity: SeverityWarning},
		CodeInvalidPlan:           {Message: "invalid plan", Severity: SeverityWarning},
		CodeSessionNotFound:       {Message: "session not found", Severity: SeverityInfo},
		CodeStepTimeout:           {Message: "step timed out", Severity: SeverityWarning, Retryable: true},
		CodeRunCancelled:          {Message: "run cancelled", Severity: SeverityInfo},
	}
	for code, attr := range defaults {
		Register(code, attr)
	}
}
