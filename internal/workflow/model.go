package workflow

import (
	"sort"
	"strings"
	"time"

	xerrors "FlowPilot/internal/errors"
)

// ParamType 描述模板参数的取值类型，决定实体抽取时的映射方式。
type ParamType string

const (
	ParamString ParamType = "string"
	ParamText   ParamType = "text"
	ParamEmail  ParamType = "email"
	ParamURL    ParamType = "url"
	ParamNumber ParamType = "number"
	// ParamAddress 是 0x 开头的 EVM 账户地址。
	ParamAddress ParamType = "address"
)

// ParamSpec 描述模板声明的一个参数。
type ParamSpec struct {
	Name        string    `yaml:"name" json:"name"`
	Type        ParamType `yaml:"type" json:"type"`
	Required    bool      `yaml:"required" json:"required"`
	Default     string    `yaml:"default,omitempty" json:"default,omitempty"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
}

// BackoffClass 表示重试的退避方式。
type BackoffClass string

const (
	BackoffNone        BackoffClass = "none"
	BackoffFixed       BackoffClass = "fixed"
	BackoffExponential BackoffClass = "exponential"
)

// RetryPolicy 控制单个步骤的重试预算。
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	Backoff     BackoffClass  `yaml:"backoff,omitempty" json:"backoff,omitempty"`
	BaseDelay   time.Duration `yaml:"base_delay,omitempty" json:"base_delay,omitempty"`
}

// Attempts 返回总尝试次数，至少为 1。
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Delay 返回第 attempt 次失败之后（从 1 开始）的等待时长。
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	switch p.Backoff {
	case BackoffFixed:
		return p.BaseDelay
	case BackoffExponential:
		shift := attempt - 1
		if shift > 10 {
			shift = 10
		}
		return p.BaseDelay << shift
	default:
		return 0
	}
}

// StepSpec 是计划中的一个节点，绑定唯一的驱动能力。
type StepSpec struct {
	ID          string            `yaml:"id" json:"id"`
	Capability  string            `yaml:"capability" json:"capability"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Params      map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
	DependsOn   string            `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Optional    bool              `yaml:"optional,omitempty" json:"optional,omitempty"`
	Retry       RetryPolicy       `yaml:"retry,omitempty" json:"retry,omitempty"`
	Timeout     time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Clone 返回步骤的深拷贝。
func (s StepSpec) Clone() StepSpec {
	s.Params = cloneStrings(s.Params)
	return s
}

// WorkflowTemplate 是预先编写的参数化多步骤流程。运行期只读。
type WorkflowTemplate struct {
	ID          string      `yaml:"id" json:"id"`
	Name        string      `yaml:"name" json:"name"`
	Category    string      `yaml:"category" json:"category"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Keywords    []string    `yaml:"keywords" json:"keywords"`
	Parameters  []ParamSpec `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Steps       []StepSpec  `yaml:"steps" json:"steps"`
	UsageCount  int         `yaml:"usage_count,omitempty" json:"usage_count,omitempty"`
	SuccessRate float64     `yaml:"success_rate,omitempty" json:"success_rate,omitempty"`
}

// Required 返回必填参数名，保持声明顺序。
func (t WorkflowTemplate) Required() []string {
	var names []string
	for _, p := range t.Parameters {
		if p.Required {
			names = append(names, p.Name)
		}
	}
	return names
}

// Param 按名称查找参数声明。
func (t WorkflowTemplate) Param(name string) (ParamSpec, bool) {
	for _, p := range t.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// Missing 返回 values 中尚未提供的必填参数。
func (t WorkflowTemplate) Missing(values map[string]string) []string {
	var missing []string
	for _, p := range t.Parameters {
		if !p.Required {
			continue
		}
		if strings.TrimSpace(values[p.Name]) == "" {
			missing = append(missing, p.Name)
		}
	}
	return missing
}

// Clone 返回模板的深拷贝。
func (t WorkflowTemplate) Clone() WorkflowTemplate {
	t.Keywords = append([]string(nil), t.Keywords...)
	t.Parameters = append([]ParamSpec(nil), t.Parameters...)
	steps := make([]StepSpec, len(t.Steps))
	for i, s := range t.Steps {
		steps[i] = s.Clone()
	}
	t.Steps = steps
	return t
}

// Validate 校验模板结构：参数名唯一、步骤合法、占位符只引用已声明参数或祖先步骤。
func (t WorkflowTemplate) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "模板 ID 不能为空")
	}
	if len(t.Steps) == 0 {
		return xerrors.Newf(xerrors.CodeInvalidPlan, "模板 %s 没有任何步骤", t.ID)
	}
	seen := make(map[string]struct{}, len(t.Parameters))
	for _, p := range t.Parameters {
		if !identPattern.MatchString(p.Name) {
			return xerrors.Newf(xerrors.CodeInvalidArgument, "模板 %s 的参数名 %q 非法", t.ID, p.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return xerrors.Newf(xerrors.CodeInvalidArgument, "模板 %s 的参数 %s 重复声明", t.ID, p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	if err := ValidatePlan(t.Steps); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidPlan, err, "模板 "+t.ID+" 的步骤不合法")
	}
	for _, step := range t.Steps {
		for key, raw := range step.Params {
			expr, err := Parse(raw)
			if err != nil {
				return xerrors.Wrap(xerrors.CodeInvalidPlan, err, "模板 "+t.ID+" 步骤 "+step.ID+" 参数 "+key)
			}
			for _, ref := range expr.Refs() {
				if ref.IsStep() {
					continue
				}
				if _, ok := seen[ref.Name()]; !ok {
					return xerrors.Newf(xerrors.CodeInvalidPlan, "模板 %s 步骤 %s 引用了未声明的参数 %s", t.ID, step.ID, ref.Name())
				}
			}
		}
	}
	return nil
}

// Plan 是完全参数化、可直接执行的有序步骤列表。
type Plan struct {
	ID         string            `json:"id"`
	TemplateID string            `json:"template_id,omitempty"`
	Title      string            `json:"title"`
	Params     map[string]string `json:"params,omitempty"`
	Steps      []StepSpec        `json:"steps"`
}

// Step 按 ID 返回步骤。
func (p *Plan) Step(id string) (StepSpec, bool) {
	if p == nil {
		return StepSpec{}, false
	}
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return StepSpec{}, false
}

// Clone 返回计划的深拷贝。
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Params = cloneStrings(p.Params)
	clone.Steps = make([]StepSpec, len(p.Steps))
	for i, s := range p.Steps {
		clone.Steps[i] = s.Clone()
	}
	return &clone
}

func cloneStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedKeys(in map[string]string) []string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
