package workflow

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	xerrors "FlowPilot/internal/errors"
)

// planNamespace 用于生成确定性的计划 ID。
var planNamespace = uuid.MustParse("5d8f3c2e-7a61-4b0e-9c1d-2f4a6b8e0c13")

// PlanID 由会话、模板和排序后的参数生成确定性 ID，
// 同一会话对同一参数的同一模板总是得到同一计划。
func PlanID(sessionID, templateID string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(sessionID)
	b.WriteByte('\x00')
	b.WriteString(templateID)
	for _, k := range sortedKeys(params) {
		b.WriteByte('\x00')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return uuid.NewSHA1(planNamespace, []byte(b.String())).String()
}

// ResolveParams 合并用户值与默认值，返回完整参数集合以及缺失的必填参数。
// 未声明的参数会被丢弃。
func ResolveParams(tpl WorkflowTemplate, values map[string]string) (map[string]string, []string) {
	out := make(map[string]string, len(tpl.Parameters))
	var missing []string
	for _, p := range tpl.Parameters {
		v := strings.TrimSpace(values[p.Name])
		if v == "" {
			v = p.Default
		}
		if v == "" {
			if p.Required {
				missing = append(missing, p.Name)
			}
			continue
		}
		out[p.Name] = v
	}
	return out, missing
}

// Customize 用参数替换模板中的单段占位符，生成可执行计划。
// 步骤输出引用保留给调度器在运行期解析。缺少必填参数时返回 PARAMETER_RESOLUTION。
func Customize(tpl WorkflowTemplate, values map[string]string, sessionID string) (*Plan, error) {
	params, missing := ResolveParams(tpl, values)
	if len(missing) > 0 {
		return nil, xerrors.New(xerrors.CodeParameterResolution, "missing required parameters: "+strings.Join(missing, ", "),
			xerrors.WithMetadata("missing", strings.Join(missing, ",")))
	}

	declared := make(map[string]struct{}, len(tpl.Parameters))
	for _, p := range tpl.Parameters {
		declared[p.Name] = struct{}{}
	}

	plan := &Plan{
		ID:         PlanID(sessionID, tpl.ID, params),
		TemplateID: tpl.ID,
		Title:      tpl.Name,
		Params:     params,
		Steps:      make([]StepSpec, 0, len(tpl.Steps)),
	}
	if plan.Title == "" {
		plan.Title = tpl.ID
	}

	var unresolved []string
	for _, step := range tpl.Steps {
		resolved := step.Clone()
		for key, raw := range step.Params {
			expr, err := Parse(raw)
			if err != nil {
				return nil, xerrors.Wrap(xerrors.CodeParameterResolution, err, "step "+step.ID+" parameter "+key)
			}
			value, _ := expr.Render(func(ref Ref) (string, bool) {
				if ref.IsStep() {
					return "", false
				}
				if v, ok := params[ref.Name()]; ok {
					return Escape(v), true
				}
				if _, ok := declared[ref.Name()]; ok {
					// 未提供的可选参数渲染为空串
					return "", true
				}
				unresolved = append(unresolved, ref.Name())
				return "", false
			})
			resolved.Params[key] = value
		}
		plan.Steps = append(plan.Steps, resolved)
	}
	if len(unresolved) > 0 {
		sort.Strings(unresolved)
		return nil, xerrors.New(xerrors.CodeParameterResolution, "unknown parameters referenced: "+strings.Join(unresolved, ", "))
	}
	if err := ValidatePlan(plan.Steps); err != nil {
		return nil, err
	}
	return plan, nil
}
