package orchestrator

import (
	"fmt"
	"strings"

	"FlowPilot/internal/driver"
	"FlowPilot/internal/workflow"
)

// buildPreview 描述每个步骤将调用的能力、作用的外部系统与目标，
// 以及是否写入外部系统。
func (o *Orchestrator) buildPreview(plan *workflow.Plan, tpl workflow.WorkflowTemplate, adhoc bool) *Preview {
	p := &Preview{
		PlanID:     plan.ID,
		Title:      plan.Title,
		TemplateID: tpl.ID,
		AdHoc:      adhoc,
		Steps:      make([]PreviewStep, 0, len(plan.Steps)),
	}
	for _, step := range plan.Steps {
		ps := PreviewStep{
			StepID:     step.ID,
			Action:     step.Description,
			Capability: step.Capability,
			DependsOn:  step.DependsOn,
			Optional:   step.Optional,
			Params:     displayParams(step.Params),
		}
		if ps.Action == "" {
			ps.Action = step.Capability
		}
		var c driver.Capability
		if o.registry != nil {
			c, ps.Available = o.registry.Capability(step.Capability)
		}
		if !ps.Available {
			p.Warnings = append(p.Warnings, fmt.Sprintf("step %s needs capability %s, which is not available; it will fail", step.ID, step.Capability))
		} else {
			ps.System = c.System
			ps.SideEffect = c.SideEffect
			ps.EstimatedCost = c.EstimatedCost
			ps.Target = target(c, step)
			if c.SideEffect == driver.ExternalWrite {
				p.ExternalWrites++
			}
		}
		p.Steps = append(p.Steps, ps)
	}
	return p
}

// target 返回步骤作用的对象。值来自前序步骤输出时给出来源。
func target(c driver.Capability, step workflow.StepSpec) string {
	if c.TargetParam == "" {
		return ""
	}
	raw := step.Params[c.TargetParam]
	if !workflow.HasPlaceholder(raw) {
		return raw
	}
	expr, err := workflow.Parse(raw)
	if err != nil {
		return raw
	}
	for _, ref := range expr.Refs() {
		if ref.IsStep() {
			return "from step " + ref.Name()
		}
	}
	return workflow.Literal(raw)
}

const maxParamDisplay = 120

func displayParams(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		v = workflow.Literal(v)
		if len(v) > maxParamDisplay {
			v = v[:maxParamDisplay] + "..."
		}
		out[k] = v
	}
	return out
}

func renderPreview(p *Preview) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan %q (%s)\n", p.Title, p.PlanID)
	for i, s := range p.Steps {
		fmt.Fprintf(&b, "%d. %s", i+1, s.Action)
		if s.System != "" {
			fmt.Fprintf(&b, " via %s", s.System)
		}
		if s.Target != "" {
			fmt.Fprintf(&b, " -> %s", s.Target)
		}
		if s.SideEffect == driver.ExternalWrite {
			b.WriteString(" [writes externally]")
		}
		if s.Optional {
			b.WriteString(" [optional]")
		}
		b.WriteByte('\n')
	}
	for _, w := range p.Warnings {
		fmt.Fprintf(&b, "warning: %s\n", w)
	}
	if p.ExternalWrites > 0 {
		fmt.Fprintf(&b, "%d step(s) will change external systems. ", p.ExternalWrites)
	}
	b.WriteString("Confirm to run, or tell me what to change.")
	return b.String()
}
