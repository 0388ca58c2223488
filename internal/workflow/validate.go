package workflow

import (
	"strings"

	xerrors "FlowPilot/internal/errors"
)

// ValidatePlan 校验步骤列表：ID 非空且唯一，能力非空，依赖必须指向更早的步骤，
// 参数中的步骤引用只能指向依赖链上的祖先步骤。
func ValidatePlan(steps []StepSpec) error {
	if len(steps) == 0 {
		return xerrors.New(xerrors.CodeInvalidPlan, "plan has no steps")
	}
	index := make(map[string]int, len(steps))
	for i, step := range steps {
		id := strings.TrimSpace(step.ID)
		if id == "" {
			return xerrors.Newf(xerrors.CodeInvalidPlan, "step %d has no id", i)
		}
		if _, dup := index[id]; dup {
			return xerrors.Newf(xerrors.CodeInvalidPlan, "duplicate step id %s", id)
		}
		if strings.TrimSpace(step.Capability) == "" {
			return xerrors.Newf(xerrors.CodeInvalidPlan, "step %s has no capability", id)
		}
		if dep := step.DependsOn; dep != "" {
			if dep == id {
				return xerrors.Newf(xerrors.CodeInvalidPlan, "step %s depends on itself", id)
			}
			if _, ok := index[dep]; !ok {
				return xerrors.Newf(xerrors.CodeInvalidPlan, "step %s depends on %s which is not an earlier step", id, dep)
			}
		}
		index[id] = i
	}

	for _, step := range steps {
		ancestors := Ancestors(steps, step.ID)
		for key, raw := range step.Params {
			expr, err := Parse(raw)
			if err != nil {
				return xerrors.Wrap(xerrors.CodeInvalidPlan, err, "step "+step.ID+" parameter "+key)
			}
			for _, ref := range expr.Refs() {
				if !ref.IsStep() {
					continue
				}
				if _, ok := ancestors[ref.Name()]; !ok {
					return xerrors.Newf(xerrors.CodeInvalidPlan, "step %s parameter %s references %s which is not an ancestor", step.ID, key, ref.String())
				}
			}
		}
	}
	return nil
}

// Ancestors 返回 id 沿依赖链可达的全部步骤 ID。
func Ancestors(steps []StepSpec, id string) map[string]struct{} {
	deps := make(map[string]string, len(steps))
	for _, s := range steps {
		deps[s.ID] = s.DependsOn
	}
	out := make(map[string]struct{})
	current := deps[id]
	for current != "" {
		if _, seen := out[current]; seen {
			break
		}
		out[current] = struct{}{}
		current = deps[current]
	}
	return out
}

// Dependents 返回依赖于 id 的全部传递后继，按计划顺序排列。
func Dependents(steps []StepSpec, id string) []string {
	affected := map[string]struct{}{id: {}}
	var out []string
	for _, s := range steps {
		if s.DependsOn == "" {
			continue
		}
		if _, ok := affected[s.DependsOn]; ok {
			affected[s.ID] = struct{}{}
			out = append(out, s.ID)
		}
	}
	return out
}
