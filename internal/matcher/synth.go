package matcher

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"FlowPilot/internal/driver"
	"FlowPilot/internal/workflow"
)

// AdHocPrefix 是合成模板 ID 的前缀。
const AdHocPrefix = "adhoc:"

// Synthesizer 把文本直接映射到单个已注册能力，生成一步的临时模板。
type Synthesizer struct {
	registry  *driver.Registry
	threshold float64
}

// NewSynthesizer 创建合成器，threshold<=0 时使用默认阈值。
func NewSynthesizer(reg *driver.Registry, threshold float64) *Synthesizer {
	if threshold <= 0 {
		threshold = DefaultPolicy().Threshold
	}
	return &Synthesizer{registry: reg, threshold: threshold}
}

// 关键词命中数按最多三个计分，能力关键词列表较长时不至于永远达不到阈值。
const synthKeywordCap = 3

// 文本中出现与能力目标参数同类型的实体时的加分。
const entityBonus = 0.2

// Synthesize 返回得分最高且达到阈值的能力对应的临时模板。
func (s *Synthesizer) Synthesize(text string) (workflow.WorkflowTemplate, Candidate, bool) {
	if s == nil || s.registry == nil {
		return workflow.WorkflowTemplate{}, Candidate{}, false
	}
	tokens := tokenize(stripEntities(text))
	ents := ExtractEntities(text)

	type scored struct {
		cap   driver.Capability
		score float64
		hits  []string
	}
	var best []scored
	for _, c := range s.registry.Capabilities() {
		hits := matchKeywords(tokens, c.Keywords)
		if len(hits) == 0 {
			continue
		}
		denominator := math.Min(float64(len(c.Keywords)), synthKeywordCap)
		score := math.Min(1, float64(len(hits))/denominator)
		if hasEntityFor(c, ents) {
			score = math.Min(1, score+entityBonus)
		}
		score = round4(score)
		if score < s.threshold {
			continue
		}
		best = append(best, scored{cap: c, score: score, hits: hits})
	}
	if len(best) == 0 {
		return workflow.WorkflowTemplate{}, Candidate{}, false
	}
	sort.SliceStable(best, func(i, j int) bool {
		if best[i].score != best[j].score {
			return best[i].score > best[j].score
		}
		return best[i].cap.Name < best[j].cap.Name
	})
	top := best[0]
	tpl := AdHocTemplate(top.cap)
	return tpl, Candidate{
		TemplateID: tpl.ID,
		Score:      top.score,
		Overlap:    top.score,
		Matched:    top.hits,
		Reason:     fmt.Sprintf("no template matched; mapped directly to capability %s (%s)", top.cap.Name, strings.Join(top.hits, ", ")),
	}, true
}

func hasEntityFor(c driver.Capability, ents Entities) bool {
	params := append(append([]driver.ParamDescriptor(nil), c.Required...), c.Optional...)
	for _, p := range params {
		switch p.Type {
		case workflow.ParamEmail:
			if len(ents.Emails) > 0 {
				return true
			}
		case workflow.ParamURL:
			if len(ents.URLs) > 0 {
				return true
			}
		case workflow.ParamAddress:
			if len(ents.Addresses) > 0 {
				return true
			}
		}
	}
	return false
}

// AdHocTemplate 由能力描述生成一步模板，参数与能力声明一一对应。
func AdHocTemplate(c driver.Capability) workflow.WorkflowTemplate {
	step := workflow.StepSpec{
		ID:          "run",
		Capability:  c.Name,
		Description: c.Description,
		Params:      map[string]string{},
		Timeout:     30 * time.Second,
		Retry:       workflow.RetryPolicy{MaxAttempts: 2, Backoff: workflow.BackoffExponential, BaseDelay: time.Second},
	}
	if c.SideEffect == driver.PureRead {
		step.Retry.MaxAttempts = 3
	}
	tpl := workflow.WorkflowTemplate{
		ID:          AdHocPrefix + c.Name,
		Name:        c.Description,
		Category:    "adhoc",
		Description: c.Description,
		Keywords:    append([]string(nil), c.Keywords...),
	}
	if tpl.Name == "" {
		tpl.Name = c.Name
	}
	add := func(p driver.ParamDescriptor, required bool) {
		typ := p.Type
		if typ == "" {
			typ = workflow.ParamString
		}
		tpl.Parameters = append(tpl.Parameters, workflow.ParamSpec{Name: p.Name, Type: typ, Required: required, Description: p.Description})
		step.Params[p.Name] = "{{" + p.Name + "}}"
	}
	for _, p := range c.Required {
		add(p, true)
	}
	for _, p := range c.Optional {
		add(p, false)
	}
	tpl.Steps = []workflow.StepSpec{step}
	return tpl
}

// IsAdHoc 判断模板 ID 是否为合成模板。
func IsAdHoc(id string) bool { return strings.HasPrefix(id, AdHocPrefix) }
