// Package matcher 将自由文本与模板库打分排序，抽取参数并报告缺失的必填项。
// 没有模板达到阈值时，可选的 Synthesizer 尝试直接映射到单个已注册能力。
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	xerrors "FlowPilot/internal/errors"
	"FlowPilot/internal/template"
	"FlowPilot/internal/workflow"
	"FlowPilot/pkg/logger"
)

// Candidate 是一个达到阈值的候选模板。
type Candidate struct {
	TemplateID  string   `json:"template_id"`
	Score       float64  `json:"relevance_score"`
	Overlap     float64  `json:"keyword_overlap"`
	Boost       float64  `json:"boost"`
	Reason      string   `json:"match_reason"`
	Matched     []string `json:"matched_keywords,omitempty"`
	SuccessRate float64  `json:"-"`
	UsageCount  int      `json:"-"`
}

// Result 是一次匹配的输出。
type Result struct {
	IntentDetected bool                       `json:"intent_detected"`
	Category       string                     `json:"category,omitempty"`
	Candidates     []Candidate                `json:"ranked_candidates"`
	Extracted      map[string]string          `json:"extracted_parameters"`
	Missing        []string                   `json:"missing_required_parameters"`
	Template       *workflow.WorkflowTemplate `json:"-"`
	AdHoc          bool                       `json:"ad_hoc,omitempty"`
}

// Matcher 对模板来源打分。并发安全：所有状态都是只读的。
type Matcher struct {
	source template.Source
	synth  *Synthesizer
	policy Policy
	logger *slog.Logger
}

// Option 配置 Matcher。
type Option func(*Matcher)

// WithPolicy 覆盖默认排序策略。
func WithPolicy(p Policy) Option {
	return func(m *Matcher) { m.policy = p.normalized() }
}

// WithSynthesizer 启用临时计划合成。
func WithSynthesizer(s *Synthesizer) Option {
	return func(m *Matcher) { m.synth = s }
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(m *Matcher) {
		if l != nil {
			m.logger = l
		}
	}
}

// New 创建匹配器。
func New(source template.Source, opts ...Option) *Matcher {
	m := &Matcher{source: source, policy: DefaultPolicy(), logger: logger.Named("matcher")}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Policy 返回生效的排序策略。
func (m *Matcher) Policy() Policy { return m.policy }

// Rank 对全部模板打分，返回达到阈值的候选，已排序。
func (m *Matcher) Rank(ctx context.Context, text string) ([]Candidate, map[string]workflow.WorkflowTemplate, error) {
	if m.source == nil {
		return nil, nil, xerrors.New(xerrors.CodeInitializationFailure, "matcher has no template source")
	}
	templates, err := m.source.Templates(ctx, template.Filter{})
	if err != nil {
		return nil, nil, err
	}
	tokens := tokenize(stripEntities(text))
	byID := make(map[string]workflow.WorkflowTemplate, len(templates))
	var candidates []Candidate
	for _, tpl := range templates {
		ov, hits := overlap(tokens, tpl.Keywords)
		if ov <= 0 {
			continue
		}
		score, boost := m.policy.Score(ov, tpl.UsageCount, tpl.SuccessRate)
		if score < m.policy.Threshold {
			continue
		}
		byID[tpl.ID] = tpl
		candidates = append(candidates, Candidate{
			TemplateID:  tpl.ID,
			Score:       score,
			Overlap:     round4(ov),
			Boost:       boost,
			Matched:     hits,
			Reason:      fmt.Sprintf("matched %d/%d keywords (%s), popularity boost %.2f", len(hits), len(tpl.Keywords), strings.Join(hits, ", "), boost),
			SuccessRate: tpl.SuccessRate,
			UsageCount:  tpl.UsageCount,
		})
	}
	SortCandidates(candidates)
	return candidates, byID, nil
}

// SortCandidates 按分数、成功率、使用次数、ID 排序，结果确定且可复现。
func SortCandidates(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		a, b := c[i], c[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.SuccessRate != b.SuccessRate {
			return a.SuccessRate > b.SuccessRate
		}
		if a.UsageCount != b.UsageCount {
			return a.UsageCount > b.UsageCount
		}
		return a.TemplateID < b.TemplateID
	})
}

// Match 实现匹配契约：排序候选、为首选模板抽取参数、报告缺失必填项。
func (m *Matcher) Match(ctx context.Context, text string, memory map[string]string) (*Result, error) {
	candidates, byID, err := m.Rank(ctx, text)
	if err != nil {
		return nil, err
	}
	if candidates == nil {
		candidates = []Candidate{}
	}
	res := &Result{Candidates: candidates, Extracted: map[string]string{}, Missing: []string{}}
	if len(candidates) > 0 {
		tpl := byID[candidates[0].TemplateID]
		res.IntentDetected = true
		res.Category = tpl.Category
		res.Template = &tpl
		ex := MapParameters(tpl, text, nil, memory, nil)
		res.Extracted, res.Missing = ex.Values, ex.Missing
		m.logger.Debug("模板匹配成功",
			slog.String("template_id", tpl.ID),
			slog.Float64("score", candidates[0].Score),
			slog.Int("candidates", len(candidates)))
		return res, nil
	}

	if m.synth != nil {
		if tpl, cand, ok := m.synth.Synthesize(text); ok {
			res.IntentDetected = true
			res.AdHoc = true
			res.Category = tpl.Category
			res.Template = &tpl
			res.Candidates = []Candidate{cand}
			ex := MapParameters(tpl, text, nil, memory, nil)
			res.Extracted, res.Missing = ex.Values, ex.Missing
			m.logger.Debug("合成临时计划", slog.String("template_id", tpl.ID), slog.Float64("score", cand.Score))
			return res, nil
		}
	}
	return res, nil
}

// ExtractFor 针对已选模板重新解析参数，用于追问与编辑轮次。
func (m *Matcher) ExtractFor(tpl workflow.WorkflowTemplate, text string, current, memory map[string]string, pending []string) Extraction {
	return MapParameters(tpl, text, current, memory, pending)
}

// NotFound 在没有检测到意图时返回 TEMPLATE_NOT_FOUND 错误，便于上层统一处理。
func (r *Result) NotFound() error {
	if r == nil || r.IntentDetected {
		return nil
	}
	return xerrors.New(xerrors.CodeTemplateNotFound, "")
}
