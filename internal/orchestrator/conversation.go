package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	xerrors "FlowPilot/internal/errors"
	"FlowPilot/internal/matcher"
	"FlowPilot/internal/session"
	"FlowPilot/internal/template"
	"FlowPilot/internal/workflow"
)

// 闲聊兜底回复中列出的模板数量。
const suggestionLimit = 5

// converse 处理非结构化文本。文本只会推进参数收集与编辑，永远不会确认计划。
func (o *Orchestrator) converse(ctx context.Context, sess *session.Session, text string) (*Reply, error) {
	if sess.State.Terminal() {
		if err := sess.Restart(); err != nil {
			return nil, err
		}
	}
	switch sess.State {
	case session.StateCollecting:
		return o.collect(ctx, sess, text)
	case session.StatePreview, session.StateEditing:
		return o.edit(ctx, sess, text)
	case session.StateDrafted:
		if err := sess.ShowPreview(); err != nil {
			return nil, err
		}
		return o.edit(ctx, sess, text)
	default:
		return nil, xerrors.New(xerrors.CodeSessionState,
			fmt.Sprintf("session %s cannot accept text while %s", sess.ID, sess.State),
			xerrors.WithMetadata("state", string(sess.State)))
	}
}

// collect 识别意图或补充上一轮追问的参数。
func (o *Orchestrator) collect(ctx context.Context, sess *session.Session, text string) (*Reply, error) {
	if sess.HasSelection() {
		tpl, err := o.selected(ctx, sess)
		if err != nil {
			return nil, err
		}
		ex := o.matcher.ExtractFor(tpl, text, sess.Params, sess.Memory, sess.Pending)
		if len(ex.Missing) < len(sess.Pending) || len(sess.Pending) == 0 {
			return o.apply(ctx, sess, tpl, sess.AdHoc != nil, ex, nil)
		}
		// 没有任何进展时，检查用户是否换了一个请求
		res, err := o.matcher.Match(ctx, text, sess.Memory)
		if err != nil {
			return nil, err
		}
		if res.IntentDetected && res.Template.ID != tpl.ID {
			o.logger.Info("切换模板",
				slog.String("session_id", sess.ID),
				slog.String("from", tpl.ID),
				slog.String("to", res.Template.ID))
			return o.applyMatch(ctx, sess, res)
		}
		return o.apply(ctx, sess, tpl, sess.AdHoc != nil, ex, nil)
	}

	res, err := o.matcher.Match(ctx, text, sess.Memory)
	if err != nil {
		return nil, err
	}
	if !res.IntentDetected {
		return o.chat(ctx, sess, text)
	}
	return o.applyMatch(ctx, sess, res)
}

func (o *Orchestrator) applyMatch(ctx context.Context, sess *session.Session, res *matcher.Result) (*Reply, error) {
	ex := matcher.Extraction{Values: res.Extracted, Missing: res.Missing}
	return o.apply(ctx, sess, *res.Template, res.AdHoc, ex, res.Candidates)
}

// apply 选定模板并写入参数，随后追问或生成预览。
func (o *Orchestrator) apply(ctx context.Context, sess *session.Session, tpl workflow.WorkflowTemplate, adhoc bool, ex matcher.Extraction, candidates []matcher.Candidate) (*Reply, error) {
	if err := sess.Select(tpl, adhoc); err != nil {
		return nil, err
	}
	if err := sess.SetParams(ex.Values, ex.Missing); err != nil {
		return nil, err
	}
	for k, v := range ex.Values {
		sess.Remember(k, v)
	}
	if len(ex.Missing) > 0 {
		reply := clarify(tpl, ex.Missing)
		reply.Candidates = candidates
		return reply, nil
	}
	reply, err := o.draftAndPreview(sess, tpl, adhoc)
	if err != nil {
		return nil, err
	}
	reply.Candidates = candidates
	return reply, nil
}

// edit 处理预览阶段的非确认消息：PREVIEW → EDITING，随后重新起草或回到追问。
func (o *Orchestrator) edit(ctx context.Context, sess *session.Session, text string) (*Reply, error) {
	if sess.State == session.StatePreview {
		if err := sess.BeginEdit(); err != nil {
			return nil, err
		}
	}
	tpl, err := o.selected(ctx, sess)
	if err != nil {
		return nil, err
	}
	ex := o.matcher.ExtractFor(tpl, text, sess.Params, sess.Memory, nil)
	unchanged := maps.Equal(ex.Values, sess.Params)
	res, err := o.matcher.Match(ctx, text, sess.Memory)
	if err != nil {
		return nil, err
	}
	switch {
	case res.IntentDetected && res.Template.ID != tpl.ID && (unchanged || outranks(res, tpl.ID)):
		o.logger.Info("切换模板",
			slog.String("session_id", sess.ID),
			slog.String("from", tpl.ID),
			slog.String("to", res.Template.ID))
		ex = matcher.Extraction{Values: res.Extracted, Missing: res.Missing}
		if err := sess.Select(*res.Template, res.AdHoc); err != nil {
			return nil, err
		}
		tpl = *res.Template
	case unchanged:
		reply, err := o.draftAndPreview(sess, tpl, sess.AdHoc != nil)
		if err != nil {
			return nil, err
		}
		reply.Text = "No changes detected. Send a confirm action to run this plan, or describe what to change.\n" + reply.Text
		return reply, nil
	}

	if err := sess.SetParams(ex.Values, ex.Missing); err != nil {
		return nil, err
	}
	for k, v := range ex.Values {
		sess.Remember(k, v)
	}
	if len(ex.Missing) > 0 {
		if err := sess.Reopen(ex.Missing); err != nil {
			return nil, err
		}
		return clarify(tpl, ex.Missing), nil
	}
	return o.draftAndPreview(sess, tpl, sess.AdHoc != nil)
}

// outranks 判断匹配结果的首选模板在关键词重合度上是否胜过当前模板。
// 当前模板未进入候选时重合度按 0 计。临时计划不参与比较。
func outranks(res *matcher.Result, current string) bool {
	if res.AdHoc || len(res.Candidates) == 0 || res.Candidates[0].TemplateID != res.Template.ID {
		return false
	}
	var own float64
	for _, c := range res.Candidates {
		if c.TemplateID == current {
			own = c.Overlap
			break
		}
	}
	return res.Candidates[0].Overlap > own
}

// draftAndPreview 定制计划并进入 PREVIEW。计划 ID 按轮次区分，
// 新一轮的相同请求会得到新的计划，不会复用上一轮的幂等标记。
func (o *Orchestrator) draftAndPreview(sess *session.Session, tpl workflow.WorkflowTemplate, adhoc bool) (*Reply, error) {
	seed := fmt.Sprintf("%s/%d", sess.ID, len(sess.Rounds))
	plan, err := workflow.Customize(tpl, sess.Params, seed)
	if err != nil {
		return nil, err
	}
	if err := sess.Draft(plan); err != nil {
		return nil, err
	}
	if err := sess.ShowPreview(); err != nil {
		return nil, err
	}
	preview := o.buildPreview(sess.Plan, tpl, adhoc)
	return &Reply{Preview: preview, Text: renderPreview(preview)}, nil
}

// selected 返回会话选中的模板。
func (o *Orchestrator) selected(ctx context.Context, sess *session.Session) (workflow.WorkflowTemplate, error) {
	if sess.AdHoc != nil {
		return sess.AdHoc.Clone(), nil
	}
	return o.library.Template(ctx, sess.TemplateID)
}

func clarify(tpl workflow.WorkflowTemplate, missing []string) *Reply {
	parts := make([]string, 0, len(missing))
	for _, name := range missing {
		if p, ok := tpl.Param(name); ok && p.Description != "" {
			parts = append(parts, fmt.Sprintf("%s (%s)", name, p.Description))
			continue
		}
		parts = append(parts, name)
	}
	title := tpl.Name
	if title == "" {
		title = tpl.ID
	}
	prompt := fmt.Sprintf("To %s I still need: %s.", strings.ToLower(title), strings.Join(parts, ", "))
	return &Reply{
		Text:          prompt,
		Clarification: &Clarification{TemplateID: tpl.ID, Missing: append([]string(nil), missing...), Prompt: prompt},
	}
}

// chat 处理没有识别出意图的消息，会话保持在 COLLECTING。
func (o *Orchestrator) chat(ctx context.Context, sess *session.Session, text string) (*Reply, error) {
	if o.responder != nil {
		answer, err := o.responder.Respond(ctx, sess, text)
		if err == nil && strings.TrimSpace(answer) != "" {
			return &Reply{Text: strings.TrimSpace(answer)}, nil
		}
		if err != nil {
			o.logger.Warn("闲聊回复失败", slog.String("session_id", sess.ID), slog.Any("error", err))
		}
	}
	templates, err := o.library.Templates(ctx, template.Filter{})
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString("I could not match that to an automation.")
	if len(templates) > 0 {
		b.WriteString(" I can help with things like:")
		for i, tpl := range templates {
			if i == suggestionLimit {
				break
			}
			name := tpl.Name
			if name == "" {
				name = tpl.ID
			}
			fmt.Fprintf(&b, "\n- %s", name)
		}
	}
	return &Reply{Text: b.String()}, nil
}
