package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"FlowPilot/internal/driver/llm"
	"FlowPilot/internal/session"
)

// Responder 为没有识别出自动化意图的消息生成对话回复。
type Responder interface {
	Respond(ctx context.Context, sess *session.Session, text string) (string, error)
}

const responderSystem = "You are FlowPilot, an assistant that runs workflow automations. " +
	"The user's last message did not match any automation. Reply briefly and, when useful, " +
	"suggest how to phrase an automation request. Never claim to have performed an action."

// 传给模型的最近对话条数。
const responderHistory = 8

// GeneratorResponder 用大模型生成闲聊回复。
type GeneratorResponder struct {
	Generator llm.Generator
}

// Respond 实现 Responder。
func (r *GeneratorResponder) Respond(ctx context.Context, sess *session.Session, text string) (string, error) {
	if r == nil || r.Generator == nil {
		return "", nil
	}
	var b strings.Builder
	history := sess.History
	if len(history) > responderHistory {
		history = history[len(history)-responderHistory:]
	}
	for _, turn := range history {
		fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Text)
	}
	if len(history) == 0 || history[len(history)-1].Text != text {
		fmt.Fprintf(&b, "%s: %s\n", session.RoleUser, text)
	}
	b.WriteString("assistant:")
	return r.Generator.Generate(ctx, llm.Request{System: responderSystem, Prompt: b.String()})
}
