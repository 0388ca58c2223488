package inbox

import (
	"encoding/json"
	"strings"

	xerrors "FlowPilot/internal/errors"
	"FlowPilot/internal/orchestrator"
)

// Envelope 是入站队列中的一条用户消息。
type Envelope struct {
	// ID 由发送方生成，回复中原样带回。
	ID        string               `json:"id,omitempty"`
	SessionID string               `json:"session_id"`
	OwnerID   string               `json:"owner_id,omitempty"`
	Text      string               `json:"text,omitempty"`
	Action    *orchestrator.Action `json:"action,omitempty"`
}

// ReplyEnvelope 是写入回复队列的消息。
type ReplyEnvelope struct {
	ID        string              `json:"id,omitempty"`
	SessionID string              `json:"session_id"`
	Reply     *orchestrator.Reply `json:"reply,omitempty"`
	Error     *ErrorBody          `json:"error,omitempty"`
}

// ErrorBody 是返回给调用方的结构化错误，不包含内部堆栈。
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodeEnvelope 解析并校验入站消息。
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "消息不是合法的 JSON")
	}
	env.SessionID = strings.TrimSpace(env.SessionID)
	if env.SessionID == "" {
		return Envelope{}, xerrors.New(xerrors.CodeInvalidArgument, "消息缺少 session_id")
	}
	if strings.TrimSpace(env.Text) == "" && env.Action == nil {
		return Envelope{}, xerrors.New(xerrors.CodeInvalidArgument, "消息既没有文本也没有动作")
	}
	return env, nil
}

// Message 转换为编排器的输入。
func (e Envelope) Message() orchestrator.Message {
	return orchestrator.Message{Text: e.Text, OwnerID: e.OwnerID, Action: e.Action}
}
