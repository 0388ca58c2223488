package session

import (
	"fmt"
	"slices"

	xerrors "FlowPilot/internal/errors"
)

// State 是会话当前所处的状态。
type State string

const (
	StateCollecting State = "COLLECTING"
	StateDrafted    State = "DRAFTED"
	StatePreview    State = "PREVIEW"
	StateEditing    State = "EDITING"
	StateConfirmed  State = "CONFIRMED"
	StateExecuting  State = "EXECUTING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateAbandoned  State = "ABANDONED"
)

// transitions 是全部合法迁移。表外的迁移一律拒绝。
var transitions = map[State][]State{
	StateCollecting: {StateDrafted, StateAbandoned},
	StateDrafted:    {StatePreview, StateAbandoned},
	StatePreview:    {StateEditing, StateConfirmed, StateAbandoned},
	StateEditing:    {StateDrafted, StateCollecting, StateAbandoned},
	StateConfirmed:  {StateExecuting},
	StateExecuting:  {StateCompleted, StateFailed},
}

// CanTransition 判断 from → to 是否合法。
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Terminal 判断是否为终态。
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateAbandoned:
		return true
	default:
		return false
	}
}

// Frozen 判断计划与参数是否已冻结。确认之后只允许追加执行结果。
func (s State) Frozen() bool {
	switch s {
	case StateConfirmed, StateExecuting, StateCompleted, StateFailed:
		return true
	default:
		return false
	}
}

// Valid 判断状态是否为已知枚举值。
func (s State) Valid() bool {
	if s.Terminal() {
		return true
	}
	_, ok := transitions[s]
	return ok
}

// ErrInvalidTransition 用于 errors.Is 判断非法迁移。
var ErrInvalidTransition = xerrors.New(xerrors.CodeSessionState, "")

func transitionError(id string, from, to State) error {
	return xerrors.New(xerrors.CodeSessionState,
		fmt.Sprintf("session %s cannot move from %s to %s", id, from, to),
		xerrors.WithMetadata("from", string(from)),
		xerrors.WithMetadata("to", string(to)))
}
