package session

import (
	stdErrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "FlowPilot/internal/errors"
	"FlowPilot/internal/workflow"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func welcome() workflow.WorkflowTemplate {
	return workflow.WorkflowTemplate{
		ID:         "email_welcome",
		Parameters: []workflow.ParamSpec{{Name: "recipient_email", Type: workflow.ParamEmail, Required: true}},
		Steps:      []workflow.StepSpec{{ID: "send", Capability: "email_send", Params: map[string]string{"to": "{{recipient_email}}"}}},
	}
}

func drafted(t *testing.T) *Session {
	t.Helper()
	s := New("s-1", "owner", t0)
	require.NoError(t, s.Select(welcome(), false))
	require.NoError(t, s.SetParams(map[string]string{"recipient_email": "a@b.com"}, nil))
	plan, err := workflow.Customize(welcome(), s.Params, s.ID)
	require.NoError(t, err)
	require.NoError(t, s.Draft(plan))
	return s
}

func TestCollectingCannotJumpToConfirmed(t *testing.T) {
	s := New("s-1", "owner", t0)
	err := s.Confirm("anything")
	require.Error(t, err)
	assert.True(t, stdErrors.Is(err, ErrInvalidTransition))
	assert.Equal(t, xerrors.CodeSessionState, xerrors.CodeOf(err))
	assert.Equal(t, StateCollecting, s.State)
}

func TestHappyPath(t *testing.T) {
	s := drafted(t)
	assert.Equal(t, StateDrafted, s.State)
	require.NoError(t, s.ShowPreview())
	require.NoError(t, s.Confirm(s.PlanID()))
	require.NoError(t, s.StartExecution())
	require.NoError(t, s.RecordResult(workflow.StepResult{StepID: "send", Status: workflow.StepSucceeded}))
	require.NoError(t, s.Settle(true, t0.Add(time.Minute)))
	assert.Equal(t, StateCompleted, s.State)
	assert.Equal(t, t0.Add(time.Minute), s.SettledAt)
}

func TestDraftRequiresResolvedParameters(t *testing.T) {
	s := New("s-1", "", t0)
	require.NoError(t, s.Select(welcome(), false))
	require.NoError(t, s.SetParams(nil, []string{"recipient_email"}))
	err := s.Draft(&workflow.Plan{ID: "p", Steps: welcome().Steps})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeParameterResolution, xerrors.CodeOf(err))
	assert.Equal(t, StateCollecting, s.State)
	assert.Nil(t, s.Plan)
}

func TestConfirmMustNameThePreviewedPlan(t *testing.T) {
	s := drafted(t)
	require.NoError(t, s.ShowPreview())
	err := s.Confirm("stale-plan")
	require.Error(t, err)
	assert.Equal(t, StatePreview, s.State)
}

func TestPlanIsFrozenAfterConfirmation(t *testing.T) {
	s := drafted(t)
	require.NoError(t, s.ShowPreview())
	require.NoError(t, s.Confirm(s.PlanID()))

	assert.Error(t, s.SetParams(map[string]string{"recipient_email": "x@y.com"}, nil))
	assert.Error(t, s.Select(welcome(), false))
	assert.Error(t, s.Draft(&workflow.Plan{ID: "other", Steps: welcome().Steps}))
	assert.Error(t, s.Abandon(t0))
	assert.Equal(t, "a@b.com", s.Params["recipient_email"])
	assert.Equal(t, StateConfirmed, s.State)
}

func TestEditCycle(t *testing.T) {
	s := drafted(t)
	require.NoError(t, s.ShowPreview())
	require.NoError(t, s.BeginEdit())
	require.NoError(t, s.SetParams(map[string]string{}, []string{"recipient_email"}))
	require.NoError(t, s.Reopen([]string{"recipient_email"}))
	assert.Equal(t, StateCollecting, s.State)
	assert.Nil(t, s.Plan)
}

func TestResultsOnlyDuringExecution(t *testing.T) {
	s := drafted(t)
	assert.Error(t, s.RecordResult(workflow.StepResult{StepID: "send"}))

	require.NoError(t, s.ShowPreview())
	require.NoError(t, s.Confirm(s.PlanID()))
	require.NoError(t, s.StartExecution())
	assert.Error(t, s.RecordResult(workflow.StepResult{StepID: "unknown"}))

	require.NoError(t, s.RecordResult(workflow.StepResult{StepID: "send", Status: workflow.StepFailed}))
	require.NoError(t, s.RecordResult(workflow.StepResult{StepID: "send", Status: workflow.StepSucceeded}))
	require.NoError(t, s.RecordResult(workflow.StepResult{StepID: "send", Status: workflow.StepFailed}))
	require.Len(t, s.Results, 1)
	assert.True(t, s.Results[0].Succeeded())
}

func TestAbandonOnlyBeforeConfirmation(t *testing.T) {
	for _, st := range []State{StateCollecting, StateDrafted, StatePreview, StateEditing} {
		s := New("x", "", t0)
		s.State = st
		require.NoError(t, s.Abandon(t0), st)
		assert.Equal(t, StateAbandoned, s.State)
	}
	for _, st := range []State{StateConfirmed, StateExecuting, StateCompleted, StateFailed, StateAbandoned} {
		s := New("x", "", t0)
		s.State = st
		assert.Error(t, s.Abandon(t0), st)
		assert.Equal(t, st, s.State)
	}
}

func TestRestartArchivesRoundAndKeepsMemory(t *testing.T) {
	s := drafted(t)
	s.Remember("recipient_email", "a@b.com")
	assert.Error(t, s.Restart())

	require.NoError(t, s.Abandon(t0))
	require.NoError(t, s.Restart())
	assert.Equal(t, StateCollecting, s.State)
	assert.False(t, s.HasSelection())
	assert.Equal(t, "a@b.com", s.Memory["recipient_email"])
	require.Len(t, s.Rounds, 1)
	assert.Equal(t, StateAbandoned, s.Rounds[0].State)
	assert.Equal(t, "email_welcome", s.Rounds[0].TemplateID)
}

func TestAdHocSelection(t *testing.T) {
	s := New("x", "", t0)
	tpl := workflow.WorkflowTemplate{ID: "adhoc:http_get", Steps: []workflow.StepSpec{{ID: "run", Capability: "http_get"}}}
	require.NoError(t, s.Select(tpl, true))
	assert.Empty(t, s.TemplateID)
	require.NotNil(t, s.AdHoc)
	assert.Equal(t, "adhoc:http_get", s.SelectedID())
}

func TestHistoryIsBounded(t *testing.T) {
	s := New("x", "", t0)
	for i := 0; i < maxHistory+10; i++ {
		s.AddTurn(RoleUser, "hi", t0)
	}
	assert.Len(t, s.History, maxHistory)
}

func TestEveryIllegalTransitionLeavesStateIntact(t *testing.T) {
	all := []State{StateCollecting, StateDrafted, StatePreview, StateEditing, StateConfirmed, StateExecuting, StateCompleted, StateFailed, StateAbandoned}
	for _, from := range all {
		for _, to := range all {
			if CanTransition(from, to) {
				continue
			}
			s := New("x", "", t0)
			s.State = from
			require.Error(t, s.move(to))
			assert.Equal(t, from, s.State)
		}
	}
}
