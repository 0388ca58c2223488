package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FlowPilot/internal/config"
	"FlowPilot/internal/orchestrator"
	"FlowPilot/internal/session"
)

func init() {
	color.NoColor = true
}

type scriptedConversation struct {
	received []orchestrator.Message
	replies  []*orchestrator.Reply
}

func (s *scriptedConversation) HandleUserMessage(_ context.Context, sessionID string, msg orchestrator.Message) (*orchestrator.Reply, error) {
	s.received = append(s.received, msg)
	if len(s.replies) == 0 {
		return &orchestrator.Reply{SessionID: sessionID, Text: "ok"}, nil
	}
	next := s.replies[0]
	s.replies = s.replies[1:]
	return next, nil
}

func TestChatConfirmSendsStructuredAction(t *testing.T) {
	conv := &scriptedConversation{replies: []*orchestrator.Reply{
		{State: session.StatePreview, Text: "Plan ready", Preview: &orchestrator.Preview{PlanID: "plan-1"}},
		{State: session.StateCompleted, Text: "done", Execution: &orchestrator.Execution{PlanID: "plan-1"}},
	}}
	var out bytes.Buffer
	repl := newChatREPL(conv, "s1", "alice", &out)

	err := repl.Run(context.Background(), strings.NewReader("email bob\n/confirm\n/quit\nnever sent\n"))
	require.NoError(t, err)

	require.Len(t, conv.received, 2)
	assert.Equal(t, "email bob", conv.received[0].Text)
	assert.Nil(t, conv.received[0].Action)
	require.NotNil(t, conv.received[1].Action)
	assert.Equal(t, orchestrator.ActionConfirm, conv.received[1].Action.Type)
	assert.Equal(t, "plan-1", conv.received[1].Action.PlanID)
	assert.Equal(t, "alice", conv.received[1].OwnerID)
	assert.Contains(t, out.String(), "Type /confirm to run plan plan-1")
}

func TestChatTypedYesIsJustText(t *testing.T) {
	conv := &scriptedConversation{}
	var out bytes.Buffer
	repl := newChatREPL(conv, "s1", "", &out)

	require.NoError(t, repl.Run(context.Background(), strings.NewReader("yes\n")))
	require.Len(t, conv.received, 1)
	assert.Nil(t, conv.received[0].Action)
	assert.Equal(t, "yes", conv.received[0].Text)
}

func TestChatConfirmWithoutPreviewStaysLocal(t *testing.T) {
	conv := &scriptedConversation{}
	var out bytes.Buffer
	repl := newChatREPL(conv, "s1", "", &out)

	require.NoError(t, repl.Run(context.Background(), strings.NewReader("/confirm\n/bogus\n/cancel\n")))
	require.Len(t, conv.received, 1)
	assert.Equal(t, orchestrator.ActionCancel, conv.received[0].Action.Type)
	assert.Contains(t, out.String(), "no plan to confirm")
	assert.Contains(t, out.String(), "Unknown command /bogus")
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "flowpilot.yaml"))
	require.NoError(t, err)
	cfg.Log.OutputPaths = []string{filepath.Join(t.TempDir(), "flowpilot.log")}
	return cfg
}

func TestBuildAppRunsTaskRequestEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	a, err := buildApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	_, ok := a.registry.Capability("task_create")
	require.True(t, ok)

	var out bytes.Buffer
	repl := newChatREPL(a.orchestrator, "s1", "", &out)
	require.NoError(t, repl.Run(context.Background(), strings.NewReader("Create a task\nBuy milk\n/confirm\n")))

	text := out.String()
	assert.Contains(t, text, "task_name")
	assert.Contains(t, text, "Type /confirm to run plan")
	assert.Contains(t, text, "completed: 1 step(s) succeeded")

	sess, err := a.store.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StateCompleted, sess.State)
}

func TestTemplatesCommandListsBuiltins(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"templates", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "--category", "productivity"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "task_create")
	assert.NotContains(t, out.String(), "email_welcome")
}

func TestBuildAppRejectsMissingTemplateFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Templates.Files = []string{filepath.Join(t.TempDir(), "absent.yaml")}
	_, err := buildApp(context.Background(), cfg)
	require.Error(t, err)
}

func TestLoadLibraryMergesFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extra.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
templates:
  - id: ping_site
    name: Ping a site
    category: monitoring
    keywords: [ping, site]
    parameters:
      - name: url
        type: url
        required: true
    steps:
      - id: get
        capability: http_get
        params:
          url: "{{url}}"
`), 0o600))
	lib, err := loadLibrary(config.TemplatesConfig{Builtin: true, Files: []string{path}})
	require.NoError(t, err)
	_, err = lib.Template(context.Background(), "ping_site")
	require.NoError(t, err)
	_, err = lib.Template(context.Background(), "task_create")
	require.NoError(t, err)
}
