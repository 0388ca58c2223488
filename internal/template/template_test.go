package template

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FlowPilot/internal/driver"
	xerrors "FlowPilot/internal/errors"
	"FlowPilot/internal/workflow"
)

func TestBuiltinLibraryIsValid(t *testing.T) {
	lib, err := Builtin()
	require.NoError(t, err)
	ctx := context.Background()

	welcome, err := lib.Template(ctx, "email_welcome")
	require.NoError(t, err)
	assert.Equal(t, []string{"recipient_email"}, welcome.Required())
	assert.ElementsMatch(t, []string{"email", "welcome", "send"}, welcome.Keywords)
	assert.Equal(t, 30*time.Second, welcome.Steps[0].Timeout)
	assert.Equal(t, workflow.BackoffExponential, welcome.Steps[0].Retry.Backoff)

	task, err := lib.Template(ctx, "task_create")
	require.NoError(t, err)
	assert.Equal(t, []string{"task_name"}, task.Required())

	pipeline, err := lib.Template(ctx, "fetch_summarize_email")
	require.NoError(t, err)
	require.Len(t, pipeline.Steps, 3)
	assert.Equal(t, "summarize", pipeline.Steps[2].DependsOn)
}

func TestTemplatesFilter(t *testing.T) {
	lib, err := Builtin()
	require.NoError(t, err)
	ctx := context.Background()

	all, err := lib.Templates(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, lib.Len(), len(all))
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].ID, all[i].ID)
	}

	integration, err := lib.Templates(ctx, Filter{Category: "Integration"})
	require.NoError(t, err)
	assert.Len(t, integration, 2)

	byKeyword, err := lib.Templates(ctx, Filter{Keyword: "webhook"})
	require.NoError(t, err)
	require.Len(t, byKeyword, 1)
	assert.Equal(t, "webhook_notify", byKeyword[0].ID)
}

func TestTemplateNotFound(t *testing.T) {
	lib, err := Builtin()
	require.NoError(t, err)
	_, err = lib.Template(context.Background(), "nope")
	assert.Equal(t, xerrors.CodeTemplateNotFound, xerrors.CodeOf(err))
}

func TestLibraryIsImmutableSnapshot(t *testing.T) {
	lib, err := Builtin()
	require.NoError(t, err)
	tpl, err := lib.Template(context.Background(), "email_welcome")
	require.NoError(t, err)
	tpl.Steps[0].Params["to"] = "hacked"
	tpl.Keywords[0] = "hacked"

	again, err := lib.Template(context.Background(), "email_welcome")
	require.NoError(t, err)
	assert.Equal(t, "{{recipient_email}}", again.Steps[0].Params["to"])
	assert.NotEqual(t, "hacked", again.Keywords[0])
}

func TestParseRejectsInvalidTemplates(t *testing.T) {
	forward := `
templates:
  - id: bad
    keywords: [x]
    steps:
      - {id: a, capability: x, depends_on: b}
      - {id: b, capability: x}
`
	_, err := Parse([]byte(forward))
	assert.Error(t, err)

	undeclared := `
templates:
  - id: bad
    keywords: [x]
    steps:
      - {id: a, capability: x, params: {to: "{{who}}"}}
`
	_, err = Parse([]byte(undeclared))
	assert.Error(t, err)

	dup := `
templates:
  - {id: a, keywords: [x], steps: [{id: s, capability: x}]}
  - {id: a, keywords: [y], steps: [{id: s, capability: y}]}
`
	_, err = Parse([]byte(dup))
	assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))
}

func TestLoadFileAndMergeOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
templates:
  - id: email_welcome
    name: Custom welcome
    keywords: [welcome]
    parameters: [{name: recipient_email, type: email, required: true}]
    steps: [{id: send, capability: email_send, params: {to: "{{recipient_email}}"}}]
`), 0o644))
	custom, err := LoadFile(path)
	require.NoError(t, err)
	builtin, err := Builtin()
	require.NoError(t, err)

	merged, err := Merge(builtin, custom)
	require.NoError(t, err)
	assert.Equal(t, builtin.Len(), merged.Len())
	tpl, err := merged.Template(context.Background(), "email_welcome")
	require.NoError(t, err)
	assert.Equal(t, "Custom welcome", tpl.Name)
}

type nopDriver struct{ driver.Catalog }

func (nopDriver) Execute(context.Context, string, map[string]string, driver.ExecContext) driver.Result {
	return driver.Success(nil)
}

func TestCheckCapabilities(t *testing.T) {
	lib, err := Builtin()
	require.NoError(t, err)
	b := driver.NewBuilder(driver.Policy{})
	require.NoError(t, b.Register(nopDriver{driver.Catalog{"email_send": {}}}))
	missing := lib.CheckCapabilities(b.Build())
	assert.NotContains(t, missing, "email_welcome")
	assert.Contains(t, missing["fetch_summarize_email"], "web_fetch")
}
