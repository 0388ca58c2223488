package matcher

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FlowPilot/internal/driver"
	"FlowPilot/internal/template"
	"FlowPilot/internal/workflow"
)

func builtin(t *testing.T) *template.Library {
	t.Helper()
	lib, err := template.Builtin()
	require.NoError(t, err)
	return lib
}

func TestScenarioAWelcomeEmail(t *testing.T) {
	m := New(builtin(t))
	res, err := m.Match(context.Background(), "Send a welcome email to new@customer.com", nil)
	require.NoError(t, err)

	require.True(t, res.IntentDetected)
	require.NotEmpty(t, res.Candidates)
	assert.Equal(t, "email_welcome", res.Candidates[0].TemplateID)
	assert.Equal(t, map[string]string{"recipient_email": "new@customer.com"}, res.Extracted)
	assert.Empty(t, res.Missing)
	assert.Equal(t, "email", res.Category)
	for _, c := range res.Candidates {
		assert.GreaterOrEqual(t, c.Score, 0.3)
		assert.LessOrEqual(t, c.Score, 1.0)
		assert.NotEmpty(t, c.Reason)
	}
}

func TestScenarioBTaskMissingName(t *testing.T) {
	m := New(builtin(t))
	res, err := m.Match(context.Background(), "Create a task", nil)
	require.NoError(t, err)
	require.True(t, res.IntentDetected)
	assert.Equal(t, "task_create", res.Candidates[0].TemplateID)
	assert.Equal(t, []string{"task_name"}, res.Missing)
	assert.Empty(t, res.Extracted)
}

func TestTemplatesAboveThresholdAlwaysRanked(t *testing.T) {
	lib := builtin(t)
	m := New(lib)
	all, err := lib.Templates(context.Background(), template.Filter{})
	require.NoError(t, err)

	for _, tpl := range all {
		n := len(tpl.Keywords)
		for mask := 1; mask < 1<<n; mask++ {
			var words []string
			for i := 0; i < n; i++ {
				if mask&(1<<i) != 0 {
					words = append(words, tpl.Keywords[i])
				}
			}
			ov, _ := overlap(tokenize(strings.Join(words, " ")), tpl.Keywords)
			if ov <= m.Policy().Threshold {
				continue
			}
			cands, _, err := m.Rank(context.Background(), strings.Join(words, " "))
			require.NoError(t, err)
			found := false
			for _, c := range cands {
				if c.TemplateID == tpl.ID {
					found = true
				}
			}
			assert.True(t, found, "template %s missing for input %q", tpl.ID, strings.Join(words, " "))
		}
	}
}

func mustLibrary(t *testing.T, tpls ...workflow.WorkflowTemplate) *template.Library {
	t.Helper()
	lib, err := template.NewLibrary(tpls)
	require.NoError(t, err)
	return lib
}

func tpl(id string, keywords []string, usage int, success float64) workflow.WorkflowTemplate {
	return workflow.WorkflowTemplate{
		ID:          id,
		Keywords:    keywords,
		UsageCount:  usage,
		SuccessRate: success,
		Steps:       []workflow.StepSpec{{ID: "s", Capability: "noop"}},
	}
}

func TestPopularityCannotBeatMuchBetterKeywordMatch(t *testing.T) {
	lib := mustLibrary(t,
		tpl("popular", []string{"report", "weekly"}, 1_000_000, 1),
		tpl("precise", []string{"report", "sales"}, 0, 0),
	)
	m := New(lib)
	cands, _, err := m.Rank(context.Background(), "sales report")
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "precise", cands[0].TemplateID)

	popular := cands[1]
	assert.LessOrEqual(t, popular.Boost, 0.3*popular.Score+1e-4, "boost must stay within its share of the total")
}

func TestTieBreakOrder(t *testing.T) {
	lib := mustLibrary(t,
		tpl("b_rate", []string{"sync"}, 0, 0.9),
		tpl("a_rate", []string{"sync"}, 0, 0.5),
		tpl("c_usage", []string{"sync"}, 10, 0.5),
		tpl("d_id", []string{"sync"}, 10, 0.5),
	)
	m := New(lib, WithPolicy(Policy{BoostWeight: 0, Threshold: 0.3, MaxBoostShare: 0.3}))
	cands, _, err := m.Rank(context.Background(), "sync now")
	require.NoError(t, err)
	var ids []string
	for _, c := range cands {
		ids = append(ids, c.TemplateID)
	}
	assert.Equal(t, []string{"b_rate", "c_usage", "d_id", "a_rate"}, ids)
}

func TestPolicyBoostBounds(t *testing.T) {
	p := DefaultPolicy()
	for _, ov := range []float64{0.1, 0.34, 0.5, 0.9} {
		score, boost := p.Score(ov, 5000, 1)
		assert.GreaterOrEqual(t, score, round4(ov))
		assert.LessOrEqual(t, boost, p.MaxBoostShare*(ov+boost)+1e-4)
	}
	score, boost := p.Score(0, 5000, 1)
	assert.Zero(t, score)
	assert.Zero(t, boost)
}

func TestResultEncodesEmptyListsAsArrays(t *testing.T) {
	m := New(builtin(t))
	res, err := m.Match(context.Background(), "Send a welcome email to new@customer.com", nil)
	require.NoError(t, err)

	raw, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"missing_required_parameters":[]`)

	ex := m.ExtractFor(*res.Template, "welcome a@b.com", nil, nil, nil)
	assert.NotNil(t, ex.Missing)
	assert.Empty(t, ex.Missing)

	res, err = m.Match(context.Background(), "how are you today?", nil)
	require.NoError(t, err)
	raw, err = json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"missing_required_parameters":[]`)
	assert.Contains(t, string(raw), `"ranked_candidates":[]`)
}

func TestNoIntentForSmallTalk(t *testing.T) {
	m := New(builtin(t))
	res, err := m.Match(context.Background(), "how are you today?", nil)
	require.NoError(t, err)
	assert.False(t, res.IntentDetected)
	assert.Empty(t, res.Candidates)
	assert.Error(t, res.NotFound())
}

type catalogDriver struct{ driver.Catalog }

func (catalogDriver) Execute(context.Context, string, map[string]string, driver.ExecContext) driver.Result {
	return driver.Success(nil)
}

func TestSynthesizerMapsToCapability(t *testing.T) {
	b := driver.NewBuilder(driver.Policy{})
	require.NoError(t, b.Register(catalogDriver{driver.Catalog{
		"web_fetch": {
			Description: "Fetch a web page",
			Required:    []driver.ParamDescriptor{{Name: "url", Type: workflow.ParamURL}},
			SideEffect:  driver.PureRead,
			Keywords:    []string{"fetch", "scrape", "page", "website"},
		},
	}}))
	reg := b.Build()

	lib := mustLibrary(t, tpl("unrelated", []string{"invoice"}, 0, 0))
	m := New(lib, WithSynthesizer(NewSynthesizer(reg, 0)))

	res, err := m.Match(context.Background(), "please scrape https://go.dev/blog.", nil)
	require.NoError(t, err)
	require.True(t, res.IntentDetected)
	assert.True(t, res.AdHoc)
	assert.Equal(t, "adhoc:web_fetch", res.Template.ID)
	assert.Equal(t, map[string]string{"url": "https://go.dev/blog"}, res.Extracted)
	require.NoError(t, res.Template.Validate())

	res, err = m.Match(context.Background(), "good morning", nil)
	require.NoError(t, err)
	assert.False(t, res.IntentDetected)
}
