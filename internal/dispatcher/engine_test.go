package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FlowPilot/internal/driver"
	xerrors "FlowPilot/internal/errors"
	"FlowPilot/internal/workflow"
)

type execFunc func(ctx context.Context, nodeType string, params map[string]string, ec driver.ExecContext) driver.Result

type stubDriver struct {
	driver.Catalog
	mu    sync.Mutex
	calls map[string]int
	exec  map[string]execFunc
}

func newStub() *stubDriver {
	return &stubDriver{Catalog: driver.Catalog{}, calls: map[string]int{}, exec: map[string]execFunc{}}
}

func (s *stubDriver) on(nodeType string, required []string, side driver.SideEffect, fn execFunc) *stubDriver {
	capability := driver.Capability{SideEffect: side}
	for _, name := range required {
		capability.Required = append(capability.Required, driver.ParamDescriptor{Name: name})
	}
	s.Catalog[nodeType] = capability
	s.exec[nodeType] = fn
	return s
}

func (s *stubDriver) Execute(ctx context.Context, nodeType string, params map[string]string, ec driver.ExecContext) driver.Result {
	s.mu.Lock()
	s.calls[nodeType]++
	fn := s.exec[nodeType]
	s.mu.Unlock()
	return fn(ctx, nodeType, params, ec)
}

func (s *stubDriver) count(nodeType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[nodeType]
}

func registry(t *testing.T, d driver.Driver) *driver.Registry {
	t.Helper()
	b := driver.NewBuilder(driver.Policy{})
	require.NoError(t, b.Register(d))
	return b.Build()
}

func ok(data map[string]any) execFunc {
	return func(context.Context, string, map[string]string, driver.ExecContext) driver.Result {
		return driver.Success(data)
	}
}

func pipelinePlan() *workflow.Plan {
	return &workflow.Plan{
		ID: "plan-c",
		Steps: []workflow.StepSpec{
			{ID: "fetch", Capability: "web_fetch", Params: map[string]string{"url": "https://example.com"}},
			{ID: "summarize", Capability: "llm_summarize", DependsOn: "fetch", Params: map[string]string{"text": "{{fetch.content}}"}},
			{ID: "email", Capability: "email_send", DependsOn: "summarize", Params: map[string]string{"to": "a@b.com", "body": "{{summarize.text}}"}},
		},
	}
}

func TestFailedFetchSkipsDependents(t *testing.T) {
	stub := newStub().
		on("web_fetch", []string{"url"}, driver.PureRead, func(context.Context, string, map[string]string, driver.ExecContext) driver.Result {
			return driver.Permanent("HTTP_404", "page not found")
		}).
		on("llm_summarize", []string{"text"}, driver.PureRead, ok(map[string]any{"text": "short"})).
		on("email_send", []string{"to", "body"}, driver.ExternalWrite, ok(nil))
	engine := New(registry(t, stub))

	rep, err := engine.Execute(context.Background(), pipelinePlan(), RunContext{SessionID: "s1"})
	require.NoError(t, err)

	require.Len(t, rep.Results, 1)
	assert.Equal(t, "fetch", rep.Results[0].StepID)
	assert.Equal(t, workflow.StepFailed, rep.Results[0].Status)
	assert.Equal(t, "HTTP_404", rep.Results[0].ErrorCode)
	assert.Equal(t, "page not found", rep.Results[0].Error)
	assert.Equal(t, OutcomeFailed, rep.Status())

	require.Len(t, rep.Skipped, 2)
	assert.Equal(t, "summarize", rep.Skipped[0].StepID)
	assert.Equal(t, "email", rep.Skipped[1].StepID)
	assert.Zero(t, stub.count("llm_summarize"))
	assert.Zero(t, stub.count("email_send"))
}

func TestOutputsFlowIntoDependents(t *testing.T) {
	var gotText, gotBody string
	stub := newStub().
		on("web_fetch", []string{"url"}, driver.PureRead, ok(map[string]any{"content": "long article"})).
		on("llm_summarize", []string{"text"}, driver.PureRead, func(_ context.Context, _ string, p map[string]string, _ driver.ExecContext) driver.Result {
			gotText = p["text"]
			return driver.Success(map[string]any{"text": "tl;dr"})
		}).
		on("email_send", []string{"to", "body"}, driver.ExternalWrite, func(_ context.Context, _ string, p map[string]string, _ driver.ExecContext) driver.Result {
			gotBody = p["body"]
			return driver.Success(map[string]any{"message_id": "m-1"})
		})
	rep, err := New(registry(t, stub)).Execute(context.Background(), pipelinePlan(), RunContext{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, rep.Status())
	assert.Equal(t, "long article", gotText)
	assert.Equal(t, "tl;dr", gotBody)
	require.Len(t, rep.SideEffects(), 1)
	assert.Equal(t, "email", rep.SideEffects()[0].StepID)
}

func TestDuplicateExecuteDoesNotRepeatSideEffects(t *testing.T) {
	stub := newStub().on("email_send", []string{"to"}, driver.ExternalWrite, ok(map[string]any{"message_id": "m-1"}))
	engine := New(registry(t, stub), WithLedger(NewMemoryLedger()))
	plan := &workflow.Plan{ID: "p-dup", Steps: []workflow.StepSpec{{ID: "send", Capability: "email_send", Params: map[string]string{"to": "a@b.com"}}}}

	first, err := engine.Execute(context.Background(), plan, RunContext{})
	require.NoError(t, err)
	second, err := engine.Execute(context.Background(), plan, RunContext{})
	require.NoError(t, err)

	assert.Equal(t, 1, stub.count("email_send"))
	assert.False(t, first.Results[0].Reused)
	assert.True(t, second.Results[0].Reused)
	assert.Equal(t, "m-1", second.Results[0].Output["message_id"])
	assert.Equal(t, OutcomeCompleted, second.Status())
}

func TestPriorResultsAreReused(t *testing.T) {
	stub := newStub().
		on("web_fetch", []string{"url"}, driver.PureRead, ok(map[string]any{"content": "fresh"})).
		on("llm_summarize", []string{"text"}, driver.PureRead, func(_ context.Context, _ string, p map[string]string, _ driver.ExecContext) driver.Result {
			return driver.Success(map[string]any{"text": "summary of " + p["text"]})
		}).
		on("email_send", []string{"to", "body"}, driver.ExternalWrite, ok(nil))
	prior := []workflow.StepResult{{StepID: "fetch", Capability: "web_fetch", Status: workflow.StepSucceeded, Output: map[string]any{"content": "cached"}}}

	rep, err := New(registry(t, stub)).Execute(context.Background(), pipelinePlan(), RunContext{Prior: prior})
	require.NoError(t, err)
	assert.Zero(t, stub.count("web_fetch"))
	summary, found := rep.Lookup("summarize")
	require.True(t, found)
	assert.Equal(t, "summary of cached", summary.Output["text"])
	fetch, _ := rep.Lookup("fetch")
	assert.True(t, fetch.Reused)
}

func TestUnknownCapabilityFailsOnlyThatStep(t *testing.T) {
	stub := newStub().on("http_get", []string{"url"}, driver.PureRead, ok(map[string]any{"status_code": 200}))
	plan := &workflow.Plan{ID: "p", Steps: []workflow.StepSpec{
		{ID: "a", Capability: "fax_send", Params: map[string]string{"to": "1"}},
		{ID: "b", Capability: "http_get", Params: map[string]string{"url": "https://x.io"}},
	}}
	rep, err := New(registry(t, stub)).Execute(context.Background(), plan, RunContext{})
	require.NoError(t, err)
	require.Len(t, rep.Results, 2)
	assert.Equal(t, string(xerrors.CodeDriverNotFound), rep.Results[0].ErrorCode)
	assert.True(t, rep.Results[1].Succeeded())
	assert.Equal(t, OutcomeFailed, rep.Status())
}

func TestMissingRequiredParameterNeverCallsDriver(t *testing.T) {
	stub := newStub().on("email_send", []string{"to", "subject"}, driver.ExternalWrite, ok(nil))
	plan := &workflow.Plan{ID: "p", Steps: []workflow.StepSpec{
		{ID: "send", Capability: "email_send", Params: map[string]string{"to": "a@b.com", "subject": "  "}},
	}}
	rep, err := New(registry(t, stub)).Execute(context.Background(), plan, RunContext{})
	require.NoError(t, err)
	assert.Equal(t, string(xerrors.CodeMissingParameter), rep.Results[0].ErrorCode)
	assert.Zero(t, rep.Results[0].Attempts)
	assert.Zero(t, stub.count("email_send"))
}

func TestUnresolvedPlaceholderFailsStep(t *testing.T) {
	stub := newStub().
		on("web_fetch", []string{"url"}, driver.PureRead, ok(map[string]any{"title": "x"})).
		on("llm_summarize", []string{"text"}, driver.PureRead, ok(nil))
	plan := &workflow.Plan{ID: "p", Steps: []workflow.StepSpec{
		{ID: "fetch", Capability: "web_fetch", Params: map[string]string{"url": "https://x.io"}},
		{ID: "sum", Capability: "llm_summarize", DependsOn: "fetch", Params: map[string]string{"text": "{{fetch.content}}"}},
	}}
	rep, err := New(registry(t, stub)).Execute(context.Background(), plan, RunContext{})
	require.NoError(t, err)
	res, _ := rep.Lookup("sum")
	assert.Equal(t, string(xerrors.CodeUnresolvedPlaceholder), res.ErrorCode)
	assert.Zero(t, stub.count("llm_summarize"))
}

func TestSessionValuesResolveSingleRefs(t *testing.T) {
	var got string
	stub := newStub().on("http_get", []string{"url"}, driver.PureRead, func(_ context.Context, _ string, p map[string]string, _ driver.ExecContext) driver.Result {
		got = p["url"]
		return driver.Success(nil)
	})
	plan := &workflow.Plan{ID: "p", Steps: []workflow.StepSpec{{ID: "get", Capability: "http_get", Params: map[string]string{"url": "https://{{host}}/status"}}}}
	_, err := New(registry(t, stub)).Execute(context.Background(), plan, RunContext{Values: map[string]string{"host": "api.io"}})
	require.NoError(t, err)
	assert.Equal(t, "https://api.io/status", got)
}

func TestTransientFailuresAreRetried(t *testing.T) {
	var n int32
	stub := newStub().
		on("http_get", []string{"url"}, driver.PureRead, func(context.Context, string, map[string]string, driver.ExecContext) driver.Result {
			if atomic.AddInt32(&n, 1) < 3 {
				return driver.Transient("HTTP_503", "unavailable")
			}
			return driver.Success(nil)
		}).
		on("email_send", []string{"to"}, driver.ExternalWrite, func(context.Context, string, map[string]string, driver.ExecContext) driver.Result {
			return driver.Permanent("INVALID_RECIPIENT", "no such mailbox")
		})
	retry := workflow.RetryPolicy{MaxAttempts: 3, Backoff: workflow.BackoffFixed, BaseDelay: time.Millisecond}
	plan := &workflow.Plan{ID: "p", Steps: []workflow.StepSpec{
		{ID: "get", Capability: "http_get", Params: map[string]string{"url": "u"}, Retry: retry},
		{ID: "send", Capability: "email_send", Params: map[string]string{"to": "x"}, Retry: retry},
	}}
	rep, err := New(registry(t, stub)).Execute(context.Background(), plan, RunContext{})
	require.NoError(t, err)

	get, _ := rep.Lookup("get")
	assert.True(t, get.Succeeded())
	assert.Equal(t, 3, get.Attempts)

	send, _ := rep.Lookup("send")
	assert.Equal(t, 1, send.Attempts)
	assert.Equal(t, 1, stub.count("email_send"))
	assert.Equal(t, "INVALID_RECIPIENT", send.ErrorCode)
	assert.False(t, send.Transient)
}

func TestTimeoutIsAStepFailure(t *testing.T) {
	stub := newStub().on("http_get", []string{"url"}, driver.PureRead, func(ctx context.Context, _ string, _ map[string]string, _ driver.ExecContext) driver.Result {
		<-ctx.Done()
		return driver.Transient("NETWORK_ERROR", ctx.Err().Error())
	})
	plan := &workflow.Plan{ID: "p", Steps: []workflow.StepSpec{
		{ID: "slow", Capability: "http_get", Params: map[string]string{"url": "u"}, Timeout: 20 * time.Millisecond},
	}}
	rep, err := New(registry(t, stub)).Execute(context.Background(), plan, RunContext{})
	require.NoError(t, err)
	assert.Equal(t, workflow.StepFailed, rep.Results[0].Status)
	assert.True(t, rep.Results[0].Transient)
	assert.Contains(t, []string{string(xerrors.CodeStepTimeout), "NETWORK_ERROR"}, rep.Results[0].ErrorCode)
}

func TestDriverPanicIsContained(t *testing.T) {
	stub := newStub().on("http_get", []string{"url"}, driver.PureRead, func(context.Context, string, map[string]string, driver.ExecContext) driver.Result {
		panic("boom")
	})
	plan := &workflow.Plan{ID: "p", Steps: []workflow.StepSpec{{ID: "a", Capability: "http_get", Params: map[string]string{"url": "u"}}}}
	rep, err := New(registry(t, stub)).Execute(context.Background(), plan, RunContext{})
	require.NoError(t, err)
	assert.Equal(t, "DRIVER_PANIC", rep.Results[0].ErrorCode)
}

func TestCancellationStopsSchedulingButLetsInFlightFinish(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var inFlightCtxErr error
	stub := newStub().
		on("email_send", []string{"to"}, driver.ExternalWrite, func(ctx context.Context, _ string, _ map[string]string, _ driver.ExecContext) driver.Result {
			close(started)
			<-release
			inFlightCtxErr = ctx.Err()
			return driver.Success(nil)
		}).
		on("http_get", []string{"url"}, driver.PureRead, ok(nil))
	plan := &workflow.Plan{ID: "p", Steps: []workflow.StepSpec{
		{ID: "send", Capability: "email_send", Params: map[string]string{"to": "a@b.com"}},
		{ID: "get", Capability: "http_get", Params: map[string]string{"url": "u"}},
	}}
	engine := New(registry(t, stub), WithConfig(Config{MaxParallel: 1}))

	ctx, cancel := context.WithCancel(context.Background())
	type out struct {
		rep *Report
		err error
	}
	done := make(chan out, 1)
	go func() {
		rep, err := engine.Execute(ctx, plan, RunContext{})
		done <- out{rep, err}
	}()

	<-started
	cancel()
	close(release)
	res := <-done
	require.NoError(t, res.err)

	assert.True(t, res.rep.Cancelled)
	assert.NoError(t, inFlightCtxErr)
	send, _ := res.rep.Lookup("send")
	assert.True(t, send.Succeeded())
	require.Len(t, res.rep.Skipped, 1)
	assert.Equal(t, Skip{StepID: "get", Capability: "http_get", Reason: ReasonCancelled}, res.rep.Skipped[0])
	assert.Zero(t, stub.count("http_get"))
	assert.Equal(t, OutcomeFailed, res.rep.Status())
}

func TestParallelismIsBoundedAndOrderPreserved(t *testing.T) {
	var current, peak int32
	stub := newStub().on("http_get", []string{"url"}, driver.PureRead, func(_ context.Context, _ string, p map[string]string, _ driver.ExecContext) driver.Result {
		n := atomic.AddInt32(&current, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		if p["url"] == "slow" {
			time.Sleep(40 * time.Millisecond)
		} else {
			time.Sleep(5 * time.Millisecond)
		}
		atomic.AddInt32(&current, -1)
		return driver.Success(nil)
	})
	plan := &workflow.Plan{ID: "p"}
	for _, id := range []string{"s1", "s2", "s3", "s4", "s5", "s6"} {
		url := "fast"
		if id == "s1" {
			url = "slow"
		}
		plan.Steps = append(plan.Steps, workflow.StepSpec{ID: id, Capability: "http_get", Params: map[string]string{"url": url}})
	}
	rep, err := New(registry(t, stub), WithConfig(Config{MaxParallel: 2})).Execute(context.Background(), plan, RunContext{})
	require.NoError(t, err)

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	require.Len(t, rep.Results, 6)
	for i, res := range rep.Results {
		assert.Equal(t, plan.Steps[i].ID, res.StepID)
	}
}

func TestDependentNeverStartsBeforePredecessor(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(id string, delay time.Duration) execFunc {
		return func(context.Context, string, map[string]string, driver.ExecContext) driver.Result {
			time.Sleep(delay)
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return driver.Success(map[string]any{"v": id})
		}
	}
	stub := newStub().
		on("first", nil, driver.PureRead, record("first", 30*time.Millisecond)).
		on("second", nil, driver.PureRead, record("second", 0))
	plan := &workflow.Plan{ID: "p", Steps: []workflow.StepSpec{
		{ID: "a", Capability: "first"},
		{ID: "b", Capability: "second", DependsOn: "a"},
	}}
	_, err := New(registry(t, stub), WithConfig(Config{MaxParallel: 4})).Execute(context.Background(), plan, RunContext{})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestOptionalFailureKeepsPlanCompleted(t *testing.T) {
	stub := newStub().
		on("http_get", []string{"url"}, driver.PureRead, ok(nil)).
		on("mq_publish", []string{"routing_key"}, driver.ExternalWrite, func(context.Context, string, map[string]string, driver.ExecContext) driver.Result {
			return driver.Permanent("NOT_FOUND", "exchange missing")
		})
	plan := &workflow.Plan{ID: "p", Steps: []workflow.StepSpec{
		{ID: "get", Capability: "http_get", Params: map[string]string{"url": "u"}},
		{ID: "announce", Capability: "mq_publish", Optional: true, Params: map[string]string{"routing_key": "k"}},
	}}
	rep, err := New(registry(t, stub)).Execute(context.Background(), plan, RunContext{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, rep.Status())
	_, failed := rep.FirstFailure()
	assert.False(t, failed)
}

func TestInvalidPlanIsRejected(t *testing.T) {
	engine := New(registry(t, newStub().on("x", nil, driver.PureRead, ok(nil))))
	_, err := engine.Execute(context.Background(), nil, RunContext{})
	require.Error(t, err)

	_, err = engine.Execute(context.Background(), &workflow.Plan{ID: "p", Steps: []workflow.StepSpec{
		{ID: "b", Capability: "x", DependsOn: "a"},
		{ID: "a", Capability: "x"},
	}}, RunContext{})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidPlan, xerrors.CodeOf(err))
}

type failingLedger struct{}

func (failingLedger) Lookup(context.Context, string, string) (workflow.StepResult, bool, error) {
	return workflow.StepResult{}, false, assert.AnError
}

func (failingLedger) Record(context.Context, string, string, workflow.StepResult) error { return nil }

func TestUnavailableLedgerFailsClosed(t *testing.T) {
	stub := newStub().on("email_send", []string{"to"}, driver.ExternalWrite, ok(nil))
	plan := &workflow.Plan{ID: "p", Steps: []workflow.StepSpec{{ID: "send", Capability: "email_send", Params: map[string]string{"to": "a"}}}}
	rep, err := New(registry(t, stub), WithLedger(failingLedger{})).Execute(context.Background(), plan, RunContext{})
	require.NoError(t, err)
	assert.Equal(t, string(xerrors.CodeStorageFailure), rep.Results[0].ErrorCode)
	assert.Zero(t, stub.count("email_send"))
}
