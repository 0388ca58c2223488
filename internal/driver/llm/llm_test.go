package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FlowPilot/internal/driver"
)

func TestOpenAIClientGenerate(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  short summary "}}]}`))
	}))
	defer srv.Close()

	client, err := NewOpenAIClient(OpenAIConfig{APIKey: "key", BaseURL: srv.URL})
	require.NoError(t, err)

	d := New(client)
	res := d.Execute(context.Background(), "llm_summarize", map[string]string{"text": "long text", "max_words": "20"}, driver.ExecContext{})
	require.True(t, res.OK(), "%+v", res.Error)
	assert.Equal(t, "short summary", res.Data["text"])
	assert.Equal(t, "gpt-4o-mini", got["model"])
	messages := got["messages"].([]any)
	assert.Len(t, messages, 2)
}

func TestOpenAIStatusClassification(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	client, err := NewOpenAIClient(OpenAIConfig{APIKey: "key", BaseURL: srv.URL})
	require.NoError(t, err)
	d := New(client)

	res := d.Execute(context.Background(), "llm_generate", map[string]string{"prompt": "hi"}, driver.ExecContext{})
	require.False(t, res.OK())
	assert.True(t, res.Error.Transient)

	status = http.StatusBadRequest
	res = d.Execute(context.Background(), "llm_generate", map[string]string{"prompt": "hi"}, driver.ExecContext{})
	require.False(t, res.OK())
	assert.False(t, res.Error.Transient)
	assert.Equal(t, "LLM_REJECTED", res.Error.Code)
}

type stubGenerator struct {
	req Request
	err error
}

func (s *stubGenerator) Generate(_ context.Context, req Request) (string, error) {
	s.req = req
	if s.err != nil {
		return "", s.err
	}
	return "ok", nil
}

func TestDriverValidatesAndDescribes(t *testing.T) {
	gen := &stubGenerator{}
	d := New(gen)
	assert.Equal(t, []string{"llm_generate", "llm_summarize"}, d.SupportedNodeTypes())
	assert.Equal(t, []string{"text"}, d.RequiredParameters("llm_summarize"))

	res := d.Execute(context.Background(), "llm_summarize", map[string]string{"text": "x", "max_words": "-1"}, driver.ExecContext{})
	assert.Equal(t, "INVALID_PARAMETER", res.Error.Code)

	res = d.Execute(context.Background(), "llm_generate", map[string]string{"prompt": "p", "system": "s"}, driver.ExecContext{})
	require.True(t, res.OK())
	assert.Equal(t, Request{System: "s", Prompt: "p"}, gen.req)

	gen.err = errEmptyReply
	res = d.Execute(context.Background(), "llm_generate", map[string]string{"prompt": "p"}, driver.ExecContext{})
	assert.False(t, res.Error.Transient)

	gen.err = errors.New("connection reset")
	res = d.Execute(context.Background(), "llm_generate", map[string]string{"prompt": "p"}, driver.ExecContext{})
	assert.True(t, res.Error.Transient)
}

func TestNewClientsRequireKeys(t *testing.T) {
	_, err := NewOpenAIClient(OpenAIConfig{})
	assert.Error(t, err)
	_, err = NewAnthropicClient(AnthropicConfig{})
	assert.Error(t, err)
	c, err := NewAnthropicClient(AnthropicConfig{APIKey: "k"})
	require.NoError(t, err)
	assert.EqualValues(t, 2048, c.maxTokens)
}
