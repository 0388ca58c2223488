package webfetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FlowPilot/internal/driver"
)

const page = `<html><head><title>Release notes</title></head><body>
<article><h1>Release notes</h1>
<p>FlowPilot now previews every plan before it runs anything. The preview lists each step and the system it touches.</p>
<p>Confirmation is a structured action, so a stray "yes" in chat never starts an automation. Steps that depend on a failed step are skipped.</p>
<script>alert("x")</script>
</article></body></html>`

func TestFetchExtractsReadableText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	res := New(Config{}).Execute(context.Background(), "web_fetch", map[string]string{"url": srv.URL}, driver.ExecContext{})
	require.True(t, res.OK(), "%+v", res.Error)
	content := res.Data["content"].(string)
	assert.Contains(t, content, "structured action")
	assert.NotContains(t, content, "<script>")
	assert.False(t, strings.Contains(content, "<p>"))
}

func TestFetchClassifiesHTTPFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	res := New(Config{}).Execute(context.Background(), "web_fetch", map[string]string{"url": srv.URL}, driver.ExecContext{})
	require.False(t, res.OK())
	assert.Equal(t, "HTTP_404", res.Error.Code)
	assert.False(t, res.Error.Transient)
}

func TestFetchRejectsBadURL(t *testing.T) {
	res := New(Config{}).Execute(context.Background(), "web_fetch", map[string]string{"url": "not a url"}, driver.ExecContext{})
	assert.Equal(t, "INVALID_URL", res.Error.Code)
}
