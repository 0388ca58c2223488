// Package httpcall 提供 http_request 与 http_get 能力，所有请求共享一个令牌桶限流器。
package httpcall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"FlowPilot/internal/driver"
	"FlowPilot/internal/workflow"
)

const maxBodyBytes = 64 << 10

// Config 控制 HTTP 驱动的超时与限流。
type Config struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// Driver 执行出站 HTTP 调用。
type Driver struct {
	driver.Catalog
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
}

// New 创建 HTTP 驱动。
func New(cfg Config) *Driver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "FlowPilot/1.0"
	}
	return &Driver{
		client:    &http.Client{Timeout: cfg.Timeout},
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		userAgent: cfg.UserAgent,
		Catalog: driver.Catalog{
			"http_request": {
				Description: "Call an HTTP endpoint",
				System:      "HTTP endpoint",
				TargetParam: "url",
				Required: []driver.ParamDescriptor{
					{Name: "url", Type: workflow.ParamURL},
					{Name: "method", Type: workflow.ParamString},
				},
				Optional: []driver.ParamDescriptor{
					{Name: "body", Type: workflow.ParamText},
					{Name: "headers", Type: workflow.ParamText, Description: "JSON object of header values"},
				},
				SideEffect:    driver.ExternalWrite,
				EstimatedCost: "1 HTTP request",
				Keywords:      []string{"webhook", "call", "post", "api", "request"},
			},
			"http_get": {
				Description:   "Read an HTTP resource",
				System:        "HTTP endpoint",
				TargetParam:   "url",
				Required:      []driver.ParamDescriptor{{Name: "url", Type: workflow.ParamURL}},
				SideEffect:    driver.PureRead,
				EstimatedCost: "1 HTTP request",
				Keywords:      []string{"get", "download", "read", "api"},
			},
		},
	}
}

// Execute 实现 driver.Driver。
func (d *Driver) Execute(ctx context.Context, nodeType string, params map[string]string, _ driver.ExecContext) driver.Result {
	method := http.MethodGet
	var body io.Reader
	headers := map[string]string{}
	switch nodeType {
	case "http_get":
	case "http_request":
		method = strings.ToUpper(strings.TrimSpace(params["method"]))
		if !validMethod(method) {
			return driver.Permanent("INVALID_METHOD", "不支持的 HTTP 方法 "+params["method"])
		}
		if raw := strings.TrimSpace(params["headers"]); raw != "" {
			if err := json.Unmarshal([]byte(raw), &headers); err != nil {
				return driver.Permanent("INVALID_HEADERS", "headers 必须是字符串到字符串的 JSON 对象")
			}
		}
		if params["body"] != "" {
			body = bytes.NewBufferString(params["body"])
		}
	default:
		return driver.Permanent("UNSUPPORTED_NODE_TYPE", "不支持的节点类型 "+nodeType)
	}

	target, err := ParseTarget(params["url"])
	if err != nil {
		return driver.Permanent("INVALID_URL", err.Error())
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return driver.Transient("RATE_LIMITED", "等待限流令牌失败: "+err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return driver.Permanent("INVALID_REQUEST", err.Error())
	}
	req.Header.Set("User-Agent", d.userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return driver.Transient("NETWORK_ERROR", err.Error())
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))

	if failed, ok := ClassifyStatus(resp.StatusCode, strings.TrimSpace(string(payload))); ok {
		return failed
	}
	return driver.Success(map[string]any{
		"status_code":  resp.StatusCode,
		"body":         string(payload),
		"content_type": resp.Header.Get("Content-Type"),
	})
}

// ParseTarget 校验 URL 为绝对 http(s) 地址。
func ParseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("URL 非法: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("URL 必须使用 http 或 https: %q", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("URL 缺少主机名: %q", raw)
	}
	return u, nil
}

// ClassifyStatus 把 HTTP 状态码转换为驱动失败。429 与 5xx 可重试，其余 4xx 不可重试。
func ClassifyStatus(code int, body string) (driver.Result, bool) {
	if code < http.StatusBadRequest {
		return driver.Result{}, false
	}
	if len(body) > 512 {
		body = body[:512]
	}
	msg := fmt.Sprintf("HTTP %d: %s", code, body)
	if code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
		return driver.Transient(fmt.Sprintf("HTTP_%d", code), msg), true
	}
	return driver.Permanent(fmt.Sprintf("HTTP_%d", code), msg), true
}

func validMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead:
		return true
	default:
		return false
	}
}
