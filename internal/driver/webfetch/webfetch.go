// Package webfetch 提供 web_fetch 能力：抓取网页并提取正文纯文本。
package webfetch

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"

	"FlowPilot/internal/driver"
	"FlowPilot/internal/driver/httpcall"
	"FlowPilot/internal/workflow"
)

const defaultMaxChars = 50000

// Config 控制抓取行为。
type Config struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
	MaxChars  int           `mapstructure:"max_chars"`
}

// Driver 抓取网页并用 readability 提取正文。
type Driver struct {
	driver.Catalog
	client    *http.Client
	userAgent string
	maxChars  int
	policy    *bluemonday.Policy
}

// New 创建网页抓取驱动。
func New(cfg Config) *Driver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (compatible; FlowPilot/1.0)"
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = defaultMaxChars
	}
	return &Driver{
		client:    &http.Client{Timeout: cfg.Timeout},
		userAgent: cfg.UserAgent,
		maxChars:  cfg.MaxChars,
		policy:    bluemonday.StrictPolicy(),
		Catalog: driver.Catalog{
			"web_fetch": {
				Description:   "Fetch a web page and extract its readable text",
				System:        "web page",
				TargetParam:   "url",
				Required:      []driver.ParamDescriptor{{Name: "url", Type: workflow.ParamURL}},
				SideEffect:    driver.PureRead,
				EstimatedCost: "1 HTTP request",
				Keywords:      []string{"fetch", "scrape", "page", "article", "website", "url"},
			},
		},
	}
}

// Execute 实现 driver.Driver。
func (d *Driver) Execute(ctx context.Context, nodeType string, params map[string]string, _ driver.ExecContext) driver.Result {
	if nodeType != "web_fetch" {
		return driver.Permanent("UNSUPPORTED_NODE_TYPE", "不支持的节点类型 "+nodeType)
	}
	target, err := httpcall.ParseTarget(params["url"])
	if err != nil {
		return driver.Permanent("INVALID_URL", err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return driver.Permanent("INVALID_REQUEST", err.Error())
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return driver.Transient("NETWORK_ERROR", err.Error())
	}
	defer resp.Body.Close()
	if failed, ok := httpcall.ClassifyStatus(resp.StatusCode, ""); ok {
		return failed
	}

	article, err := readability.FromReader(resp.Body, target)
	if err != nil {
		return driver.Permanent("UNREADABLE_PAGE", "无法提取正文: "+err.Error())
	}
	content := strings.TrimSpace(d.policy.Sanitize(article.TextContent))
	if content == "" {
		return driver.Permanent("EMPTY_PAGE", "页面没有可读正文")
	}
	truncated := false
	if runes := []rune(content); len(runes) > d.maxChars {
		content = string(runes[:d.maxChars])
		truncated = true
	}
	return driver.Success(map[string]any{
		"title":     d.policy.Sanitize(article.Title),
		"excerpt":   d.policy.Sanitize(article.Excerpt),
		"content":   content,
		"truncated": truncated,
		"url":       target.String(),
	})
}
