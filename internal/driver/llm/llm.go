// Package llm 提供 llm_generate 与 llm_summarize 两种能力，
// 底层可以是 OpenAI Chat Completions HTTP 接口，也可以是 Anthropic SDK。
package llm

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strconv"
	"strings"

	"FlowPilot/internal/driver"
	"FlowPilot/internal/workflow"
)

// Request 描述一次文本生成请求。
type Request struct {
	System string
	Prompt string
}

// Generator 定义调用大模型的统一接口。
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// StatusError 由 Generator 返回，携带上游 HTTP 状态码，用于区分可重试失败。
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s 返回错误状态 %d: %s", e.Provider, e.StatusCode, e.Body)
}

const summarizeSystem = "You summarise documents faithfully and concisely. Reply with the summary only."

// Driver 把 Generator 适配为驱动能力。
type Driver struct {
	driver.Catalog
	gen Generator
}

// New 创建 LLM 驱动。
func New(gen Generator) *Driver {
	return &Driver{
		gen: gen,
		Catalog: driver.Catalog{
			"llm_generate": {
				Description:   "Generate text with a language model",
				System:        "language model",
				Required:      []driver.ParamDescriptor{{Name: "prompt", Type: workflow.ParamText}},
				Optional:      []driver.ParamDescriptor{{Name: "system", Type: workflow.ParamText}},
				SideEffect:    driver.PureRead,
				EstimatedCost: "1 model call",
				Keywords:      []string{"generate", "write", "draft", "compose"},
			},
			"llm_summarize": {
				Description:   "Summarise text with a language model",
				System:        "language model",
				Required:      []driver.ParamDescriptor{{Name: "text", Type: workflow.ParamText}},
				Optional:      []driver.ParamDescriptor{{Name: "max_words", Type: workflow.ParamNumber}},
				SideEffect:    driver.PureRead,
				EstimatedCost: "1 model call",
				Keywords:      []string{"summarize", "summarise", "summary", "tldr"},
			},
		},
	}
}

// Execute 实现 driver.Driver。
func (d *Driver) Execute(ctx context.Context, nodeType string, params map[string]string, _ driver.ExecContext) driver.Result {
	if d.gen == nil {
		return driver.Permanent("LLM_NOT_CONFIGURED", "未配置大模型客户端")
	}
	var req Request
	switch nodeType {
	case "llm_generate":
		req = Request{System: params["system"], Prompt: params["prompt"]}
	case "llm_summarize":
		words := 120
		if raw := strings.TrimSpace(params["max_words"]); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				return driver.Permanent("INVALID_PARAMETER", "max_words 必须为正整数")
			}
			words = n
		}
		req = Request{
			System: summarizeSystem,
			Prompt: fmt.Sprintf("Summarise the following in at most %d words:\n\n%s", words, params["text"]),
		}
	default:
		return driver.Permanent("UNSUPPORTED_NODE_TYPE", "不支持的节点类型 "+nodeType)
	}

	text, err := d.gen.Generate(ctx, req)
	if err != nil {
		return classify(err)
	}
	return driver.Success(map[string]any{"text": text})
}

func classify(err error) driver.Result {
	var statusErr *StatusError
	if stdErrors.As(err, &statusErr) {
		if statusErr.StatusCode == 429 || statusErr.StatusCode >= 500 {
			return driver.Transient("LLM_UNAVAILABLE", err.Error())
		}
		return driver.Permanent("LLM_REJECTED", err.Error())
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return driver.Transient("LLM_TIMEOUT", err.Error())
	}
	if stdErrors.Is(err, errEmptyReply) {
		return driver.Permanent("LLM_EMPTY_REPLY", err.Error())
	}
	return driver.Transient("LLM_UNAVAILABLE", err.Error())
}

var errEmptyReply = stdErrors.New("大模型响应内容为空")
