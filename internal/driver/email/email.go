// Package email 提供 email_send 能力，并实现告警模块需要的 EmailSender。
package email

import (
	"bytes"
	"context"
	stdErrors "errors"
	"fmt"
	"html"
	"mime"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"FlowPilot/internal/driver"
	"FlowPilot/internal/workflow"
)

// Transport 负责把编码好的邮件交给邮件服务器。
type Transport interface {
	SendMail(ctx context.Context, from string, to []string, msg []byte) error
}

// Driver 发送纯文本邮件。
type Driver struct {
	driver.Catalog
	transport Transport
	from      string
	policy    *bluemonday.Policy
	now       func() time.Time
}

// New 创建邮件驱动。
func New(transport Transport, from string) *Driver {
	return &Driver{
		transport: transport,
		from:      from,
		policy:    bluemonday.StrictPolicy(),
		now:       time.Now,
		Catalog: driver.Catalog{
			"email_send": {
				Description: "Send an email",
				System:      "email",
				TargetParam: "to",
				Required: []driver.ParamDescriptor{
					{Name: "to", Type: workflow.ParamEmail},
					{Name: "subject", Type: workflow.ParamString},
					{Name: "body", Type: workflow.ParamText},
				},
				Optional:      []driver.ParamDescriptor{{Name: "cc", Type: workflow.ParamEmail}},
				SideEffect:    driver.ExternalWrite,
				EstimatedCost: "1 email",
				Keywords:      []string{"email", "mail", "send", "notify"},
			},
		},
	}
}

// Execute 实现 driver.Driver。
func (d *Driver) Execute(ctx context.Context, nodeType string, params map[string]string, _ driver.ExecContext) driver.Result {
	if nodeType != "email_send" {
		return driver.Permanent("UNSUPPORTED_NODE_TYPE", "不支持的节点类型 "+nodeType)
	}
	to, err := ParseRecipients(params["to"])
	if err != nil {
		return driver.Permanent("INVALID_RECIPIENT", err.Error())
	}
	var cc []string
	if strings.TrimSpace(params["cc"]) != "" {
		if cc, err = ParseRecipients(params["cc"]); err != nil {
			return driver.Permanent("INVALID_RECIPIENT", err.Error())
		}
	}
	if err := d.send(ctx, params["subject"], params["body"], to, cc); err != nil {
		return classify(err)
	}
	return driver.Success(map[string]any{
		"to":      strings.Join(to, ","),
		"subject": strings.TrimSpace(params["subject"]),
		"sent_at": d.now().UTC().Format(time.RFC3339),
	})
}

// Send 发送告警邮件。
func (d *Driver) Send(ctx context.Context, subject, content string, to []string) error {
	return d.send(ctx, subject, content, to, nil)
}

func (d *Driver) send(ctx context.Context, subject, body string, to, cc []string) error {
	if d.transport == nil {
		return stdErrors.New("未配置邮件服务器")
	}
	msg := d.compose(subject, body, to, cc)
	rcpts := append(append([]string(nil), to...), cc...)
	return d.transport.SendMail(ctx, d.from, rcpts, msg)
}

func (d *Driver) compose(subject, body string, to, cc []string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", d.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	if len(cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\r\n", strings.Join(cc, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", strings.TrimSpace(subject)))
	fmt.Fprintf(&b, "Date: %s\r\n", d.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	text := html.UnescapeString(d.policy.Sanitize(body))
	b.WriteString(strings.ReplaceAll(text, "\n", "\r\n"))
	return b.Bytes()
}

// ParseRecipients 解析逗号分隔的收件人列表。
func ParseRecipients(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, stdErrors.New("收件人不能为空")
	}
	list, err := mail.ParseAddressList(raw)
	if err != nil {
		return nil, fmt.Errorf("收件人地址非法 %q: %w", raw, err)
	}
	out := make([]string, 0, len(list))
	for _, addr := range list {
		at := strings.LastIndex(addr.Address, "@")
		if at <= 0 || !strings.Contains(addr.Address[at+1:], ".") {
			return nil, fmt.Errorf("收件人地址非法 %q", addr.Address)
		}
		out = append(out, addr.Address)
	}
	return out, nil
}

func classify(err error) driver.Result {
	var protoErr *textproto.Error
	if stdErrors.As(err, &protoErr) {
		msg := fmt.Sprintf("SMTP %d: %s", protoErr.Code, protoErr.Msg)
		switch {
		case protoErr.Code >= 400 && protoErr.Code < 500:
			return driver.Transient("SMTP_DEFERRED", msg)
		case protoErr.Code == 550 || protoErr.Code == 553:
			return driver.Permanent("INVALID_RECIPIENT", msg)
		default:
			return driver.Permanent("SMTP_REJECTED", msg)
		}
	}
	return driver.Transient("SMTP_UNAVAILABLE", err.Error())
}
