package email

import (
	"context"
	"crypto/tls"
	"net"
	"net/smtp"
	"strconv"
	"time"
)

// SMTPConfig 描述 SMTP 服务器连接信息。
type SMTPConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SMTPTransport 通过 net/smtp 投递邮件，支持 STARTTLS 与 PLAIN 认证。
type SMTPTransport struct {
	cfg SMTPConfig
}

// NewSMTPTransport 创建 SMTP 传输。
func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPTransport{cfg: cfg}
}

// SendMail 实现 Transport。
func (t *SMTPTransport) SendMail(ctx context.Context, from string, to []string, msg []byte) error {
	dialer := &net.Dialer{Timeout: t.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port)))
	if err != nil {
		return err
	}
	deadline := time.Now().Add(t.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: t.cfg.Host}); err != nil {
			return err
		}
	}
	if t.cfg.Username != "" {
		auth := smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return err
		}
	}
	if err := client.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}
