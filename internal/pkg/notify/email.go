package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"gopkg.in/gomail.v2"

	"stockwatch/internal/config"
)

// EmailNotifier 实现邮件通知。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
}

// Send 发送邮件通知。
func (n *EmailNotifier) Send(ctx context.Context, recipient, title, body, linkURL string) error {
	if n.cfg.SMTPHost == "" || n.cfg.SMTPUser == "" || n.cfg.FromEmail == "" {
		return ErrNotConfigured
	}
	if strings.TrimSpace(recipient) == "" {
		return fmt.Errorf("empty recipient")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", recipient)
	m.SetHeader("Subject", "[StockWatch] "+title)
	m.SetBody("text/plain", plainBody(body, linkURL))
	m.AddAlternative("text/html", htmlBody(title, body, linkURL))

	d := gomail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.SMTPUser, n.cfg.SMTPPass)
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("email notification sent", slog.String("to", recipient), slog.String("title", title))
	return nil
}

func plainBody(body, linkURL string) string {
	if linkURL == "" {
		return body
	}
	return body + "\n\n" + linkURL
}

func htmlBody(title, body, linkURL string) string {
	var b strings.Builder
	b.WriteString(`<!DOCTYPE html><html><head><meta charset="UTF-8" /></head>`)
	b.WriteString(`<body style="font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937;">`)
	b.WriteString(`<div style="max-width: 560px; margin: 24px auto; background: #fff; border-radius: 12px; border: 1px solid #e5e7eb; padding: 20px;">`)
	fmt.Fprintf(&b, `<h2 style="margin-top: 0;">%s</h2>`, html.EscapeString(title))
	for _, line := range strings.Split(body, "\n") {
		fmt.Fprintf(&b, `<p style="margin: 4px 0;">%s</p>`, html.EscapeString(line))
	}
	if linkURL != "" {
		fmt.Fprintf(&b, `<p style="margin-top: 16px;"><a href="%s" style="padding: 10px 18px; background: #22c55e; color: #fff; text-decoration: none; border-radius: 8px;">查看商品</a></p>`, html.EscapeString(linkURL))
	}
	b.WriteString(`</div></body></html>`)
	return b.String()
}
