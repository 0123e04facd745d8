package notify

import (
	"context"
	"errors"
	"strings"
)

// ErrNotConfigured 对应通道未配置。
var ErrNotConfigured = errors.New("notifier not configured")

// Notifier 定义推送接口，具体渠道（微信网关、邮件）由实现负责。
type Notifier interface {
	// Send 发送一条推送。
	//
	// 参数:
	//   ctx: 上下文
	//   recipient: 接收方句柄（openid、邮箱等）
	//   title: 标题
	//   body: 纯文本正文
	//   linkURL: 点击跳转链接，可为空
	Send(ctx context.Context, recipient, title, body, linkURL string) error
}

// MultiNotifier 按接收方形态路由：含 "@" 走邮件，否则走推送网关。
type MultiNotifier struct {
	Email   Notifier
	Webhook Notifier
}

func (m *MultiNotifier) Send(ctx context.Context, recipient, title, body, linkURL string) error {
	target := m.Webhook
	if strings.Contains(recipient, "@") {
		target = m.Email
	}
	if target == nil {
		return ErrNotConfigured
	}
	return target.Send(ctx, recipient, title, body, linkURL)
}
