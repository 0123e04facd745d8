package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// WebhookNotifier 把推送投递给外部推送网关（微信模板消息等由网关负责）。
type WebhookNotifier struct {
	url    string
	token  string
	client *http.Client
	logger *slog.Logger
}

type webhookPayload struct {
	Recipient string `json:"recipient"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	URL       string `json:"url,omitempty"`
}

type webhookReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func NewWebhookNotifier(url, token string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

func (n *WebhookNotifier) Send(ctx context.Context, recipient, title, body, linkURL string) error {
	if n.url == "" {
		return ErrNotConfigured
	}
	data, err := json.Marshal(webhookPayload{Recipient: recipient, Title: title, Body: body, URL: linkURL})
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("push gateway: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var reply webhookReply
	if len(bytes.TrimSpace(raw)) > 0 && json.Unmarshal(raw, &reply) == nil && !reply.Success && reply.Error != "" {
		return fmt.Errorf("push gateway rejected: %s", reply.Error)
	}

	n.logger.Debug("push sent", slog.String("recipient", recipient), slog.String("title", title))
	return nil
}
