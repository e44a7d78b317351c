package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"OpenLLM-Orchestra/pkg/logger"
)

// WebhookNotifier 把事件以 JSON POST 到订阅方。
type WebhookNotifier struct {
	endpoint   string
	secret     string
	httpClient *http.Client
}

// NewWebhookNotifier 创建 Webhook 通知器。endpoint 为空时返回 nil，
// Fanout 会直接跳过 nil 通知器。
func NewWebhookNotifier(endpoint, secret string, timeout time.Duration) *WebhookNotifier {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		endpoint:   endpoint,
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Channel 返回 Webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 投递事件。非 2xx 状态视为失败，由发件箱中继负责重试。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.httpClient == nil {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送")
		return nil
	}

	body := map[string]any{
		"type":           string(event.Type),
		"service":        event.Service,
		"correlation_id": event.CorrelationID,
		"work_id":        event.WorkID,
		"attempts":       event.Attempts,
		"occurred_at":    event.OccurredAt.Format(time.RFC3339),
		"payload":        event.Payload,
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("序列化 Webhook 载荷失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("构建 Webhook 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		req.Header.Set("Authorization", "Bearer "+n.secret)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("投递 Webhook 失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("Webhook 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}
