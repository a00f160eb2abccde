package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/config"
)

// Event 运维告警事件（致命配置错误等需要人工介入的问题）
type Event struct {
	Kind       string    `json:"kind"` // 如 rollup_fatal_config
	TenantID   string    `json:"tenant_id"`
	AssetID    string    `json:"asset_id,omitempty"`
	MetricName string    `json:"metric_name,omitempty"`
	ConfigID   string    `json:"config_id,omitempty"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Notifier 运维告警通道
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NewNotifier 按配置创建通知器；未启用时返回空实现
func NewNotifier(cfg config.NotifyConfig, logger *zap.Logger) Notifier {
	if !cfg.Enabled || cfg.WebhookURL == "" {
		return &NopNotifier{}
	}
	return NewWebhookNotifier(cfg, logger)
}

// WebhookNotifier Webhook 通知器：事件以 JSON POST 到运维端点
type WebhookNotifier struct {
	httpClient *resty.Client
	url        string
	logger     *zap.Logger
}

var _ Notifier = (*WebhookNotifier)(nil)

// NewWebhookNotifier 创建 Webhook 通知器
func NewWebhookNotifier(cfg config.NotifyConfig, logger *zap.Logger) *WebhookNotifier {
	client := resty.New().
		SetTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &WebhookNotifier{
		httpClient: client,
		url:        cfg.WebhookURL,
		logger:     logger,
	}
}

// Notify 投递事件；调用方自行决定失败是否致命（聚合Worker只记日志）
func (n *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	resp, err := n.httpClient.R().
		SetContext(ctx).
		SetBody(ev).
		Post(n.url)
	if err != nil {
		n.logger.Error("Webhook notify failed",
			zap.String("kind", ev.Kind),
			zap.Error(err),
		)
		return fmt.Errorf("failed to deliver webhook event: %w", err)
	}
	if resp.IsError() {
		n.logger.Error("Webhook endpoint returned error",
			zap.String("kind", ev.Kind),
			zap.Int("status_code", resp.StatusCode()),
		)
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode())
	}

	n.logger.Info("Webhook event delivered",
		zap.String("kind", ev.Kind),
		zap.String("tenant_id", ev.TenantID),
		zap.String("reason", ev.Reason),
	)
	return nil
}

// NopNotifier 空通知器（通知未启用时使用）
type NopNotifier struct{}

var _ Notifier = (*NopNotifier)(nil)

func (n *NopNotifier) Notify(context.Context, Event) error { return nil }
