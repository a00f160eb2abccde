package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/config"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/mqtt"
)

// MQTTConsumer MQTT遥测消费者
// 订阅遥测主题，消息体与 HTTP 接入使用同一信封格式。
type MQTTConsumer struct {
	config     *config.Config
	mqttClient *mqtt.Client
	service    *Service
	logger     *zap.Logger
}

// NewMQTTConsumer 创建MQTT消费者
func NewMQTTConsumer(
	cfg *config.Config,
	mqttClient *mqtt.Client,
	service *Service,
	logger *zap.Logger,
) *MQTTConsumer {
	return &MQTTConsumer{
		config:     cfg,
		mqttClient: mqttClient,
		service:    service,
		logger:     logger,
	}
}

// Start 启动消费者
func (c *MQTTConsumer) Start(ctx context.Context) error {
	// 订阅遥测主题
	if err := c.mqttClient.Subscribe(c.config.MQTT.Topic, c.config.MQTT.QoS, c.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to telemetry topic: %w", err)
	}

	c.logger.Info("MQTT consumer started",
		zap.String("topic", c.config.MQTT.Topic),
	)

	// 等待上下文取消
	<-ctx.Done()
	return nil
}

// Stop 停止消费者
func (c *MQTTConsumer) Stop(ctx context.Context) error {
	// 取消订阅
	if err := c.mqttClient.Unsubscribe(c.config.MQTT.Topic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}

	c.logger.Info("MQTT consumer stopped")
	return nil
}

// handleMessage 处理MQTT消息
func (c *MQTTConsumer) handleMessage(topic string, payload []byte) error {
	c.logger.Debug("Received MQTT message",
		zap.String("topic", topic),
		zap.Int("payload_size", len(payload)),
	)

	// 1. 解析信封
	var env domain.TelemetryEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		c.logger.Error("Failed to unmarshal MQTT message",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}

	// 2. 交给接入服务（数据点级问题在服务内部转为丢弃记录）
	res, err := c.service.Ingest(context.Background(), &env)
	if err != nil {
		c.logger.Warn("Telemetry envelope rejected",
			zap.String("topic", topic),
			zap.String("device_id", env.DeviceID),
			zap.Error(err),
		)
		return fmt.Errorf("envelope rejected: %w", err)
	}

	c.logger.Info("Telemetry event processed",
		zap.String("tenant_id", env.TenantID),
		zap.String("device_id", env.DeviceID),
		zap.Int("metrics_applied", res.MetricsApplied),
		zap.Int("contributions_stored", res.ContributionsStored),
		zap.Int("dropped", res.Dropped),
	)

	return nil
}
