package repository

import (
	"context"
	"time"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
)

// TelemetryRepository 原始贡献与丢弃记录Repository接口
// 贡献表是聚合重算的事实来源，聚合结果永远可以由它重建。
type TelemetryRepository interface {
	InsertContribution(ctx context.Context, c *domain.TelemetryContribution) (int64, error)
	// ListContributions 取某资产某指标事件时间落入 [from, to) 的贡献
	// 按 (event_time, id) 升序：id 是 last 方法同时戳时的到达序决胜键
	ListContributions(ctx context.Context, tenantID, assetID, metricName string, from, to time.Time) ([]*domain.TelemetryContribution, error)
	DeleteContributionsByAssets(ctx context.Context, tenantID string, assetIDs []string) (int64, error)

	InsertDrop(ctx context.Context, d *domain.TelemetryDrop) error
	ListDrops(ctx context.Context, tenantID string, page, size int) ([]*domain.TelemetryDrop, int, error)
}
