package repository

import (
	"context"
	"time"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
)

// RollupRepository 聚合配置与聚合结果Repository接口
type RollupRepository interface {
	// ============================================
	// 配置操作
	// ============================================
	ListConfigs(ctx context.Context, tenantID string, filters RollupConfigFilters, page, size int) ([]*domain.AssetRollupConfig, int, error)
	GetConfig(ctx context.Context, tenantID, configID string) (*domain.AssetRollupConfig, error)
	GetConfigByAssetMetric(ctx context.Context, tenantID, assetID, metricName string) (*domain.AssetRollupConfig, error)
	// ListEnabledConfigs 跨租户取全部启用配置（聚合Worker每轮扫描）
	ListEnabledConfigs(ctx context.Context) ([]*domain.AssetRollupConfig, error)
	CreateConfig(ctx context.Context, tenantID string, c *domain.AssetRollupConfig) (string, error)
	UpdateConfig(ctx context.Context, tenantID, configID string, c *domain.AssetRollupConfig) error
	DeleteConfig(ctx context.Context, tenantID, configID string) error
	DeleteConfigsByAssets(ctx context.Context, tenantID string, assetIDs []string) (int64, error)

	// ============================================
	// 聚合结果操作
	// ============================================
	// UpsertRollup 写入桶结果：主键 (asset_id, metric_name, bucket_start)，重算幂等覆盖
	UpsertRollup(ctx context.Context, d *domain.AssetRollupData) error
	GetRollup(ctx context.Context, tenantID, assetID, metricName string, bucketStart time.Time) (*domain.AssetRollupData, error)
	// QueryRollups 按时间范围查询桶序列 [from, to)，bucket_start 升序
	QueryRollups(ctx context.Context, tenantID, assetID, metricName string, from, to time.Time, limit int) ([]*domain.AssetRollupData, error)
	DeleteRollupsByAssets(ctx context.Context, tenantID string, assetIDs []string) (int64, error)
}

// RollupConfigFilters 聚合配置查询过滤器
type RollupConfigFilters struct {
	AssetID    string
	MetricName string
	Enabled    *bool
}
