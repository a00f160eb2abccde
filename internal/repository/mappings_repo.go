package repository

import (
	"context"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
)

// MappingsRepository 数据点映射Repository接口
type MappingsRepository interface {
	List(ctx context.Context, tenantID string, filters MappingFilters, page, size int) ([]*domain.DataPointMapping, int, error)
	Get(ctx context.Context, tenantID, mappingID string) (*domain.DataPointMapping, error)
	// Resolve 按数据点键 (schema, version, field_path) 查映射（接入热路径）
	// 同一数据点可绑定多个资产指标，返回零条或多条，无命中不报错。
	Resolve(ctx context.Context, tenantID, schemaName, schemaVersion, fieldPath string) ([]*domain.DataPointMapping, error)
	// ListBySchema 取同一schema版本下的全部映射（接入时批量解析信封字段）
	ListBySchema(ctx context.Context, tenantID, schemaName, schemaVersion string) ([]*domain.DataPointMapping, error)
	Create(ctx context.Context, tenantID string, m *domain.DataPointMapping) (string, error)
	Update(ctx context.Context, tenantID, mappingID string, m *domain.DataPointMapping) error
	Delete(ctx context.Context, tenantID, mappingID string) error
	// DeleteByAssets 级联删除资产下的映射，返回删除条数
	DeleteByAssets(ctx context.Context, tenantID string, assetIDs []string) (int64, error)
}

// MappingFilters 映射查询过滤器
type MappingFilters struct {
	AssetID    string
	SchemaName string
	MetricName string
	Enabled    *bool
}
