package repository

import (
	"context"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
)

// AuditRepository 审计日志Repository接口（仅追加）
type AuditRepository interface {
	Append(ctx context.Context, entry *domain.AssetAuditEntry) error
	List(ctx context.Context, tenantID string, filters AuditFilters, page, size int) ([]*domain.AssetAuditEntry, int, error)
}

// AuditFilters 审计查询过滤器
type AuditFilters struct {
	AssetID string
	Action  string
}
