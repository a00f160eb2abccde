package repository

import (
	"context"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
)

// StatesRepository 资产实时状态Repository接口
// Redis缓存旁路由 state.Manager 负责，这里只管持久行。
type StatesRepository interface {
	Get(ctx context.Context, tenantID, assetID string) (*domain.AssetState, error)
	// Upsert 全行写入并做乐观并发检查：
	// expectedVersion 为调用方读到的 state_version；行已被他人推进时返回冲突。
	// 新行以 expectedVersion=0 写入。
	Upsert(ctx context.Context, s *domain.AssetState, expectedVersion int64) error
	DeleteByAssets(ctx context.Context, tenantID string, assetIDs []string) (int64, error)
}
