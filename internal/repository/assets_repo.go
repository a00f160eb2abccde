package repository

import (
	"context"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
)

// AssetsRepository 资产树Repository接口
// 使用强类型领域模型，不使用map[string]any。
// path/level 由仓库在写路径内维护，调用方不得直接改写。
type AssetsRepository interface {
	List(ctx context.Context, tenantID string, filters AssetFilters, page, size int) ([]*domain.Asset, int, error)
	Get(ctx context.Context, tenantID, assetID string) (*domain.Asset, error)
	ListChildren(ctx context.Context, tenantID, parentID string) ([]*domain.Asset, error)
	// ListDescendants 按物化路径前缀取整棵子树（不含自身），层级升序
	ListDescendants(ctx context.Context, tenantID, path string) ([]*domain.Asset, error)
	Create(ctx context.Context, tenantID string, asset *domain.Asset) (string, error)
	// Update 只更新业务字段（名称/类型/大类/状态/元数据），不动层级
	Update(ctx context.Context, tenantID, assetID string, asset *domain.Asset) error
	// Move 改挂父资产：整棵子树的 path/level 在单事务内重写
	// newParentID 为 nil 表示提升为根
	Move(ctx context.Context, tenantID, assetID string, newParentID *string) error
	// Delete 删除资产；cascade=false 且存在子资产时返回冲突
	// cascade=true 时连同子树一并删除，返回被删除的资产ID列表
	Delete(ctx context.Context, tenantID, assetID string, cascade bool) ([]string, error)
	CountChildren(ctx context.Context, tenantID, assetID string) (int, error)
}

// AssetFilters 资产查询过滤器
type AssetFilters struct {
	ParentID  string // 按直接父资产过滤
	AssetType string
	Category  string
	Status    string
	PathUnder string // 按路径前缀过滤（子树查询）
	Search    string // 模糊搜索 asset_name
}
