package domain

import (
	"database/sql"
	"strings"
	"time"
)

// 资产状态
const (
	AssetStatusActive   = "active"
	AssetStatusInactive = "inactive"
	AssetStatusArchived = "archived"
)

// PathSeparator 物化路径分隔符
const PathSeparator = "/"

// Asset 资产领域模型（对应 assets 表）
// 资产以租户内的树组织：path 为从根到自身的ID物化路径，level 为深度（根为0）。
type Asset struct {
	AssetID   string         `db:"asset_id"`  // UUID, PK
	TenantID  string         `db:"tenant_id"` // UUID, NOT NULL
	ParentID  sql.NullString `db:"parent_id"` // UUID, nullable（根资产为 NULL）
	AssetName string         `db:"asset_name"`
	AssetType string         `db:"asset_type"` // 'site'/'area'/'line'/'machine'/'sensor_group' 等，自由分类
	Category  sql.NullString `db:"category"`   // 业务大类，可选

	// 层级物化字段（由服务维护，客户端只读）
	Path  string `db:"path"`  // 如 /rootID/midID/selfID
	Level int    `db:"level"` // 根为0

	Status   string                 `db:"status"`   // active/inactive/archived
	Metadata map[string]interface{} `db:"metadata"` // JSONB

	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
	CreatedBy sql.NullString `db:"created_by"`
	UpdatedBy sql.NullString `db:"updated_by"`
}

// RootPath 根资产路径
func RootPath(assetID string) string {
	return PathSeparator + assetID
}

// ChildPath 子资产路径 = 父路径 + 分隔符 + 自身ID
func ChildPath(parentPath, assetID string) string {
	return parentPath + PathSeparator + assetID
}

// PathLevel 由路径推导深度（根为0）
func PathLevel(path string) int {
	n := strings.Count(path, PathSeparator)
	if n == 0 {
		return 0
	}
	return n - 1
}

// IsDescendantPath 判断 path 是否为 ancestorPath 的真后代
// 前缀匹配必须落在分隔符边界，避免 /a/b1 误判为 /a/b 的后代。
func IsDescendantPath(path, ancestorPath string) bool {
	return strings.HasPrefix(path, ancestorPath+PathSeparator)
}

// PathIDs 拆出路径上的资产ID序列（根在前）
func PathIDs(path string) []string {
	parts := strings.Split(path, PathSeparator)
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}

// ValidAssetStatus 校验资产状态取值
func ValidAssetStatus(s string) bool {
	switch s {
	case AssetStatusActive, AssetStatusInactive, AssetStatusArchived:
		return true
	}
	return false
}
