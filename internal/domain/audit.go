package domain

import (
	"database/sql"
	"time"
)

// 审计动作
const (
	AuditAssetCreated   = "asset_created"
	AuditAssetUpdated   = "asset_updated"
	AuditAssetMoved     = "asset_moved"
	AuditAssetDeleted   = "asset_deleted"
	AuditMappingCreated = "mapping_created"
	AuditMappingUpdated = "mapping_updated"
	AuditMappingDeleted = "mapping_deleted"
	AuditConfigCreated  = "rollup_config_created"
	AuditConfigUpdated  = "rollup_config_updated"
	AuditConfigDeleted  = "rollup_config_deleted"
)

// AssetAuditEntry 审计日志领域模型（对应 asset_audit_log 表，仅追加）
// old_value/new_value 保存动作前后的对象快照（JSON），删除动作 new_value 为空。
type AssetAuditEntry struct {
	ID       int64  `db:"id"` // BIGSERIAL
	TenantID string `db:"tenant_id"`
	AssetID  string `db:"asset_id"` // 关联资产（映射/配置动作也记其所属资产）

	Action   string         `db:"action"`
	OldValue []byte         `db:"old_value"` // JSONB, nullable
	NewValue []byte         `db:"new_value"` // JSONB, nullable
	ActorID  sql.NullString `db:"actor_id"`  // 操作者，可空（系统动作）

	CreatedAt time.Time `db:"created_at"`
}
