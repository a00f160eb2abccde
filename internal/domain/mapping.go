package domain

import (
	"database/sql"
	"time"
)

// DataPointMapping 数据点映射领域模型（对应 data_point_mappings 表）
// 将遥测数据点 (schema_name, schema_version, field_path) 绑定到某个资产的某个指标。
// 同一数据点可绑定多个资产，(租户, schema, 版本, 字段, 资产) 内唯一；
// transform_expression 可选，对原始值做换算。
type DataPointMapping struct {
	MappingID     string `db:"mapping_id"` // UUID, PK
	TenantID      string `db:"tenant_id"`  // UUID, NOT NULL
	SchemaName    string `db:"schema_name"`
	SchemaVersion string `db:"schema_version"`
	FieldPath     string `db:"field_path"` // 如 payload.temperature 或 metrics[0].value

	AssetID    string `db:"asset_id"`    // 目标资产
	MetricName string `db:"metric_name"` // 目标指标名
	Label      string `db:"label"`       // 展示名，可空串
	Unit       string `db:"unit"`        // 单位，如 °C / kPa，可空串

	DefaultAggregation  string         `db:"default_aggregation"`  // 建汇聚配置时的默认聚合方法
	RollupEnabled       bool           `db:"rollup_enabled"`       // 是否记录原始贡献供汇聚
	TransformExpression sql.NullString `db:"transform_expression"` // CEL表达式，可空
	Enabled             bool           `db:"enabled"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// MappingKey 映射唯一键（租户内）
func (m *DataPointMapping) MappingKey() string {
	return m.SchemaName + "|" + m.SchemaVersion + "|" + m.FieldPath + "|" + m.AssetID
}

// ResolveKey 数据点检索键（同一数据点可命中多条映射）
func ResolveKey(schemaName, schemaVersion, fieldPath string) string {
	return schemaName + "|" + schemaVersion + "|" + fieldPath
}
