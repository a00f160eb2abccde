package domain

import "time"

// 丢弃原因
const (
	DropUnmapped       = "unmapped"        // 数据点无映射
	DropDisabled       = "mapping_disabled" // 映射已停用
	DropNonNumeric     = "non_numeric"     // 字段值无法转为数值
	DropTransformError = "transform_error" // 换算表达式求值失败
	DropStale          = "stale"           // 事件时间早于宽限窗口
)

// TelemetryEnvelope 遥测上报信封
// fields 为设备负载（可嵌套）；数据点由 (schema_name, schema_version, field_path) 定位。
type TelemetryEnvelope struct {
	TenantID      string                 `json:"tenant_id"`
	DeviceID      string                 `json:"device_id"`
	SchemaName    string                 `json:"schema_name"`
	SchemaVersion string                 `json:"schema_version"`
	Timestamp     time.Time              `json:"timestamp"` // 事件时间（非到达时间）
	Fields        map[string]interface{} `json:"fields"`
}

// TelemetryContribution 原始贡献记录（对应 telemetry_contributions 表）
// 聚合重算的事实来源：同一桶无论重算多少次，结果只由这些行决定。
// ID 自增，作为 last 方法事件时间相同时的到达序决胜键。
type TelemetryContribution struct {
	ID         int64     `db:"id"` // BIGSERIAL
	TenantID   string    `db:"tenant_id"`
	AssetID    string    `db:"asset_id"`
	MetricName string    `db:"metric_name"`
	Value      float64   `db:"value"`      // 换算后的数值
	EventTime  time.Time `db:"event_time"` // 事件时间
	DeviceID   string    `db:"device_id"`
	ReceivedAt time.Time `db:"received_at"` // 到达时间
}

// TelemetryDrop 丢弃记录（对应 telemetry_drops 表）
// 迟到、无映射、换算失败等不会静默丢失，全部落表待查。
type TelemetryDrop struct {
	ID            int64     `db:"id"` // BIGSERIAL
	TenantID      string    `db:"tenant_id"`
	Reason        string    `db:"reason"`
	SchemaName    string    `db:"schema_name"`
	SchemaVersion string    `db:"schema_version"`
	FieldPath     string    `db:"field_path"`
	DeviceID      string    `db:"device_id"`
	EventTime     time.Time `db:"event_time"`
	Detail        string    `db:"detail"` // 细节（表达式错误、原始值片段等）
	ReceivedAt    time.Time `db:"received_at"`
}
