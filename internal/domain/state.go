package domain

import "time"

// 告警状态
const (
	AlarmStatusNormal   = "normal"
	AlarmStatusWarning  = "warning"
	AlarmStatusCritical = "critical"
)

// AssetState 资产实时状态（对应 asset_states 表 + Redis缓存）
// calculated_metrics 按指标保存换算后的最新值，以事件时间判新旧，乱序到达不会回退；
// raw_state 保存最近一次事件的原始字段快照（含未映射字段）。
type AssetState struct {
	AssetID  string `db:"asset_id"` // UUID, PK
	TenantID string `db:"tenant_id"`

	RawState          map[string]interface{}  `db:"raw_state"`          // JSONB：field_path -> 原始值
	CalculatedMetrics map[string]MetricValue  `db:"calculated_metrics"` // JSONB：metric -> 最新换算值

	AlarmStatus string `db:"alarm_status"` // normal/warning/critical
	AlarmCount  int    `db:"alarm_count"`  // 进入告警状态的累计次数

	LastUpdateTime     time.Time `db:"last_update_time"`      // 最近一次事件时间
	LastUpdateDeviceID string    `db:"last_update_device_id"` // 最近一次事件来源设备

	StateVersion int64     `db:"state_version"` // 乐观并发版本号，每次写+1
	UpdatedAt    time.Time `db:"updated_at"`
}

// MetricValue 单指标最新值（含事件时间，用于 last-value-wins 合并）
type MetricValue struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"` // 事件时间
	DeviceID  string    `json:"device_id"`
}
