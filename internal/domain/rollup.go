package domain

import (
	"database/sql"
	"time"
)

// 聚合方法
const (
	AggAvg   = "avg"
	AggSum   = "sum"
	AggMin   = "min"
	AggMax   = "max"
	AggCount = "count"
	AggLast  = "last"
)

// ValidAggregationMethod 校验聚合方法取值
func ValidAggregationMethod(m string) bool {
	switch m {
	case AggAvg, AggSum, AggMin, AggMax, AggCount, AggLast:
		return true
	}
	return false
}

// AssetRollupConfig 聚合配置领域模型（对应 asset_rollup_configs 表）
// 每条配置声明某资产的某指标按固定周期聚合；include_children 开启时，
// 直接子资产同名指标的聚合值乘以 weight_factor 后并入父桶。
type AssetRollupConfig struct {
	ConfigID   string `db:"config_id"` // UUID, PK
	TenantID   string `db:"tenant_id"` // UUID, NOT NULL
	AssetID    string `db:"asset_id"`
	MetricName string `db:"metric_name"`

	AggregationMethod     string  `db:"aggregation_method"`      // avg/sum/min/max/count/last
	RollupIntervalSeconds int64   `db:"rollup_interval_seconds"` // 正整数，epoch对齐
	IncludeChildren       bool    `db:"include_children"`
	WeightFactor          float64 `db:"weight_factor"` // 并入父桶时的权重，默认1.0

	FilterExpression sql.NullString `db:"filter_expression"` // CEL表达式，可空；判真才纳入聚合
	Enabled          bool           `db:"enabled"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// AssetRollupData 聚合结果领域模型（对应 asset_rollup_data 表）
// 主键 (asset_id, metric_name, bucket_start)：同桶重算只会覆盖同一行。
type AssetRollupData struct {
	TenantID    string                 `db:"tenant_id"`
	AssetID     string                 `db:"asset_id"`
	MetricName  string                 `db:"metric_name"`
	BucketStart time.Time              `db:"bucket_start"` // TIMESTAMPTZ, epoch对齐
	Value       float64                `db:"value"`
	SampleCount int64                  `db:"sample_count"` // 本级样本数 + 子级样本数之和
	Metadata    map[string]interface{} `db:"metadata"`     // JSONB（方法、周期、子级贡献等）
	UpdatedAt   time.Time              `db:"updated_at"`
}

// BucketStart 计算时间戳所属桶的起点（epoch对齐，UTC）
// bucket_start = floor(unix/interval) * interval
func BucketStart(ts time.Time, intervalSeconds int64) time.Time {
	idx := ts.Unix() / intervalSeconds
	return time.Unix(idx*intervalSeconds, 0).UTC()
}

// BucketEnd 桶终点（开区间上界）
func BucketEnd(bucketStart time.Time, intervalSeconds int64) time.Time {
	return bucketStart.Add(time.Duration(intervalSeconds) * time.Second)
}
