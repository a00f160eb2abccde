package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
)

// PostgresRollupRepository 聚合配置与聚合结果Repository实现
type PostgresRollupRepository struct {
	db *sql.DB
}

// NewPostgresRollupRepository 创建聚合Repository
func NewPostgresRollupRepository(db *sql.DB) *PostgresRollupRepository {
	return &PostgresRollupRepository{db: db}
}

// 确保实现了接口
var _ RollupRepository = (*PostgresRollupRepository)(nil)

const rollupConfigColumns = `
	config_id::text,
	tenant_id::text,
	asset_id::text,
	metric_name,
	aggregation_method,
	rollup_interval_seconds,
	include_children,
	weight_factor,
	filter_expression,
	enabled,
	created_at,
	updated_at
`

// scanRollupConfig 扫描单条聚合配置
func scanRollupConfig(row rowScanner) (*domain.AssetRollupConfig, error) {
	var c domain.AssetRollupConfig
	err := row.Scan(
		&c.ConfigID,
		&c.TenantID,
		&c.AssetID,
		&c.MetricName,
		&c.AggregationMethod,
		&c.RollupIntervalSeconds,
		&c.IncludeChildren,
		&c.WeightFactor,
		&c.FilterExpression,
		&c.Enabled,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ============================================
// 配置操作
// ============================================

// ListConfigs 分页查询聚合配置
func (r *PostgresRollupRepository) ListConfigs(ctx context.Context, tenantID string, filters RollupConfigFilters, page, size int) ([]*domain.AssetRollupConfig, int, error) {
	if tenantID == "" {
		return nil, 0, domain.NewValidation("tenant_id is required")
	}
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}

	where := []string{"tenant_id = $1"}
	args := []interface{}{tenantID}
	argN := 2

	if filters.AssetID != "" {
		where = append(where, "asset_id = $"+fmt.Sprintf("%d", argN))
		args = append(args, filters.AssetID)
		argN++
	}
	if filters.MetricName != "" {
		where = append(where, "metric_name = $"+fmt.Sprintf("%d", argN))
		args = append(args, filters.MetricName)
		argN++
	}
	if filters.Enabled != nil {
		where = append(where, "enabled = $"+fmt.Sprintf("%d", argN))
		args = append(args, *filters.Enabled)
		argN++
	}

	whereClause := strings.Join(where, " AND ")

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM asset_rollup_configs WHERE "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count rollup configs: %w", err)
	}

	query := "SELECT " + rollupConfigColumns + " FROM asset_rollup_configs WHERE " + whereClause +
		" ORDER BY asset_id, metric_name LIMIT $" + fmt.Sprintf("%d", argN) + " OFFSET $" + fmt.Sprintf("%d", argN+1)
	args = append(args, size, (page-1)*size)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query rollup configs: %w", err)
	}
	defer rows.Close()

	out := []*domain.AssetRollupConfig{}
	for rows.Next() {
		c, err := scanRollupConfig(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan rollup config: %w", err)
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

// GetConfig 按ID获取聚合配置
func (r *PostgresRollupRepository) GetConfig(ctx context.Context, tenantID, configID string) (*domain.AssetRollupConfig, error) {
	query := "SELECT " + rollupConfigColumns + " FROM asset_rollup_configs WHERE tenant_id = $1 AND config_id = $2"
	c, err := scanRollupConfig(r.db.QueryRowContext(ctx, query, tenantID, configID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.NewNotFound("rollup config not found: config_id=%s", configID)
		}
		return nil, fmt.Errorf("failed to get rollup config: %w", err)
	}
	return c, nil
}

// GetConfigByAssetMetric 按 (资产, 指标) 获取聚合配置
func (r *PostgresRollupRepository) GetConfigByAssetMetric(ctx context.Context, tenantID, assetID, metricName string) (*domain.AssetRollupConfig, error) {
	query := "SELECT " + rollupConfigColumns + " FROM asset_rollup_configs WHERE tenant_id = $1 AND asset_id = $2 AND metric_name = $3"
	c, err := scanRollupConfig(r.db.QueryRowContext(ctx, query, tenantID, assetID, metricName))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.NewNotFound("rollup config not found: asset_id=%s metric=%s", assetID, metricName)
		}
		return nil, fmt.Errorf("failed to get rollup config: %w", err)
	}
	return c, nil
}

// ListEnabledConfigs 跨租户取全部启用配置（聚合Worker每轮扫描）
func (r *PostgresRollupRepository) ListEnabledConfigs(ctx context.Context) ([]*domain.AssetRollupConfig, error) {
	query := "SELECT " + rollupConfigColumns + " FROM asset_rollup_configs WHERE enabled = true ORDER BY tenant_id, asset_id, metric_name"
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query enabled configs: %w", err)
	}
	defer rows.Close()

	out := []*domain.AssetRollupConfig{}
	for rows.Next() {
		c, err := scanRollupConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rollup config: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateConfig 创建聚合配置：同一 (资产, 指标) 只允许一条（唯一索引兜底）
func (r *PostgresRollupRepository) CreateConfig(ctx context.Context, tenantID string, c *domain.AssetRollupConfig) (string, error) {
	if tenantID == "" {
		return "", domain.NewValidation("tenant_id is required")
	}
	if c == nil {
		return "", domain.NewValidation("rollup config is required")
	}

	if c.ConfigID == "" {
		c.ConfigID = uuid.NewString()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO asset_rollup_configs (config_id, tenant_id, asset_id, metric_name, aggregation_method, rollup_interval_seconds, include_children, weight_factor, filter_expression, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ConfigID, tenantID, c.AssetID, c.MetricName, c.AggregationMethod,
		c.RollupIntervalSeconds, c.IncludeChildren, c.WeightFactor, c.FilterExpression, c.Enabled,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", domain.NewConflict("rollup config already exists: asset_id=%s metric=%s", c.AssetID, c.MetricName)
		}
		if isForeignKeyViolation(err) {
			return "", domain.NewNotFound("asset not found: asset_id=%s", c.AssetID)
		}
		return "", fmt.Errorf("failed to insert rollup config: %w", err)
	}
	return c.ConfigID, nil
}

// UpdateConfig 更新聚合配置
func (r *PostgresRollupRepository) UpdateConfig(ctx context.Context, tenantID, configID string, c *domain.AssetRollupConfig) error {
	if c == nil {
		return domain.NewValidation("rollup config is required")
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE asset_rollup_configs
		 SET aggregation_method = $3, rollup_interval_seconds = $4, include_children = $5, weight_factor = $6, filter_expression = $7, enabled = $8, updated_at = NOW()
		 WHERE tenant_id = $1 AND config_id = $2`,
		tenantID, configID, c.AggregationMethod, c.RollupIntervalSeconds,
		c.IncludeChildren, c.WeightFactor, c.FilterExpression, c.Enabled,
	)
	if err != nil {
		return fmt.Errorf("failed to update rollup config: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return domain.NewNotFound("rollup config not found: config_id=%s", configID)
	}
	return nil
}

// DeleteConfig 删除聚合配置
func (r *PostgresRollupRepository) DeleteConfig(ctx context.Context, tenantID, configID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM asset_rollup_configs WHERE tenant_id = $1 AND config_id = $2`,
		tenantID, configID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete rollup config: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return domain.NewNotFound("rollup config not found: config_id=%s", configID)
	}
	return nil
}

// DeleteConfigsByAssets 级联删除资产下的聚合配置
func (r *PostgresRollupRepository) DeleteConfigsByAssets(ctx context.Context, tenantID string, assetIDs []string) (int64, error) {
	if len(assetIDs) == 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM asset_rollup_configs WHERE tenant_id = $1 AND asset_id = ANY($2)`,
		tenantID, pq.Array(assetIDs),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete rollup configs by assets: %w", err)
	}
	return res.RowsAffected()
}

// ============================================
// 聚合结果操作
// ============================================

// UpsertRollup 写入桶结果：同桶重算幂等覆盖
func (r *PostgresRollupRepository) UpsertRollup(ctx context.Context, d *domain.AssetRollupData) error {
	if d == nil {
		return domain.NewValidation("rollup data is required")
	}
	meta, err := marshalMeta(d.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO asset_rollup_data (tenant_id, asset_id, metric_name, bucket_start, value, sample_count, metadata, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		 ON CONFLICT (asset_id, metric_name, bucket_start)
		 DO UPDATE SET value = EXCLUDED.value, sample_count = EXCLUDED.sample_count, metadata = EXCLUDED.metadata, updated_at = NOW()`,
		d.TenantID, d.AssetID, d.MetricName, d.BucketStart.UTC(), d.Value, d.SampleCount, meta,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert rollup data: %w", err)
	}
	return nil
}

// GetRollup 取单桶结果
func (r *PostgresRollupRepository) GetRollup(ctx context.Context, tenantID, assetID, metricName string, bucketStart time.Time) (*domain.AssetRollupData, error) {
	var d domain.AssetRollupData
	var meta []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT tenant_id::text, asset_id::text, metric_name, bucket_start, value, sample_count, metadata, updated_at
		 FROM asset_rollup_data
		 WHERE tenant_id = $1 AND asset_id = $2 AND metric_name = $3 AND bucket_start = $4`,
		tenantID, assetID, metricName, bucketStart.UTC(),
	).Scan(&d.TenantID, &d.AssetID, &d.MetricName, &d.BucketStart, &d.Value, &d.SampleCount, &meta, &d.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.NewNotFound("rollup bucket not found: asset_id=%s metric=%s bucket=%s", assetID, metricName, bucketStart.UTC().Format(time.RFC3339))
		}
		return nil, fmt.Errorf("failed to get rollup data: %w", err)
	}
	d.Metadata = unmarshalMeta(meta)
	return &d, nil
}

// QueryRollups 按时间范围查询桶序列 [from, to)
func (r *PostgresRollupRepository) QueryRollups(ctx context.Context, tenantID, assetID, metricName string, from, to time.Time, limit int) ([]*domain.AssetRollupData, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT tenant_id::text, asset_id::text, metric_name, bucket_start, value, sample_count, metadata, updated_at
		 FROM asset_rollup_data
		 WHERE tenant_id = $1 AND asset_id = $2 AND metric_name = $3 AND bucket_start >= $4 AND bucket_start < $5
		 ORDER BY bucket_start
		 LIMIT $6`,
		tenantID, assetID, metricName, from.UTC(), to.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query rollup data: %w", err)
	}
	defer rows.Close()

	out := []*domain.AssetRollupData{}
	for rows.Next() {
		var d domain.AssetRollupData
		var meta []byte
		if err := rows.Scan(&d.TenantID, &d.AssetID, &d.MetricName, &d.BucketStart, &d.Value, &d.SampleCount, &meta, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rollup data: %w", err)
		}
		d.Metadata = unmarshalMeta(meta)
		out = append(out, &d)
	}
	return out, rows.Err()
}

// DeleteRollupsByAssets 级联删除资产下的聚合结果
func (r *PostgresRollupRepository) DeleteRollupsByAssets(ctx context.Context, tenantID string, assetIDs []string) (int64, error) {
	if len(assetIDs) == 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM asset_rollup_data WHERE tenant_id = $1 AND asset_id = ANY($2)`,
		tenantID, pq.Array(assetIDs),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete rollup data by assets: %w", err)
	}
	return res.RowsAffected()
}
