package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
)

// PostgresMappingsRepository 数据点映射Repository实现
type PostgresMappingsRepository struct {
	db *sql.DB
}

// NewPostgresMappingsRepository 创建映射Repository
func NewPostgresMappingsRepository(db *sql.DB) *PostgresMappingsRepository {
	return &PostgresMappingsRepository{db: db}
}

// 确保实现了接口
var _ MappingsRepository = (*PostgresMappingsRepository)(nil)

const mappingColumns = `
	mapping_id::text,
	tenant_id::text,
	schema_name,
	schema_version,
	field_path,
	asset_id::text,
	metric_name,
	label,
	unit,
	default_aggregation,
	rollup_enabled,
	transform_expression,
	enabled,
	created_at,
	updated_at
`

// scanMapping 扫描单条映射记录
func scanMapping(row rowScanner) (*domain.DataPointMapping, error) {
	var m domain.DataPointMapping
	err := row.Scan(
		&m.MappingID,
		&m.TenantID,
		&m.SchemaName,
		&m.SchemaVersion,
		&m.FieldPath,
		&m.AssetID,
		&m.MetricName,
		&m.Label,
		&m.Unit,
		&m.DefaultAggregation,
		&m.RollupEnabled,
		&m.TransformExpression,
		&m.Enabled,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// List 分页查询映射
func (r *PostgresMappingsRepository) List(ctx context.Context, tenantID string, filters MappingFilters, page, size int) ([]*domain.DataPointMapping, int, error) {
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
	if filters.SchemaName != "" {
		where = append(where, "schema_name = $"+fmt.Sprintf("%d", argN))
		args = append(args, filters.SchemaName)
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
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM data_point_mappings WHERE "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count mappings: %w", err)
	}

	query := "SELECT " + mappingColumns + " FROM data_point_mappings WHERE " + whereClause +
		" ORDER BY schema_name, schema_version, field_path LIMIT $" + fmt.Sprintf("%d", argN) + " OFFSET $" + fmt.Sprintf("%d", argN+1)
	args = append(args, size, (page-1)*size)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query mappings: %w", err)
	}
	defer rows.Close()

	out := []*domain.DataPointMapping{}
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

// Get 按ID获取映射
func (r *PostgresMappingsRepository) Get(ctx context.Context, tenantID, mappingID string) (*domain.DataPointMapping, error) {
	query := "SELECT " + mappingColumns + " FROM data_point_mappings WHERE tenant_id = $1 AND mapping_id = $2"
	m, err := scanMapping(r.db.QueryRowContext(ctx, query, tenantID, mappingID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.NewNotFound("mapping not found: mapping_id=%s", mappingID)
		}
		return nil, fmt.Errorf("failed to get mapping: %w", err)
	}
	return m, nil
}

// Resolve 按数据点键查映射（接入热路径），一个数据点可命中多条
func (r *PostgresMappingsRepository) Resolve(ctx context.Context, tenantID, schemaName, schemaVersion, fieldPath string) ([]*domain.DataPointMapping, error) {
	query := "SELECT " + mappingColumns + ` FROM data_point_mappings
		WHERE tenant_id = $1 AND schema_name = $2 AND schema_version = $3 AND field_path = $4
		ORDER BY asset_id`
	rows, err := r.db.QueryContext(ctx, query, tenantID, schemaName, schemaVersion, fieldPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve mappings: %w", err)
	}
	defer rows.Close()

	out := []*domain.DataPointMapping{}
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListBySchema 取同一schema版本下的全部映射
func (r *PostgresMappingsRepository) ListBySchema(ctx context.Context, tenantID, schemaName, schemaVersion string) ([]*domain.DataPointMapping, error) {
	query := "SELECT " + mappingColumns + ` FROM data_point_mappings
		WHERE tenant_id = $1 AND schema_name = $2 AND schema_version = $3
		ORDER BY field_path, asset_id`
	rows, err := r.db.QueryContext(ctx, query, tenantID, schemaName, schemaVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to query mappings by schema: %w", err)
	}
	defer rows.Close()

	out := []*domain.DataPointMapping{}
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Create 创建映射：同一数据点对同一资产只能绑定一次（唯一索引兜底）
func (r *PostgresMappingsRepository) Create(ctx context.Context, tenantID string, m *domain.DataPointMapping) (string, error) {
	if tenantID == "" {
		return "", domain.NewValidation("tenant_id is required")
	}
	if m == nil {
		return "", domain.NewValidation("mapping is required")
	}

	if m.MappingID == "" {
		m.MappingID = uuid.NewString()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO data_point_mappings (mapping_id, tenant_id, schema_name, schema_version, field_path, asset_id, metric_name, label, unit, default_aggregation, rollup_enabled, transform_expression, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		m.MappingID, tenantID, m.SchemaName, m.SchemaVersion, m.FieldPath,
		m.AssetID, m.MetricName, m.Label, m.Unit, m.DefaultAggregation,
		m.RollupEnabled, m.TransformExpression, m.Enabled,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", domain.NewConflict("data point already mapped: %s/%s %s -> asset %s", m.SchemaName, m.SchemaVersion, m.FieldPath, m.AssetID)
		}
		if isForeignKeyViolation(err) {
			return "", domain.NewNotFound("asset not found: asset_id=%s", m.AssetID)
		}
		return "", fmt.Errorf("failed to insert mapping: %w", err)
	}
	return m.MappingID, nil
}

// Update 更新映射
func (r *PostgresMappingsRepository) Update(ctx context.Context, tenantID, mappingID string, m *domain.DataPointMapping) error {
	if m == nil {
		return domain.NewValidation("mapping is required")
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE data_point_mappings
		 SET schema_name = $3, schema_version = $4, field_path = $5, asset_id = $6, metric_name = $7, label = $8, unit = $9, default_aggregation = $10, rollup_enabled = $11, transform_expression = $12, enabled = $13, updated_at = NOW()
		 WHERE tenant_id = $1 AND mapping_id = $2`,
		tenantID, mappingID, m.SchemaName, m.SchemaVersion, m.FieldPath,
		m.AssetID, m.MetricName, m.Label, m.Unit, m.DefaultAggregation,
		m.RollupEnabled, m.TransformExpression, m.Enabled,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewConflict("data point already mapped: %s/%s %s -> asset %s", m.SchemaName, m.SchemaVersion, m.FieldPath, m.AssetID)
		}
		if isForeignKeyViolation(err) {
			return domain.NewNotFound("asset not found: asset_id=%s", m.AssetID)
		}
		return fmt.Errorf("failed to update mapping: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return domain.NewNotFound("mapping not found: mapping_id=%s", mappingID)
	}
	return nil
}

// Delete 删除映射
func (r *PostgresMappingsRepository) Delete(ctx context.Context, tenantID, mappingID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM data_point_mappings WHERE tenant_id = $1 AND mapping_id = $2`,
		tenantID, mappingID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return domain.NewNotFound("mapping not found: mapping_id=%s", mappingID)
	}
	return nil
}

// DeleteByAssets 级联删除资产下的映射
func (r *PostgresMappingsRepository) DeleteByAssets(ctx context.Context, tenantID string, assetIDs []string) (int64, error) {
	if len(assetIDs) == 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM data_point_mappings WHERE tenant_id = $1 AND asset_id = ANY($2)`,
		tenantID, pq.Array(assetIDs),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete mappings by assets: %w", err)
	}
	return res.RowsAffected()
}
