package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
)

// PostgresTelemetryRepository 原始贡献与丢弃记录Repository实现
type PostgresTelemetryRepository struct {
	db *sql.DB
}

// NewPostgresTelemetryRepository 创建遥测Repository
func NewPostgresTelemetryRepository(db *sql.DB) *PostgresTelemetryRepository {
	return &PostgresTelemetryRepository{db: db}
}

// 确保实现了接口
var _ TelemetryRepository = (*PostgresTelemetryRepository)(nil)

// InsertContribution 写入单条贡献，返回自增ID（到达序）
func (r *PostgresTelemetryRepository) InsertContribution(ctx context.Context, c *domain.TelemetryContribution) (int64, error) {
	if c == nil {
		return 0, domain.NewValidation("contribution is required")
	}

	var id int64
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO telemetry_contributions (tenant_id, asset_id, metric_name, value, event_time, device_id, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		c.TenantID, c.AssetID, c.MetricName, c.Value, c.EventTime.UTC(), c.DeviceID, c.ReceivedAt.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert contribution: %w", err)
	}
	c.ID = id
	return id, nil
}

// ListContributions 取事件时间落入 [from, to) 的贡献，按 (event_time, id) 升序
func (r *PostgresTelemetryRepository) ListContributions(ctx context.Context, tenantID, assetID, metricName string, from, to time.Time) ([]*domain.TelemetryContribution, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, tenant_id::text, asset_id::text, metric_name, value, event_time, device_id, received_at
		 FROM telemetry_contributions
		 WHERE tenant_id = $1 AND asset_id = $2 AND metric_name = $3 AND event_time >= $4 AND event_time < $5
		 ORDER BY event_time, id`,
		tenantID, assetID, metricName, from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query contributions: %w", err)
	}
	defer rows.Close()

	out := []*domain.TelemetryContribution{}
	for rows.Next() {
		var c domain.TelemetryContribution
		if err := rows.Scan(&c.ID, &c.TenantID, &c.AssetID, &c.MetricName, &c.Value, &c.EventTime, &c.DeviceID, &c.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan contribution: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// DeleteContributionsByAssets 级联删除资产下的贡献
func (r *PostgresTelemetryRepository) DeleteContributionsByAssets(ctx context.Context, tenantID string, assetIDs []string) (int64, error) {
	if len(assetIDs) == 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM telemetry_contributions WHERE tenant_id = $1 AND asset_id = ANY($2)`,
		tenantID, pq.Array(assetIDs),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete contributions by assets: %w", err)
	}
	return res.RowsAffected()
}

// InsertDrop 写入丢弃记录
func (r *PostgresTelemetryRepository) InsertDrop(ctx context.Context, d *domain.TelemetryDrop) error {
	if d == nil {
		return domain.NewValidation("drop record is required")
	}

	var eventTime interface{}
	if !d.EventTime.IsZero() {
		eventTime = d.EventTime.UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO telemetry_drops (tenant_id, reason, schema_name, schema_version, field_path, device_id, event_time, detail, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.TenantID, d.Reason, d.SchemaName, d.SchemaVersion, d.FieldPath, d.DeviceID, eventTime, d.Detail, d.ReceivedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert drop record: %w", err)
	}
	return nil
}

// ListDrops 分页查询丢弃记录，时间倒序
func (r *PostgresTelemetryRepository) ListDrops(ctx context.Context, tenantID string, page, size int) ([]*domain.TelemetryDrop, int, error) {
	if tenantID == "" {
		return nil, 0, domain.NewValidation("tenant_id is required")
	}
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry_drops WHERE tenant_id = $1`, tenantID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count drops: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, tenant_id::text, reason, schema_name, schema_version, field_path, device_id, event_time, detail, received_at
		 FROM telemetry_drops
		 WHERE tenant_id = $1
		 ORDER BY received_at DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		tenantID, size, (page-1)*size,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query drops: %w", err)
	}
	defer rows.Close()

	out := []*domain.TelemetryDrop{}
	for rows.Next() {
		var d domain.TelemetryDrop
		var eventTime sql.NullTime
		if err := rows.Scan(&d.ID, &d.TenantID, &d.Reason, &d.SchemaName, &d.SchemaVersion, &d.FieldPath, &d.DeviceID, &eventTime, &d.Detail, &d.ReceivedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan drop record: %w", err)
		}
		if eventTime.Valid {
			d.EventTime = eventTime.Time
		}
		out = append(out, &d)
	}
	return out, total, rows.Err()
}
