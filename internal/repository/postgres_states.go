package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
)

// PostgresStatesRepository 资产实时状态Repository实现
type PostgresStatesRepository struct {
	db *sql.DB
}

// NewPostgresStatesRepository 创建状态Repository
func NewPostgresStatesRepository(db *sql.DB) *PostgresStatesRepository {
	return &PostgresStatesRepository{db: db}
}

// 确保实现了接口
var _ StatesRepository = (*PostgresStatesRepository)(nil)

// Get 按资产ID获取状态行
func (r *PostgresStatesRepository) Get(ctx context.Context, tenantID, assetID string) (*domain.AssetState, error) {
	var s domain.AssetState
	var rawState, calcMetrics []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT asset_id::text, tenant_id::text, raw_state, calculated_metrics, alarm_status, alarm_count, last_update_time, last_update_device_id, state_version, updated_at
		 FROM asset_states
		 WHERE tenant_id = $1 AND asset_id = $2`,
		tenantID, assetID,
	).Scan(&s.AssetID, &s.TenantID, &rawState, &calcMetrics, &s.AlarmStatus, &s.AlarmCount,
		&s.LastUpdateTime, &s.LastUpdateDeviceID, &s.StateVersion, &s.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.NewNotFound("asset state not found: asset_id=%s", assetID)
		}
		return nil, fmt.Errorf("failed to get asset state: %w", err)
	}

	if len(rawState) > 0 {
		if err := json.Unmarshal(rawState, &s.RawState); err != nil {
			return nil, fmt.Errorf("failed to unmarshal raw_state: %w", err)
		}
	}
	if len(calcMetrics) > 0 {
		if err := json.Unmarshal(calcMetrics, &s.CalculatedMetrics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal calculated_metrics: %w", err)
		}
	}
	return &s, nil
}

// Upsert 全行写入并做乐观并发检查
// 版本推进发生在行上：expectedVersion 不匹配时零行受影响，返回冲突。
func (r *PostgresStatesRepository) Upsert(ctx context.Context, s *domain.AssetState, expectedVersion int64) error {
	if s == nil {
		return domain.NewValidation("asset state is required")
	}

	rawState, err := json.Marshal(s.RawState)
	if err != nil {
		return fmt.Errorf("failed to marshal raw_state: %w", err)
	}
	calcMetrics, err := json.Marshal(s.CalculatedMetrics)
	if err != nil {
		return fmt.Errorf("failed to marshal calculated_metrics: %w", err)
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO asset_states (asset_id, tenant_id, raw_state, calculated_metrics, alarm_status, alarm_count, last_update_time, last_update_device_id, state_version, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9 + 1, NOW())
		 ON CONFLICT (asset_id)
		 DO UPDATE SET
		   raw_state = EXCLUDED.raw_state,
		   calculated_metrics = EXCLUDED.calculated_metrics,
		   alarm_status = EXCLUDED.alarm_status,
		   alarm_count = EXCLUDED.alarm_count,
		   last_update_time = EXCLUDED.last_update_time,
		   last_update_device_id = EXCLUDED.last_update_device_id,
		   state_version = asset_states.state_version + 1,
		   updated_at = NOW()
		 WHERE asset_states.state_version = $9`,
		s.AssetID, s.TenantID, rawState, calcMetrics, s.AlarmStatus, s.AlarmCount,
		s.LastUpdateTime.UTC(), s.LastUpdateDeviceID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert asset state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return domain.NewConflict("asset state version conflict: asset_id=%s expected_version=%d", s.AssetID, expectedVersion)
	}
	s.StateVersion = expectedVersion + 1
	return nil
}

// DeleteByAssets 级联删除资产状态行
func (r *PostgresStatesRepository) DeleteByAssets(ctx context.Context, tenantID string, assetIDs []string) (int64, error) {
	if len(assetIDs) == 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM asset_states WHERE tenant_id = $1 AND asset_id = ANY($2)`,
		tenantID, pq.Array(assetIDs),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete asset states: %w", err)
	}
	return res.RowsAffected()
}
