package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
)

// PostgresAuditRepository 审计日志Repository实现（仅追加）
type PostgresAuditRepository struct {
	db *sql.DB
}

// NewPostgresAuditRepository 创建审计Repository
func NewPostgresAuditRepository(db *sql.DB) *PostgresAuditRepository {
	return &PostgresAuditRepository{db: db}
}

// 确保实现了接口
var _ AuditRepository = (*PostgresAuditRepository)(nil)

// Append 追加审计记录
func (r *PostgresAuditRepository) Append(ctx context.Context, entry *domain.AssetAuditEntry) error {
	if entry == nil {
		return domain.NewValidation("audit entry is required")
	}

	var oldValue, newValue interface{}
	if len(entry.OldValue) > 0 {
		oldValue = entry.OldValue
	}
	if len(entry.NewValue) > 0 {
		newValue = entry.NewValue
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO asset_audit_log (tenant_id, asset_id, action, old_value, new_value, actor_id)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.TenantID, entry.AssetID, entry.Action, oldValue, newValue, entry.ActorID,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// List 分页查询审计记录，时间倒序
func (r *PostgresAuditRepository) List(ctx context.Context, tenantID string, filters AuditFilters, page, size int) ([]*domain.AssetAuditEntry, int, error) {
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
	if filters.Action != "" {
		where = append(where, "action = $"+fmt.Sprintf("%d", argN))
		args = append(args, filters.Action)
		argN++
	}

	whereClause := strings.Join(where, " AND ")

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM asset_audit_log WHERE "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit entries: %w", err)
	}

	query := `SELECT id, tenant_id::text, asset_id::text, action, old_value, new_value, actor_id::text, created_at
		 FROM asset_audit_log WHERE ` + whereClause +
		" ORDER BY created_at DESC, id DESC LIMIT $" + fmt.Sprintf("%d", argN) + " OFFSET $" + fmt.Sprintf("%d", argN+1)
	args = append(args, size, (page-1)*size)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	out := []*domain.AssetAuditEntry{}
	for rows.Next() {
		var e domain.AssetAuditEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.AssetID, &e.Action, &e.OldValue, &e.NewValue, &e.ActorID, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, total, rows.Err()
}
