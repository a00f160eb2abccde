package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
)

// PostgresAssetsRepository 资产树Repository实现
// 层级一致性由写路径保证：创建/移动/删除都在单事务内锁住受影响的子树。
type PostgresAssetsRepository struct {
	db *sql.DB
}

// NewPostgresAssetsRepository 创建资产Repository
func NewPostgresAssetsRepository(db *sql.DB) *PostgresAssetsRepository {
	return &PostgresAssetsRepository{db: db}
}

// 确保实现了接口
var _ AssetsRepository = (*PostgresAssetsRepository)(nil)

const assetColumns = `
	asset_id::text,
	tenant_id::text,
	parent_id::text,
	asset_name,
	asset_type,
	category,
	path,
	level,
	status,
	metadata,
	created_at,
	updated_at,
	created_by::text,
	updated_by::text
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// 兄弟节点名称唯一性索引（迁移文件中定义）
const (
	siblingNameConstraint = "uq_assets_sibling_name"
	rootNameConstraint    = "uq_assets_root_name"
)

// siblingNameTaken 检查同父下是否已有同名资产
// parentID 为 NULL 时检查同租户的根资产。
func siblingNameTaken(ctx context.Context, q queryRower, tenantID string, parentID sql.NullString, name, excludeID string) (bool, error) {
	var taken bool
	err := q.QueryRowContext(ctx,
		`SELECT EXISTS(
		   SELECT 1 FROM assets
		   WHERE tenant_id = $1 AND parent_id IS NOT DISTINCT FROM $2 AND asset_name = $3 AND asset_id <> $4
		 )`,
		tenantID, parentID, name, excludeID,
	).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("failed to check sibling name: %w", err)
	}
	return taken, nil
}

func isSiblingNameViolation(err error) bool {
	c := uniqueConstraintName(err)
	return c == siblingNameConstraint || c == rootNameConstraint
}

// scanAsset 扫描单条资产记录
func scanAsset(row rowScanner) (*domain.Asset, error) {
	var a domain.Asset
	var metadata []byte
	err := row.Scan(
		&a.AssetID,
		&a.TenantID,
		&a.ParentID,
		&a.AssetName,
		&a.AssetType,
		&a.Category,
		&a.Path,
		&a.Level,
		&a.Status,
		&metadata,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.CreatedBy,
		&a.UpdatedBy,
	)
	if err != nil {
		return nil, err
	}
	a.Metadata = unmarshalMeta(metadata)
	return &a, nil
}

// List 分页查询资产
func (r *PostgresAssetsRepository) List(ctx context.Context, tenantID string, filters AssetFilters, page, size int) ([]*domain.Asset, int, error) {
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

	if filters.ParentID != "" {
		where = append(where, "parent_id = $"+fmt.Sprintf("%d", argN))
		args = append(args, filters.ParentID)
		argN++
	}
	if filters.AssetType != "" {
		where = append(where, "asset_type = $"+fmt.Sprintf("%d", argN))
		args = append(args, filters.AssetType)
		argN++
	}
	if filters.Category != "" {
		where = append(where, "category = $"+fmt.Sprintf("%d", argN))
		args = append(args, filters.Category)
		argN++
	}
	if filters.Status != "" {
		where = append(where, "status = $"+fmt.Sprintf("%d", argN))
		args = append(args, filters.Status)
		argN++
	}
	if filters.PathUnder != "" {
		where = append(where, "path LIKE $"+fmt.Sprintf("%d", argN)+" || '/%'")
		args = append(args, filters.PathUnder)
		argN++
	}
	if filters.Search != "" {
		where = append(where, "asset_name ILIKE '%' || $"+fmt.Sprintf("%d", argN)+" || '%'")
		args = append(args, filters.Search)
		argN++
	}

	whereClause := strings.Join(where, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM assets WHERE " + whereClause
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count assets: %w", err)
	}

	query := "SELECT " + assetColumns + " FROM assets WHERE " + whereClause +
		" ORDER BY path LIMIT $" + fmt.Sprintf("%d", argN) + " OFFSET $" + fmt.Sprintf("%d", argN+1)
	args = append(args, size, (page-1)*size)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query assets: %w", err)
	}
	defer rows.Close()

	out := []*domain.Asset{}
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan asset: %w", err)
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// Get 按ID获取资产
func (r *PostgresAssetsRepository) Get(ctx context.Context, tenantID, assetID string) (*domain.Asset, error) {
	query := "SELECT " + assetColumns + " FROM assets WHERE tenant_id = $1 AND asset_id = $2"
	a, err := scanAsset(r.db.QueryRowContext(ctx, query, tenantID, assetID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.NewNotFound("asset not found: asset_id=%s", assetID)
		}
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return a, nil
}

// ListChildren 取直接子资产
func (r *PostgresAssetsRepository) ListChildren(ctx context.Context, tenantID, parentID string) ([]*domain.Asset, error) {
	query := "SELECT " + assetColumns + " FROM assets WHERE tenant_id = $1 AND parent_id = $2 ORDER BY asset_name"
	rows, err := r.db.QueryContext(ctx, query, tenantID, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query children: %w", err)
	}
	defer rows.Close()

	out := []*domain.Asset{}
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListDescendants 按路径前缀取整棵子树（不含自身），层级升序
func (r *PostgresAssetsRepository) ListDescendants(ctx context.Context, tenantID, path string) ([]*domain.Asset, error) {
	query := "SELECT " + assetColumns + " FROM assets WHERE tenant_id = $1 AND path LIKE $2 || '/%' ORDER BY level, path"
	rows, err := r.db.QueryContext(ctx, query, tenantID, path)
	if err != nil {
		return nil, fmt.Errorf("failed to query descendants: %w", err)
	}
	defer rows.Close()

	out := []*domain.Asset{}
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Create 创建资产：锁父行后派生 path/level，与插入同事务
func (r *PostgresAssetsRepository) Create(ctx context.Context, tenantID string, asset *domain.Asset) (string, error) {
	if tenantID == "" {
		return "", domain.NewValidation("tenant_id is required")
	}
	if asset == nil || asset.AssetName == "" {
		return "", domain.NewValidation("asset_name is required")
	}

	if asset.AssetID == "" {
		asset.AssetID = uuid.NewString()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	var path string
	var level int
	if asset.ParentID.Valid {
		// 锁父行，防止并发移动/删除让 path 过期
		var parentPath string
		var parentLevel int
		err := tx.QueryRowContext(ctx,
			`SELECT path, level FROM assets WHERE tenant_id = $1 AND asset_id = $2 FOR UPDATE`,
			tenantID, asset.ParentID.String,
		).Scan(&parentPath, &parentLevel)
		if err != nil {
			if err == sql.ErrNoRows {
				return "", domain.NewNotFound("parent asset not found: asset_id=%s", asset.ParentID.String)
			}
			return "", fmt.Errorf("failed to lock parent: %w", err)
		}
		path = domain.ChildPath(parentPath, asset.AssetID)
		level = parentLevel + 1
	} else {
		path = domain.RootPath(asset.AssetID)
		level = 0
	}

	// 同级名称唯一（父行已锁；根资产由唯一索引兜底并发）
	taken, err := siblingNameTaken(ctx, tx, tenantID, asset.ParentID, asset.AssetName, asset.AssetID)
	if err != nil {
		return "", err
	}
	if taken {
		return "", domain.NewValidation("asset name already exists under the same parent: %s", asset.AssetName)
	}

	meta, err := marshalMeta(asset.Metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}

	status := asset.Status
	if status == "" {
		status = domain.AssetStatusActive
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO assets (asset_id, tenant_id, parent_id, asset_name, asset_type, category, path, level, status, metadata, created_by, updated_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		asset.AssetID, tenantID, asset.ParentID, asset.AssetName, asset.AssetType,
		asset.Category, path, level, status, meta, asset.CreatedBy,
	)
	if err != nil {
		if isSiblingNameViolation(err) {
			return "", domain.NewValidation("asset name already exists under the same parent: %s", asset.AssetName)
		}
		if isUniqueViolation(err) {
			return "", domain.NewConflict("asset already exists: asset_id=%s", asset.AssetID)
		}
		return "", fmt.Errorf("failed to insert asset: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}

	asset.Path = path
	asset.Level = level
	asset.Status = status
	return asset.AssetID, nil
}

// Update 更新业务字段，不动层级
func (r *PostgresAssetsRepository) Update(ctx context.Context, tenantID, assetID string, asset *domain.Asset) error {
	if asset == nil {
		return domain.NewValidation("asset is required")
	}

	meta, err := marshalMeta(asset.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE assets
		 SET asset_name = $3, asset_type = $4, category = $5, status = $6, metadata = $7, updated_by = $8, updated_at = NOW()
		 WHERE tenant_id = $1 AND asset_id = $2`,
		tenantID, assetID, asset.AssetName, asset.AssetType, asset.Category, asset.Status, meta, asset.UpdatedBy,
	)
	if err != nil {
		// 改名撞上同级同名由唯一索引拦下
		if isSiblingNameViolation(err) {
			return domain.NewValidation("asset name already exists under the same parent: %s", asset.AssetName)
		}
		return fmt.Errorf("failed to update asset: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return domain.NewNotFound("asset not found: asset_id=%s", assetID)
	}
	return nil
}

// Move 改挂父资产：单事务内重写整棵子树的 path/level
// 环检测：新父不得位于被移动资产的子树内。
func (r *PostgresAssetsRepository) Move(ctx context.Context, tenantID, assetID string, newParentID *string) error {
	if newParentID != nil && *newParentID == assetID {
		return domain.NewValidation("cannot move asset under itself")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	// 锁被移动的资产
	var oldPath, assetName string
	var oldLevel int
	var oldParent sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT path, level, parent_id::text, asset_name FROM assets WHERE tenant_id = $1 AND asset_id = $2 FOR UPDATE`,
		tenantID, assetID,
	).Scan(&oldPath, &oldLevel, &oldParent, &assetName)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.NewNotFound("asset not found: asset_id=%s", assetID)
		}
		return fmt.Errorf("failed to lock asset: %w", err)
	}

	// 同父移动视为no-op
	if newParentID == nil && !oldParent.Valid {
		return tx.Commit()
	}
	if newParentID != nil && oldParent.Valid && *newParentID == oldParent.String {
		return tx.Commit()
	}

	var newPath string
	var newLevel int
	var parentArg sql.NullString
	if newParentID != nil {
		var parentPath string
		var parentLevel int
		err := tx.QueryRowContext(ctx,
			`SELECT path, level FROM assets WHERE tenant_id = $1 AND asset_id = $2 FOR UPDATE`,
			tenantID, *newParentID,
		).Scan(&parentPath, &parentLevel)
		if err != nil {
			if err == sql.ErrNoRows {
				return domain.NewNotFound("parent asset not found: asset_id=%s", *newParentID)
			}
			return fmt.Errorf("failed to lock new parent: %w", err)
		}
		// 环检测：新父在子树内（或就是自身）则拒绝
		if parentPath == oldPath || domain.IsDescendantPath(parentPath, oldPath) {
			return domain.NewConflict("cannot move asset under its own subtree: asset_id=%s", assetID)
		}
		newPath = domain.ChildPath(parentPath, assetID)
		newLevel = parentLevel + 1
		parentArg = sql.NullString{String: *newParentID, Valid: true}
	} else {
		newPath = domain.RootPath(assetID)
		newLevel = 0
	}

	// 新父下不得有同名兄弟
	taken, err := siblingNameTaken(ctx, tx, tenantID, parentArg, assetName, assetID)
	if err != nil {
		return err
	}
	if taken {
		return domain.NewValidation("asset name already exists under the new parent: %s", assetName)
	}

	// 锁整棵子树，阻塞并发的子树写
	if _, err := tx.ExecContext(ctx,
		`SELECT asset_id FROM assets WHERE tenant_id = $1 AND path LIKE $2 || '/%' FOR UPDATE`,
		tenantID, oldPath,
	); err != nil {
		return fmt.Errorf("failed to lock subtree: %w", err)
	}

	// 重写自身
	if _, err := tx.ExecContext(ctx,
		`UPDATE assets SET parent_id = $3, path = $4, level = $5, updated_at = NOW()
		 WHERE tenant_id = $1 AND asset_id = $2`,
		tenantID, assetID, parentArg, newPath, newLevel,
	); err != nil {
		if isSiblingNameViolation(err) {
			return domain.NewValidation("asset name already exists under the new parent: %s", assetName)
		}
		return fmt.Errorf("failed to update asset path: %w", err)
	}

	// 前缀替换重写全部后代
	levelDelta := newLevel - oldLevel
	if _, err := tx.ExecContext(ctx,
		`UPDATE assets
		 SET path = $3 || substring(path FROM char_length($2) + 1),
		     level = level + $4,
		     updated_at = NOW()
		 WHERE tenant_id = $1 AND path LIKE $2 || '/%'`,
		tenantID, oldPath, newPath, levelDelta,
	); err != nil {
		return fmt.Errorf("failed to update descendant paths: %w", err)
	}

	return tx.Commit()
}

// Delete 删除资产
// cascade=false：存在子资产时返回冲突；cascade=true：子树整体删除。
// 返回实际删除的资产ID列表，供调用方级联清理映射/配置/状态。
func (r *PostgresAssetsRepository) Delete(ctx context.Context, tenantID, assetID string, cascade bool) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	var path string
	err = tx.QueryRowContext(ctx,
		`SELECT path FROM assets WHERE tenant_id = $1 AND asset_id = $2 FOR UPDATE`,
		tenantID, assetID,
	).Scan(&path)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.NewNotFound("asset not found: asset_id=%s", assetID)
		}
		return nil, fmt.Errorf("failed to lock asset: %w", err)
	}

	// 收集并锁定子树
	rows, err := tx.QueryContext(ctx,
		`SELECT asset_id::text FROM assets WHERE tenant_id = $1 AND path LIKE $2 || '/%' FOR UPDATE`,
		tenantID, path,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to lock subtree: %w", err)
	}
	descendants := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan descendant: %w", err)
		}
		descendants = append(descendants, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(descendants) > 0 && !cascade {
		return nil, domain.NewConflict("asset has %d children, delete with cascade or move them first", len(descendants))
	}

	deleted := append([]string{assetID}, descendants...)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM assets WHERE tenant_id = $1 AND (asset_id = $2 OR path LIKE $3 || '/%')`,
		tenantID, assetID, path,
	); err != nil {
		return nil, fmt.Errorf("failed to delete assets: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return deleted, nil
}

// CountChildren 统计直接子资产数
func (r *PostgresAssetsRepository) CountChildren(ctx context.Context, tenantID, assetID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM assets WHERE tenant_id = $1 AND parent_id = $2`,
		tenantID, assetID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count children: %w", err)
	}
	return n, nil
}
