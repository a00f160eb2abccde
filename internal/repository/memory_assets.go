package repository

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
)

// MemoryAssetsRepo: 用于 DB 未就绪时的联测与单测
// - 按 tenant_id 隔离
// - IDs 使用 uuid
// - path/level 维护与 Postgres 实现同语义（移动/删除作用于整棵子树）
type MemoryAssetsRepo struct {
	mu     sync.RWMutex
	assets map[string]map[string]*domain.Asset // tenantID -> assetID -> Asset
}

func NewMemoryAssetsRepo() *MemoryAssetsRepo {
	return &MemoryAssetsRepo{
		assets: map[string]map[string]*domain.Asset{},
	}
}

// 确保实现了接口
var _ AssetsRepository = (*MemoryAssetsRepo)(nil)

func cloneAsset(a *domain.Asset) *domain.Asset {
	cp := *a
	if a.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// 同父下是否已有同名资产（根资产的父视为 NULL）
func (r *MemoryAssetsRepo) siblingNameTaken(tenantID string, parentID sql.NullString, name, excludeID string) bool {
	for id, a := range r.assets[tenantID] {
		if id == excludeID || a.AssetName != name {
			continue
		}
		if a.ParentID.Valid == parentID.Valid && a.ParentID.String == parentID.String {
			return true
		}
	}
	return false
}

func (r *MemoryAssetsRepo) List(_ context.Context, tenantID string, filters AssetFilters, page, size int) ([]*domain.Asset, int, error) {
	if tenantID == "" {
		return nil, 0, domain.NewValidation("tenant_id is required")
	}
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := []*domain.Asset{}
	for _, a := range r.assets[tenantID] {
		if filters.ParentID != "" && (!a.ParentID.Valid || a.ParentID.String != filters.ParentID) {
			continue
		}
		if filters.AssetType != "" && a.AssetType != filters.AssetType {
			continue
		}
		if filters.Category != "" && (!a.Category.Valid || a.Category.String != filters.Category) {
			continue
		}
		if filters.Status != "" && a.Status != filters.Status {
			continue
		}
		if filters.PathUnder != "" && !domain.IsDescendantPath(a.Path, filters.PathUnder) {
			continue
		}
		if filters.Search != "" && !strings.Contains(strings.ToLower(a.AssetName), strings.ToLower(filters.Search)) {
			continue
		}
		matched = append(matched, cloneAsset(a))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Path < matched[j].Path })

	total := len(matched)
	start := (page - 1) * size
	if start >= total {
		return []*domain.Asset{}, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (r *MemoryAssetsRepo) Get(_ context.Context, tenantID, assetID string) (*domain.Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.assets[tenantID][assetID]
	if !ok {
		return nil, domain.NewNotFound("asset not found: asset_id=%s", assetID)
	}
	return cloneAsset(a), nil
}

func (r *MemoryAssetsRepo) ListChildren(_ context.Context, tenantID, parentID string) ([]*domain.Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*domain.Asset{}
	for _, a := range r.assets[tenantID] {
		if a.ParentID.Valid && a.ParentID.String == parentID {
			out = append(out, cloneAsset(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetName < out[j].AssetName })
	return out, nil
}

func (r *MemoryAssetsRepo) ListDescendants(_ context.Context, tenantID, path string) ([]*domain.Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*domain.Asset{}
	for _, a := range r.assets[tenantID] {
		if domain.IsDescendantPath(a.Path, path) {
			out = append(out, cloneAsset(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

func (r *MemoryAssetsRepo) Create(_ context.Context, tenantID string, asset *domain.Asset) (string, error) {
	if tenantID == "" {
		return "", domain.NewValidation("tenant_id is required")
	}
	if asset == nil || asset.AssetName == "" {
		return "", domain.NewValidation("asset_name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.assets[tenantID] == nil {
		r.assets[tenantID] = map[string]*domain.Asset{}
	}

	if asset.AssetID == "" {
		asset.AssetID = uuid.NewString()
	}
	if _, exists := r.assets[tenantID][asset.AssetID]; exists {
		return "", domain.NewConflict("asset already exists: asset_id=%s", asset.AssetID)
	}

	if asset.ParentID.Valid {
		parent, ok := r.assets[tenantID][asset.ParentID.String]
		if !ok {
			return "", domain.NewNotFound("parent asset not found: asset_id=%s", asset.ParentID.String)
		}
		asset.Path = domain.ChildPath(parent.Path, asset.AssetID)
		asset.Level = parent.Level + 1
	} else {
		asset.Path = domain.RootPath(asset.AssetID)
		asset.Level = 0
	}

	if r.siblingNameTaken(tenantID, asset.ParentID, asset.AssetName, asset.AssetID) {
		return "", domain.NewValidation("asset name already exists under the same parent: %s", asset.AssetName)
	}

	if asset.Status == "" {
		asset.Status = domain.AssetStatusActive
	}
	now := time.Now().UTC()
	asset.TenantID = tenantID
	asset.CreatedAt = now
	asset.UpdatedAt = now

	r.assets[tenantID][asset.AssetID] = cloneAsset(asset)
	return asset.AssetID, nil
}

func (r *MemoryAssetsRepo) Update(_ context.Context, tenantID, assetID string, asset *domain.Asset) error {
	if asset == nil {
		return domain.NewValidation("asset is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.assets[tenantID][assetID]
	if !ok {
		return domain.NewNotFound("asset not found: asset_id=%s", assetID)
	}
	if asset.AssetName != existing.AssetName && r.siblingNameTaken(tenantID, existing.ParentID, asset.AssetName, assetID) {
		return domain.NewValidation("asset name already exists under the same parent: %s", asset.AssetName)
	}

	existing.AssetName = asset.AssetName
	existing.AssetType = asset.AssetType
	existing.Category = asset.Category
	existing.Status = asset.Status
	existing.Metadata = asset.Metadata
	existing.UpdatedBy = asset.UpdatedBy
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryAssetsRepo) Move(_ context.Context, tenantID, assetID string, newParentID *string) error {
	if newParentID != nil && *newParentID == assetID {
		return domain.NewValidation("cannot move asset under itself")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.assets[tenantID][assetID]
	if !ok {
		return domain.NewNotFound("asset not found: asset_id=%s", assetID)
	}

	// 同父移动视为no-op
	if newParentID == nil && !a.ParentID.Valid {
		return nil
	}
	if newParentID != nil && a.ParentID.Valid && *newParentID == a.ParentID.String {
		return nil
	}

	oldPath := a.Path
	oldLevel := a.Level

	var newPath string
	var newLevel int
	var newParent sql.NullString
	if newParentID != nil {
		parent, ok := r.assets[tenantID][*newParentID]
		if !ok {
			return domain.NewNotFound("parent asset not found: asset_id=%s", *newParentID)
		}
		if parent.Path == oldPath || domain.IsDescendantPath(parent.Path, oldPath) {
			return domain.NewConflict("cannot move asset under its own subtree: asset_id=%s", assetID)
		}
		newPath = domain.ChildPath(parent.Path, assetID)
		newLevel = parent.Level + 1
		newParent = sql.NullString{String: *newParentID, Valid: true}
	} else {
		newPath = domain.RootPath(assetID)
		newLevel = 0
	}

	if r.siblingNameTaken(tenantID, newParent, a.AssetName, assetID) {
		return domain.NewValidation("asset name already exists under the new parent: %s", a.AssetName)
	}
	a.ParentID = newParent

	now := time.Now().UTC()
	a.Path = newPath
	a.Level = newLevel
	a.UpdatedAt = now

	levelDelta := newLevel - oldLevel
	for _, d := range r.assets[tenantID] {
		if domain.IsDescendantPath(d.Path, oldPath) {
			d.Path = newPath + d.Path[len(oldPath):]
			d.Level += levelDelta
			d.UpdatedAt = now
		}
	}
	return nil
}

func (r *MemoryAssetsRepo) Delete(_ context.Context, tenantID, assetID string, cascade bool) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.assets[tenantID][assetID]
	if !ok {
		return nil, domain.NewNotFound("asset not found: asset_id=%s", assetID)
	}

	descendants := []string{}
	for id, d := range r.assets[tenantID] {
		if domain.IsDescendantPath(d.Path, a.Path) {
			descendants = append(descendants, id)
		}
	}
	if len(descendants) > 0 && !cascade {
		return nil, domain.NewConflict("asset has %d children, delete with cascade or move them first", len(descendants))
	}

	sort.Strings(descendants)
	deleted := append([]string{assetID}, descendants...)
	for _, id := range deleted {
		delete(r.assets[tenantID], id)
	}
	return deleted, nil
}

func (r *MemoryAssetsRepo) CountChildren(_ context.Context, tenantID, assetID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, a := range r.assets[tenantID] {
		if a.ParentID.Valid && a.ParentID.String == assetID {
			n++
		}
	}
	return n, nil
}
