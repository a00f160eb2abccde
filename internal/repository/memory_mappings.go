package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
)

// MemoryMappingsRepo: 用于 DB 未就绪时的联测与单测
// 映射唯一键 (schema_name, schema_version, field_path, asset_id) 与 Postgres 实现同语义。
type MemoryMappingsRepo struct {
	mu       sync.RWMutex
	mappings map[string]map[string]*domain.DataPointMapping // tenantID -> mappingID -> Mapping
}

func NewMemoryMappingsRepo() *MemoryMappingsRepo {
	return &MemoryMappingsRepo{
		mappings: map[string]map[string]*domain.DataPointMapping{},
	}
}

// 确保实现了接口
var _ MappingsRepository = (*MemoryMappingsRepo)(nil)

func cloneMapping(m *domain.DataPointMapping) *domain.DataPointMapping {
	cp := *m
	return &cp
}

func (r *MemoryMappingsRepo) findByKey(tenantID, schemaName, schemaVersion, fieldPath, assetID string) *domain.DataPointMapping {
	for _, m := range r.mappings[tenantID] {
		if m.SchemaName == schemaName && m.SchemaVersion == schemaVersion && m.FieldPath == fieldPath && m.AssetID == assetID {
			return m
		}
	}
	return nil
}

func (r *MemoryMappingsRepo) List(_ context.Context, tenantID string, filters MappingFilters, page, size int) ([]*domain.DataPointMapping, int, error) {
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

	matched := []*domain.DataPointMapping{}
	for _, m := range r.mappings[tenantID] {
		if filters.AssetID != "" && m.AssetID != filters.AssetID {
			continue
		}
		if filters.SchemaName != "" && m.SchemaName != filters.SchemaName {
			continue
		}
		if filters.MetricName != "" && m.MetricName != filters.MetricName {
			continue
		}
		if filters.Enabled != nil && m.Enabled != *filters.Enabled {
			continue
		}
		matched = append(matched, cloneMapping(m))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].MappingKey() < matched[j].MappingKey() })

	total := len(matched)
	start := (page - 1) * size
	if start >= total {
		return []*domain.DataPointMapping{}, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (r *MemoryMappingsRepo) Get(_ context.Context, tenantID, mappingID string) (*domain.DataPointMapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.mappings[tenantID][mappingID]
	if !ok {
		return nil, domain.NewNotFound("mapping not found: mapping_id=%s", mappingID)
	}
	return cloneMapping(m), nil
}

func (r *MemoryMappingsRepo) Resolve(_ context.Context, tenantID, schemaName, schemaVersion, fieldPath string) ([]*domain.DataPointMapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*domain.DataPointMapping{}
	for _, m := range r.mappings[tenantID] {
		if m.SchemaName == schemaName && m.SchemaVersion == schemaVersion && m.FieldPath == fieldPath {
			out = append(out, cloneMapping(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out, nil
}

func (r *MemoryMappingsRepo) ListBySchema(_ context.Context, tenantID, schemaName, schemaVersion string) ([]*domain.DataPointMapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*domain.DataPointMapping{}
	for _, m := range r.mappings[tenantID] {
		if m.SchemaName == schemaName && m.SchemaVersion == schemaVersion {
			out = append(out, cloneMapping(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FieldPath != out[j].FieldPath {
			return out[i].FieldPath < out[j].FieldPath
		}
		return out[i].AssetID < out[j].AssetID
	})
	return out, nil
}

func (r *MemoryMappingsRepo) Create(_ context.Context, tenantID string, m *domain.DataPointMapping) (string, error) {
	if tenantID == "" {
		return "", domain.NewValidation("tenant_id is required")
	}
	if m == nil {
		return "", domain.NewValidation("mapping is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mappings[tenantID] == nil {
		r.mappings[tenantID] = map[string]*domain.DataPointMapping{}
	}
	if existing := r.findByKey(tenantID, m.SchemaName, m.SchemaVersion, m.FieldPath, m.AssetID); existing != nil {
		return "", domain.NewConflict("data point already mapped: %s/%s %s -> asset %s", m.SchemaName, m.SchemaVersion, m.FieldPath, m.AssetID)
	}

	if m.MappingID == "" {
		m.MappingID = uuid.NewString()
	}
	now := time.Now().UTC()
	m.TenantID = tenantID
	m.CreatedAt = now
	m.UpdatedAt = now
	r.mappings[tenantID][m.MappingID] = cloneMapping(m)
	return m.MappingID, nil
}

func (r *MemoryMappingsRepo) Update(_ context.Context, tenantID, mappingID string, m *domain.DataPointMapping) error {
	if m == nil {
		return domain.NewValidation("mapping is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.mappings[tenantID][mappingID]
	if !ok {
		return domain.NewNotFound("mapping not found: mapping_id=%s", mappingID)
	}
	if dup := r.findByKey(tenantID, m.SchemaName, m.SchemaVersion, m.FieldPath, m.AssetID); dup != nil && dup.MappingID != mappingID {
		return domain.NewConflict("data point already mapped: %s/%s %s -> asset %s", m.SchemaName, m.SchemaVersion, m.FieldPath, m.AssetID)
	}

	existing.SchemaName = m.SchemaName
	existing.SchemaVersion = m.SchemaVersion
	existing.FieldPath = m.FieldPath
	existing.AssetID = m.AssetID
	existing.MetricName = m.MetricName
	existing.Label = m.Label
	existing.Unit = m.Unit
	existing.DefaultAggregation = m.DefaultAggregation
	existing.RollupEnabled = m.RollupEnabled
	existing.TransformExpression = m.TransformExpression
	existing.Enabled = m.Enabled
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryMappingsRepo) Delete(_ context.Context, tenantID, mappingID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.mappings[tenantID][mappingID]; !ok {
		return domain.NewNotFound("mapping not found: mapping_id=%s", mappingID)
	}
	delete(r.mappings[tenantID], mappingID)
	return nil
}

func (r *MemoryMappingsRepo) DeleteByAssets(_ context.Context, tenantID string, assetIDs []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := map[string]bool{}
	for _, id := range assetIDs {
		ids[id] = true
	}
	var n int64
	for mappingID, m := range r.mappings[tenantID] {
		if ids[m.AssetID] {
			delete(r.mappings[tenantID], mappingID)
			n++
		}
	}
	return n, nil
}
