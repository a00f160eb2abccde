package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
)

// MemoryRollupRepo: 用于 DB 未就绪时的联测与单测
type MemoryRollupRepo struct {
	mu      sync.RWMutex
	configs map[string]map[string]*domain.AssetRollupConfig // tenantID -> configID -> Config
	data    map[string]*domain.AssetRollupData              // assetID|metric|bucketUnix -> Data
}

func NewMemoryRollupRepo() *MemoryRollupRepo {
	return &MemoryRollupRepo{
		configs: map[string]map[string]*domain.AssetRollupConfig{},
		data:    map[string]*domain.AssetRollupData{},
	}
}

// 确保实现了接口
var _ RollupRepository = (*MemoryRollupRepo)(nil)

func cloneRollupConfig(c *domain.AssetRollupConfig) *domain.AssetRollupConfig {
	cp := *c
	return &cp
}

func cloneRollupData(d *domain.AssetRollupData) *domain.AssetRollupData {
	cp := *d
	if d.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(d.Metadata))
		for k, v := range d.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func rollupDataKey(assetID, metricName string, bucketStart time.Time) string {
	return assetID + "|" + metricName + "|" + bucketStart.UTC().Format(time.RFC3339)
}

// ============================================
// 配置操作
// ============================================

func (r *MemoryRollupRepo) findConfigByAssetMetric(tenantID, assetID, metricName string) *domain.AssetRollupConfig {
	for _, c := range r.configs[tenantID] {
		if c.AssetID == assetID && c.MetricName == metricName {
			return c
		}
	}
	return nil
}

func (r *MemoryRollupRepo) ListConfigs(_ context.Context, tenantID string, filters RollupConfigFilters, page, size int) ([]*domain.AssetRollupConfig, int, error) {
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

	matched := []*domain.AssetRollupConfig{}
	for _, c := range r.configs[tenantID] {
		if filters.AssetID != "" && c.AssetID != filters.AssetID {
			continue
		}
		if filters.MetricName != "" && c.MetricName != filters.MetricName {
			continue
		}
		if filters.Enabled != nil && c.Enabled != *filters.Enabled {
			continue
		}
		matched = append(matched, cloneRollupConfig(c))
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].AssetID != matched[j].AssetID {
			return matched[i].AssetID < matched[j].AssetID
		}
		return matched[i].MetricName < matched[j].MetricName
	})

	total := len(matched)
	start := (page - 1) * size
	if start >= total {
		return []*domain.AssetRollupConfig{}, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (r *MemoryRollupRepo) GetConfig(_ context.Context, tenantID, configID string) (*domain.AssetRollupConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.configs[tenantID][configID]
	if !ok {
		return nil, domain.NewNotFound("rollup config not found: config_id=%s", configID)
	}
	return cloneRollupConfig(c), nil
}

func (r *MemoryRollupRepo) GetConfigByAssetMetric(_ context.Context, tenantID, assetID, metricName string) (*domain.AssetRollupConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c := r.findConfigByAssetMetric(tenantID, assetID, metricName); c != nil {
		return cloneRollupConfig(c), nil
	}
	return nil, domain.NewNotFound("rollup config not found: asset_id=%s metric=%s", assetID, metricName)
}

func (r *MemoryRollupRepo) ListEnabledConfigs(_ context.Context) ([]*domain.AssetRollupConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*domain.AssetRollupConfig{}
	for _, tenant := range r.configs {
		for _, c := range tenant {
			if c.Enabled {
				out = append(out, cloneRollupConfig(c))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		if out[i].AssetID != out[j].AssetID {
			return out[i].AssetID < out[j].AssetID
		}
		return out[i].MetricName < out[j].MetricName
	})
	return out, nil
}

func (r *MemoryRollupRepo) CreateConfig(_ context.Context, tenantID string, c *domain.AssetRollupConfig) (string, error) {
	if tenantID == "" {
		return "", domain.NewValidation("tenant_id is required")
	}
	if c == nil {
		return "", domain.NewValidation("rollup config is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.configs[tenantID] == nil {
		r.configs[tenantID] = map[string]*domain.AssetRollupConfig{}
	}
	if existing := r.findConfigByAssetMetric(tenantID, c.AssetID, c.MetricName); existing != nil {
		return "", domain.NewConflict("rollup config already exists: asset_id=%s metric=%s", c.AssetID, c.MetricName)
	}

	if c.ConfigID == "" {
		c.ConfigID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.TenantID = tenantID
	c.CreatedAt = now
	c.UpdatedAt = now
	r.configs[tenantID][c.ConfigID] = cloneRollupConfig(c)
	return c.ConfigID, nil
}

func (r *MemoryRollupRepo) UpdateConfig(_ context.Context, tenantID, configID string, c *domain.AssetRollupConfig) error {
	if c == nil {
		return domain.NewValidation("rollup config is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.configs[tenantID][configID]
	if !ok {
		return domain.NewNotFound("rollup config not found: config_id=%s", configID)
	}

	existing.AggregationMethod = c.AggregationMethod
	existing.RollupIntervalSeconds = c.RollupIntervalSeconds
	existing.IncludeChildren = c.IncludeChildren
	existing.WeightFactor = c.WeightFactor
	existing.FilterExpression = c.FilterExpression
	existing.Enabled = c.Enabled
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRollupRepo) DeleteConfig(_ context.Context, tenantID, configID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.configs[tenantID][configID]; !ok {
		return domain.NewNotFound("rollup config not found: config_id=%s", configID)
	}
	delete(r.configs[tenantID], configID)
	return nil
}

func (r *MemoryRollupRepo) DeleteConfigsByAssets(_ context.Context, tenantID string, assetIDs []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := map[string]bool{}
	for _, id := range assetIDs {
		ids[id] = true
	}
	var n int64
	for configID, c := range r.configs[tenantID] {
		if ids[c.AssetID] {
			delete(r.configs[tenantID], configID)
			n++
		}
	}
	return n, nil
}

// ============================================
// 聚合结果操作
// ============================================

func (r *MemoryRollupRepo) UpsertRollup(_ context.Context, d *domain.AssetRollupData) error {
	if d == nil {
		return domain.NewValidation("rollup data is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cp := cloneRollupData(d)
	cp.BucketStart = d.BucketStart.UTC()
	cp.UpdatedAt = time.Now().UTC()
	r.data[rollupDataKey(d.AssetID, d.MetricName, d.BucketStart)] = cp
	return nil
}

func (r *MemoryRollupRepo) GetRollup(_ context.Context, tenantID, assetID, metricName string, bucketStart time.Time) (*domain.AssetRollupData, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.data[rollupDataKey(assetID, metricName, bucketStart)]
	if !ok || d.TenantID != tenantID {
		return nil, domain.NewNotFound("rollup bucket not found: asset_id=%s metric=%s bucket=%s", assetID, metricName, bucketStart.UTC().Format(time.RFC3339))
	}
	return cloneRollupData(d), nil
}

func (r *MemoryRollupRepo) QueryRollups(_ context.Context, tenantID, assetID, metricName string, from, to time.Time, limit int) ([]*domain.AssetRollupData, error) {
	if limit <= 0 {
		limit = 1000
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*domain.AssetRollupData{}
	for _, d := range r.data {
		if d.TenantID != tenantID || d.AssetID != assetID || d.MetricName != metricName {
			continue
		}
		if d.BucketStart.Before(from.UTC()) || !d.BucketStart.Before(to.UTC()) {
			continue
		}
		out = append(out, cloneRollupData(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRollupRepo) DeleteRollupsByAssets(_ context.Context, tenantID string, assetIDs []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := map[string]bool{}
	for _, id := range assetIDs {
		ids[id] = true
	}
	var n int64
	for key, d := range r.data {
		if d.TenantID == tenantID && ids[d.AssetID] {
			delete(r.data, key)
			n++
		}
	}
	return n, nil
}
