package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
)

// CachedMappingsRepo 映射仓库的进程内缓存装饰器
// 接入热路径每条事件都要按 (schema_name, schema_version) 解析映射，
// 这里按 (tenant, schema, version) 缓存整组映射并带TTL；
// 写操作全部透传底层仓库并整体清空缓存（注册表变更低频，全清最简单也最不易错）。
// 管理端的 List/Get 直接透传，始终读到最新数据。
type CachedMappingsRepo struct {
	inner MappingsRepository
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[string]*mappingCacheEntry
}

type mappingCacheEntry struct {
	mappings []*domain.DataPointMapping
	loadedAt time.Time
}

// NewCachedMappingsRepo 包装底层映射仓库；ttl<=0 时不缓存，全部透传
func NewCachedMappingsRepo(inner MappingsRepository, ttl time.Duration) *CachedMappingsRepo {
	return &CachedMappingsRepo{
		inner:   inner,
		ttl:     ttl,
		entries: map[string]*mappingCacheEntry{},
	}
}

// 确保实现了接口
var _ MappingsRepository = (*CachedMappingsRepo)(nil)

func schemaCacheKey(tenantID, schemaName, schemaVersion string) string {
	return fmt.Sprintf("%s:%s:%s", tenantID, schemaName, schemaVersion)
}

// cloneMappings 缓存内外互相隔离，读写都走副本
func cloneMappings(in []*domain.DataPointMapping) []*domain.DataPointMapping {
	out := make([]*domain.DataPointMapping, 0, len(in))
	for _, m := range in {
		out = append(out, cloneMapping(m))
	}
	return out
}

func (r *CachedMappingsRepo) ListBySchema(ctx context.Context, tenantID, schemaName, schemaVersion string) ([]*domain.DataPointMapping, error) {
	if r.ttl <= 0 {
		return r.inner.ListBySchema(ctx, tenantID, schemaName, schemaVersion)
	}

	key := schemaCacheKey(tenantID, schemaName, schemaVersion)

	r.mu.RLock()
	entry, ok := r.entries[key]
	if ok && time.Since(entry.loadedAt) < r.ttl {
		out := cloneMappings(entry.mappings)
		r.mu.RUnlock()
		return out, nil
	}
	r.mu.RUnlock()

	mappings, err := r.inner.ListBySchema(ctx, tenantID, schemaName, schemaVersion)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.entries[key] = &mappingCacheEntry{mappings: cloneMappings(mappings), loadedAt: time.Now()}
	r.mu.Unlock()
	return mappings, nil
}

// Resolve 从同一份缓存过滤出指定 field_path 的映射，与 ListBySchema 语义一致
func (r *CachedMappingsRepo) Resolve(ctx context.Context, tenantID, schemaName, schemaVersion, fieldPath string) ([]*domain.DataPointMapping, error) {
	if r.ttl <= 0 {
		return r.inner.Resolve(ctx, tenantID, schemaName, schemaVersion, fieldPath)
	}

	all, err := r.ListBySchema(ctx, tenantID, schemaName, schemaVersion)
	if err != nil {
		return nil, err
	}
	out := []*domain.DataPointMapping{}
	for _, m := range all {
		if m.FieldPath == fieldPath {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *CachedMappingsRepo) List(ctx context.Context, tenantID string, filters MappingFilters, page, size int) ([]*domain.DataPointMapping, int, error) {
	return r.inner.List(ctx, tenantID, filters, page, size)
}

func (r *CachedMappingsRepo) Get(ctx context.Context, tenantID, mappingID string) (*domain.DataPointMapping, error) {
	return r.inner.Get(ctx, tenantID, mappingID)
}

func (r *CachedMappingsRepo) Create(ctx context.Context, tenantID string, m *domain.DataPointMapping) (string, error) {
	id, err := r.inner.Create(ctx, tenantID, m)
	if err != nil {
		return "", err
	}
	r.flush()
	return id, nil
}

func (r *CachedMappingsRepo) Update(ctx context.Context, tenantID, mappingID string, m *domain.DataPointMapping) error {
	if err := r.inner.Update(ctx, tenantID, mappingID, m); err != nil {
		return err
	}
	r.flush()
	return nil
}

func (r *CachedMappingsRepo) Delete(ctx context.Context, tenantID, mappingID string) error {
	if err := r.inner.Delete(ctx, tenantID, mappingID); err != nil {
		return err
	}
	r.flush()
	return nil
}

func (r *CachedMappingsRepo) DeleteByAssets(ctx context.Context, tenantID string, assetIDs []string) (int64, error) {
	n, err := r.inner.DeleteByAssets(ctx, tenantID, assetIDs)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.flush()
	}
	return n, nil
}

func (r *CachedMappingsRepo) flush() {
	r.mu.Lock()
	r.entries = map[string]*mappingCacheEntry{}
	r.mu.Unlock()
}
