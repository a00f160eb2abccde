package repository

import (
	"context"
	"sync"
	"time"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
)

// MemoryAuditRepo: 用于 DB 未就绪时的联测与单测（仅追加）
type MemoryAuditRepo struct {
	mu      sync.RWMutex
	entries map[string][]*domain.AssetAuditEntry // tenantID -> entries（追加序）
	nextID  int64
}

func NewMemoryAuditRepo() *MemoryAuditRepo {
	return &MemoryAuditRepo{
		entries: map[string][]*domain.AssetAuditEntry{},
	}
}

// 确保实现了接口
var _ AuditRepository = (*MemoryAuditRepo)(nil)

func (r *MemoryAuditRepo) Append(_ context.Context, entry *domain.AssetAuditEntry) error {
	if entry == nil {
		return domain.NewValidation("audit entry is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	cp := *entry
	cp.ID = r.nextID
	cp.CreatedAt = time.Now().UTC()
	r.entries[entry.TenantID] = append(r.entries[entry.TenantID], &cp)
	return nil
}

func (r *MemoryAuditRepo) List(_ context.Context, tenantID string, filters AuditFilters, page, size int) ([]*domain.AssetAuditEntry, int, error) {
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

	matched := []*domain.AssetAuditEntry{}
	// 倒序遍历：最新在前
	all := r.entries[tenantID]
	for i := len(all) - 1; i >= 0; i-- {
		e := all[i]
		if filters.AssetID != "" && e.AssetID != filters.AssetID {
			continue
		}
		if filters.Action != "" && e.Action != filters.Action {
			continue
		}
		cp := *e
		matched = append(matched, &cp)
	}

	total := len(matched)
	start := (page - 1) * size
	if start >= total {
		return []*domain.AssetAuditEntry{}, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}
