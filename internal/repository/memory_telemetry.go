package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
)

// MemoryTelemetryRepo: 用于 DB 未就绪时的联测与单测
type MemoryTelemetryRepo struct {
	mu            sync.RWMutex
	contributions []*domain.TelemetryContribution
	drops         map[string][]*domain.TelemetryDrop // tenantID -> drops
	nextContribID int64
	nextDropID    int64
}

func NewMemoryTelemetryRepo() *MemoryTelemetryRepo {
	return &MemoryTelemetryRepo{
		drops: map[string][]*domain.TelemetryDrop{},
	}
}

// 确保实现了接口
var _ TelemetryRepository = (*MemoryTelemetryRepo)(nil)

func (r *MemoryTelemetryRepo) InsertContribution(_ context.Context, c *domain.TelemetryContribution) (int64, error) {
	if c == nil {
		return 0, domain.NewValidation("contribution is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextContribID++
	cp := *c
	cp.ID = r.nextContribID
	cp.EventTime = c.EventTime.UTC()
	cp.ReceivedAt = c.ReceivedAt.UTC()
	r.contributions = append(r.contributions, &cp)
	c.ID = cp.ID
	return cp.ID, nil
}

func (r *MemoryTelemetryRepo) ListContributions(_ context.Context, tenantID, assetID, metricName string, from, to time.Time) ([]*domain.TelemetryContribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*domain.TelemetryContribution{}
	for _, c := range r.contributions {
		if c.TenantID != tenantID || c.AssetID != assetID || c.MetricName != metricName {
			continue
		}
		if c.EventTime.Before(from.UTC()) || !c.EventTime.Before(to.UTC()) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EventTime.Equal(out[j].EventTime) {
			return out[i].EventTime.Before(out[j].EventTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *MemoryTelemetryRepo) DeleteContributionsByAssets(_ context.Context, tenantID string, assetIDs []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := map[string]bool{}
	for _, id := range assetIDs {
		ids[id] = true
	}
	kept := r.contributions[:0]
	var n int64
	for _, c := range r.contributions {
		if c.TenantID == tenantID && ids[c.AssetID] {
			n++
			continue
		}
		kept = append(kept, c)
	}
	r.contributions = kept
	return n, nil
}

func (r *MemoryTelemetryRepo) InsertDrop(_ context.Context, d *domain.TelemetryDrop) error {
	if d == nil {
		return domain.NewValidation("drop record is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextDropID++
	cp := *d
	cp.ID = r.nextDropID
	cp.ReceivedAt = d.ReceivedAt.UTC()
	r.drops[d.TenantID] = append(r.drops[d.TenantID], &cp)
	return nil
}

func (r *MemoryTelemetryRepo) ListDrops(_ context.Context, tenantID string, page, size int) ([]*domain.TelemetryDrop, int, error) {
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

	all := r.drops[tenantID]
	matched := make([]*domain.TelemetryDrop, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		cp := *all[i]
		matched = append(matched, &cp)
	}

	total := len(matched)
	start := (page - 1) * size
	if start >= total {
		return []*domain.TelemetryDrop{}, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}
