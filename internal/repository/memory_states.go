package repository

import (
	"context"
	"sync"
	"time"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
)

// MemoryStatesRepo: 用于 DB 未就绪时的联测与单测
// 乐观并发语义与 Postgres 实现一致：expectedVersion 不匹配时返回冲突。
type MemoryStatesRepo struct {
	mu     sync.RWMutex
	states map[string]*domain.AssetState // assetID -> State
}

func NewMemoryStatesRepo() *MemoryStatesRepo {
	return &MemoryStatesRepo{
		states: map[string]*domain.AssetState{},
	}
}

// 确保实现了接口
var _ StatesRepository = (*MemoryStatesRepo)(nil)

func cloneState(s *domain.AssetState) *domain.AssetState {
	cp := *s
	if s.RawState != nil {
		cp.RawState = make(map[string]interface{}, len(s.RawState))
		for k, v := range s.RawState {
			cp.RawState[k] = v
		}
	}
	if s.CalculatedMetrics != nil {
		cp.CalculatedMetrics = make(map[string]domain.MetricValue, len(s.CalculatedMetrics))
		for k, v := range s.CalculatedMetrics {
			cp.CalculatedMetrics[k] = v
		}
	}
	return &cp
}

func (r *MemoryStatesRepo) Get(_ context.Context, tenantID, assetID string) (*domain.AssetState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.states[assetID]
	if !ok || s.TenantID != tenantID {
		return nil, domain.NewNotFound("asset state not found: asset_id=%s", assetID)
	}
	return cloneState(s), nil
}

func (r *MemoryStatesRepo) Upsert(_ context.Context, s *domain.AssetState, expectedVersion int64) error {
	if s == nil {
		return domain.NewValidation("asset state is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.states[s.AssetID]
	if ok {
		if existing.StateVersion != expectedVersion {
			return domain.NewConflict("asset state version conflict: asset_id=%s expected_version=%d", s.AssetID, expectedVersion)
		}
	} else if expectedVersion != 0 {
		return domain.NewConflict("asset state version conflict: asset_id=%s expected_version=%d", s.AssetID, expectedVersion)
	}

	cp := cloneState(s)
	cp.StateVersion = expectedVersion + 1
	cp.UpdatedAt = time.Now().UTC()
	r.states[s.AssetID] = cp
	s.StateVersion = cp.StateVersion
	return nil
}

func (r *MemoryStatesRepo) DeleteByAssets(_ context.Context, tenantID string, assetIDs []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, id := range assetIDs {
		if s, ok := r.states[id]; ok && s.TenantID == tenantID {
			delete(r.states, id)
			n++
		}
	}
	return n, nil
}
