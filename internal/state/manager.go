package state

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/repository"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/store"
)

const lockStripes = 64

// MetricSample 一次事件中某个映射指标的换算结果
type MetricSample struct {
	Metric string
	Value  float64 // 换算后的值
}

// Manager 资产实时状态管理器
// 写路径：进程内条带锁串行化同一资产的合并，DB行乐观版本号兜底跨进程并发；
// Redis 为直写缓存，读路径缓存优先、DB回源。
// 合并规则：按事件时间新者胜，同一事件时间以到达序为准；乱序到达不会回退指标。
type Manager struct {
	repo      repository.StatesRepository
	kv        store.KV
	evaluator AlarmEvaluator
	logger    *zap.Logger

	keyPrefix string
	ttl       time.Duration

	locks [lockStripes]sync.Mutex
}

// NewManager 创建状态管理器
// evaluator 可为 nil（不做告警评估，状态保持 normal）。
func NewManager(repo repository.StatesRepository, kv store.KV, evaluator AlarmEvaluator, keyPrefix string, ttlSeconds int, logger *zap.Logger) *Manager {
	return &Manager{
		repo:      repo,
		kv:        kv,
		evaluator: evaluator,
		logger:    logger,
		keyPrefix: keyPrefix,
		ttl:       time.Duration(ttlSeconds) * time.Second,
	}
}

// StateKey 构建状态缓存键
func (m *Manager) StateKey(assetID string) string {
	return m.keyPrefix + assetID
}

func (m *Manager) stripe(assetID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(assetID))
	return &m.locks[h.Sum32()%lockStripes]
}

// ApplyIngest 把一次遥测事件中属于该资产的全部指标合并进状态
// samples 为该事件解析出的换算值，rawFields 为事件原始字段快照，
// eventTS 为事件时间。首次触达时懒创建状态行。
// 返回合并后的状态快照。版本冲突时重读重放，最多三次。
func (m *Manager) ApplyIngest(ctx context.Context, tenantID, assetID string, samples []MetricSample, rawFields map[string]interface{}, deviceID string, eventTS time.Time) (*domain.AssetState, error) {
	mu := m.stripe(assetID)
	mu.Lock()
	defer mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		s, err := m.loadForUpdate(ctx, tenantID, assetID)
		if err != nil {
			return nil, err
		}

		expectedVersion := s.StateVersion
		if !m.merge(s, samples, rawFields, deviceID, eventTS) {
			// 所有指标都已有更新的观测，忽略但不报错
			return s, nil
		}

		if m.evaluator != nil {
			newStatus := m.evaluator.Evaluate(s)
			// 仅在从正常进入告警态时计数
			if s.AlarmStatus == domain.AlarmStatusNormal && newStatus != domain.AlarmStatusNormal {
				s.AlarmCount++
			}
			s.AlarmStatus = newStatus
		}

		if err := m.repo.Upsert(ctx, s, expectedVersion); err != nil {
			if domain.IsConflict(err) {
				// 其他进程推进了版本：丢弃本地快照重放
				lastErr = err
				continue
			}
			return nil, err
		}

		m.writeCache(ctx, s)
		return s, nil
	}
	return nil, lastErr
}

// GetState 读取资产状态：缓存优先，未命中回源DB并回填
func (m *Manager) GetState(ctx context.Context, tenantID, assetID string) (*domain.AssetState, error) {
	if cached, err := m.kv.Get(ctx, m.StateKey(assetID)); err == nil {
		var s domain.AssetState
		if jsonErr := json.Unmarshal([]byte(cached), &s); jsonErr == nil && s.TenantID == tenantID {
			return &s, nil
		}
		// 缓存损坏或租户不符：当作未命中
	} else if err != store.ErrMiss {
		m.logger.Warn("state cache read failed, falling back to database",
			zap.String("asset_id", assetID),
			zap.Error(err))
	}

	s, err := m.repo.Get(ctx, tenantID, assetID)
	if err != nil {
		return nil, err
	}
	m.writeCache(ctx, s)
	return s, nil
}

// Invalidate 失效状态缓存（资产删除级联调用）
func (m *Manager) Invalidate(ctx context.Context, assetIDs []string) {
	if len(assetIDs) == 0 {
		return
	}
	keys := make([]string, len(assetIDs))
	for i, id := range assetIDs {
		keys[i] = m.StateKey(id)
	}
	if err := m.kv.Del(ctx, keys...); err != nil {
		m.logger.Warn("failed to invalidate state cache", zap.Int("keys", len(keys)), zap.Error(err))
	}
}

// loadForUpdate 取合并基底：先DB（版本号以DB为准），无行则全新状态
func (m *Manager) loadForUpdate(ctx context.Context, tenantID, assetID string) (*domain.AssetState, error) {
	s, err := m.repo.Get(ctx, tenantID, assetID)
	if err == nil {
		return s, nil
	}
	if domain.IsNotFound(err) {
		return &domain.AssetState{
			AssetID:           assetID,
			TenantID:          tenantID,
			RawState:          map[string]interface{}{},
			CalculatedMetrics: map[string]domain.MetricValue{},
			AlarmStatus:       domain.AlarmStatusNormal,
		}, nil
	}
	return nil, err
}

// merge 应用一次事件；没有任何指标或原始字段被更新时返回 false
func (m *Manager) merge(s *domain.AssetState, samples []MetricSample, rawFields map[string]interface{}, deviceID string, eventTS time.Time) bool {
	if s.RawState == nil {
		s.RawState = map[string]interface{}{}
	}
	if s.CalculatedMetrics == nil {
		s.CalculatedMetrics = map[string]domain.MetricValue{}
	}

	changed := false
	for _, smp := range samples {
		if prev, ok := s.CalculatedMetrics[smp.Metric]; ok && eventTS.Before(prev.Timestamp) {
			continue
		}
		s.CalculatedMetrics[smp.Metric] = domain.MetricValue{
			Value:     smp.Value,
			Timestamp: eventTS,
			DeviceID:  deviceID,
		}
		changed = true
	}

	// 原始字段快照与 last_update_* 只随不早于当前水位的事件前进
	if !eventTS.Before(s.LastUpdateTime) {
		for k, v := range rawFields {
			s.RawState[k] = v
		}
		s.LastUpdateTime = eventTS
		s.LastUpdateDeviceID = deviceID
		changed = true
	}
	return changed
}

// writeCache 直写缓存，失败只记日志（DB已是事实来源）
func (m *Manager) writeCache(ctx context.Context, s *domain.AssetState) {
	data, err := json.Marshal(s)
	if err != nil {
		m.logger.Warn("failed to marshal state for cache", zap.String("asset_id", s.AssetID), zap.Error(err))
		return
	}
	if err := m.kv.Set(ctx, m.StateKey(s.AssetID), string(data), m.ttl); err != nil {
		m.logger.Warn("failed to write state cache", zap.String("asset_id", s.AssetID), zap.Error(err))
	}
}
