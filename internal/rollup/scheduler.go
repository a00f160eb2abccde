package rollup

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/config"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/notify"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/repository"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/transform"
)

// 单元重试参数：瞬时故障在本轮内有界退避重试，仍失败留给下一轮
const (
	maxUnitAttempts  = 3
	unitRetryBackoff = 100 * time.Millisecond
)

// unitParam 一个 (配置, 桶) 聚合任务的入参
type unitParam struct {
	ctx    context.Context
	cfg    *domain.AssetRollupConfig
	bucket time.Time
	index  ConfigIndex
	sched  *Scheduler
	wg     *sync.WaitGroup
}

// Scheduler 聚合调度器
// 持有协程池与轮询状态，依赖全部注入。每轮扫描启用配置，
// 按聚合周期分档，每档做一次两阶段（本级、自底向上上卷）重算。
type Scheduler struct {
	engine    *Engine
	rollups   repository.RollupRepository
	assets    repository.AssetsRepository
	transform *transform.Engine
	notifier  notify.Notifier
	cfg       config.RollupConfig
	logger    *zap.Logger

	pool *ants.PoolWithFunc
	now  func() time.Time
}

// NewScheduler 创建调度器
func NewScheduler(
	engine *Engine,
	rollups repository.RollupRepository,
	assets repository.AssetsRepository,
	transformEngine *transform.Engine,
	notifier notify.Notifier,
	cfg config.RollupConfig,
	logger *zap.Logger,
) (*Scheduler, error) {
	s := &Scheduler{
		engine:    engine,
		rollups:   rollups,
		assets:    assets,
		transform: transformEngine,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}

	pool, err := ants.NewPoolWithFunc(cfg.Workers, func(args interface{}) {
		param, ok := args.(*unitParam)
		if !ok {
			panic("rollup pool args type error")
		}
		defer param.wg.Done()
		param.sched.runUnit(param)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rollup worker pool: %w", err)
	}
	s.pool = pool
	return s, nil
}

// Start 启动调度循环：启动即跑一轮，此后按轮询周期触发
// 轮次串行执行，单轮超时的残余单元由下一轮重算。
func (s *Scheduler) Start(ctx context.Context) error {
	interval := time.Duration(s.cfg.PassIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Rollup scheduler started",
		zap.Int("pass_interval_seconds", s.cfg.PassIntervalSeconds),
		zap.Int("workers", s.cfg.Workers),
	)

	s.RunPass(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.RunPass(ctx)
		}
	}
}

// Stop 停止调度器，释放协程池
func (s *Scheduler) Stop() {
	s.pool.Release()
	s.logger.Info("Rollup scheduler stopped")
}

// RunPass 跑一轮全量扫描
// 取全部启用配置，按 rollup_interval_seconds 分档，每档一个子轮。
func (s *Scheduler) RunPass(ctx context.Context) {
	configs, err := s.rollups.ListEnabledConfigs(ctx)
	if err != nil {
		s.logger.Error("failed to list enabled rollup configs", zap.Error(err))
		return
	}
	if len(configs) == 0 {
		return
	}

	index := BuildConfigIndex(configs)
	tiers := map[int64][]*domain.AssetRollupConfig{}
	for _, c := range configs {
		tiers[c.RollupIntervalSeconds] = append(tiers[c.RollupIntervalSeconds], c)
	}

	intervals := make([]int64, 0, len(tiers))
	for iv := range tiers {
		intervals = append(intervals, iv)
	}
	sort.Slice(intervals, func(i, j int) bool { return intervals[i] < intervals[j] })

	for _, iv := range intervals {
		if ctx.Err() != nil {
			return
		}
		s.runTierPass(ctx, iv, tiers[iv], index)
	}
}

// runTierPass 一个周期档的子轮：两阶段重算该档所有配置的活动桶
func (s *Scheduler) runTierPass(ctx context.Context, interval int64, configs []*domain.AssetRollupConfig, index ConfigIndex) {
	passCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.PassIntervalSeconds)*time.Second)
	defer cancel()

	// 非法配置本轮上报一次并整体跳过
	valid := make([]*domain.AssetRollupConfig, 0, len(configs))
	for _, c := range configs {
		if reason := s.validateConfig(c); reason != "" {
			s.reportFatal(passCtx, c, reason)
			continue
		}
		valid = append(valid, c)
	}
	if len(valid) == 0 {
		return
	}

	buckets := s.activeBuckets(interval)

	// 阶段一：本级聚合（不含子级合并的配置，无依赖，全并行）
	var own, combined []*domain.AssetRollupConfig
	for _, c := range valid {
		if c.IncludeChildren {
			combined = append(combined, c)
		} else {
			own = append(own, c)
		}
	}
	s.dispatch(passCtx, own, buckets, index)

	// 阶段二：上卷，按资产层级自深向浅逐层推进
	// 同层之间无依赖可并行；层间以屏障保证子桶先完成
	for _, levelCfgs := range s.groupByLevelDesc(passCtx, combined) {
		if passCtx.Err() != nil {
			s.logger.Warn("rollup pass deadline reached, remaining units deferred",
				zap.Int64("interval_seconds", interval))
			return
		}
		s.dispatch(passCtx, levelCfgs, buckets, index)
	}
}

// activeBuckets 重算窗口内该周期档的全部桶
// 窗口 [now-grace-interval, now]：宽限窗内迟到的贡献全部落在这些桶里，
// 幂等重算自动把它们补进去。
func (s *Scheduler) activeBuckets(interval int64) []time.Time {
	now := s.now().UTC()
	grace := time.Duration(s.cfg.GraceSeconds) * time.Second
	step := time.Duration(interval) * time.Second

	first := domain.BucketStart(now.Add(-grace).Add(-step), interval)
	last := domain.BucketStart(now, interval)

	buckets := []time.Time{}
	for b := first; !b.After(last); b = b.Add(step) {
		buckets = append(buckets, b)
	}
	return buckets
}

// dispatch 把 配置×桶 的单元投进协程池，等待全部完成
func (s *Scheduler) dispatch(ctx context.Context, configs []*domain.AssetRollupConfig, buckets []time.Time, index ConfigIndex) {
	var wg sync.WaitGroup
	for _, c := range configs {
		for _, b := range buckets {
			if ctx.Err() != nil {
				wg.Wait()
				return
			}
			wg.Add(1)
			param := &unitParam{
				ctx:    ctx,
				cfg:    c,
				bucket: b,
				index:  index,
				sched:  s,
				wg:     &wg,
			}
			if err := s.pool.Invoke(param); err != nil {
				wg.Done()
				s.logger.Error("failed to submit rollup unit",
					zap.String("asset_id", c.AssetID),
					zap.String("metric", c.MetricName),
					zap.Error(err))
			}
		}
	}
	wg.Wait()
}

// runUnit 执行一个聚合单元：单元超时自带，瞬时失败退避重试，
// 致命配置错误上报后放弃。任何失败都不影响其他单元。
func (s *Scheduler) runUnit(p *unitParam) {
	backoff := unitRetryBackoff
	for attempt := 1; attempt <= maxUnitAttempts; attempt++ {
		unitCtx, cancel := context.WithTimeout(p.ctx, time.Duration(s.cfg.UnitTimeoutSeconds)*time.Second)
		err := s.engine.RecomputeBucket(unitCtx, p.cfg, p.bucket, p.index)
		cancel()

		if err == nil {
			return
		}
		if domain.IsFatalConfig(err) {
			s.reportFatal(p.ctx, p.cfg, err.Error())
			return
		}
		if attempt == maxUnitAttempts || p.ctx.Err() != nil {
			s.logger.Error("rollup unit failed, will recompute next pass",
				zap.String("asset_id", p.cfg.AssetID),
				zap.String("metric", p.cfg.MetricName),
				zap.Time("bucket_start", p.bucket),
				zap.Int("attempts", attempt),
				zap.Error(err))
			return
		}

		select {
		case <-p.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// groupByLevelDesc 按资产层级分组，返回自深向浅的配置组序列
// 资产已被删除（配置残留）的条目跳过并告警。
func (s *Scheduler) groupByLevelDesc(ctx context.Context, configs []*domain.AssetRollupConfig) [][]*domain.AssetRollupConfig {
	byLevel := map[int][]*domain.AssetRollupConfig{}
	for _, c := range configs {
		a, err := s.assets.Get(ctx, c.TenantID, c.AssetID)
		if err != nil {
			s.logger.Warn("failed to resolve asset level for rollup config, skipped this pass",
				zap.String("config_id", c.ConfigID),
				zap.String("asset_id", c.AssetID),
				zap.Error(err))
			continue
		}
		byLevel[a.Level] = append(byLevel[a.Level], c)
	}

	levels := make([]int, 0, len(byLevel))
	for lv := range byLevel {
		levels = append(levels, lv)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(levels)))

	out := make([][]*domain.AssetRollupConfig, 0, len(levels))
	for _, lv := range levels {
		out = append(out, byLevel[lv])
	}
	return out
}

// validateConfig 配置健全性检查，返回非空串表示致命配置错误
func (s *Scheduler) validateConfig(c *domain.AssetRollupConfig) string {
	if !domain.ValidAggregationMethod(c.AggregationMethod) {
		return fmt.Sprintf("unknown aggregation method: %s", c.AggregationMethod)
	}
	if c.RollupIntervalSeconds <= 0 {
		return fmt.Sprintf("rollup interval must be positive: %d", c.RollupIntervalSeconds)
	}
	if c.WeightFactor < 0 {
		return fmt.Sprintf("weight factor must be non-negative: %v", c.WeightFactor)
	}
	if expr := filterExpr(c); expr != "" {
		if err := s.transform.Check(expr); err != nil {
			return fmt.Sprintf("invalid filter expression: %v", err)
		}
	}
	return ""
}

// reportFatal 上报致命配置错误；通知失败只记日志
func (s *Scheduler) reportFatal(ctx context.Context, c *domain.AssetRollupConfig, reason string) {
	s.logger.Error("fatal rollup config, unit skipped",
		zap.String("config_id", c.ConfigID),
		zap.String("tenant_id", c.TenantID),
		zap.String("asset_id", c.AssetID),
		zap.String("metric", c.MetricName),
		zap.String("reason", reason))

	err := s.notifier.Notify(ctx, notify.Event{
		Kind:       "rollup_fatal_config",
		TenantID:   c.TenantID,
		AssetID:    c.AssetID,
		MetricName: c.MetricName,
		ConfigID:   c.ConfigID,
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("failed to notify fatal rollup config", zap.Error(err))
	}
}
