package rollup

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/repository"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/transform"
)

// 桶元数据键（JSONB）
// last_event_time / last_contribution_id 供上一级的 last 合并决胜使用。
const (
	metaMethod        = "method"
	metaInterval      = "interval_seconds"
	metaChildren      = "children_included"
	metaLastEventTime = "last_event_time"
	metaLastContribID = "last_contribution_id"
)

// ConfigIndex 启用配置索引：tenant|asset|metric -> 配置
// 每轮扫描构建一次，供上卷时查直接子资产的配置。
type ConfigIndex map[string]*domain.AssetRollupConfig

// BuildConfigIndex 由启用配置列表构建索引
func BuildConfigIndex(configs []*domain.AssetRollupConfig) ConfigIndex {
	ix := make(ConfigIndex, len(configs))
	for _, c := range configs {
		ix[c.TenantID+"|"+c.AssetID+"|"+c.MetricName] = c
	}
	return ix
}

// Lookup 查某资产某指标的启用配置，无则返回nil
func (ix ConfigIndex) Lookup(tenantID, assetID, metricName string) *domain.AssetRollupConfig {
	return ix[tenantID+"|"+assetID+"|"+metricName]
}

// Engine 聚合引擎：重算 (资产, 指标, 桶) 单元
type Engine struct {
	assets    repository.AssetsRepository
	rollups   repository.RollupRepository
	telemetry repository.TelemetryRepository
	transform *transform.Engine
	logger    *zap.Logger
}

// NewEngine 创建聚合引擎
func NewEngine(
	assets repository.AssetsRepository,
	rollups repository.RollupRepository,
	telemetry repository.TelemetryRepository,
	transformEngine *transform.Engine,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		assets:    assets,
		rollups:   rollups,
		telemetry: telemetry,
		transform: transformEngine,
		logger:    logger,
	}
}

// RecomputeBucket 重算一个聚合单元
// 从原始贡献重建，幂等：相同输入得到相同的值与样本数。
// include_children 配置在本级聚合之外并入直接子资产的已存桶值；
// 调用方负责自底向上的层级顺序，保证子桶先于父桶写入。
func (e *Engine) RecomputeBucket(ctx context.Context, cfg *domain.AssetRollupConfig, bucketStart time.Time, index ConfigIndex) error {
	ownValue, ownCount, ownMeta, err := e.computeOwn(ctx, cfg, bucketStart)
	if err != nil {
		return err
	}

	if !cfg.IncludeChildren {
		if ownCount == 0 {
			return e.refreshEmpty(ctx, cfg, bucketStart, false)
		}
		md := map[string]interface{}{
			metaMethod:        cfg.AggregationMethod,
			metaInterval:      cfg.RollupIntervalSeconds,
			metaLastEventTime: ownMeta.EventTime.UTC().Format(time.RFC3339Nano),
			metaLastContribID: ownMeta.Seq,
		}
		return e.upsert(ctx, cfg, bucketStart, ownValue, ownCount, md)
	}

	elems := []Element{}
	var sampleCount int64
	var latest PointMeta
	if ownCount > 0 {
		elems = append(elems, Element{Value: ownValue, Meta: ownMeta})
		sampleCount = ownCount
		latest = ownMeta
	}

	children, err := e.assets.ListChildren(ctx, cfg.TenantID, cfg.AssetID)
	if err != nil {
		return fmt.Errorf("failed to list children for rollup: %w", err)
	}
	// 子级元素固定按资产ID升序并入，保证浮点折叠顺序稳定
	sort.Slice(children, func(i, j int) bool { return children[i].AssetID < children[j].AssetID })

	childCount := 0
	for _, child := range children {
		ccfg := index.Lookup(cfg.TenantID, child.AssetID, cfg.MetricName)
		if ccfg == nil {
			continue
		}
		if ccfg.RollupIntervalSeconds != cfg.RollupIntervalSeconds {
			e.logger.Warn("child rollup interval differs from parent, skipped",
				zap.String("asset_id", cfg.AssetID),
				zap.String("child_id", child.AssetID),
				zap.String("metric", cfg.MetricName),
				zap.Int64("parent_interval", cfg.RollupIntervalSeconds),
				zap.Int64("child_interval", ccfg.RollupIntervalSeconds))
			continue
		}

		row, err := e.rollups.GetRollup(ctx, cfg.TenantID, child.AssetID, cfg.MetricName, bucketStart)
		if domain.IsNotFound(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load child rollup: %w", err)
		}
		if row.SampleCount == 0 {
			continue
		}

		meta := parsePointMeta(row.Metadata)
		elems = append(elems, Element{Value: ccfg.WeightFactor * row.Value, Meta: meta})
		sampleCount += row.SampleCount
		childCount++
		if meta.after(latest) {
			latest = meta
		}
	}

	if len(elems) == 0 {
		return e.refreshEmpty(ctx, cfg, bucketStart, true)
	}

	value, err := CombineElements(cfg.AggregationMethod, elems)
	if err != nil {
		return err
	}
	md := map[string]interface{}{
		metaMethod:        cfg.AggregationMethod,
		metaInterval:      cfg.RollupIntervalSeconds,
		metaChildren:      childCount,
		metaLastEventTime: latest.EventTime.UTC().Format(time.RFC3339Nano),
		metaLastContribID: latest.Seq,
	}
	return e.upsert(ctx, cfg, bucketStart, value, sampleCount, md)
}

// computeOwn 本级聚合：取桶内贡献，逐样本过滤后折叠
// 过滤表达式求值失败按排除处理（fail closed），只告警不终止。
func (e *Engine) computeOwn(ctx context.Context, cfg *domain.AssetRollupConfig, bucketStart time.Time) (float64, int64, PointMeta, error) {
	bucketEnd := domain.BucketEnd(bucketStart, cfg.RollupIntervalSeconds)
	cs, err := e.telemetry.ListContributions(ctx, cfg.TenantID, cfg.AssetID, cfg.MetricName, bucketStart, bucketEnd)
	if err != nil {
		return 0, 0, PointMeta{}, fmt.Errorf("failed to list contributions: %w", err)
	}

	if expr := filterExpr(cfg); expr != "" {
		kept := cs[:0]
		for _, c := range cs {
			ok, ferr := e.transform.EvalFilter(expr, c.Value, nil, c.DeviceID, cfg.MetricName)
			if ferr != nil {
				e.logger.Warn("filter expression failed, sample excluded",
					zap.String("asset_id", cfg.AssetID),
					zap.String("metric", cfg.MetricName),
					zap.Int64("contribution_id", c.ID),
					zap.Error(ferr))
				continue
			}
			if ok {
				kept = append(kept, c)
			}
		}
		cs = kept
	}

	if len(cs) == 0 {
		return 0, 0, PointMeta{}, nil
	}
	value, meta, err := AggregateContributions(cfg.AggregationMethod, cs)
	if err != nil {
		return 0, 0, PointMeta{}, err
	}
	return value, int64(len(cs)), meta, nil
}

// refreshEmpty 输入集为空时的处理：无旧行则不写，有旧行则确定性归零
// （过滤条件收紧或子级贡献消失后，桶不会残留过期值）
func (e *Engine) refreshEmpty(ctx context.Context, cfg *domain.AssetRollupConfig, bucketStart time.Time, includeChildren bool) error {
	existing, err := e.rollups.GetRollup(ctx, cfg.TenantID, cfg.AssetID, cfg.MetricName, bucketStart)
	if domain.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check existing rollup: %w", err)
	}
	if existing.SampleCount == 0 && existing.Value == 0 {
		return nil
	}

	md := map[string]interface{}{
		metaMethod:   cfg.AggregationMethod,
		metaInterval: cfg.RollupIntervalSeconds,
	}
	if includeChildren {
		md[metaChildren] = 0
	}
	return e.upsert(ctx, cfg, bucketStart, 0, 0, md)
}

func (e *Engine) upsert(ctx context.Context, cfg *domain.AssetRollupConfig, bucketStart time.Time, value float64, sampleCount int64, md map[string]interface{}) error {
	err := e.rollups.UpsertRollup(ctx, &domain.AssetRollupData{
		TenantID:    cfg.TenantID,
		AssetID:     cfg.AssetID,
		MetricName:  cfg.MetricName,
		BucketStart: bucketStart,
		Value:       value,
		SampleCount: sampleCount,
		Metadata:    md,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert rollup bucket: %w", err)
	}
	return nil
}

// parsePointMeta 从已存桶的元数据恢复 last 决胜信息
// 旧行可能缺字段，缺省按零值处理（last 合并时视为最旧）。
func parsePointMeta(md map[string]interface{}) PointMeta {
	var meta PointMeta
	if md == nil {
		return meta
	}
	if raw, ok := md[metaLastEventTime].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			meta.EventTime = ts
		}
	}
	switch v := md[metaLastContribID].(type) {
	case int64:
		meta.Seq = v
	case float64:
		meta.Seq = int64(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			meta.Seq = n
		}
	}
	return meta
}

// filterExpr 取配置的有效过滤表达式，未配置返回空串
func filterExpr(cfg *domain.AssetRollupConfig) string {
	if !cfg.FilterExpression.Valid {
		return ""
	}
	return strings.TrimSpace(cfg.FilterExpression.String)
}
