package ingest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/repository"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/state"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/transform"
)

// Result 一次事件的处理计数（接入为 fire-and-forget，调用方只用于日志）
type Result struct {
	MetricsApplied      int // 合并进状态缓存的指标数
	ContributionsStored int // 落表的原始贡献数
	Dropped             int // 丢弃记录数
}

// Service 遥测接入服务
// 信封 -> 映射解析 -> 换算 -> 状态合并 + 贡献落表。
// 单条映射/换算失败只丢弃该数据点，事件中其余映射不受影响。
type Service struct {
	mappings  repository.MappingsRepository
	telemetry repository.TelemetryRepository
	states    *state.Manager
	engine    *transform.Engine
	logger    *zap.Logger

	grace time.Duration
}

// NewService 创建接入服务
func NewService(
	mappings repository.MappingsRepository,
	telemetry repository.TelemetryRepository,
	states *state.Manager,
	engine *transform.Engine,
	graceSeconds int,
	logger *zap.Logger,
) *Service {
	return &Service{
		mappings:  mappings,
		telemetry: telemetry,
		states:    states,
		engine:    engine,
		logger:    logger,
		grace:     time.Duration(graceSeconds) * time.Second,
	}
}

// assetBatch 同一资产在一次事件内的全部解析结果
type assetBatch struct {
	samples       []state.MetricSample
	contributions []state.MetricSample // rollup_enabled 且未过期的部分
}

// Ingest 处理一条遥测事件
// 返回 Validation 错误仅当信封本身不可用；数据点级问题一律转为丢弃记录。
func (s *Service) Ingest(ctx context.Context, env *domain.TelemetryEnvelope) (Result, error) {
	var res Result
	if env == nil {
		return res, domain.NewValidation("telemetry envelope is required")
	}
	if env.TenantID == "" {
		return res, domain.NewValidation("tenant_id is required")
	}
	if env.DeviceID == "" {
		return res, domain.NewValidation("device_id is required")
	}
	if env.SchemaName == "" || env.SchemaVersion == "" {
		return res, domain.NewValidation("schema_name and schema_version are required")
	}
	if len(env.Fields) == 0 {
		return res, domain.NewValidation("fields are required")
	}

	eventTS := env.Timestamp.UTC()
	if env.Timestamp.IsZero() {
		// 设备未带事件时间，以到达时间计
		eventTS = time.Now().UTC()
	}
	stale := s.grace > 0 && eventTS.Before(time.Now().UTC().Add(-s.grace))

	flat := FlattenFields(env.Fields)

	// 一次事件只查一次映射表，按 field_path 建索引
	mappings, err := s.mappings.ListBySchema(ctx, env.TenantID, env.SchemaName, env.SchemaVersion)
	if err != nil {
		// 基础设施故障：事件整体丢弃，只记日志（不回传设备）
		s.logger.Error("failed to load mappings for ingest",
			zap.String("tenant_id", env.TenantID),
			zap.String("schema", env.SchemaName+"/"+env.SchemaVersion),
			zap.Error(err))
		return res, nil
	}
	byField := map[string][]*domain.DataPointMapping{}
	for _, m := range mappings {
		byField[m.FieldPath] = append(byField[m.FieldPath], m)
	}

	// field_path 排序遍历，保证同一事件内的处理顺序稳定
	paths := make([]string, 0, len(flat))
	for p := range flat {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	batches := map[string]*assetBatch{}
	for _, path := range paths {
		raw := flat[path]
		matched := byField[path]
		if len(matched) == 0 {
			s.recordDrop(ctx, env, path, domain.DropUnmapped, "no mapping registered", eventTS, &res)
			continue
		}
		for _, m := range matched {
			if !m.Enabled {
				s.recordDrop(ctx, env, path, domain.DropDisabled, "mapping_id="+m.MappingID, eventTS, &res)
				continue
			}

			value, dropReason, detail := s.resolveValue(m, raw, flat, env.DeviceID)
			if dropReason != "" {
				s.recordDrop(ctx, env, path, dropReason, detail, eventTS, &res)
				continue
			}

			b := batches[m.AssetID]
			if b == nil {
				b = &assetBatch{}
				batches[m.AssetID] = b
			}
			sample := state.MetricSample{Metric: m.MetricName, Value: value}
			b.samples = append(b.samples, sample)

			if !m.RollupEnabled {
				continue
			}
			if stale {
				s.recordDrop(ctx, env, path, domain.DropStale,
					fmt.Sprintf("event_time %s older than grace window", eventTS.Format(time.RFC3339)), eventTS, &res)
				continue
			}
			b.contributions = append(b.contributions, sample)
		}
	}

	// 资产按ID排序，批内处理顺序稳定
	assetIDs := make([]string, 0, len(batches))
	for id := range batches {
		assetIDs = append(assetIDs, id)
	}
	sort.Strings(assetIDs)

	for _, assetID := range assetIDs {
		b := batches[assetID]
		if _, err := s.states.ApplyIngest(ctx, env.TenantID, assetID, b.samples, flat, env.DeviceID, eventTS); err != nil {
			s.logger.Error("failed to apply ingest to asset state",
				zap.String("tenant_id", env.TenantID),
				zap.String("asset_id", assetID),
				zap.Error(err))
		} else {
			res.MetricsApplied += len(b.samples)
		}

		for _, c := range b.contributions {
			_, err := s.telemetry.InsertContribution(ctx, &domain.TelemetryContribution{
				TenantID:   env.TenantID,
				AssetID:    assetID,
				MetricName: c.Metric,
				Value:      c.Value,
				EventTime:  eventTS,
				DeviceID:   env.DeviceID,
			})
			if err != nil {
				s.logger.Error("failed to insert telemetry contribution",
					zap.String("asset_id", assetID),
					zap.String("metric", c.Metric),
					zap.Error(err))
				continue
			}
			res.ContributionsStored++
		}
	}
	return res, nil
}

// resolveValue 取数据点数值：有换算表达式走CEL，否则数值强转
func (s *Service) resolveValue(m *domain.DataPointMapping, raw interface{}, fields map[string]interface{}, deviceID string) (float64, string, string) {
	if m.TransformExpression.Valid && m.TransformExpression.String != "" {
		v, err := s.engine.Transform(m.TransformExpression.String, raw, fields, deviceID, m.MetricName)
		if err != nil {
			return 0, domain.DropTransformError, err.Error()
		}
		return v, "", ""
	}
	v, ok := CoerceNumeric(raw)
	if !ok {
		return 0, domain.DropNonNumeric, fmt.Sprintf("value of type %T is not numeric", raw)
	}
	return v, "", ""
}

// recordDrop 落丢弃记录；落表失败只记日志，绝不影响事件其余部分
func (s *Service) recordDrop(ctx context.Context, env *domain.TelemetryEnvelope, fieldPath, reason, detail string, eventTS time.Time, res *Result) {
	res.Dropped++
	s.logger.Warn("telemetry data point dropped",
		zap.String("tenant_id", env.TenantID),
		zap.String("device_id", env.DeviceID),
		zap.String("field_path", fieldPath),
		zap.String("reason", reason))

	err := s.telemetry.InsertDrop(ctx, &domain.TelemetryDrop{
		TenantID:      env.TenantID,
		Reason:        reason,
		SchemaName:    env.SchemaName,
		SchemaVersion: env.SchemaVersion,
		FieldPath:     fieldPath,
		DeviceID:      env.DeviceID,
		EventTime:     eventTS,
		Detail:        detail,
	})
	if err != nil {
		s.logger.Error("failed to record telemetry drop", zap.String("reason", reason), zap.Error(err))
	}
}
