package service

import (
	"context"
	"strings"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/redis"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/repository"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/transform"
)

// RollupConfigService 聚合配置管理服务接口
type RollupConfigService interface {
	ListRollupConfigs(ctx context.Context, req ListRollupConfigsRequest) (*ListRollupConfigsResponse, error)
	GetRollupConfig(ctx context.Context, req GetRollupConfigRequest) (*GetRollupConfigResponse, error)
	CreateRollupConfig(ctx context.Context, req CreateRollupConfigRequest) (*CreateRollupConfigResponse, error)
	UpdateRollupConfig(ctx context.Context, req UpdateRollupConfigRequest) (*UpdateRollupConfigResponse, error)
	DeleteRollupConfig(ctx context.Context, req DeleteRollupConfigRequest) (*DeleteRollupConfigResponse, error)
}

type rollupConfigService struct {
	rollups   repository.RollupRepository
	assets    repository.AssetsRepository
	mappings  repository.MappingsRepository
	audits    repository.AuditRepository
	transform *transform.Engine
	redis     *goredis.Client
	stream    string
	logger    *zap.Logger
}

// NewRollupConfigService 创建 RollupConfigService 实例
// redisClient 可为 nil（事件流旁路禁用，仅开发模式）。
func NewRollupConfigService(
	rollups repository.RollupRepository,
	assets repository.AssetsRepository,
	mappings repository.MappingsRepository,
	audits repository.AuditRepository,
	transformEngine *transform.Engine,
	redisClient *goredis.Client,
	eventStream string,
	logger *zap.Logger,
) RollupConfigService {
	return &rollupConfigService{
		rollups:   rollups,
		assets:    assets,
		mappings:  mappings,
		audits:    audits,
		transform: transformEngine,
		redis:     redisClient,
		stream:    eventStream,
		logger:    logger,
	}
}

// ============================================
// 请求/响应结构
// ============================================

type ListRollupConfigsRequest struct {
	TenantID   string // 必填
	AssetID    string // 可选
	MetricName string // 可选
	Enabled    *bool  // 可选
	Page       int
	Size       int
}

type ListRollupConfigsResponse struct {
	Items []*domain.AssetRollupConfig `json:"items"`
	Total int                         `json:"total"`
}

type GetRollupConfigRequest struct {
	TenantID string // 必填
	ConfigID string // 必填
}

type GetRollupConfigResponse struct {
	Config *domain.AssetRollupConfig `json:"config"`
}

type CreateRollupConfigRequest struct {
	TenantID              string   // 必填
	AssetID               string   // 必填，资产须已存在
	MetricName            string   // 必填，(租户,资产,指标) 唯一
	AggregationMethod     string   // 可选，空则取映射的 default_aggregation，无映射则 avg
	RollupIntervalSeconds int64    // 必填，正整数
	IncludeChildren       bool     // 可选
	WeightFactor          *float64 // 可选，默认 1.0，须 >= 0
	FilterExpression      string   // 可选，CEL表达式
	Enabled               *bool    // 可选，默认 true
	ActorID               string   // 可选
}

type CreateRollupConfigResponse struct {
	Config *domain.AssetRollupConfig `json:"config"`
}

type UpdateRollupConfigRequest struct {
	TenantID              string   // 必填
	ConfigID              string   // 必填
	AggregationMethod     string   // 可选
	RollupIntervalSeconds int64    // 可选，0表示不更新
	IncludeChildren       *bool    // 可选
	WeightFactor          *float64 // 可选
	FilterExpression      *string  // 可选，空串表示清除
	Enabled               *bool    // 可选
	ActorID               string   // 可选
}

type UpdateRollupConfigResponse struct {
	Config *domain.AssetRollupConfig `json:"config"`
}

type DeleteRollupConfigRequest struct {
	TenantID string // 必填
	ConfigID string // 必填
	ActorID  string // 可选
}

type DeleteRollupConfigResponse struct {
	Deleted bool `json:"deleted"`
}

// ============================================
// 方法实现
// ============================================

func (s *rollupConfigService) ListRollupConfigs(ctx context.Context, req ListRollupConfigsRequest) (*ListRollupConfigsResponse, error) {
	if req.TenantID == "" {
		return nil, domain.NewValidation("tenant_id is required")
	}

	items, total, err := s.rollups.ListConfigs(ctx, req.TenantID, repository.RollupConfigFilters{
		AssetID:    req.AssetID,
		MetricName: req.MetricName,
		Enabled:    req.Enabled,
	}, req.Page, req.Size)
	if err != nil {
		s.logger.Error("ListRollupConfigs failed", zap.String("tenant_id", req.TenantID), zap.Error(err))
		return nil, err
	}
	return &ListRollupConfigsResponse{Items: items, Total: total}, nil
}

func (s *rollupConfigService) GetRollupConfig(ctx context.Context, req GetRollupConfigRequest) (*GetRollupConfigResponse, error) {
	if req.TenantID == "" {
		return nil, domain.NewValidation("tenant_id is required")
	}
	if req.ConfigID == "" {
		return nil, domain.NewValidation("config_id is required")
	}

	c, err := s.rollups.GetConfig(ctx, req.TenantID, req.ConfigID)
	if err != nil {
		return nil, err
	}
	return &GetRollupConfigResponse{Config: c}, nil
}

func (s *rollupConfigService) CreateRollupConfig(ctx context.Context, req CreateRollupConfigRequest) (*CreateRollupConfigResponse, error) {
	if req.TenantID == "" {
		return nil, domain.NewValidation("tenant_id is required")
	}
	if req.AssetID == "" {
		return nil, domain.NewValidation("asset_id is required")
	}
	if strings.TrimSpace(req.MetricName) == "" {
		return nil, domain.NewValidation("metric_name is required")
	}
	if req.RollupIntervalSeconds <= 0 {
		return nil, domain.NewValidation("rollup_interval_seconds must be positive")
	}

	weight := 1.0
	if req.WeightFactor != nil {
		if *req.WeightFactor < 0 {
			return nil, domain.NewValidation("weight_factor must be non-negative")
		}
		weight = *req.WeightFactor
	}

	expr := strings.TrimSpace(req.FilterExpression)
	if expr != "" {
		if err := s.transform.Check(expr); err != nil {
			return nil, domain.NewValidation("invalid filter_expression: %v", err)
		}
	}

	if _, err := s.assets.Get(ctx, req.TenantID, req.AssetID); err != nil {
		return nil, err
	}

	metric := strings.TrimSpace(req.MetricName)
	method := req.AggregationMethod
	if method == "" {
		method = s.defaultMethod(ctx, req.TenantID, req.AssetID, metric)
	}
	if !domain.ValidAggregationMethod(method) {
		return nil, domain.NewValidation("invalid aggregation_method: %s", method)
	}

	c := &domain.AssetRollupConfig{
		AssetID:               req.AssetID,
		MetricName:            metric,
		AggregationMethod:     method,
		RollupIntervalSeconds: req.RollupIntervalSeconds,
		IncludeChildren:       req.IncludeChildren,
		WeightFactor:          weight,
		Enabled:               true,
	}
	if req.Enabled != nil {
		c.Enabled = *req.Enabled
	}
	if expr != "" {
		c.FilterExpression = nullString(expr)
	}

	if _, err := s.rollups.CreateConfig(ctx, req.TenantID, c); err != nil {
		s.logger.Error("CreateRollupConfig failed",
			zap.String("tenant_id", req.TenantID),
			zap.String("asset_id", req.AssetID),
			zap.String("metric_name", metric),
			zap.Error(err),
		)
		return nil, err
	}

	appendAudit(ctx, s.audits, s.logger, req.TenantID, c.AssetID, domain.AuditConfigCreated, nil, c, req.ActorID)
	s.publishEvent(ctx, req.TenantID, "rollup_config_created", c.AssetID, map[string]interface{}{
		"config_id":   c.ConfigID,
		"metric_name": c.MetricName,
	})

	return &CreateRollupConfigResponse{Config: c}, nil
}

func (s *rollupConfigService) UpdateRollupConfig(ctx context.Context, req UpdateRollupConfigRequest) (*UpdateRollupConfigResponse, error) {
	if req.TenantID == "" {
		return nil, domain.NewValidation("tenant_id is required")
	}
	if req.ConfigID == "" {
		return nil, domain.NewValidation("config_id is required")
	}
	if req.AggregationMethod != "" && !domain.ValidAggregationMethod(req.AggregationMethod) {
		return nil, domain.NewValidation("invalid aggregation_method: %s", req.AggregationMethod)
	}
	if req.RollupIntervalSeconds < 0 {
		return nil, domain.NewValidation("rollup_interval_seconds must be positive")
	}
	if req.WeightFactor != nil && *req.WeightFactor < 0 {
		return nil, domain.NewValidation("weight_factor must be non-negative")
	}
	if req.FilterExpression != nil {
		if expr := strings.TrimSpace(*req.FilterExpression); expr != "" {
			if err := s.transform.Check(expr); err != nil {
				return nil, domain.NewValidation("invalid filter_expression: %v", err)
			}
		}
	}

	old, err := s.rollups.GetConfig(ctx, req.TenantID, req.ConfigID)
	if err != nil {
		return nil, err
	}

	updated := *old
	if req.AggregationMethod != "" {
		updated.AggregationMethod = req.AggregationMethod
	}
	if req.RollupIntervalSeconds > 0 {
		updated.RollupIntervalSeconds = req.RollupIntervalSeconds
	}
	if req.IncludeChildren != nil {
		updated.IncludeChildren = *req.IncludeChildren
	}
	if req.WeightFactor != nil {
		updated.WeightFactor = *req.WeightFactor
	}
	if req.Enabled != nil {
		updated.Enabled = *req.Enabled
	}
	if req.FilterExpression != nil {
		if expr := strings.TrimSpace(*req.FilterExpression); expr != "" {
			updated.FilterExpression = nullString(expr)
		} else {
			updated.FilterExpression.Valid = false
			updated.FilterExpression.String = ""
		}
	}

	if err := s.rollups.UpdateConfig(ctx, req.TenantID, req.ConfigID, &updated); err != nil {
		s.logger.Error("UpdateRollupConfig failed",
			zap.String("tenant_id", req.TenantID),
			zap.String("config_id", req.ConfigID),
			zap.Error(err),
		)
		return nil, err
	}

	appendAudit(ctx, s.audits, s.logger, req.TenantID, updated.AssetID, domain.AuditConfigUpdated, old, &updated, req.ActorID)
	s.publishEvent(ctx, req.TenantID, "rollup_config_updated", updated.AssetID, map[string]interface{}{
		"config_id":   updated.ConfigID,
		"metric_name": updated.MetricName,
	})

	return &UpdateRollupConfigResponse{Config: &updated}, nil
}

func (s *rollupConfigService) DeleteRollupConfig(ctx context.Context, req DeleteRollupConfigRequest) (*DeleteRollupConfigResponse, error) {
	if req.TenantID == "" {
		return nil, domain.NewValidation("tenant_id is required")
	}
	if req.ConfigID == "" {
		return nil, domain.NewValidation("config_id is required")
	}

	old, err := s.rollups.GetConfig(ctx, req.TenantID, req.ConfigID)
	if err != nil {
		return nil, err
	}

	if err := s.rollups.DeleteConfig(ctx, req.TenantID, req.ConfigID); err != nil {
		s.logger.Error("DeleteRollupConfig failed",
			zap.String("tenant_id", req.TenantID),
			zap.String("config_id", req.ConfigID),
			zap.Error(err),
		)
		return nil, err
	}

	appendAudit(ctx, s.audits, s.logger, req.TenantID, old.AssetID, domain.AuditConfigDeleted, old, nil, req.ActorID)
	s.publishEvent(ctx, req.TenantID, "rollup_config_deleted", old.AssetID, map[string]interface{}{
		"config_id":   old.ConfigID,
		"metric_name": old.MetricName,
	})

	return &DeleteRollupConfigResponse{Deleted: true}, nil
}

// publishEvent 配置变更与资产结构变更走同一条事件流
func (s *rollupConfigService) publishEvent(ctx context.Context, tenantID, eventType, assetID string, payload map[string]interface{}) {
	if s.redis == nil {
		return
	}
	event := map[string]interface{}{
		"event_type": eventType,
		"tenant_id":  tenantID,
		"asset_id":   assetID,
	}
	for k, v := range payload {
		event[k] = v
	}
	if _, err := redis.PublishJSONToStream(ctx, s.redis, s.stream, event); err != nil {
		s.logger.Warn("failed to publish rollup config event",
			zap.String("event_type", eventType),
			zap.String("asset_id", assetID),
			zap.Error(err),
		)
	}
}

// defaultMethod 未显式指定聚合方法时，取该资产指标任一映射的
// default_aggregation 预填；无映射命中则回落 avg。
func (s *rollupConfigService) defaultMethod(ctx context.Context, tenantID, assetID, metric string) string {
	items, _, err := s.mappings.List(ctx, tenantID, repository.MappingFilters{
		AssetID:    assetID,
		MetricName: metric,
	}, 1, 1)
	if err != nil {
		s.logger.Warn("failed to look up mapping default_aggregation",
			zap.String("asset_id", assetID),
			zap.String("metric_name", metric),
			zap.Error(err),
		)
		return domain.AggAvg
	}
	if len(items) > 0 && domain.ValidAggregationMethod(items[0].DefaultAggregation) {
		return items[0].DefaultAggregation
	}
	return domain.AggAvg
}
