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

// MappingService 数据点映射注册表服务接口
type MappingService interface {
	ListMappings(ctx context.Context, req ListMappingsRequest) (*ListMappingsResponse, error)
	GetMapping(ctx context.Context, req GetMappingRequest) (*GetMappingResponse, error)
	CreateMapping(ctx context.Context, req CreateMappingRequest) (*CreateMappingResponse, error)
	UpdateMapping(ctx context.Context, req UpdateMappingRequest) (*UpdateMappingResponse, error)
	DeleteMapping(ctx context.Context, req DeleteMappingRequest) (*DeleteMappingResponse, error)
	ResolveMapping(ctx context.Context, req ResolveMappingRequest) (*ResolveMappingResponse, error)
}

type mappingService struct {
	mappings  repository.MappingsRepository
	assets    repository.AssetsRepository
	audits    repository.AuditRepository
	transform *transform.Engine
	redis     *goredis.Client
	stream    string
	logger    *zap.Logger
}

// NewMappingService 创建 MappingService 实例
// redisClient 可为 nil（事件流旁路禁用，仅开发模式）。
func NewMappingService(
	mappings repository.MappingsRepository,
	assets repository.AssetsRepository,
	audits repository.AuditRepository,
	transformEngine *transform.Engine,
	redisClient *goredis.Client,
	eventStream string,
	logger *zap.Logger,
) MappingService {
	return &mappingService{
		mappings:  mappings,
		assets:    assets,
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

type ListMappingsRequest struct {
	TenantID   string // 必填
	AssetID    string // 可选
	SchemaName string // 可选
	MetricName string // 可选
	Enabled    *bool  // 可选
	Page       int
	Size       int
}

type ListMappingsResponse struct {
	Items []*domain.DataPointMapping `json:"items"`
	Total int                        `json:"total"`
}

type GetMappingRequest struct {
	TenantID  string // 必填
	MappingID string // 必填
}

type GetMappingResponse struct {
	Mapping *domain.DataPointMapping `json:"mapping"`
}

type CreateMappingRequest struct {
	TenantID            string // 必填
	SchemaName          string // 必填
	SchemaVersion       string // 必填
	FieldPath           string // 必填
	AssetID             string // 必填，目标资产须已存在
	MetricName          string // 必填
	Label               string // 可选
	Unit                string // 可选
	DefaultAggregation  string // 可选，默认 avg
	RollupEnabled       *bool  // 可选，默认 true
	TransformExpression string // 可选，CEL表达式
	Enabled             *bool  // 可选，默认 true
	ActorID             string // 可选
}

type CreateMappingResponse struct {
	Mapping *domain.DataPointMapping `json:"mapping"`
}

type UpdateMappingRequest struct {
	TenantID            string  // 必填
	MappingID           string  // 必填
	MetricName          string  // 可选，空串表示不更新
	Label               *string // 可选
	Unit                *string // 可选
	DefaultAggregation  string  // 可选
	RollupEnabled       *bool   // 可选
	TransformExpression *string // 可选，空串表示清除表达式
	Enabled             *bool   // 可选
	ActorID             string  // 可选
}

type UpdateMappingResponse struct {
	Mapping *domain.DataPointMapping `json:"mapping"`
}

type DeleteMappingRequest struct {
	TenantID  string // 必填
	MappingID string // 必填
	ActorID   string // 可选
}

type DeleteMappingResponse struct {
	Deleted bool `json:"deleted"`
}

type ResolveMappingRequest struct {
	TenantID      string // 必填
	SchemaName    string // 必填
	SchemaVersion string // 必填
	FieldPath     string // 必填
}

type ResolveMappingResponse struct {
	Items []*domain.DataPointMapping `json:"items"`
}

// ============================================
// 方法实现
// ============================================

func (s *mappingService) ListMappings(ctx context.Context, req ListMappingsRequest) (*ListMappingsResponse, error) {
	if req.TenantID == "" {
		return nil, domain.NewValidation("tenant_id is required")
	}

	items, total, err := s.mappings.List(ctx, req.TenantID, repository.MappingFilters{
		AssetID:    req.AssetID,
		SchemaName: req.SchemaName,
		MetricName: req.MetricName,
		Enabled:    req.Enabled,
	}, req.Page, req.Size)
	if err != nil {
		s.logger.Error("ListMappings failed", zap.String("tenant_id", req.TenantID), zap.Error(err))
		return nil, err
	}
	return &ListMappingsResponse{Items: items, Total: total}, nil
}

func (s *mappingService) GetMapping(ctx context.Context, req GetMappingRequest) (*GetMappingResponse, error) {
	if req.TenantID == "" {
		return nil, domain.NewValidation("tenant_id is required")
	}
	if req.MappingID == "" {
		return nil, domain.NewValidation("mapping_id is required")
	}

	m, err := s.mappings.Get(ctx, req.TenantID, req.MappingID)
	if err != nil {
		return nil, err
	}
	return &GetMappingResponse{Mapping: m}, nil
}

func (s *mappingService) CreateMapping(ctx context.Context, req CreateMappingRequest) (*CreateMappingResponse, error) {
	if req.TenantID == "" {
		return nil, domain.NewValidation("tenant_id is required")
	}
	if strings.TrimSpace(req.SchemaName) == "" {
		return nil, domain.NewValidation("schema_name is required")
	}
	if strings.TrimSpace(req.SchemaVersion) == "" {
		return nil, domain.NewValidation("schema_version is required")
	}
	if strings.TrimSpace(req.FieldPath) == "" {
		return nil, domain.NewValidation("field_path is required")
	}
	if req.AssetID == "" {
		return nil, domain.NewValidation("asset_id is required")
	}
	if strings.TrimSpace(req.MetricName) == "" {
		return nil, domain.NewValidation("metric_name is required")
	}

	agg := req.DefaultAggregation
	if agg == "" {
		agg = domain.AggAvg
	}
	if !domain.ValidAggregationMethod(agg) {
		return nil, domain.NewValidation("invalid default_aggregation: %s", agg)
	}

	// 表达式在写入时静态检查，接入热路径只执行不再校验
	expr := strings.TrimSpace(req.TransformExpression)
	if expr != "" {
		if err := s.transform.Check(expr); err != nil {
			return nil, domain.NewValidation("invalid transform_expression: %v", err)
		}
	}

	// 目标资产必须存在
	if _, err := s.assets.Get(ctx, req.TenantID, req.AssetID); err != nil {
		return nil, err
	}

	m := &domain.DataPointMapping{
		SchemaName:         strings.TrimSpace(req.SchemaName),
		SchemaVersion:      strings.TrimSpace(req.SchemaVersion),
		FieldPath:          strings.TrimSpace(req.FieldPath),
		AssetID:            req.AssetID,
		MetricName:         strings.TrimSpace(req.MetricName),
		Label:              req.Label,
		Unit:               req.Unit,
		DefaultAggregation: agg,
		RollupEnabled:      true,
		Enabled:            true,
	}
	if req.RollupEnabled != nil {
		m.RollupEnabled = *req.RollupEnabled
	}
	if req.Enabled != nil {
		m.Enabled = *req.Enabled
	}
	if expr != "" {
		m.TransformExpression = nullString(expr)
	}

	if _, err := s.mappings.Create(ctx, req.TenantID, m); err != nil {
		s.logger.Error("CreateMapping failed",
			zap.String("tenant_id", req.TenantID),
			zap.String("schema_name", m.SchemaName),
			zap.String("field_path", m.FieldPath),
			zap.Error(err),
		)
		return nil, err
	}

	s.audit(ctx, req.TenantID, m.AssetID, domain.AuditMappingCreated, nil, m, req.ActorID)
	s.publishEvent(ctx, req.TenantID, "mapping_created", m.AssetID, map[string]interface{}{
		"mapping_id":  m.MappingID,
		"metric_name": m.MetricName,
	})

	return &CreateMappingResponse{Mapping: m}, nil
}

func (s *mappingService) UpdateMapping(ctx context.Context, req UpdateMappingRequest) (*UpdateMappingResponse, error) {
	if req.TenantID == "" {
		return nil, domain.NewValidation("tenant_id is required")
	}
	if req.MappingID == "" {
		return nil, domain.NewValidation("mapping_id is required")
	}
	if req.DefaultAggregation != "" && !domain.ValidAggregationMethod(req.DefaultAggregation) {
		return nil, domain.NewValidation("invalid default_aggregation: %s", req.DefaultAggregation)
	}
	if req.TransformExpression != nil {
		if expr := strings.TrimSpace(*req.TransformExpression); expr != "" {
			if err := s.transform.Check(expr); err != nil {
				return nil, domain.NewValidation("invalid transform_expression: %v", err)
			}
		}
	}

	old, err := s.mappings.Get(ctx, req.TenantID, req.MappingID)
	if err != nil {
		return nil, err
	}

	updated := *old
	if name := strings.TrimSpace(req.MetricName); name != "" {
		updated.MetricName = name
	}
	if req.Label != nil {
		updated.Label = *req.Label
	}
	if req.Unit != nil {
		updated.Unit = *req.Unit
	}
	if req.DefaultAggregation != "" {
		updated.DefaultAggregation = req.DefaultAggregation
	}
	if req.RollupEnabled != nil {
		updated.RollupEnabled = *req.RollupEnabled
	}
	if req.Enabled != nil {
		updated.Enabled = *req.Enabled
	}
	if req.TransformExpression != nil {
		if expr := strings.TrimSpace(*req.TransformExpression); expr != "" {
			updated.TransformExpression = nullString(expr)
		} else {
			updated.TransformExpression.Valid = false
			updated.TransformExpression.String = ""
		}
	}

	if err := s.mappings.Update(ctx, req.TenantID, req.MappingID, &updated); err != nil {
		s.logger.Error("UpdateMapping failed",
			zap.String("tenant_id", req.TenantID),
			zap.String("mapping_id", req.MappingID),
			zap.Error(err),
		)
		return nil, err
	}

	s.audit(ctx, req.TenantID, updated.AssetID, domain.AuditMappingUpdated, old, &updated, req.ActorID)
	s.publishEvent(ctx, req.TenantID, "mapping_updated", updated.AssetID, map[string]interface{}{
		"mapping_id":  updated.MappingID,
		"metric_name": updated.MetricName,
	})

	return &UpdateMappingResponse{Mapping: &updated}, nil
}

func (s *mappingService) DeleteMapping(ctx context.Context, req DeleteMappingRequest) (*DeleteMappingResponse, error) {
	if req.TenantID == "" {
		return nil, domain.NewValidation("tenant_id is required")
	}
	if req.MappingID == "" {
		return nil, domain.NewValidation("mapping_id is required")
	}

	old, err := s.mappings.Get(ctx, req.TenantID, req.MappingID)
	if err != nil {
		return nil, err
	}

	if err := s.mappings.Delete(ctx, req.TenantID, req.MappingID); err != nil {
		s.logger.Error("DeleteMapping failed",
			zap.String("tenant_id", req.TenantID),
			zap.String("mapping_id", req.MappingID),
			zap.Error(err),
		)
		return nil, err
	}

	s.audit(ctx, req.TenantID, old.AssetID, domain.AuditMappingDeleted, old, nil, req.ActorID)
	s.publishEvent(ctx, req.TenantID, "mapping_deleted", old.AssetID, map[string]interface{}{
		"mapping_id":  old.MappingID,
		"metric_name": old.MetricName,
	})

	return &DeleteMappingResponse{Deleted: true}, nil
}

func (s *mappingService) ResolveMapping(ctx context.Context, req ResolveMappingRequest) (*ResolveMappingResponse, error) {
	if req.TenantID == "" {
		return nil, domain.NewValidation("tenant_id is required")
	}
	if req.SchemaName == "" || req.SchemaVersion == "" || req.FieldPath == "" {
		return nil, domain.NewValidation("schema_name, schema_version and field_path are required")
	}

	items, err := s.mappings.Resolve(ctx, req.TenantID, req.SchemaName, req.SchemaVersion, req.FieldPath)
	if err != nil {
		s.logger.Error("ResolveMapping failed",
			zap.String("tenant_id", req.TenantID),
			zap.String("field_path", req.FieldPath),
			zap.Error(err),
		)
		return nil, err
	}
	return &ResolveMappingResponse{Items: items}, nil
}

// audit 复用资产服务的追加语义：失败仅记日志
func (s *mappingService) audit(ctx context.Context, tenantID, assetID, action string, oldObj, newObj interface{}, actorID string) {
	appendAudit(ctx, s.audits, s.logger, tenantID, assetID, action, oldObj, newObj, actorID)
}

// publishEvent 映射变更与资产结构变更走同一条事件流
func (s *mappingService) publishEvent(ctx context.Context, tenantID, eventType, assetID string, payload map[string]interface{}) {
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
		s.logger.Warn("failed to publish mapping event",
			zap.String("event_type", eventType),
			zap.String("asset_id", assetID),
			zap.Error(err),
		)
	}
}
