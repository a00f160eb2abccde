package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/repository"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/state"
)

// QueryService 数据面查询服务接口：资产状态、聚合序列、丢弃记录、审计日志
type QueryService interface {
	GetAssetState(ctx context.Context, req GetAssetStateRequest) (*GetAssetStateResponse, error)
	QueryRollupSeries(ctx context.Context, req QueryRollupSeriesRequest) (*QueryRollupSeriesResponse, error)
	ListDrops(ctx context.Context, req ListDropsRequest) (*ListDropsResponse, error)
	ListAuditLog(ctx context.Context, req ListAuditLogRequest) (*ListAuditLogResponse, error)
}

type queryService struct {
	assets    repository.AssetsRepository
	rollups   repository.RollupRepository
	telemetry repository.TelemetryRepository
	audits    repository.AuditRepository
	states    *state.Manager
	logger    *zap.Logger
}

// NewQueryService 创建 QueryService 实例
func NewQueryService(
	assets repository.AssetsRepository,
	rollups repository.RollupRepository,
	telemetry repository.TelemetryRepository,
	audits repository.AuditRepository,
	states *state.Manager,
	logger *zap.Logger,
) QueryService {
	return &queryService{
		assets:    assets,
		rollups:   rollups,
		telemetry: telemetry,
		audits:    audits,
		states:    states,
		logger:    logger,
	}
}

// ============================================
// 请求/响应结构
// ============================================

type GetAssetStateRequest struct {
	TenantID string // 必填
	AssetID  string // 必填
}

type GetAssetStateResponse struct {
	State *domain.AssetState `json:"state"`
}

type QueryRollupSeriesRequest struct {
	TenantID        string    // 必填
	AssetID         string    // 必填
	MetricName      string    // 必填
	From            time.Time // 必填
	To              time.Time // 必填，须晚于 From
	IntervalSeconds int64     // 可选，仅用于桶对齐提示，0 表示按原始桶返回
	Limit           int       // 可选，0 表示服务端默认上限
}

type QueryRollupSeriesResponse struct {
	Items []*domain.AssetRollupData `json:"items"`
}

type ListDropsRequest struct {
	TenantID string // 必填
	Page     int
	Size     int
}

type ListDropsResponse struct {
	Items []*domain.TelemetryDrop `json:"items"`
	Total int                     `json:"total"`
}

type ListAuditLogRequest struct {
	TenantID string // 必填
	AssetID  string // 可选
	Action   string // 可选
	Page     int
	Size     int
}

type ListAuditLogResponse struct {
	Items []*domain.AssetAuditEntry `json:"items"`
	Total int                       `json:"total"`
}

// ============================================
// 方法实现
// ============================================

const defaultSeriesLimit = 1000

func (s *queryService) GetAssetState(ctx context.Context, req GetAssetStateRequest) (*GetAssetStateResponse, error) {
	if req.TenantID == "" {
		return nil, domain.NewValidation("tenant_id is required")
	}
	if req.AssetID == "" {
		return nil, domain.NewValidation("asset_id is required")
	}

	// 先确认资产存在，区分「无资产」和「有资产无状态」
	if _, err := s.assets.Get(ctx, req.TenantID, req.AssetID); err != nil {
		return nil, err
	}

	st, err := s.states.GetState(ctx, req.TenantID, req.AssetID)
	if err != nil {
		if domain.IsNotFound(err) {
			// 尚无遥测：返回空状态而非404
			return &GetAssetStateResponse{State: &domain.AssetState{
				TenantID:          req.TenantID,
				AssetID:           req.AssetID,
				RawState:          map[string]interface{}{},
				CalculatedMetrics: map[string]domain.MetricValue{},
				AlarmStatus:       domain.AlarmStatusNormal,
			}}, nil
		}
		return nil, err
	}
	return &GetAssetStateResponse{State: st}, nil
}

func (s *queryService) QueryRollupSeries(ctx context.Context, req QueryRollupSeriesRequest) (*QueryRollupSeriesResponse, error) {
	if req.TenantID == "" {
		return nil, domain.NewValidation("tenant_id is required")
	}
	if req.AssetID == "" {
		return nil, domain.NewValidation("asset_id is required")
	}
	if req.MetricName == "" {
		return nil, domain.NewValidation("metric_name is required")
	}
	if req.From.IsZero() || req.To.IsZero() {
		return nil, domain.NewValidation("from and to are required")
	}
	if !req.To.After(req.From) {
		return nil, domain.NewValidation("to must be after from")
	}
	if req.IntervalSeconds < 0 {
		return nil, domain.NewValidation("interval_seconds must be non-negative")
	}

	from, to := req.From.UTC(), req.To.UTC()
	if req.IntervalSeconds > 0 {
		// 对齐到桶边界，保证响应窗口覆盖完整的首尾桶
		from = domain.BucketStart(from, req.IntervalSeconds)
		if aligned := domain.BucketStart(to, req.IntervalSeconds); !aligned.Equal(to) {
			to = domain.BucketEnd(aligned, req.IntervalSeconds)
		}
	}

	// 未指定时用默认上限；导出路径显式传更大的行数上限
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSeriesLimit
	}

	items, err := s.rollups.QueryRollups(ctx, req.TenantID, req.AssetID, req.MetricName, from, to, limit)
	if err != nil {
		s.logger.Error("QueryRollupSeries failed",
			zap.String("tenant_id", req.TenantID),
			zap.String("asset_id", req.AssetID),
			zap.String("metric_name", req.MetricName),
			zap.Error(err),
		)
		return nil, err
	}
	return &QueryRollupSeriesResponse{Items: items}, nil
}

func (s *queryService) ListDrops(ctx context.Context, req ListDropsRequest) (*ListDropsResponse, error) {
	if req.TenantID == "" {
		return nil, domain.NewValidation("tenant_id is required")
	}

	items, total, err := s.telemetry.ListDrops(ctx, req.TenantID, req.Page, req.Size)
	if err != nil {
		s.logger.Error("ListDrops failed", zap.String("tenant_id", req.TenantID), zap.Error(err))
		return nil, err
	}
	return &ListDropsResponse{Items: items, Total: total}, nil
}

func (s *queryService) ListAuditLog(ctx context.Context, req ListAuditLogRequest) (*ListAuditLogResponse, error) {
	if req.TenantID == "" {
		return nil, domain.NewValidation("tenant_id is required")
	}

	items, total, err := s.audits.List(ctx, req.TenantID, repository.AuditFilters{
		AssetID: req.AssetID,
		Action:  req.Action,
	}, req.Page, req.Size)
	if err != nil {
		s.logger.Error("ListAuditLog failed", zap.String("tenant_id", req.TenantID), zap.Error(err))
		return nil, err
	}
	return &ListAuditLogResponse{Items: items, Total: total}, nil
}
