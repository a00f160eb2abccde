package service

import (
	"context"
	"strings"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/redis"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/repository"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/state"
)

// AssetService 资产树管理服务接口
type AssetService interface {
	ListAssets(ctx context.Context, req ListAssetsRequest) (*ListAssetsResponse, error)
	GetAsset(ctx context.Context, req GetAssetRequest) (*GetAssetResponse, error)
	CreateAsset(ctx context.Context, req CreateAssetRequest) (*CreateAssetResponse, error)
	UpdateAsset(ctx context.Context, req UpdateAssetRequest) (*UpdateAssetResponse, error)
	MoveAsset(ctx context.Context, req MoveAssetRequest) (*MoveAssetResponse, error)
	DeleteAsset(ctx context.Context, req DeleteAssetRequest) (*DeleteAssetResponse, error)
	ListChildren(ctx context.Context, req ListChildrenRequest) (*ListChildrenResponse, error)
	ListDescendants(ctx context.Context, req ListDescendantsRequest) (*ListDescendantsResponse, error)
	ListAncestors(ctx context.Context, req ListAncestorsRequest) (*ListAncestorsResponse, error)
}

// assetService 实现
// 结构变更走审计日志 + asset:events 事件流；删除级联清掉
// 映射/聚合配置/聚合数据/贡献/状态行并失效状态缓存。
type assetService struct {
	assets    repository.AssetsRepository
	mappings  repository.MappingsRepository
	rollups   repository.RollupRepository
	telemetry repository.TelemetryRepository
	states    repository.StatesRepository
	audits    repository.AuditRepository
	stateMgr  *state.Manager
	redis     *goredis.Client
	stream    string
	logger    *zap.Logger
}

// NewAssetService 创建 AssetService 实例
// redisClient 可为 nil（事件流旁路禁用，仅开发模式）。
func NewAssetService(
	assets repository.AssetsRepository,
	mappings repository.MappingsRepository,
	rollups repository.RollupRepository,
	telemetry repository.TelemetryRepository,
	states repository.StatesRepository,
	audits repository.AuditRepository,
	stateMgr *state.Manager,
	redisClient *goredis.Client,
	eventStream string,
	logger *zap.Logger,
) AssetService {
	return &assetService{
		assets:    assets,
		mappings:  mappings,
		rollups:   rollups,
		telemetry: telemetry,
		states:    states,
		audits:    audits,
		stateMgr:  stateMgr,
		redis:     redisClient,
		stream:    eventStream,
		logger:    logger,
	}
}

// ============================================
// 请求/响应结构
// ============================================

type ListAssetsRequest struct {
	TenantID  string // 必填
	ParentID  string // 可选，按直接父资产过滤
	AssetType string // 可选
	Category  string // 可选
	Status    string // 可选
	Search    string // 可选，按名称模糊搜索
	Page      int
	Size      int
}

type ListAssetsResponse struct {
	Items []*domain.Asset `json:"items"`
	Total int             `json:"total"`
}

type GetAssetRequest struct {
	TenantID string // 必填
	AssetID  string // 必填
}

type GetAssetResponse struct {
	Asset *domain.Asset `json:"asset"`
}

type CreateAssetRequest struct {
	TenantID  string                 // 必填
	ParentID  string                 // 可选，空为根资产
	AssetName string                 // 必填，同级唯一
	AssetType string                 // 必填
	Category  string                 // 可选
	Metadata  map[string]interface{} // 可选
	ActorID   string                 // 可选，审计用
}

type CreateAssetResponse struct {
	Asset *domain.Asset `json:"asset"`
}

type UpdateAssetRequest struct {
	TenantID  string                 // 必填
	AssetID   string                 // 必填
	AssetName string                 // 可选，空串表示不更新
	AssetType string                 // 可选
	Category  *string                // 可选，nil 表示不更新
	Status    string                 // 可选
	Metadata  map[string]interface{} // 可选，nil 表示不更新
	ActorID   string                 // 可选
}

type UpdateAssetResponse struct {
	Asset *domain.Asset `json:"asset"`
}

type MoveAssetRequest struct {
	TenantID    string  // 必填
	AssetID     string  // 必填
	NewParentID *string // nil 表示提升为根
	ActorID     string  // 可选
}

type MoveAssetResponse struct {
	Asset *domain.Asset `json:"asset"`
}

type DeleteAssetRequest struct {
	TenantID string // 必填
	AssetID  string // 必填
	Cascade  bool   // false 时有子资产则拒绝
	ActorID  string // 可选
}

type DeleteAssetResponse struct {
	DeletedAssetIDs []string `json:"deleted_asset_ids"`
}

type ListChildrenRequest struct {
	TenantID string // 必填
	AssetID  string // 必填
}

type ListChildrenResponse struct {
	Items []*domain.Asset `json:"items"`
}

type ListDescendantsRequest struct {
	TenantID string // 必填
	AssetID  string // 必填
}

type ListDescendantsResponse struct {
	Items []*domain.Asset `json:"items"`
}

type ListAncestorsRequest struct {
	TenantID string // 必填
	AssetID  string // 必填
}

type ListAncestorsResponse struct {
	// 根在前，自身不含
	Items []*domain.Asset `json:"items"`
}

// ============================================
// 方法实现
// ============================================

func (s *assetService) ListAssets(ctx context.Context, req ListAssetsRequest) (*ListAssetsResponse, error) {
	if req.TenantID == "" {
		return nil, domain.NewValidation("tenant_id is required")
	}

	items, total, err := s.assets.List(ctx, req.TenantID, repository.AssetFilters{
		ParentID:  req.ParentID,
		AssetType: req.AssetType,
		Category:  req.Category,
		Status:    req.Status,
		Search:    req.Search,
	}, req.Page, req.Size)
	if err != nil {
		s.logger.Error("ListAssets failed", zap.String("tenant_id", req.TenantID), zap.Error(err))
		return nil, err
	}
	return &ListAssetsResponse{Items: items, Total: total}, nil
}

func (s *assetService) GetAsset(ctx context.Context, req GetAssetRequest) (*GetAssetResponse, error) {
	if req.TenantID == "" {
		return nil, domain.NewValidation("tenant_id is required")
	}
	if req.AssetID == "" {
		return nil, domain.NewValidation("asset_id is required")
	}

	a, err := s.assets.Get(ctx, req.TenantID, req.AssetID)
	if err != nil {
		return nil, err
	}
	return &GetAssetResponse{Asset: a}, nil
}

func (s *assetService) CreateAsset(ctx context.Context, req CreateAssetRequest) (*CreateAssetResponse, error) {
	if req.TenantID == "" {
		return nil, domain.NewValidation("tenant_id is required")
	}
	name := strings.TrimSpace(req.AssetName)
	if name == "" {
		return nil, domain.NewValidation("asset_name is required")
	}
	if strings.TrimSpace(req.AssetType) == "" {
		return nil, domain.NewValidation("asset_type is required")
	}

	a := &domain.Asset{
		AssetName: name,
		AssetType: strings.TrimSpace(req.AssetType),
		Status:    domain.AssetStatusActive,
		Metadata:  req.Metadata,
	}
	if req.ParentID != "" {
		a.ParentID = nullString(req.ParentID)
	}
	if req.Category != "" {
		a.Category = nullString(req.Category)
	}
	if req.ActorID != "" {
		a.CreatedBy = nullString(req.ActorID)
	}

	if _, err := s.assets.Create(ctx, req.TenantID, a); err != nil {
		s.logger.Error("CreateAsset failed",
			zap.String("tenant_id", req.TenantID),
			zap.String("asset_name", name),
			zap.Error(err),
		)
		return nil, err
	}

	s.audit(ctx, req.TenantID, a.AssetID, domain.AuditAssetCreated, nil, a, req.ActorID)
	s.publishEvent(ctx, req.TenantID, "asset_created", a.AssetID, map[string]interface{}{
		"asset_name": a.AssetName,
		"parent_id":  a.ParentID.String,
		"path":       a.Path,
	})

	return &CreateAssetResponse{Asset: a}, nil
}

func (s *assetService) UpdateAsset(ctx context.Context, req UpdateAssetRequest) (*UpdateAssetResponse, error) {
	if req.TenantID == "" {
		return nil, domain.NewValidation("tenant_id is required")
	}
	if req.AssetID == "" {
		return nil, domain.NewValidation("asset_id is required")
	}
	if req.Status != "" && !domain.ValidAssetStatus(req.Status) {
		return nil, domain.NewValidation("invalid status: %s", req.Status)
	}

	old, err := s.assets.Get(ctx, req.TenantID, req.AssetID)
	if err != nil {
		return nil, err
	}

	updated := *old
	if name := strings.TrimSpace(req.AssetName); name != "" {
		updated.AssetName = name
	}
	if t := strings.TrimSpace(req.AssetType); t != "" {
		updated.AssetType = t
	}
	if req.Category != nil {
		if *req.Category == "" {
			updated.Category.Valid = false
			updated.Category.String = ""
		} else {
			updated.Category = nullString(*req.Category)
		}
	}
	if req.Status != "" {
		updated.Status = req.Status
	}
	if req.Metadata != nil {
		updated.Metadata = req.Metadata
	}
	if req.ActorID != "" {
		updated.UpdatedBy = nullString(req.ActorID)
	}

	if err := s.assets.Update(ctx, req.TenantID, req.AssetID, &updated); err != nil {
		s.logger.Error("UpdateAsset failed",
			zap.String("tenant_id", req.TenantID),
			zap.String("asset_id", req.AssetID),
			zap.Error(err),
		)
		return nil, err
	}

	s.audit(ctx, req.TenantID, req.AssetID, domain.AuditAssetUpdated, old, &updated, req.ActorID)
	s.publishEvent(ctx, req.TenantID, "asset_updated", req.AssetID, map[string]interface{}{
		"asset_name": updated.AssetName,
	})

	return &UpdateAssetResponse{Asset: &updated}, nil
}

func (s *assetService) MoveAsset(ctx context.Context, req MoveAssetRequest) (*MoveAssetResponse, error) {
	if req.TenantID == "" {
		return nil, domain.NewValidation("tenant_id is required")
	}
	if req.AssetID == "" {
		return nil, domain.NewValidation("asset_id is required")
	}
	if req.NewParentID != nil && *req.NewParentID == req.AssetID {
		return nil, domain.NewValidation("asset cannot be its own parent")
	}

	old, err := s.assets.Get(ctx, req.TenantID, req.AssetID)
	if err != nil {
		return nil, err
	}

	if err := s.assets.Move(ctx, req.TenantID, req.AssetID, req.NewParentID); err != nil {
		s.logger.Error("MoveAsset failed",
			zap.String("tenant_id", req.TenantID),
			zap.String("asset_id", req.AssetID),
			zap.Error(err),
		)
		return nil, err
	}

	moved, err := s.assets.Get(ctx, req.TenantID, req.AssetID)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, req.TenantID, req.AssetID, domain.AuditAssetMoved, old, moved, req.ActorID)
	s.publishEvent(ctx, req.TenantID, "asset_moved", req.AssetID, map[string]interface{}{
		"old_path": old.Path,
		"new_path": moved.Path,
	})

	return &MoveAssetResponse{Asset: moved}, nil
}

func (s *assetService) DeleteAsset(ctx context.Context, req DeleteAssetRequest) (*DeleteAssetResponse, error) {
	if req.TenantID == "" {
		return nil, domain.NewValidation("tenant_id is required")
	}
	if req.AssetID == "" {
		return nil, domain.NewValidation("asset_id is required")
	}

	old, err := s.assets.Get(ctx, req.TenantID, req.AssetID)
	if err != nil {
		return nil, err
	}

	deletedIDs, err := s.assets.Delete(ctx, req.TenantID, req.AssetID, req.Cascade)
	if err != nil {
		s.logger.Error("DeleteAsset failed",
			zap.String("tenant_id", req.TenantID),
			zap.String("asset_id", req.AssetID),
			zap.Bool("cascade", req.Cascade),
			zap.Error(err),
		)
		return nil, err
	}

	// 级联清理从属数据：映射、聚合配置、聚合数据、原始贡献、状态行
	// 失败只告警：资产树已删，残留行不再可达，后续人工清理
	s.cleanupDependents(ctx, req.TenantID, deletedIDs)
	s.stateMgr.Invalidate(ctx, deletedIDs)

	s.audit(ctx, req.TenantID, req.AssetID, domain.AuditAssetDeleted, old, nil, req.ActorID)
	s.publishEvent(ctx, req.TenantID, "asset_deleted", req.AssetID, map[string]interface{}{
		"deleted_count": len(deletedIDs),
	})

	return &DeleteAssetResponse{DeletedAssetIDs: deletedIDs}, nil
}

func (s *assetService) ListChildren(ctx context.Context, req ListChildrenRequest) (*ListChildrenResponse, error) {
	if req.TenantID == "" {
		return nil, domain.NewValidation("tenant_id is required")
	}
	if req.AssetID == "" {
		return nil, domain.NewValidation("asset_id is required")
	}

	// 先确认资产存在，让404语义清晰
	if _, err := s.assets.Get(ctx, req.TenantID, req.AssetID); err != nil {
		return nil, err
	}
	items, err := s.assets.ListChildren(ctx, req.TenantID, req.AssetID)
	if err != nil {
		return nil, err
	}
	return &ListChildrenResponse{Items: items}, nil
}

func (s *assetService) ListDescendants(ctx context.Context, req ListDescendantsRequest) (*ListDescendantsResponse, error) {
	if req.TenantID == "" {
		return nil, domain.NewValidation("tenant_id is required")
	}
	if req.AssetID == "" {
		return nil, domain.NewValidation("asset_id is required")
	}

	a, err := s.assets.Get(ctx, req.TenantID, req.AssetID)
	if err != nil {
		return nil, err
	}
	items, err := s.assets.ListDescendants(ctx, req.TenantID, a.Path)
	if err != nil {
		return nil, err
	}
	return &ListDescendantsResponse{Items: items}, nil
}

func (s *assetService) ListAncestors(ctx context.Context, req ListAncestorsRequest) (*ListAncestorsResponse, error) {
	if req.TenantID == "" {
		return nil, domain.NewValidation("tenant_id is required")
	}
	if req.AssetID == "" {
		return nil, domain.NewValidation("asset_id is required")
	}

	a, err := s.assets.Get(ctx, req.TenantID, req.AssetID)
	if err != nil {
		return nil, err
	}

	// 路径上的ID序列就是祖先链（根在前，不含自身）
	ids := domain.PathIDs(a.Path)
	items := make([]*domain.Asset, 0, len(ids))
	for _, id := range ids {
		if id == a.AssetID {
			continue
		}
		ancestor, err := s.assets.Get(ctx, req.TenantID, id)
		if err != nil {
			return nil, err
		}
		items = append(items, ancestor)
	}
	return &ListAncestorsResponse{Items: items}, nil
}

// ============================================
// 内部辅助
// ============================================

// cleanupDependents 删除从属行；每一步独立，失败互不影响
func (s *assetService) cleanupDependents(ctx context.Context, tenantID string, assetIDs []string) {
	if len(assetIDs) == 0 {
		return
	}
	if _, err := s.mappings.DeleteByAssets(ctx, tenantID, assetIDs); err != nil {
		s.logger.Warn("failed to cascade delete mappings", zap.Error(err))
	}
	if _, err := s.rollups.DeleteConfigsByAssets(ctx, tenantID, assetIDs); err != nil {
		s.logger.Warn("failed to cascade delete rollup configs", zap.Error(err))
	}
	if _, err := s.rollups.DeleteRollupsByAssets(ctx, tenantID, assetIDs); err != nil {
		s.logger.Warn("failed to cascade delete rollup data", zap.Error(err))
	}
	if _, err := s.telemetry.DeleteContributionsByAssets(ctx, tenantID, assetIDs); err != nil {
		s.logger.Warn("failed to cascade delete contributions", zap.Error(err))
	}
	if _, err := s.states.DeleteByAssets(ctx, tenantID, assetIDs); err != nil {
		s.logger.Warn("failed to cascade delete states", zap.Error(err))
	}
}

func (s *assetService) audit(ctx context.Context, tenantID, assetID, action string, oldObj, newObj interface{}, actorID string) {
	appendAudit(ctx, s.audits, s.logger, tenantID, assetID, action, oldObj, newObj, actorID)
}

// publishEvent 发布结构变更事件到 Redis Streams（下游缓存/索引消费）
func (s *assetService) publishEvent(ctx context.Context, tenantID, eventType, assetID string, payload map[string]interface{}) {
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
		s.logger.Warn("failed to publish asset event",
			zap.String("event_type", eventType),
			zap.String("asset_id", assetID),
			zap.Error(err),
		)
	}
}
