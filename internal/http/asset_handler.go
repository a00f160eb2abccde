package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/service"
)

const assetsBasePath = "/admin/api/v1/assets"

// AssetHandler 资产树管理 Handler
type AssetHandler struct {
	assetService service.AssetService
	logger       *zap.Logger
}

// NewAssetHandler 创建资产树管理 Handler
func NewAssetHandler(assetService service.AssetService, logger *zap.Logger) *AssetHandler {
	return &AssetHandler{
		assetService: assetService,
		logger:       logger,
	}
}

// ServeHTTP 实现 http.Handler 接口
func (h *AssetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// 路由分发
	switch {
	case r.URL.Path == assetsBasePath && r.Method == http.MethodGet:
		h.ListAssets(w, r)
	case r.URL.Path == assetsBasePath && r.Method == http.MethodPost:
		h.CreateAsset(w, r)

	case strings.HasSuffix(r.URL.Path, "/move") && r.Method == http.MethodPost:
		h.MoveAsset(w, r)
	case strings.HasSuffix(r.URL.Path, "/children") && r.Method == http.MethodGet:
		h.ListChildren(w, r)
	case strings.HasSuffix(r.URL.Path, "/descendants") && r.Method == http.MethodGet:
		h.ListDescendants(w, r)
	case strings.HasSuffix(r.URL.Path, "/ancestors") && r.Method == http.MethodGet:
		h.ListAncestors(w, r)

	case strings.HasPrefix(r.URL.Path, assetsBasePath+"/") && r.Method == http.MethodGet:
		h.GetAsset(w, r)
	case strings.HasPrefix(r.URL.Path, assetsBasePath+"/") && r.Method == http.MethodPut:
		h.UpdateAsset(w, r)
	case strings.HasPrefix(r.URL.Path, assetsBasePath+"/") && r.Method == http.MethodDelete:
		h.DeleteAsset(w, r)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// assetIDFromPath 取 /admin/api/v1/assets/{id}[/suffix] 中的 {id}
func assetIDFromPath(path, suffix string) string {
	p := strings.TrimPrefix(path, assetsBasePath+"/")
	p = strings.TrimSuffix(p, suffix)
	p = strings.TrimSuffix(p, "/")
	if p == "" || strings.Contains(p, "/") {
		return ""
	}
	return p
}

// ListAssets 查询资产列表
func (h *AssetHandler) ListAssets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := tenantFromReq(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	req := service.ListAssetsRequest{
		TenantID:  tenantID,
		ParentID:  q.Get("parent_id"),
		AssetType: q.Get("asset_type"),
		Category:  q.Get("category"),
		Status:    q.Get("status"),
		Search:    q.Get("search"),
		Page:      parseInt(q.Get("page"), 1),
		Size:      parseInt(q.Get("size"), 20),
	}

	resp, err := h.assetService.ListAssets(ctx, req)
	if err != nil {
		h.logger.Error("ListAssets failed", zap.Error(err))
		writeError(w, err)
		return
	}

	items := make([]any, 0, len(resp.Items))
	for _, a := range resp.Items {
		items = append(items, assetToJSON(a))
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": items,
		"total": resp.Total,
	}))
}

// GetAsset 获取单个资产
func (h *AssetHandler) GetAsset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	assetID := assetIDFromPath(r.URL.Path, "")
	if assetID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	tenantID, ok := tenantFromReq(w, r)
	if !ok {
		return
	}

	resp, err := h.assetService.GetAsset(ctx, service.GetAssetRequest{
		TenantID: tenantID,
		AssetID:  assetID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(assetToJSON(resp.Asset)))
}

// CreateAsset 创建资产
func (h *AssetHandler) CreateAsset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := tenantFromReq(w, r)
	if !ok {
		return
	}

	var payload struct {
		ParentID  string                 `json:"parent_id"`
		AssetName string                 `json:"asset_name"`
		AssetType string                 `json:"asset_type"`
		Category  string                 `json:"category"`
		Metadata  map[string]interface{} `json:"metadata"`
	}
	if err := readBodyJSON(r, 1<<20, &payload); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid body"))
		return
	}

	resp, err := h.assetService.CreateAsset(ctx, service.CreateAssetRequest{
		TenantID:  tenantID,
		ParentID:  payload.ParentID,
		AssetName: payload.AssetName,
		AssetType: payload.AssetType,
		Category:  payload.Category,
		Metadata:  payload.Metadata,
		ActorID:   actorFromReq(r),
	})
	if err != nil {
		h.logger.Error("CreateAsset failed", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(assetToJSON(resp.Asset)))
}

// UpdateAsset 更新资产业务字段（不动层级）
func (h *AssetHandler) UpdateAsset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	assetID := assetIDFromPath(r.URL.Path, "")
	if assetID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	tenantID, ok := tenantFromReq(w, r)
	if !ok {
		return
	}

	var payload struct {
		AssetName string                 `json:"asset_name"`
		AssetType string                 `json:"asset_type"`
		Category  *string                `json:"category"`
		Status    string                 `json:"status"`
		Metadata  map[string]interface{} `json:"metadata"`
	}
	if err := readBodyJSON(r, 1<<20, &payload); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid body"))
		return
	}

	resp, err := h.assetService.UpdateAsset(ctx, service.UpdateAssetRequest{
		TenantID:  tenantID,
		AssetID:   assetID,
		AssetName: payload.AssetName,
		AssetType: payload.AssetType,
		Category:  payload.Category,
		Status:    payload.Status,
		Metadata:  payload.Metadata,
		ActorID:   actorFromReq(r),
	})
	if err != nil {
		h.logger.Error("UpdateAsset failed", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(assetToJSON(resp.Asset)))
}

// MoveAsset 移动资产到新父节点
func (h *AssetHandler) MoveAsset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	assetID := assetIDFromPath(r.URL.Path, "/move")
	if assetID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	tenantID, ok := tenantFromReq(w, r)
	if !ok {
		return
	}

	var payload struct {
		NewParentID *string `json:"new_parent_id"`
	}
	if err := readBodyJSON(r, 1<<20, &payload); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid body"))
		return
	}
	// 空串与缺省等价：提升为根
	if payload.NewParentID != nil && *payload.NewParentID == "" {
		payload.NewParentID = nil
	}

	resp, err := h.assetService.MoveAsset(ctx, service.MoveAssetRequest{
		TenantID:    tenantID,
		AssetID:     assetID,
		NewParentID: payload.NewParentID,
		ActorID:     actorFromReq(r),
	})
	if err != nil {
		h.logger.Error("MoveAsset failed", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(assetToJSON(resp.Asset)))
}

// DeleteAsset 删除资产；?cascade=true 时连子树和从属数据一并删除
func (h *AssetHandler) DeleteAsset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	assetID := assetIDFromPath(r.URL.Path, "")
	if assetID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	tenantID, ok := tenantFromReq(w, r)
	if !ok {
		return
	}

	cascade := r.URL.Query().Get("cascade") == "true"

	resp, err := h.assetService.DeleteAsset(ctx, service.DeleteAssetRequest{
		TenantID: tenantID,
		AssetID:  assetID,
		Cascade:  cascade,
		ActorID:  actorFromReq(r),
	})
	if err != nil {
		h.logger.Error("DeleteAsset failed", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"deleted_asset_ids": resp.DeletedAssetIDs,
	}))
}

// ListChildren 直接子资产
func (h *AssetHandler) ListChildren(w http.ResponseWriter, r *http.Request) {
	h.listRelated(w, r, "/children")
}

// ListDescendants 整棵子树（不含自身）
func (h *AssetHandler) ListDescendants(w http.ResponseWriter, r *http.Request) {
	h.listRelated(w, r, "/descendants")
}

// ListAncestors 祖先链（根在前，不含自身）
func (h *AssetHandler) ListAncestors(w http.ResponseWriter, r *http.Request) {
	h.listRelated(w, r, "/ancestors")
}

func (h *AssetHandler) listRelated(w http.ResponseWriter, r *http.Request, suffix string) {
	ctx := r.Context()

	assetID := assetIDFromPath(r.URL.Path, suffix)
	if assetID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	tenantID, ok := tenantFromReq(w, r)
	if !ok {
		return
	}

	var (
		items []*domain.Asset
		err   error
	)
	switch suffix {
	case "/children":
		var resp *service.ListChildrenResponse
		resp, err = h.assetService.ListChildren(ctx, service.ListChildrenRequest{TenantID: tenantID, AssetID: assetID})
		if resp != nil {
			items = resp.Items
		}
	case "/descendants":
		var resp *service.ListDescendantsResponse
		resp, err = h.assetService.ListDescendants(ctx, service.ListDescendantsRequest{TenantID: tenantID, AssetID: assetID})
		if resp != nil {
			items = resp.Items
		}
	case "/ancestors":
		var resp *service.ListAncestorsResponse
		resp, err = h.assetService.ListAncestors(ctx, service.ListAncestorsRequest{TenantID: tenantID, AssetID: assetID})
		if resp != nil {
			items = resp.Items
		}
	}
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]any, 0, len(items))
	for _, a := range items {
		out = append(out, assetToJSON(a))
	}
	writeJSON(w, http.StatusOK, Ok(out))
}

// assetToJSON 转换为前端友好的 JSON（NullString 摊平）
func assetToJSON(a *domain.Asset) map[string]any {
	out := map[string]any{
		"asset_id":   a.AssetID,
		"tenant_id":  a.TenantID,
		"asset_name": a.AssetName,
		"asset_type": a.AssetType,
		"path":       a.Path,
		"level":      a.Level,
		"status":     a.Status,
		"metadata":   a.Metadata,
		"created_at": a.CreatedAt,
		"updated_at": a.UpdatedAt,
	}
	if a.ParentID.Valid {
		out["parent_id"] = a.ParentID.String
	} else {
		out["parent_id"] = nil
	}
	if a.Category.Valid {
		out["category"] = a.Category.String
	}
	return out
}

// actorFromReq 操作者标识（审计用），无登录体系时来自网关头
func actorFromReq(r *http.Request) string {
	return r.Header.Get("X-User-Id")
}
