package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/service"
)

const mappingsBasePath = "/admin/api/v1/mappings"

// MappingHandler 数据点映射管理 Handler
type MappingHandler struct {
	mappingService service.MappingService
	logger         *zap.Logger
}

// NewMappingHandler 创建映射管理 Handler
func NewMappingHandler(mappingService service.MappingService, logger *zap.Logger) *MappingHandler {
	return &MappingHandler{
		mappingService: mappingService,
		logger:         logger,
	}
}

// ServeHTTP 实现 http.Handler 接口
func (h *MappingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == mappingsBasePath && r.Method == http.MethodGet:
		h.ListMappings(w, r)
	case r.URL.Path == mappingsBasePath && r.Method == http.MethodPost:
		h.CreateMapping(w, r)
	case r.URL.Path == mappingsBasePath+"/resolve" && r.Method == http.MethodGet:
		h.ResolveMapping(w, r)
	case strings.HasPrefix(r.URL.Path, mappingsBasePath+"/") && r.Method == http.MethodGet:
		h.GetMapping(w, r)
	case strings.HasPrefix(r.URL.Path, mappingsBasePath+"/") && r.Method == http.MethodPut:
		h.UpdateMapping(w, r)
	case strings.HasPrefix(r.URL.Path, mappingsBasePath+"/") && r.Method == http.MethodDelete:
		h.DeleteMapping(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func mappingIDFromPath(path string) string {
	p := strings.TrimPrefix(path, mappingsBasePath+"/")
	if p == "" || strings.Contains(p, "/") {
		return ""
	}
	return p
}

// ListMappings 查询映射列表
func (h *MappingHandler) ListMappings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := tenantFromReq(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	resp, err := h.mappingService.ListMappings(ctx, service.ListMappingsRequest{
		TenantID:   tenantID,
		AssetID:    q.Get("asset_id"),
		SchemaName: q.Get("schema_name"),
		MetricName: q.Get("metric_name"),
		Enabled:    parseBoolPtr(q.Get("enabled")),
		Page:       parseInt(q.Get("page"), 1),
		Size:       parseInt(q.Get("size"), 20),
	})
	if err != nil {
		h.logger.Error("ListMappings failed", zap.Error(err))
		writeError(w, err)
		return
	}

	items := make([]any, 0, len(resp.Items))
	for _, m := range resp.Items {
		items = append(items, mappingToJSON(m))
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": items,
		"total": resp.Total,
	}))
}

// GetMapping 获取单条映射
func (h *MappingHandler) GetMapping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	mappingID := mappingIDFromPath(r.URL.Path)
	if mappingID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	tenantID, ok := tenantFromReq(w, r)
	if !ok {
		return
	}

	resp, err := h.mappingService.GetMapping(ctx, service.GetMappingRequest{
		TenantID:  tenantID,
		MappingID: mappingID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(mappingToJSON(resp.Mapping)))
}

// CreateMapping 创建映射
func (h *MappingHandler) CreateMapping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := tenantFromReq(w, r)
	if !ok {
		return
	}

	var payload struct {
		SchemaName          string `json:"schema_name"`
		SchemaVersion       string `json:"schema_version"`
		FieldPath           string `json:"field_path"`
		AssetID             string `json:"asset_id"`
		MetricName          string `json:"metric_name"`
		Label               string `json:"label"`
		Unit                string `json:"unit"`
		DefaultAggregation  string `json:"default_aggregation"`
		RollupEnabled       *bool  `json:"rollup_enabled"`
		TransformExpression string `json:"transform_expression"`
		Enabled             *bool  `json:"enabled"`
	}
	if err := readBodyJSON(r, 1<<20, &payload); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid body"))
		return
	}

	resp, err := h.mappingService.CreateMapping(ctx, service.CreateMappingRequest{
		TenantID:            tenantID,
		SchemaName:          payload.SchemaName,
		SchemaVersion:       payload.SchemaVersion,
		FieldPath:           payload.FieldPath,
		AssetID:             payload.AssetID,
		MetricName:          payload.MetricName,
		Label:               payload.Label,
		Unit:                payload.Unit,
		DefaultAggregation:  payload.DefaultAggregation,
		RollupEnabled:       payload.RollupEnabled,
		TransformExpression: payload.TransformExpression,
		Enabled:             payload.Enabled,
		ActorID:             actorFromReq(r),
	})
	if err != nil {
		h.logger.Error("CreateMapping failed", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(mappingToJSON(resp.Mapping)))
}

// UpdateMapping 更新映射
func (h *MappingHandler) UpdateMapping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	mappingID := mappingIDFromPath(r.URL.Path)
	if mappingID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	tenantID, ok := tenantFromReq(w, r)
	if !ok {
		return
	}

	var payload struct {
		MetricName          string  `json:"metric_name"`
		Label               *string `json:"label"`
		Unit                *string `json:"unit"`
		DefaultAggregation  string  `json:"default_aggregation"`
		RollupEnabled       *bool   `json:"rollup_enabled"`
		TransformExpression *string `json:"transform_expression"`
		Enabled             *bool   `json:"enabled"`
	}
	if err := readBodyJSON(r, 1<<20, &payload); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid body"))
		return
	}

	resp, err := h.mappingService.UpdateMapping(ctx, service.UpdateMappingRequest{
		TenantID:            tenantID,
		MappingID:           mappingID,
		MetricName:          payload.MetricName,
		Label:               payload.Label,
		Unit:                payload.Unit,
		DefaultAggregation:  payload.DefaultAggregation,
		RollupEnabled:       payload.RollupEnabled,
		TransformExpression: payload.TransformExpression,
		Enabled:             payload.Enabled,
		ActorID:             actorFromReq(r),
	})
	if err != nil {
		h.logger.Error("UpdateMapping failed", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(mappingToJSON(resp.Mapping)))
}

// DeleteMapping 删除映射
func (h *MappingHandler) DeleteMapping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	mappingID := mappingIDFromPath(r.URL.Path)
	if mappingID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	tenantID, ok := tenantFromReq(w, r)
	if !ok {
		return
	}

	_, err := h.mappingService.DeleteMapping(ctx, service.DeleteMappingRequest{
		TenantID:  tenantID,
		MappingID: mappingID,
		ActorID:   actorFromReq(r),
	})
	if err != nil {
		h.logger.Error("DeleteMapping failed", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"deleted": true}))
}

// ResolveMapping 按数据点键查映射（排障入口：?schema_name=&schema_version=&field_path=）
func (h *MappingHandler) ResolveMapping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := tenantFromReq(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	resp, err := h.mappingService.ResolveMapping(ctx, service.ResolveMappingRequest{
		TenantID:      tenantID,
		SchemaName:    q.Get("schema_name"),
		SchemaVersion: q.Get("schema_version"),
		FieldPath:     q.Get("field_path"),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]any, 0, len(resp.Items))
	for _, m := range resp.Items {
		items = append(items, mappingToJSON(m))
	}
	writeJSON(w, http.StatusOK, Ok(items))
}

func mappingToJSON(m *domain.DataPointMapping) map[string]any {
	out := map[string]any{
		"mapping_id":          m.MappingID,
		"tenant_id":           m.TenantID,
		"schema_name":         m.SchemaName,
		"schema_version":      m.SchemaVersion,
		"field_path":          m.FieldPath,
		"asset_id":            m.AssetID,
		"metric_name":         m.MetricName,
		"label":               m.Label,
		"unit":                m.Unit,
		"default_aggregation": m.DefaultAggregation,
		"rollup_enabled":      m.RollupEnabled,
		"enabled":             m.Enabled,
		"created_at":          m.CreatedAt,
		"updated_at":          m.UpdatedAt,
	}
	if m.TransformExpression.Valid {
		out["transform_expression"] = m.TransformExpression.String
	}
	return out
}
