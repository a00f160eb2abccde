package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/service"
)

const rollupConfigsBasePath = "/admin/api/v1/rollup-configs"

// RollupConfigHandler 聚合配置管理 Handler
type RollupConfigHandler struct {
	configService service.RollupConfigService
	logger        *zap.Logger
}

// NewRollupConfigHandler 创建聚合配置管理 Handler
func NewRollupConfigHandler(configService service.RollupConfigService, logger *zap.Logger) *RollupConfigHandler {
	return &RollupConfigHandler{
		configService: configService,
		logger:        logger,
	}
}

// ServeHTTP 实现 http.Handler 接口
func (h *RollupConfigHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == rollupConfigsBasePath && r.Method == http.MethodGet:
		h.ListConfigs(w, r)
	case r.URL.Path == rollupConfigsBasePath && r.Method == http.MethodPost:
		h.CreateConfig(w, r)
	case strings.HasPrefix(r.URL.Path, rollupConfigsBasePath+"/") && r.Method == http.MethodGet:
		h.GetConfig(w, r)
	case strings.HasPrefix(r.URL.Path, rollupConfigsBasePath+"/") && r.Method == http.MethodPut:
		h.UpdateConfig(w, r)
	case strings.HasPrefix(r.URL.Path, rollupConfigsBasePath+"/") && r.Method == http.MethodDelete:
		h.DeleteConfig(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func configIDFromPath(path string) string {
	p := strings.TrimPrefix(path, rollupConfigsBasePath+"/")
	if p == "" || strings.Contains(p, "/") {
		return ""
	}
	return p
}

// ListConfigs 查询聚合配置列表
func (h *RollupConfigHandler) ListConfigs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := tenantFromReq(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	resp, err := h.configService.ListRollupConfigs(ctx, service.ListRollupConfigsRequest{
		TenantID:   tenantID,
		AssetID:    q.Get("asset_id"),
		MetricName: q.Get("metric_name"),
		Enabled:    parseBoolPtr(q.Get("enabled")),
		Page:       parseInt(q.Get("page"), 1),
		Size:       parseInt(q.Get("size"), 20),
	})
	if err != nil {
		h.logger.Error("ListRollupConfigs failed", zap.Error(err))
		writeError(w, err)
		return
	}

	items := make([]any, 0, len(resp.Items))
	for _, c := range resp.Items {
		items = append(items, rollupConfigToJSON(c))
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": items,
		"total": resp.Total,
	}))
}

// GetConfig 获取单条聚合配置
func (h *RollupConfigHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	configID := configIDFromPath(r.URL.Path)
	if configID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	tenantID, ok := tenantFromReq(w, r)
	if !ok {
		return
	}

	resp, err := h.configService.GetRollupConfig(ctx, service.GetRollupConfigRequest{
		TenantID: tenantID,
		ConfigID: configID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(rollupConfigToJSON(resp.Config)))
}

// CreateConfig 创建聚合配置
func (h *RollupConfigHandler) CreateConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := tenantFromReq(w, r)
	if !ok {
		return
	}

	var payload struct {
		AssetID               string   `json:"asset_id"`
		MetricName            string   `json:"metric_name"`
		AggregationMethod     string   `json:"aggregation_method"`
		RollupIntervalSeconds int64    `json:"rollup_interval_seconds"`
		IncludeChildren       bool     `json:"include_children"`
		WeightFactor          *float64 `json:"weight_factor"`
		FilterExpression      string   `json:"filter_expression"`
		Enabled               *bool    `json:"enabled"`
	}
	if err := readBodyJSON(r, 1<<20, &payload); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid body"))
		return
	}

	resp, err := h.configService.CreateRollupConfig(ctx, service.CreateRollupConfigRequest{
		TenantID:              tenantID,
		AssetID:               payload.AssetID,
		MetricName:            payload.MetricName,
		AggregationMethod:     payload.AggregationMethod,
		RollupIntervalSeconds: payload.RollupIntervalSeconds,
		IncludeChildren:       payload.IncludeChildren,
		WeightFactor:          payload.WeightFactor,
		FilterExpression:      payload.FilterExpression,
		Enabled:               payload.Enabled,
		ActorID:               actorFromReq(r),
	})
	if err != nil {
		h.logger.Error("CreateRollupConfig failed", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(rollupConfigToJSON(resp.Config)))
}

// UpdateConfig 更新聚合配置
func (h *RollupConfigHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	configID := configIDFromPath(r.URL.Path)
	if configID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	tenantID, ok := tenantFromReq(w, r)
	if !ok {
		return
	}

	var payload struct {
		AggregationMethod     string   `json:"aggregation_method"`
		RollupIntervalSeconds int64    `json:"rollup_interval_seconds"`
		IncludeChildren       *bool    `json:"include_children"`
		WeightFactor          *float64 `json:"weight_factor"`
		FilterExpression      *string  `json:"filter_expression"`
		Enabled               *bool    `json:"enabled"`
	}
	if err := readBodyJSON(r, 1<<20, &payload); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid body"))
		return
	}

	resp, err := h.configService.UpdateRollupConfig(ctx, service.UpdateRollupConfigRequest{
		TenantID:              tenantID,
		ConfigID:              configID,
		AggregationMethod:     payload.AggregationMethod,
		RollupIntervalSeconds: payload.RollupIntervalSeconds,
		IncludeChildren:       payload.IncludeChildren,
		WeightFactor:          payload.WeightFactor,
		FilterExpression:      payload.FilterExpression,
		Enabled:               payload.Enabled,
		ActorID:               actorFromReq(r),
	})
	if err != nil {
		h.logger.Error("UpdateRollupConfig failed", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(rollupConfigToJSON(resp.Config)))
}

// DeleteConfig 删除聚合配置
func (h *RollupConfigHandler) DeleteConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	configID := configIDFromPath(r.URL.Path)
	if configID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	tenantID, ok := tenantFromReq(w, r)
	if !ok {
		return
	}

	_, err := h.configService.DeleteRollupConfig(ctx, service.DeleteRollupConfigRequest{
		TenantID: tenantID,
		ConfigID: configID,
		ActorID:  actorFromReq(r),
	})
	if err != nil {
		h.logger.Error("DeleteRollupConfig failed", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"deleted": true}))
}

func rollupConfigToJSON(c *domain.AssetRollupConfig) map[string]any {
	out := map[string]any{
		"config_id":               c.ConfigID,
		"tenant_id":               c.TenantID,
		"asset_id":                c.AssetID,
		"metric_name":             c.MetricName,
		"aggregation_method":      c.AggregationMethod,
		"rollup_interval_seconds": c.RollupIntervalSeconds,
		"include_children":        c.IncludeChildren,
		"weight_factor":           c.WeightFactor,
		"enabled":                 c.Enabled,
		"created_at":              c.CreatedAt,
		"updated_at":              c.UpdatedAt,
	}
	if c.FilterExpression.Valid {
		out["filter_expression"] = c.FilterExpression.String
	}
	return out
}
