package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/service"
)

const (
	dataAssetsBasePath = "/data/api/v1/assets"
	dropsPath          = "/data/api/v1/drops"
	auditLogPath       = "/admin/api/v1/audit-log"
)

// QueryHandler 数据面查询 Handler：状态、聚合序列、导出、丢弃记录、审计日志
type QueryHandler struct {
	queryService   service.QueryService
	exportRowLimit int
	logger         *zap.Logger
}

// NewQueryHandler 创建数据面查询 Handler
func NewQueryHandler(queryService service.QueryService, exportRowLimit int, logger *zap.Logger) *QueryHandler {
	if exportRowLimit <= 0 {
		exportRowLimit = 10000
	}
	return &QueryHandler{
		queryService:   queryService,
		exportRowLimit: exportRowLimit,
		logger:         logger,
	}
}

// ServeHTTP 实现 http.Handler 接口
func (h *QueryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/state") && r.Method == http.MethodGet:
		h.GetAssetState(w, r)
	case strings.HasSuffix(r.URL.Path, "/rollups/export") && r.Method == http.MethodGet:
		h.ExportRollups(w, r)
	case strings.HasSuffix(r.URL.Path, "/rollups") && r.Method == http.MethodGet:
		h.QueryRollups(w, r)
	case r.URL.Path == dropsPath && r.Method == http.MethodGet:
		h.ListDrops(w, r)
	case r.URL.Path == auditLogPath && r.Method == http.MethodGet:
		h.ListAuditLog(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// dataAssetIDFromPath 取 /data/api/v1/assets/{id}/suffix 中的 {id}
func dataAssetIDFromPath(path, suffix string) string {
	p := strings.TrimPrefix(path, dataAssetsBasePath+"/")
	p = strings.TrimSuffix(p, suffix)
	if p == "" || strings.Contains(p, "/") {
		return ""
	}
	return p
}

// GetAssetState 资产实时状态（缓存优先）
func (h *QueryHandler) GetAssetState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	assetID := dataAssetIDFromPath(r.URL.Path, "/state")
	if assetID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	tenantID, ok := tenantFromReq(w, r)
	if !ok {
		return
	}

	resp, err := h.queryService.GetAssetState(ctx, service.GetAssetStateRequest{
		TenantID: tenantID,
		AssetID:  assetID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(stateToJSON(resp.State)))
}

// QueryRollups 聚合桶序列查询
// ?metric=&start=&end=&interval=&limit=，start/end 接受 RFC3339 或 Unix 秒
func (h *QueryHandler) QueryRollups(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	assetID := dataAssetIDFromPath(r.URL.Path, "/rollups")
	if assetID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	tenantID, ok := tenantFromReq(w, r)
	if !ok {
		return
	}

	req, ok := h.seriesRequest(w, r, tenantID, assetID, 0)
	if !ok {
		return
	}

	resp, err := h.queryService.QueryRollupSeries(ctx, req)
	if err != nil {
		h.logger.Error("QueryRollups failed", zap.Error(err))
		writeError(w, err)
		return
	}

	items := make([]any, 0, len(resp.Items))
	for _, d := range resp.Items {
		items = append(items, rollupToJSON(d))
	}
	writeJSON(w, http.StatusOK, Ok(items))
}

// ExportRollups 聚合桶序列导出为 xlsx
func (h *QueryHandler) ExportRollups(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	assetID := dataAssetIDFromPath(r.URL.Path, "/rollups/export")
	if assetID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	tenantID, ok := tenantFromReq(w, r)
	if !ok {
		return
	}

	req, ok := h.seriesRequest(w, r, tenantID, assetID, h.exportRowLimit)
	if !ok {
		return
	}

	resp, err := h.queryService.QueryRollupSeries(ctx, req)
	if err != nil {
		h.logger.Error("ExportRollups query failed", zap.Error(err))
		writeError(w, err)
		return
	}

	data, err := GenerateRollupExport(resp.Items)
	if err != nil {
		h.logger.Error("ExportRollups excel generation failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to generate export"))
		return
	}

	filename := fmt.Sprintf("rollups_%s_%s.xlsx", req.MetricName, time.Now().UTC().Format("20060102T150405Z"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// seriesRequest 解析序列查询公共参数
func (h *QueryHandler) seriesRequest(w http.ResponseWriter, r *http.Request, tenantID, assetID string, limit int) (service.QueryRollupSeriesRequest, bool) {
	q := r.URL.Query()

	metric := q.Get("metric")
	if metric == "" {
		writeJSON(w, http.StatusOK, Fail("metric is required"))
		return service.QueryRollupSeriesRequest{}, false
	}
	start, ok := parseTime(q.Get("start"))
	if !ok {
		writeJSON(w, http.StatusOK, Fail("start is required (RFC3339 or unix seconds)"))
		return service.QueryRollupSeriesRequest{}, false
	}
	end, ok := parseTime(q.Get("end"))
	if !ok {
		writeJSON(w, http.StatusOK, Fail("end is required (RFC3339 or unix seconds)"))
		return service.QueryRollupSeriesRequest{}, false
	}
	if limit <= 0 {
		limit = parseInt(q.Get("limit"), 0)
	}

	return service.QueryRollupSeriesRequest{
		TenantID:        tenantID,
		AssetID:         assetID,
		MetricName:      metric,
		From:            start,
		To:              end,
		IntervalSeconds: parseInt64(q.Get("interval"), 0),
		Limit:           limit,
	}, true
}

// ListDrops 丢弃记录（迟到/无映射/换算失败）
func (h *QueryHandler) ListDrops(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := tenantFromReq(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	resp, err := h.queryService.ListDrops(ctx, service.ListDropsRequest{
		TenantID: tenantID,
		Page:     parseInt(q.Get("page"), 1),
		Size:     parseInt(q.Get("size"), 20),
	})
	if err != nil {
		h.logger.Error("ListDrops failed", zap.Error(err))
		writeError(w, err)
		return
	}

	items := make([]any, 0, len(resp.Items))
	for _, d := range resp.Items {
		items = append(items, map[string]any{
			"id":             d.ID,
			"reason":         d.Reason,
			"schema_name":    d.SchemaName,
			"schema_version": d.SchemaVersion,
			"field_path":     d.FieldPath,
			"device_id":      d.DeviceID,
			"event_time":     d.EventTime,
			"detail":         d.Detail,
			"received_at":    d.ReceivedAt,
		})
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": items,
		"total": resp.Total,
	}))
}

// ListAuditLog 审计日志查询
func (h *QueryHandler) ListAuditLog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := tenantFromReq(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	resp, err := h.queryService.ListAuditLog(ctx, service.ListAuditLogRequest{
		TenantID: tenantID,
		AssetID:  q.Get("asset_id"),
		Action:   q.Get("action"),
		Page:     parseInt(q.Get("page"), 1),
		Size:     parseInt(q.Get("size"), 20),
	})
	if err != nil {
		h.logger.Error("ListAuditLog failed", zap.Error(err))
		writeError(w, err)
		return
	}

	items := make([]any, 0, len(resp.Items))
	for _, e := range resp.Items {
		items = append(items, auditToJSON(e))
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": items,
		"total": resp.Total,
	}))
}

func stateToJSON(s *domain.AssetState) map[string]any {
	metrics := make(map[string]any, len(s.CalculatedMetrics))
	for name, mv := range s.CalculatedMetrics {
		metrics[name] = map[string]any{
			"value":     mv.Value,
			"timestamp": mv.Timestamp,
			"device_id": mv.DeviceID,
		}
	}
	return map[string]any{
		"asset_id":              s.AssetID,
		"tenant_id":             s.TenantID,
		"raw_state":             s.RawState,
		"calculated_metrics":    metrics,
		"alarm_status":          s.AlarmStatus,
		"alarm_count":           s.AlarmCount,
		"last_update_time":      s.LastUpdateTime,
		"last_update_device_id": s.LastUpdateDeviceID,
		"state_version":         s.StateVersion,
	}
}

func rollupToJSON(d *domain.AssetRollupData) map[string]any {
	return map[string]any{
		"asset_id":     d.AssetID,
		"metric_name":  d.MetricName,
		"bucket_start": d.BucketStart,
		"value":        d.Value,
		"sample_count": d.SampleCount,
		"metadata":     d.Metadata,
		"updated_at":   d.UpdatedAt,
	}
}

func auditToJSON(e *domain.AssetAuditEntry) map[string]any {
	out := map[string]any{
		"id":         e.ID,
		"tenant_id":  e.TenantID,
		"asset_id":   e.AssetID,
		"action":     e.Action,
		"created_at": e.CreatedAt,
	}
	if len(e.OldValue) > 0 {
		out["old_value"] = json.RawMessage(e.OldValue)
	}
	if len(e.NewValue) > 0 {
		out["new_value"] = json.RawMessage(e.NewValue)
	}
	if e.ActorID.Valid {
		out["actor_id"] = e.ActorID.String
	}
	return out
}
