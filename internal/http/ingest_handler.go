package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/ingest"
)

const ingestTelemetryPath = "/ingest/api/v1/telemetry"

// IngestHandler 遥测接入 Handler
// fire-and-forget：信封合法即回 202，处理结果只进日志与丢弃表。
type IngestHandler struct {
	ingestService *ingest.Service
	maxBodyBytes  int64
	logger        *zap.Logger
}

// NewIngestHandler 创建遥测接入 Handler
func NewIngestHandler(ingestService *ingest.Service, maxBodyBytes int64, logger *zap.Logger) *IngestHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &IngestHandler{
		ingestService: ingestService,
		maxBodyBytes:  maxBodyBytes,
		logger:        logger,
	}
}

// ServeHTTP 实现 http.Handler 接口
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != ingestTelemetryPath || r.Method != http.MethodPost {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h.PostTelemetry(w, r)
}

// PostTelemetry 接收遥测信封
func (h *IngestHandler) PostTelemetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var env domain.TelemetryEnvelope
	if err := readBodyJSON(r, h.maxBodyBytes, &env); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}

	res, err := h.ingestService.Ingest(ctx, &env)
	if err != nil {
		// 只有信封级校验错误会走到这里（租户/设备/schema缺失）
		// 设备侧需要非2xx信号，不走前端信封约定
		if domain.IsValidation(err) {
			writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
			return
		}
		writeError(w, err)
		return
	}

	h.logger.Debug("telemetry accepted",
		zap.String("tenant_id", env.TenantID),
		zap.String("device_id", env.DeviceID),
		zap.Int("metrics_applied", res.MetricsApplied),
		zap.Int("contributions_stored", res.ContributionsStored),
		zap.Int("dropped", res.Dropped),
	)

	writeJSON(w, http.StatusAccepted, Ok(map[string]any{
		"accepted": true,
	}))
}
