package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/ingest"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/repository"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/rollup"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/service"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/state"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/store"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/transform"
)

const testTenant = "22222222-2222-2222-2222-222222222222"

type apiFixture struct {
	router    *Router
	assets    *repository.MemoryAssetsRepo
	rollups   *repository.MemoryRollupRepo
	telemetry *repository.MemoryTelemetryRepo
	xform     *transform.Engine
}

func setupAPI(t *testing.T) *apiFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := zap.NewNop()
	assets := repository.NewMemoryAssetsRepo()
	mappings := repository.NewMemoryMappingsRepo()
	rollups := repository.NewMemoryRollupRepo()
	telemetry := repository.NewMemoryTelemetryRepo()
	states := repository.NewMemoryStatesRepo()
	audits := repository.NewMemoryAuditRepo()

	stateMgr := state.NewManager(states, store.NewRedisKV(rdb), nil, "sensormine:asset:state:", 3600, logger)
	engine, err := transform.NewEngine()
	require.NoError(t, err)

	assetSvc := service.NewAssetService(assets, mappings, rollups, telemetry, states, audits, stateMgr, rdb, "asset:events", logger)
	mappingSvc := service.NewMappingService(mappings, assets, audits, engine, rdb, "asset:events", logger)
	configSvc := service.NewRollupConfigService(rollups, assets, mappings, audits, engine, rdb, "asset:events", logger)
	querySvc := service.NewQueryService(assets, rollups, telemetry, audits, stateMgr, logger)
	ingestSvc := ingest.NewService(mappings, telemetry, stateMgr, engine, 600, logger)

	router := NewRouter(logger)
	router.RegisterAdminRoutes(
		NewAssetHandler(assetSvc, logger),
		NewMappingHandler(mappingSvc, logger),
		NewRollupConfigHandler(configSvc, logger),
		NewQueryHandler(querySvc, 1000, logger),
	)
	router.RegisterDataRoutes(NewQueryHandler(querySvc, 1000, logger))
	router.RegisterIngestRoutes(NewIngestHandler(ingestSvc, 1<<20, logger))
	router.RegisterHealthz()

	return &apiFixture{router: router, assets: assets, rollups: rollups, telemetry: telemetry, xform: engine}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Tenant-Id", testTenant)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) (int, map[string]any) {
	t.Helper()
	var envelope struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Result  json.RawMessage `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	var result map[string]any
	if len(envelope.Result) > 0 && string(envelope.Result) != "null" {
		// 列表响应由调用方自行解码
		_ = json.Unmarshal(envelope.Result, &result)
	}
	return envelope.Code, result
}

func (f *apiFixture) createAsset(t *testing.T, name, parentID string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/admin/api/v1/assets", map[string]any{
		"asset_name": name,
		"asset_type": "machine",
		"parent_id":  parentID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	code, result := decodeResult(t, rec)
	require.Equal(t, ResultSuccess, code)
	return result["asset_id"].(string)
}

func TestRouter_Healthz(t *testing.T) {
	f := setupAPI(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestRouter_TenantRequired(t *testing.T) {
	f := setupAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/api/v1/assets", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	code, _ := decodeResult(t, rec)
	assert.Equal(t, ResultError, code)
	assert.Contains(t, rec.Body.String(), "tenant_id is required")
}

func TestRouter_AssetCRUDFlow(t *testing.T) {
	f := setupAPI(t)

	rootID := f.createAsset(t, "Mine Site", "")
	childID := f.createAsset(t, "Crusher", rootID)

	// list
	rec := f.do(t, http.MethodGet, "/admin/api/v1/assets?page=1&size=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	code, result := decodeResult(t, rec)
	require.Equal(t, ResultSuccess, code)
	assert.Equal(t, float64(2), result["total"])

	// get
	rec = f.do(t, http.MethodGet, "/admin/api/v1/assets/"+childID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, result = decodeResult(t, rec)
	assert.Equal(t, "Crusher", result["asset_name"])
	assert.Equal(t, rootID, result["parent_id"])

	// update
	rec = f.do(t, http.MethodPut, "/admin/api/v1/assets/"+childID, map[string]any{
		"asset_name": "Crusher 2",
		"status":     "inactive",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	_, result = decodeResult(t, rec)
	assert.Equal(t, "Crusher 2", result["asset_name"])
	assert.Equal(t, "inactive", result["status"])

	// move to root
	rec = f.do(t, http.MethodPost, "/admin/api/v1/assets/"+childID+"/move", map[string]any{
		"new_parent_id": "",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	_, result = decodeResult(t, rec)
	assert.Nil(t, result["parent_id"])
	assert.Equal(t, float64(0), result["level"])

	// delete
	rec = f.do(t, http.MethodDelete, "/admin/api/v1/assets/"+childID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/api/v1/assets/"+childID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_ChildrenDescendantsAncestors(t *testing.T) {
	f := setupAPI(t)

	rootID := f.createAsset(t, "Site", "")
	midID := f.createAsset(t, "Area", rootID)
	leafID := f.createAsset(t, "Sensor", midID)

	rec := f.do(t, http.MethodGet, "/admin/api/v1/assets/"+rootID+"/children", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var envelope struct {
		Result []map[string]any `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Len(t, envelope.Result, 1)
	assert.Equal(t, midID, envelope.Result[0]["asset_id"])

	rec = f.do(t, http.MethodGet, "/admin/api/v1/assets/"+rootID+"/descendants", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	envelope.Result = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Len(t, envelope.Result, 2)

	rec = f.do(t, http.MethodGet, "/admin/api/v1/assets/"+leafID+"/ancestors", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	envelope.Result = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Len(t, envelope.Result, 2)
	assert.Equal(t, rootID, envelope.Result[0]["asset_id"])
	assert.Equal(t, midID, envelope.Result[1]["asset_id"])
}

func TestRouter_DeleteWithChildrenConflict(t *testing.T) {
	f := setupAPI(t)

	rootID := f.createAsset(t, "Site", "")
	f.createAsset(t, "Area", rootID)

	rec := f.do(t, http.MethodDelete, "/admin/api/v1/assets/"+rootID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodDelete, "/admin/api/v1/assets/"+rootID+"?cascade=true", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_MappingLifecycleAndResolve(t *testing.T) {
	f := setupAPI(t)

	assetID := f.createAsset(t, "Compressor", "")

	rec := f.do(t, http.MethodPost, "/admin/api/v1/mappings", map[string]any{
		"schema_name":          "env_sensor",
		"schema_version":       "v1",
		"field_path":           "payload.temperature",
		"asset_id":             assetID,
		"metric_name":          "temperature",
		"transform_expression": "(value - 32.0) * 5.0 / 9.0",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	code, result := decodeResult(t, rec)
	require.Equal(t, ResultSuccess, code)
	mappingID := result["mapping_id"].(string)

	// 重复键冲突
	rec = f.do(t, http.MethodPost, "/admin/api/v1/mappings", map[string]any{
		"schema_name":    "env_sensor",
		"schema_version": "v1",
		"field_path":     "payload.temperature",
		"asset_id":       assetID,
		"metric_name":    "temperature",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// 非法表达式校验失败（200信封 + 错误码）
	rec = f.do(t, http.MethodPost, "/admin/api/v1/mappings", map[string]any{
		"schema_name":          "env_sensor",
		"schema_version":       "v1",
		"field_path":           "payload.humidity",
		"asset_id":             assetID,
		"metric_name":          "humidity",
		"transform_expression": "value +* 2",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	code, _ = decodeResult(t, rec)
	assert.Equal(t, ResultError, code)

	// resolve
	rec = f.do(t, http.MethodGet,
		"/admin/api/v1/mappings/resolve?schema_name=env_sensor&schema_version=v1&field_path=payload.temperature", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listEnvelope struct {
		Result []map[string]any `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listEnvelope))
	require.Len(t, listEnvelope.Result, 1)
	assert.Equal(t, mappingID, listEnvelope.Result[0]["mapping_id"])

	// delete
	rec = f.do(t, http.MethodDelete, "/admin/api/v1/mappings/"+mappingID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_RollupConfigLifecycle(t *testing.T) {
	f := setupAPI(t)

	assetID := f.createAsset(t, "Mill", "")

	rec := f.do(t, http.MethodPost, "/admin/api/v1/rollup-configs", map[string]any{
		"asset_id":                assetID,
		"metric_name":             "temperature",
		"aggregation_method":      "avg",
		"rollup_interval_seconds": 300,
		"include_children":        true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	code, result := decodeResult(t, rec)
	require.Equal(t, ResultSuccess, code)
	configID := result["config_id"].(string)
	assert.Equal(t, float64(1), result["weight_factor"])

	rec = f.do(t, http.MethodPut, "/admin/api/v1/rollup-configs/"+configID, map[string]any{
		"aggregation_method": "sum",
		"weight_factor":      2.0,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	_, result = decodeResult(t, rec)
	assert.Equal(t, "sum", result["aggregation_method"])
	assert.Equal(t, float64(2), result["weight_factor"])

	// 同资产同指标重复创建冲突
	rec = f.do(t, http.MethodPost, "/admin/api/v1/rollup-configs", map[string]any{
		"asset_id":                assetID,
		"metric_name":             "temperature",
		"rollup_interval_seconds": 60,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodDelete, "/admin/api/v1/rollup-configs/"+configID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_IngestToStateFlow(t *testing.T) {
	f := setupAPI(t)

	assetID := f.createAsset(t, "Boiler", "")

	rec := f.do(t, http.MethodPost, "/admin/api/v1/mappings", map[string]any{
		"schema_name":    "env_sensor",
		"schema_version": "v1",
		"field_path":     "payload.temperature",
		"asset_id":       assetID,
		"metric_name":    "temperature",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	eventTS := time.Now().UTC().Add(-30 * time.Second)
	rec = f.do(t, http.MethodPost, "/ingest/api/v1/telemetry", map[string]any{
		"tenant_id":      testTenant,
		"device_id":      "dev-1",
		"schema_name":    "env_sensor",
		"schema_version": "v1",
		"timestamp":      eventTS.Format(time.RFC3339Nano),
		"fields": map[string]any{
			"payload": map[string]any{"temperature": 22.5},
		},
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodGet, "/data/api/v1/assets/"+assetID+"/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, result := decodeResult(t, rec)
	metrics := result["calculated_metrics"].(map[string]any)
	temp := metrics["temperature"].(map[string]any)
	assert.Equal(t, 22.5, temp["value"])
	assert.Equal(t, "dev-1", temp["device_id"])
}

func TestRouter_IngestInvalidEnvelope(t *testing.T) {
	f := setupAPI(t)

	// 缺少 tenant_id
	rec := f.do(t, http.MethodPost, "/ingest/api/v1/telemetry", map[string]any{
		"device_id":      "dev-1",
		"schema_name":    "env_sensor",
		"schema_version": "v1",
		"fields":         map[string]any{"x": 1},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_RollupSeriesAndExport(t *testing.T) {
	f := setupAPI(t)
	assetID := f.createAsset(t, "Kiln", "")

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.rollups.UpsertRollup(context.Background(), &domain.AssetRollupData{
			TenantID:    testTenant,
			AssetID:     assetID,
			MetricName:  "temperature",
			BucketStart: base.Add(time.Duration(i) * 5 * time.Minute),
			Value:       float64(20 + i),
			SampleCount: int64(i + 1),
		}))
	}

	path := fmt.Sprintf("/data/api/v1/assets/%s/rollups?metric=temperature&start=%d&end=%d&interval=300",
		assetID, base.Unix(), base.Add(time.Hour).Unix())
	rec := f.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listEnvelope struct {
		Result []map[string]any `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listEnvelope))
	require.Len(t, listEnvelope.Result, 3)
	assert.Equal(t, float64(20), listEnvelope.Result[0]["value"])

	exportPath := fmt.Sprintf("/data/api/v1/assets/%s/rollups/export?metric=temperature&start=%d&end=%d",
		assetID, base.Unix(), base.Add(time.Hour).Unix())
	rec = f.do(t, http.MethodGet, exportPath, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "rollups_temperature_")
	// xlsx 是 zip 容器，魔数 PK
	body := rec.Body.Bytes()
	require.Greater(t, len(body), 4)
	assert.Equal(t, byte('P'), body[0])
	assert.Equal(t, byte('K'), body[1])
}

func TestRouter_AuditLogEndpoint(t *testing.T) {
	f := setupAPI(t)

	assetID := f.createAsset(t, "Press", "")
	rec := f.do(t, http.MethodPut, "/admin/api/v1/assets/"+assetID, map[string]any{
		"asset_name": "Press 2",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/api/v1/audit-log?asset_id="+assetID+"&action=asset_updated", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, result := decodeResult(t, rec)
	assert.Equal(t, float64(1), result["total"])
}

func TestRouter_DropsEndpoint(t *testing.T) {
	f := setupAPI(t)

	assetID := f.createAsset(t, "Fan", "")
	rec := f.do(t, http.MethodPost, "/admin/api/v1/mappings", map[string]any{
		"schema_name":    "env_sensor",
		"schema_version": "v1",
		"field_path":     "payload.speed",
		"asset_id":       assetID,
		"metric_name":    "speed",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// 无映射字段会进丢弃表
	rec = f.do(t, http.MethodPost, "/ingest/api/v1/telemetry", map[string]any{
		"tenant_id":      testTenant,
		"device_id":      "dev-9",
		"schema_name":    "env_sensor",
		"schema_version": "v1",
		"fields":         map[string]any{"payload": map[string]any{"unknown_field": 3}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodGet, "/data/api/v1/drops", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, result := decodeResult(t, rec)
	assert.Equal(t, float64(1), result["total"])
}

// 全链路：两条遥测进同一个5分钟桶，状态取事件时间最新值，聚合重算后桶值为均值
func TestRouter_IngestToRollupPipeline(t *testing.T) {
	f := setupAPI(t)
	ctx := context.Background()

	assetID := f.createAsset(t, "Dryer", "")

	rec := f.do(t, http.MethodPost, "/admin/api/v1/mappings", map[string]any{
		"schema_name":    "env_sensor",
		"schema_version": "v1",
		"field_path":     "payload.temperature",
		"asset_id":       assetID,
		"metric_name":    "temperature",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/api/v1/rollup-configs", map[string]any{
		"asset_id":                assetID,
		"metric_name":             "temperature",
		"aggregation_method":      "avg",
		"rollup_interval_seconds": 300,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	bucket := time.Now().UTC().Truncate(5 * time.Minute)
	for i, v := range []float64{22.5, 23.0} {
		rec = f.do(t, http.MethodPost, "/ingest/api/v1/telemetry", map[string]any{
			"tenant_id":      testTenant,
			"device_id":      "dev-1",
			"schema_name":    "env_sensor",
			"schema_version": "v1",
			"timestamp":      bucket.Add(time.Duration(i) * time.Minute).Format(time.RFC3339Nano),
			"fields":         map[string]any{"payload": map[string]any{"temperature": v}},
		})
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/data/api/v1/assets/"+assetID+"/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, result := decodeResult(t, rec)
	temp := result["calculated_metrics"].(map[string]any)["temperature"].(map[string]any)
	assert.Equal(t, 23.0, temp["value"])

	cfg, err := f.rollups.GetConfigByAssetMetric(ctx, testTenant, assetID, "temperature")
	require.NoError(t, err)
	rollupEngine := rollup.NewEngine(f.assets, f.rollups, f.telemetry, f.xform, zap.NewNop())
	require.NoError(t, rollupEngine.RecomputeBucket(ctx, cfg, bucket, rollup.ConfigIndex{}))

	path := fmt.Sprintf("/data/api/v1/assets/%s/rollups?metric=temperature&start=%d&end=%d",
		assetID, bucket.Unix(), bucket.Add(5*time.Minute).Unix())
	rec = f.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listEnvelope struct {
		Result []map[string]any `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listEnvelope))
	require.Len(t, listEnvelope.Result, 1)
	assert.Equal(t, 22.75, listEnvelope.Result[0]["value"])
	assert.Equal(t, float64(2), listEnvelope.Result[0]["sample_count"])
}
