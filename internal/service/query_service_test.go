package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/repository"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/state"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/store"
)

type queryFixture struct {
	svc       QueryService
	assets    *repository.MemoryAssetsRepo
	rollups   *repository.MemoryRollupRepo
	telemetry *repository.MemoryTelemetryRepo
	audits    *repository.MemoryAuditRepo
	states    *state.Manager
	assetID   string
}

func setupQueryService(t *testing.T) *queryFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &queryFixture{
		assets:    repository.NewMemoryAssetsRepo(),
		rollups:   repository.NewMemoryRollupRepo(),
		telemetry: repository.NewMemoryTelemetryRepo(),
		audits:    repository.NewMemoryAuditRepo(),
	}
	statesRepo := repository.NewMemoryStatesRepo()
	f.states = state.NewManager(statesRepo, store.NewRedisKV(rdb), nil, "sensormine:asset:state:", 3600, zap.NewNop())
	f.svc = NewQueryService(f.assets, f.rollups, f.telemetry, f.audits, f.states, zap.NewNop())

	a := &domain.Asset{AssetName: "Pump", AssetType: "machine"}
	_, err := f.assets.Create(context.Background(), svcTenant, a)
	require.NoError(t, err)
	f.assetID = a.AssetID
	return f
}

func TestQueryService_GetAssetStateNoTelemetryYet(t *testing.T) {
	f := setupQueryService(t)

	resp, err := f.svc.GetAssetState(context.Background(), GetAssetStateRequest{
		TenantID: svcTenant,
		AssetID:  f.assetID,
	})
	require.NoError(t, err)
	assert.Equal(t, f.assetID, resp.State.AssetID)
	assert.Equal(t, domain.AlarmStatusNormal, resp.State.AlarmStatus)
	assert.Empty(t, resp.State.CalculatedMetrics)
}

func TestQueryService_GetAssetStateUnknownAsset(t *testing.T) {
	f := setupQueryService(t)

	_, err := f.svc.GetAssetState(context.Background(), GetAssetStateRequest{
		TenantID: svcTenant,
		AssetID:  "missing",
	})
	assert.True(t, domain.IsNotFound(err))
}

func TestQueryService_GetAssetStateAfterIngest(t *testing.T) {
	f := setupQueryService(t)
	ctx := context.Background()

	eventTS := time.Now().UTC().Add(-time.Minute)
	_, err := f.states.ApplyIngest(ctx, svcTenant, f.assetID,
		[]state.MetricSample{{Metric: "temperature", Value: 22.5}},
		map[string]interface{}{"payload.temperature": 22.5}, "dev-1", eventTS)
	require.NoError(t, err)

	resp, err := f.svc.GetAssetState(ctx, GetAssetStateRequest{
		TenantID: svcTenant,
		AssetID:  f.assetID,
	})
	require.NoError(t, err)
	require.Contains(t, resp.State.CalculatedMetrics, "temperature")
	assert.Equal(t, 22.5, resp.State.CalculatedMetrics["temperature"].Value)
	assert.Equal(t, "dev-1", resp.State.LastUpdateDeviceID)
}

func TestQueryService_RollupSeriesWindow(t *testing.T) {
	f := setupQueryService(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, f.rollups.UpsertRollup(ctx, &domain.AssetRollupData{
			TenantID:    svcTenant,
			AssetID:     f.assetID,
			MetricName:  "temperature",
			BucketStart: base.Add(time.Duration(i) * time.Minute),
			Value:       float64(20 + i),
			SampleCount: 1,
		}))
	}

	resp, err := f.svc.QueryRollupSeries(ctx, QueryRollupSeriesRequest{
		TenantID:   svcTenant,
		AssetID:    f.assetID,
		MetricName: "temperature",
		From:       base.Add(time.Minute),
		To:         base.Add(3 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, resp.Items, 2)
	assert.Equal(t, base.Add(time.Minute), resp.Items[0].BucketStart)
	assert.Equal(t, base.Add(2*time.Minute), resp.Items[1].BucketStart)
}

func TestQueryService_RollupSeriesAlignsToBuckets(t *testing.T) {
	f := setupQueryService(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, f.rollups.UpsertRollup(ctx, &domain.AssetRollupData{
		TenantID:    svcTenant,
		AssetID:     f.assetID,
		MetricName:  "temperature",
		BucketStart: base,
		Value:       21,
		SampleCount: 1,
	}))

	// 窗口落在桶中间，指定 interval 后对齐到桶边界，首尾桶都覆盖
	resp, err := f.svc.QueryRollupSeries(ctx, QueryRollupSeriesRequest{
		TenantID:        svcTenant,
		AssetID:         f.assetID,
		MetricName:      "temperature",
		From:            base.Add(30 * time.Second),
		To:              base.Add(45 * time.Second),
		IntervalSeconds: 60,
	})
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, base, resp.Items[0].BucketStart)
}

func TestQueryService_RollupSeriesValidation(t *testing.T) {
	f := setupQueryService(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	_, err := f.svc.QueryRollupSeries(ctx, QueryRollupSeriesRequest{
		TenantID:   svcTenant,
		AssetID:    f.assetID,
		MetricName: "temperature",
		From:       base,
		To:         base,
	})
	assert.True(t, domain.IsValidation(err))

	_, err = f.svc.QueryRollupSeries(ctx, QueryRollupSeriesRequest{
		TenantID:   svcTenant,
		AssetID:    f.assetID,
		MetricName: "",
		From:       base,
		To:         base.Add(time.Hour),
	})
	assert.True(t, domain.IsValidation(err))
}

func TestQueryService_ListDrops(t *testing.T) {
	f := setupQueryService(t)
	ctx := context.Background()

	require.NoError(t, f.telemetry.InsertDrop(ctx, &domain.TelemetryDrop{
		TenantID:      svcTenant,
		Reason:        "unmapped",
		SchemaName:    "env_sensor",
		SchemaVersion: "v1",
		FieldPath:     "payload.rssi",
		DeviceID:      "dev-1",
		EventTime:     time.Now().UTC(),
	}))

	resp, err := f.svc.ListDrops(ctx, ListDropsRequest{TenantID: svcTenant, Page: 1, Size: 10})
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "unmapped", resp.Items[0].Reason)
	assert.Equal(t, 1, resp.Total)
}

func TestQueryService_ListAuditLogFiltered(t *testing.T) {
	f := setupQueryService(t)
	ctx := context.Background()

	require.NoError(t, f.audits.Append(ctx, &domain.AssetAuditEntry{
		TenantID: svcTenant,
		AssetID:  f.assetID,
		Action:   domain.AuditAssetCreated,
	}))
	require.NoError(t, f.audits.Append(ctx, &domain.AssetAuditEntry{
		TenantID: svcTenant,
		AssetID:  f.assetID,
		Action:   domain.AuditAssetUpdated,
	}))

	resp, err := f.svc.ListAuditLog(ctx, ListAuditLogRequest{
		TenantID: svcTenant,
		AssetID:  f.assetID,
		Action:   domain.AuditAssetUpdated,
		Page:     1,
		Size:     10,
	})
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, domain.AuditAssetUpdated, resp.Items[0].Action)
}
