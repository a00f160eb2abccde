package ingest

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/repository"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/state"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/store"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/transform"
)

const ingestTenant = "tenant-1"

type ingestFixture struct {
	service   *Service
	mappings  *repository.MemoryMappingsRepo
	telemetry *repository.MemoryTelemetryRepo
	states    *state.Manager
	statesDB  *repository.MemoryStatesRepo
}

func setupIngest(t *testing.T) *ingestFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	statesDB := repository.NewMemoryStatesRepo()
	states := state.NewManager(statesDB, store.NewRedisKV(redisClient), nil, "sensormine:asset:state:", 3600, zap.NewNop())

	engine, err := transform.NewEngine()
	require.NoError(t, err)

	mappings := repository.NewMemoryMappingsRepo()
	telemetry := repository.NewMemoryTelemetryRepo()

	return &ingestFixture{
		service:   NewService(mappings, telemetry, states, engine, 600, zap.NewNop()),
		mappings:  mappings,
		telemetry: telemetry,
		states:    states,
		statesDB:  statesDB,
	}
}

func (f *ingestFixture) addMapping(t *testing.T, m *domain.DataPointMapping) {
	t.Helper()
	if m.MetricName == "" {
		m.MetricName = "temperature"
	}
	_, err := f.mappings.Create(context.Background(), ingestTenant, m)
	require.NoError(t, err)
}

func envelope(ts time.Time, fields map[string]interface{}) *domain.TelemetryEnvelope {
	return &domain.TelemetryEnvelope{
		TenantID:      ingestTenant,
		DeviceID:      "dev-1",
		SchemaName:    "env_sensor",
		SchemaVersion: "v1",
		Timestamp:     ts,
		Fields:        fields,
	}
}

func TestIngest_MappedFieldUpdatesStateAndContribution(t *testing.T) {
	f := setupIngest(t)
	f.addMapping(t, &domain.DataPointMapping{
		SchemaName:    "env_sensor",
		SchemaVersion: "v1",
		FieldPath:     "payload.temperature",
		AssetID:       "asset-1",
		MetricName:    "temperature",
		RollupEnabled: true,
		Enabled:       true,
	})

	ts := time.Now().UTC().Truncate(time.Second)
	res, err := f.service.Ingest(context.Background(), envelope(ts, map[string]interface{}{
		"payload": map[string]interface{}{"temperature": 22.5, "rssi": -60},
	}))
	require.NoError(t, err)

	assert.Equal(t, 1, res.MetricsApplied)
	assert.Equal(t, 1, res.ContributionsStored)
	assert.Equal(t, 1, res.Dropped) // payload.rssi 无映射

	s, err := f.states.GetState(context.Background(), ingestTenant, "asset-1")
	require.NoError(t, err)
	assert.Equal(t, 22.5, s.CalculatedMetrics["temperature"].Value)
	assert.Equal(t, ts, s.CalculatedMetrics["temperature"].Timestamp)
	assert.Equal(t, -60, s.RawState["payload.rssi"]) // 原始态保留未映射字段

	contribs, err := f.telemetry.ListContributions(context.Background(), ingestTenant, "asset-1", "temperature",
		ts.Add(-time.Minute), ts.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, contribs, 1)
	assert.Equal(t, 22.5, contribs[0].Value)
	assert.Equal(t, "dev-1", contribs[0].DeviceID)
}

func TestIngest_UnmappedFieldDropped(t *testing.T) {
	f := setupIngest(t)

	res, err := f.service.Ingest(context.Background(), envelope(time.Now().UTC(), map[string]interface{}{
		"mystery": 1.0,
	}))
	require.NoError(t, err)
	assert.Equal(t, 0, res.MetricsApplied)
	assert.Equal(t, 1, res.Dropped)

	drops, total, err := f.telemetry.ListDrops(context.Background(), ingestTenant, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, domain.DropUnmapped, drops[0].Reason)
	assert.Equal(t, "mystery", drops[0].FieldPath)
}

func TestIngest_DisabledMappingDropped(t *testing.T) {
	f := setupIngest(t)
	f.addMapping(t, &domain.DataPointMapping{
		SchemaName:    "env_sensor",
		SchemaVersion: "v1",
		FieldPath:     "temp",
		AssetID:       "asset-1",
		RollupEnabled: true,
		Enabled:       false,
	})

	res, err := f.service.Ingest(context.Background(), envelope(time.Now().UTC(), map[string]interface{}{
		"temp": 20.0,
	}))
	require.NoError(t, err)
	assert.Equal(t, 0, res.MetricsApplied)
	assert.Equal(t, 1, res.Dropped)

	drops, _, err := f.telemetry.ListDrops(context.Background(), ingestTenant, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, domain.DropDisabled, drops[0].Reason)
}

func TestIngest_TransformExpressionApplied(t *testing.T) {
	f := setupIngest(t)
	f.addMapping(t, &domain.DataPointMapping{
		SchemaName:          "env_sensor",
		SchemaVersion:       "v1",
		FieldPath:           "temp_f",
		AssetID:             "asset-1",
		MetricName:          "temperature",
		RollupEnabled:       true,
		Enabled:             true,
		TransformExpression: sql.NullString{String: "(value - 32.0) * 5.0 / 9.0", Valid: true},
	})

	ts := time.Now().UTC()
	res, err := f.service.Ingest(context.Background(), envelope(ts, map[string]interface{}{
		"temp_f": 212,
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, res.MetricsApplied)
	assert.Equal(t, 0, res.Dropped)

	s, err := f.states.GetState(context.Background(), ingestTenant, "asset-1")
	require.NoError(t, err)
	assert.InDelta(t, 100.0, s.CalculatedMetrics["temperature"].Value, 1e-9)
}

func TestIngest_TransformOfNonNumericRaw(t *testing.T) {
	f := setupIngest(t)
	f.addMapping(t, &domain.DataPointMapping{
		SchemaName:          "env_sensor",
		SchemaVersion:       "v1",
		FieldPath:           "switch",
		AssetID:             "asset-1",
		MetricName:          "switch_on",
		Enabled:             true,
		TransformExpression: sql.NullString{String: `value == "on" ? 1.0 : 0.0`, Valid: true},
	})

	res, err := f.service.Ingest(context.Background(), envelope(time.Now().UTC(), map[string]interface{}{
		"switch": "on",
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, res.MetricsApplied)
	assert.Equal(t, 0, res.Dropped)

	s, err := f.states.GetState(context.Background(), ingestTenant, "asset-1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.CalculatedMetrics["switch_on"].Value)
}

func TestIngest_TransformErrorDropsOnlyThatPoint(t *testing.T) {
	f := setupIngest(t)
	f.addMapping(t, &domain.DataPointMapping{
		SchemaName:          "env_sensor",
		SchemaVersion:       "v1",
		FieldPath:           "bad",
		AssetID:             "asset-1",
		MetricName:          "bad_metric",
		Enabled:             true,
		TransformExpression: sql.NullString{String: "value / 0.0 == 1.0 ? value : value", Valid: true},
	})
	f.addMapping(t, &domain.DataPointMapping{
		SchemaName:    "env_sensor",
		SchemaVersion: "v1",
		FieldPath:     "good",
		AssetID:       "asset-1",
		MetricName:    "good_metric",
		Enabled:       true,
	})

	res, err := f.service.Ingest(context.Background(), envelope(time.Now().UTC(), map[string]interface{}{
		"bad":  "not-a-number", // 字符串除法求值报错
		"good": 5.0,
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, res.MetricsApplied)
	assert.Equal(t, 1, res.Dropped)

	drops, _, err := f.telemetry.ListDrops(context.Background(), ingestTenant, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, domain.DropTransformError, drops[0].Reason)

	s, err := f.states.GetState(context.Background(), ingestTenant, "asset-1")
	require.NoError(t, err)
	assert.Equal(t, 5.0, s.CalculatedMetrics["good_metric"].Value)
	assert.NotContains(t, s.CalculatedMetrics, "bad_metric")
}

func TestIngest_NonNumericWithoutTransformDropped(t *testing.T) {
	f := setupIngest(t)
	f.addMapping(t, &domain.DataPointMapping{
		SchemaName:    "env_sensor",
		SchemaVersion: "v1",
		FieldPath:     "status",
		AssetID:       "asset-1",
		MetricName:    "status_code",
		Enabled:       true,
	})

	res, err := f.service.Ingest(context.Background(), envelope(time.Now().UTC(), map[string]interface{}{
		"status": "running",
	}))
	require.NoError(t, err)
	assert.Equal(t, 0, res.MetricsApplied)
	assert.Equal(t, 1, res.Dropped)

	drops, _, err := f.telemetry.ListDrops(context.Background(), ingestTenant, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, domain.DropNonNumeric, drops[0].Reason)
}

func TestIngest_StaleEventUpdatesStateButSkipsContribution(t *testing.T) {
	f := setupIngest(t)
	f.addMapping(t, &domain.DataPointMapping{
		SchemaName:    "env_sensor",
		SchemaVersion: "v1",
		FieldPath:     "temp",
		AssetID:       "asset-1",
		MetricName:    "temperature",
		RollupEnabled: true,
		Enabled:       true,
	})

	// 事件时间早于宽限窗（600s）
	stale := time.Now().UTC().Add(-time.Hour)
	res, err := f.service.Ingest(context.Background(), envelope(stale, map[string]interface{}{
		"temp": 19.0,
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, res.MetricsApplied)
	assert.Equal(t, 0, res.ContributionsStored)
	assert.Equal(t, 1, res.Dropped)

	// 状态照常合并（迟到不影响最新值语义）
	s, err := f.states.GetState(context.Background(), ingestTenant, "asset-1")
	require.NoError(t, err)
	assert.Equal(t, 19.0, s.CalculatedMetrics["temperature"].Value)

	drops, _, err := f.telemetry.ListDrops(context.Background(), ingestTenant, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, domain.DropStale, drops[0].Reason)
}

func TestIngest_OneFieldFansOutToMultipleAssets(t *testing.T) {
	f := setupIngest(t)
	f.addMapping(t, &domain.DataPointMapping{
		SchemaName:    "env_sensor",
		SchemaVersion: "v1",
		FieldPath:     "temp",
		AssetID:       "asset-1",
		MetricName:    "temperature",
		RollupEnabled: true,
		Enabled:       true,
	})
	f.addMapping(t, &domain.DataPointMapping{
		SchemaName:    "env_sensor",
		SchemaVersion: "v1",
		FieldPath:     "temp",
		AssetID:       "asset-2",
		MetricName:    "inlet_temperature",
		RollupEnabled: true,
		Enabled:       true,
	})

	res, err := f.service.Ingest(context.Background(), envelope(time.Now().UTC(), map[string]interface{}{
		"temp": 30.0,
	}))
	require.NoError(t, err)
	assert.Equal(t, 2, res.MetricsApplied)
	assert.Equal(t, 2, res.ContributionsStored)

	s1, err := f.states.GetState(context.Background(), ingestTenant, "asset-1")
	require.NoError(t, err)
	assert.Equal(t, 30.0, s1.CalculatedMetrics["temperature"].Value)

	s2, err := f.states.GetState(context.Background(), ingestTenant, "asset-2")
	require.NoError(t, err)
	assert.Equal(t, 30.0, s2.CalculatedMetrics["inlet_temperature"].Value)
}

func TestIngest_ZeroTimestampDefaultsToNow(t *testing.T) {
	f := setupIngest(t)
	f.addMapping(t, &domain.DataPointMapping{
		SchemaName:    "env_sensor",
		SchemaVersion: "v1",
		FieldPath:     "temp",
		AssetID:       "asset-1",
		MetricName:    "temperature",
		RollupEnabled: true,
		Enabled:       true,
	})

	before := time.Now().UTC()
	res, err := f.service.Ingest(context.Background(), envelope(time.Time{}, map[string]interface{}{
		"temp": 21.0,
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, res.ContributionsStored) // 非过期

	s, err := f.states.GetState(context.Background(), ingestTenant, "asset-1")
	require.NoError(t, err)
	got := s.CalculatedMetrics["temperature"].Timestamp
	assert.False(t, got.Before(before))
	assert.False(t, got.After(time.Now().UTC()))
}

func TestIngest_EnvelopeValidation(t *testing.T) {
	f := setupIngest(t)

	_, err := f.service.Ingest(context.Background(), nil)
	assert.True(t, domain.IsValidation(err))

	_, err = f.service.Ingest(context.Background(), &domain.TelemetryEnvelope{
		DeviceID: "dev-1", SchemaName: "s", SchemaVersion: "v1",
		Fields: map[string]interface{}{"a": 1},
	})
	assert.True(t, domain.IsValidation(err))

	_, err = f.service.Ingest(context.Background(), &domain.TelemetryEnvelope{
		TenantID: ingestTenant, DeviceID: "dev-1", SchemaName: "s", SchemaVersion: "v1",
	})
	assert.True(t, domain.IsValidation(err))
}
