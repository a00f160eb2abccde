package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/repository"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/transform"
)

type rollupCfgFixture struct {
	svc      RollupConfigService
	assets   *repository.MemoryAssetsRepo
	mappings *repository.MemoryMappingsRepo
	rollups  *repository.MemoryRollupRepo
	audits   *repository.MemoryAuditRepo
	assetID  string
}

func setupRollupConfigService(t *testing.T) *rollupCfgFixture {
	t.Helper()

	f := &rollupCfgFixture{
		assets:   repository.NewMemoryAssetsRepo(),
		mappings: repository.NewMemoryMappingsRepo(),
		rollups:  repository.NewMemoryRollupRepo(),
		audits:   repository.NewMemoryAuditRepo(),
	}
	engine, err := transform.NewEngine()
	require.NoError(t, err)
	f.svc = NewRollupConfigService(f.rollups, f.assets, f.mappings, f.audits, engine, nil, "", zap.NewNop())

	a := &domain.Asset{AssetName: "Mill", AssetType: "machine"}
	_, err = f.assets.Create(context.Background(), svcTenant, a)
	require.NoError(t, err)
	f.assetID = a.AssetID
	return f
}

func TestRollupConfigService_CreateWithDefaults(t *testing.T) {
	f := setupRollupConfigService(t)

	resp, err := f.svc.CreateRollupConfig(context.Background(), CreateRollupConfigRequest{
		TenantID:              svcTenant,
		AssetID:               f.assetID,
		MetricName:            "temperature",
		RollupIntervalSeconds: 300,
	})
	require.NoError(t, err)

	c := resp.Config
	assert.NotEmpty(t, c.ConfigID)
	assert.Equal(t, domain.AggAvg, c.AggregationMethod)
	assert.Equal(t, 1.0, c.WeightFactor)
	assert.True(t, c.Enabled)
	assert.False(t, c.IncludeChildren)
}

func TestRollupConfigService_DefaultMethodFromMapping(t *testing.T) {
	f := setupRollupConfigService(t)
	ctx := context.Background()

	// 映射声明 default_aggregation=max，建配置不给方法时应预填
	_, err := f.mappings.Create(ctx, svcTenant, &domain.DataPointMapping{
		SchemaName:         "env_sensor",
		SchemaVersion:      "v1",
		FieldPath:          "payload.peak",
		AssetID:            f.assetID,
		MetricName:         "peak_pressure",
		DefaultAggregation: domain.AggMax,
		RollupEnabled:      true,
		Enabled:            true,
	})
	require.NoError(t, err)

	resp, err := f.svc.CreateRollupConfig(ctx, CreateRollupConfigRequest{
		TenantID:              svcTenant,
		AssetID:               f.assetID,
		MetricName:            "peak_pressure",
		RollupIntervalSeconds: 60,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.AggMax, resp.Config.AggregationMethod)
}

func TestRollupConfigService_CreateValidation(t *testing.T) {
	f := setupRollupConfigService(t)
	ctx := context.Background()

	base := CreateRollupConfigRequest{
		TenantID:              svcTenant,
		AssetID:               f.assetID,
		MetricName:            "temperature",
		RollupIntervalSeconds: 60,
	}

	req := base
	req.RollupIntervalSeconds = 0
	_, err := f.svc.CreateRollupConfig(ctx, req)
	assert.True(t, domain.IsValidation(err))

	req = base
	neg := -0.5
	req.WeightFactor = &neg
	_, err = f.svc.CreateRollupConfig(ctx, req)
	assert.True(t, domain.IsValidation(err))

	req = base
	req.AggregationMethod = "median"
	_, err = f.svc.CreateRollupConfig(ctx, req)
	assert.True(t, domain.IsValidation(err))

	req = base
	req.FilterExpression = "value >>> 1"
	_, err = f.svc.CreateRollupConfig(ctx, req)
	assert.True(t, domain.IsValidation(err))

	req = base
	req.AssetID = "missing"
	_, err = f.svc.CreateRollupConfig(ctx, req)
	assert.True(t, domain.IsNotFound(err))
}

func TestRollupConfigService_DuplicateMetricConflict(t *testing.T) {
	f := setupRollupConfigService(t)
	ctx := context.Background()

	req := CreateRollupConfigRequest{
		TenantID:              svcTenant,
		AssetID:               f.assetID,
		MetricName:            "temperature",
		RollupIntervalSeconds: 60,
	}
	_, err := f.svc.CreateRollupConfig(ctx, req)
	require.NoError(t, err)

	_, err = f.svc.CreateRollupConfig(ctx, req)
	assert.True(t, domain.IsConflict(err))
}

func TestRollupConfigService_UpdateConfig(t *testing.T) {
	f := setupRollupConfigService(t)
	ctx := context.Background()

	created, err := f.svc.CreateRollupConfig(ctx, CreateRollupConfigRequest{
		TenantID:              svcTenant,
		AssetID:               f.assetID,
		MetricName:            "temperature",
		RollupIntervalSeconds: 60,
		FilterExpression:      "value >= 0.0",
	})
	require.NoError(t, err)

	ic := true
	w := 2.5
	resp, err := f.svc.UpdateRollupConfig(ctx, UpdateRollupConfigRequest{
		TenantID:              svcTenant,
		ConfigID:              created.Config.ConfigID,
		AggregationMethod:     domain.AggSum,
		RollupIntervalSeconds: 300,
		IncludeChildren:       &ic,
		WeightFactor:          &w,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.AggSum, resp.Config.AggregationMethod)
	assert.Equal(t, int64(300), resp.Config.RollupIntervalSeconds)
	assert.True(t, resp.Config.IncludeChildren)
	assert.Equal(t, 2.5, resp.Config.WeightFactor)
	// 未更新的过滤表达式不受影响
	assert.Equal(t, "value >= 0.0", resp.Config.FilterExpression.String)

	empty := ""
	resp, err = f.svc.UpdateRollupConfig(ctx, UpdateRollupConfigRequest{
		TenantID:         svcTenant,
		ConfigID:         created.Config.ConfigID,
		FilterExpression: &empty,
	})
	require.NoError(t, err)
	assert.False(t, resp.Config.FilterExpression.Valid)
}

func TestRollupConfigService_DeleteWritesAudit(t *testing.T) {
	f := setupRollupConfigService(t)
	ctx := context.Background()

	created, err := f.svc.CreateRollupConfig(ctx, CreateRollupConfigRequest{
		TenantID:              svcTenant,
		AssetID:               f.assetID,
		MetricName:            "temperature",
		RollupIntervalSeconds: 60,
	})
	require.NoError(t, err)

	_, err = f.svc.DeleteRollupConfig(ctx, DeleteRollupConfigRequest{
		TenantID: svcTenant,
		ConfigID: created.Config.ConfigID,
	})
	require.NoError(t, err)

	_, err = f.rollups.GetConfig(ctx, svcTenant, created.Config.ConfigID)
	assert.True(t, domain.IsNotFound(err))

	entries, _, err := f.audits.List(ctx, svcTenant, repository.AuditFilters{Action: domain.AuditConfigDeleted}, 1, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
