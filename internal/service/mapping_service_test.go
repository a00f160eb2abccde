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

type mappingFixture struct {
	svc      MappingService
	assets   *repository.MemoryAssetsRepo
	mappings *repository.MemoryMappingsRepo
	audits   *repository.MemoryAuditRepo
	assetID  string
}

func setupMappingService(t *testing.T) *mappingFixture {
	t.Helper()

	f := &mappingFixture{
		assets:   repository.NewMemoryAssetsRepo(),
		mappings: repository.NewMemoryMappingsRepo(),
		audits:   repository.NewMemoryAuditRepo(),
	}
	engine, err := transform.NewEngine()
	require.NoError(t, err)
	f.svc = NewMappingService(f.mappings, f.assets, f.audits, engine, nil, "", zap.NewNop())

	a := &domain.Asset{AssetName: "Compressor", AssetType: "machine"}
	_, err = f.assets.Create(context.Background(), svcTenant, a)
	require.NoError(t, err)
	f.assetID = a.AssetID
	return f
}

func (f *mappingFixture) createReq(fieldPath string) CreateMappingRequest {
	return CreateMappingRequest{
		TenantID:      svcTenant,
		SchemaName:    "env_sensor",
		SchemaVersion: "v1",
		FieldPath:     fieldPath,
		AssetID:       f.assetID,
		MetricName:    "temperature",
	}
}

func TestMappingService_CreateWithDefaults(t *testing.T) {
	f := setupMappingService(t)

	resp, err := f.svc.CreateMapping(context.Background(), f.createReq("payload.temperature"))
	require.NoError(t, err)

	m := resp.Mapping
	assert.NotEmpty(t, m.MappingID)
	assert.True(t, m.Enabled)
	assert.True(t, m.RollupEnabled)
	assert.Equal(t, domain.AggAvg, m.DefaultAggregation)
	assert.False(t, m.TransformExpression.Valid)
}

func TestMappingService_CreateChecksTransformExpression(t *testing.T) {
	f := setupMappingService(t)
	ctx := context.Background()

	bad := f.createReq("payload.temperature")
	bad.TransformExpression = "value +* 2"
	_, err := f.svc.CreateMapping(ctx, bad)
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))

	good := f.createReq("payload.temperature")
	good.TransformExpression = "(value - 32.0) * 5.0 / 9.0"
	resp, err := f.svc.CreateMapping(ctx, good)
	require.NoError(t, err)
	assert.Equal(t, "(value - 32.0) * 5.0 / 9.0", resp.Mapping.TransformExpression.String)
}

func TestMappingService_CreateUnknownAsset(t *testing.T) {
	f := setupMappingService(t)

	req := f.createReq("payload.temperature")
	req.AssetID = "missing"
	_, err := f.svc.CreateMapping(context.Background(), req)
	assert.True(t, domain.IsNotFound(err))
}

func TestMappingService_CreateInvalidAggregation(t *testing.T) {
	f := setupMappingService(t)

	req := f.createReq("payload.temperature")
	req.DefaultAggregation = "median"
	_, err := f.svc.CreateMapping(context.Background(), req)
	assert.True(t, domain.IsValidation(err))
}

func TestMappingService_CreateDuplicateKeyConflict(t *testing.T) {
	f := setupMappingService(t)
	ctx := context.Background()

	_, err := f.svc.CreateMapping(ctx, f.createReq("payload.temperature"))
	require.NoError(t, err)

	// 同 (schema, version, field_path, asset) 再建冲突
	_, err = f.svc.CreateMapping(ctx, f.createReq("payload.temperature"))
	assert.True(t, domain.IsConflict(err))
}

func TestMappingService_UpdateClearsTransform(t *testing.T) {
	f := setupMappingService(t)
	ctx := context.Background()

	req := f.createReq("payload.temperature")
	req.TransformExpression = "value * 2.0"
	created, err := f.svc.CreateMapping(ctx, req)
	require.NoError(t, err)

	empty := ""
	resp, err := f.svc.UpdateMapping(ctx, UpdateMappingRequest{
		TenantID:            svcTenant,
		MappingID:           created.Mapping.MappingID,
		TransformExpression: &empty,
	})
	require.NoError(t, err)
	assert.False(t, resp.Mapping.TransformExpression.Valid)
}

func TestMappingService_UpdateRejectsBadExpression(t *testing.T) {
	f := setupMappingService(t)
	ctx := context.Background()

	created, err := f.svc.CreateMapping(ctx, f.createReq("payload.temperature"))
	require.NoError(t, err)

	bad := "fields["
	_, err = f.svc.UpdateMapping(ctx, UpdateMappingRequest{
		TenantID:            svcTenant,
		MappingID:           created.Mapping.MappingID,
		TransformExpression: &bad,
	})
	assert.True(t, domain.IsValidation(err))
}

func TestMappingService_ResolveReturnsAllBindings(t *testing.T) {
	f := setupMappingService(t)
	ctx := context.Background()

	// 同一数据点绑到第二个资产
	other := &domain.Asset{AssetName: "Backup Compressor", AssetType: "machine"}
	_, err := f.assets.Create(ctx, svcTenant, other)
	require.NoError(t, err)

	_, err = f.svc.CreateMapping(ctx, f.createReq("payload.temperature"))
	require.NoError(t, err)

	second := f.createReq("payload.temperature")
	second.AssetID = other.AssetID
	second.MetricName = "inlet_temperature"
	_, err = f.svc.CreateMapping(ctx, second)
	require.NoError(t, err)

	resp, err := f.svc.ResolveMapping(ctx, ResolveMappingRequest{
		TenantID:      svcTenant,
		SchemaName:    "env_sensor",
		SchemaVersion: "v1",
		FieldPath:     "payload.temperature",
	})
	require.NoError(t, err)
	assert.Len(t, resp.Items, 2)
}

func TestMappingService_ResolveNoMatchIsEmpty(t *testing.T) {
	f := setupMappingService(t)

	resp, err := f.svc.ResolveMapping(context.Background(), ResolveMappingRequest{
		TenantID:      svcTenant,
		SchemaName:    "env_sensor",
		SchemaVersion: "v1",
		FieldPath:     "payload.unknown",
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Items)
}

func TestMappingService_DeleteWritesAudit(t *testing.T) {
	f := setupMappingService(t)
	ctx := context.Background()

	created, err := f.svc.CreateMapping(ctx, f.createReq("payload.temperature"))
	require.NoError(t, err)

	_, err = f.svc.DeleteMapping(ctx, DeleteMappingRequest{
		TenantID:  svcTenant,
		MappingID: created.Mapping.MappingID,
	})
	require.NoError(t, err)

	_, err = f.mappings.Get(ctx, svcTenant, created.Mapping.MappingID)
	assert.True(t, domain.IsNotFound(err))

	entries, _, err := f.audits.List(ctx, svcTenant, repository.AuditFilters{Action: domain.AuditMappingDeleted}, 1, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, f.assetID, entries[0].AssetID)
	assert.NotEmpty(t, entries[0].OldValue)
	assert.Empty(t, entries[0].NewValue)
}
