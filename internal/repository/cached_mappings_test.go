package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
)

// countingMappingsRepo 统计底层 ListBySchema 的调用次数
type countingMappingsRepo struct {
	MappingsRepository
	listBySchemaCalls int
}

func (c *countingMappingsRepo) ListBySchema(ctx context.Context, tenantID, schemaName, schemaVersion string) ([]*domain.DataPointMapping, error) {
	c.listBySchemaCalls++
	return c.MappingsRepository.ListBySchema(ctx, tenantID, schemaName, schemaVersion)
}

func seedMapping(t *testing.T, repo MappingsRepository, fieldPath, assetID string) *domain.DataPointMapping {
	t.Helper()
	m := &domain.DataPointMapping{
		SchemaName:         "env_sensor",
		SchemaVersion:      "1",
		FieldPath:          fieldPath,
		AssetID:            assetID,
		MetricName:         "temperature",
		DefaultAggregation: domain.AggAvg,
		RollupEnabled:      true,
		Enabled:            true,
	}
	_, err := repo.Create(context.Background(), memTenant, m)
	require.NoError(t, err)
	return m
}

func TestCachedMappingsServesFromCache(t *testing.T) {
	inner := &countingMappingsRepo{MappingsRepository: NewMemoryMappingsRepo()}
	repo := NewCachedMappingsRepo(inner, time.Minute)
	ctx := context.Background()

	seedMapping(t, inner, "payload.temperature", "asset-1")

	first, err := repo.ListBySchema(ctx, memTenant, "env_sensor", "1")
	require.NoError(t, err)
	require.Len(t, first, 1)

	// 调用方改动返回值不得污染缓存
	first[0].MetricName = "mutated"

	second, err := repo.ListBySchema(ctx, memTenant, "env_sensor", "1")
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "temperature", second[0].MetricName)
	assert.Equal(t, 1, inner.listBySchemaCalls)
}

func TestCachedMappingsInvalidatedOnWrite(t *testing.T) {
	inner := &countingMappingsRepo{MappingsRepository: NewMemoryMappingsRepo()}
	repo := NewCachedMappingsRepo(inner, time.Minute)
	ctx := context.Background()

	seedMapping(t, inner, "payload.temperature", "asset-1")

	first, err := repo.ListBySchema(ctx, memTenant, "env_sensor", "1")
	require.NoError(t, err)
	require.Len(t, first, 1)

	// 经装饰器写入：缓存必须失效
	seedMapping(t, repo, "payload.humidity", "asset-1")

	second, err := repo.ListBySchema(ctx, memTenant, "env_sensor", "1")
	require.NoError(t, err)
	assert.Len(t, second, 2)
	assert.Equal(t, 2, inner.listBySchemaCalls)
}

func TestCachedMappingsTTLExpiry(t *testing.T) {
	inner := &countingMappingsRepo{MappingsRepository: NewMemoryMappingsRepo()}
	repo := NewCachedMappingsRepo(inner, 10*time.Millisecond)
	ctx := context.Background()

	seedMapping(t, inner, "payload.temperature", "asset-1")

	_, err := repo.ListBySchema(ctx, memTenant, "env_sensor", "1")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	_, err = repo.ListBySchema(ctx, memTenant, "env_sensor", "1")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.listBySchemaCalls)
}

func TestCachedMappingsZeroTTLBypass(t *testing.T) {
	inner := &countingMappingsRepo{MappingsRepository: NewMemoryMappingsRepo()}
	repo := NewCachedMappingsRepo(inner, 0)
	ctx := context.Background()

	seedMapping(t, inner, "payload.temperature", "asset-1")

	_, err := repo.ListBySchema(ctx, memTenant, "env_sensor", "1")
	require.NoError(t, err)
	_, err = repo.ListBySchema(ctx, memTenant, "env_sensor", "1")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.listBySchemaCalls)
}

func TestCachedMappingsResolveUsesSchemaCache(t *testing.T) {
	inner := &countingMappingsRepo{MappingsRepository: NewMemoryMappingsRepo()}
	repo := NewCachedMappingsRepo(inner, time.Minute)
	ctx := context.Background()

	seedMapping(t, inner, "payload.temperature", "asset-1")
	seedMapping(t, inner, "payload.humidity", "asset-2")

	temp, err := repo.Resolve(ctx, memTenant, "env_sensor", "1", "payload.temperature")
	require.NoError(t, err)
	require.Len(t, temp, 1)
	assert.Equal(t, "asset-1", temp[0].AssetID)

	hum, err := repo.Resolve(ctx, memTenant, "env_sensor", "1", "payload.humidity")
	require.NoError(t, err)
	require.Len(t, hum, 1)
	assert.Equal(t, "asset-2", hum[0].AssetID)

	// 两次Resolve共享同一份schema缓存
	assert.Equal(t, 1, inner.listBySchemaCalls)
}
