package repository

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
)

func setupMappingsMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresMappingsRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock, NewPostgresMappingsRepository(db)
}

func mappingMockRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"mapping_id", "tenant_id", "schema_name", "schema_version", "field_path", "asset_id",
		"metric_name", "label", "unit", "default_aggregation", "rollup_enabled",
		"transform_expression", "enabled", "created_at", "updated_at",
	})
}

func TestPostgresMappingsResolve(t *testing.T) {
	db, mock, repo := setupMappingsMock(t)
	defer db.Close()

	// 同一数据点绑到两个资产：两条都返回
	rows := mappingMockRows().
		AddRow("m-1", mockTenant, "env_sensor", "v1", "temperature", mockAsset,
			"temperature", "Temp", "celsius", "avg", true, nil, true, testTime(), testTime()).
		AddRow("m-2", mockTenant, "env_sensor", "v1", "temperature", mockParent,
			"ambient_temp", nil, nil, "max", true, "value * 2.0", true, testTime(), testTime())

	mock.ExpectQuery(`FROM data_point_mappings`).
		WithArgs(mockTenant, "env_sensor", "v1", "temperature").
		WillReturnRows(rows)

	out, err := repo.Resolve(context.Background(), mockTenant, "env_sensor", "v1", "temperature")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "temperature", out[0].MetricName)
	assert.Equal(t, "celsius", out[0].Unit)
	assert.False(t, out[0].TransformExpression.Valid)
	assert.Equal(t, "ambient_temp", out[1].MetricName)
	assert.Equal(t, "value * 2.0", out[1].TransformExpression.String)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMappingsCreateDuplicateDataPoint(t *testing.T) {
	db, mock, repo := setupMappingsMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO data_point_mappings`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "uq_mappings_datapoint_asset"})

	m := &domain.DataPointMapping{
		SchemaName: "env_sensor", SchemaVersion: "v1", FieldPath: "temperature",
		AssetID: mockAsset, MetricName: "temperature",
	}
	_, err := repo.Create(context.Background(), mockTenant, m)
	assert.True(t, domain.IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMappingsCreateAssetMissing(t *testing.T) {
	db, mock, repo := setupMappingsMock(t)
	defer db.Close()

	// 外键失败映射为资产不存在
	mock.ExpectExec(`INSERT INTO data_point_mappings`).
		WillReturnError(&pq.Error{Code: "23503"})

	m := &domain.DataPointMapping{
		SchemaName: "env_sensor", SchemaVersion: "v1", FieldPath: "temperature",
		AssetID: mockAsset, MetricName: "temperature",
	}
	_, err := repo.Create(context.Background(), mockTenant, m)
	assert.True(t, domain.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMappingsUpdateNotFound(t *testing.T) {
	db, mock, repo := setupMappingsMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE data_point_mappings`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), mockTenant, "m-404", &domain.DataPointMapping{
		SchemaName: "env_sensor", SchemaVersion: "v1", FieldPath: "temperature",
		AssetID: mockAsset, MetricName: "temperature",
	})
	assert.True(t, domain.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMappingsDeleteByAssets(t *testing.T) {
	db, mock, repo := setupMappingsMock(t)
	defer db.Close()

	ids := []string{mockAsset, mockParent}
	mock.ExpectExec(`DELETE FROM data_point_mappings`).
		WithArgs(mockTenant, pq.Array(ids)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.DeleteByAssets(context.Background(), mockTenant, ids)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMappingsDeleteByAssetsEmpty(t *testing.T) {
	db, mock, repo := setupMappingsMock(t)
	defer db.Close()

	// 空列表不触发SQL
	n, err := repo.DeleteByAssets(context.Background(), mockTenant, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
