package config

import (
	"os"
	"testing"
)

func TestLoad_DefaultValues(t *testing.T) {
	// 清除环境变量
	os.Clearenv()

	cfg := Load()

	// 检查默认值
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("Expected HTTP_ADDR default ':8080', got '%s'", cfg.HTTP.Addr)
	}

	if cfg.Database.Host != "localhost" {
		t.Errorf("Expected DB_HOST default 'localhost', got '%s'", cfg.Database.Host)
	}

	if cfg.Database.Port != 5432 {
		t.Errorf("Expected DB_PORT default 5432, got %d", cfg.Database.Port)
	}

	if cfg.Database.Database != "sensormine" {
		t.Errorf("Expected DB_NAME default 'sensormine', got '%s'", cfg.Database.Database)
	}

	if !cfg.DBEnabled {
		t.Error("Expected DB_ENABLED default true")
	}

	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Expected REDIS_ADDR default 'localhost:6379', got '%s'", cfg.Redis.Addr)
	}

	if cfg.Rollup.PassIntervalSeconds != 30 {
		t.Errorf("Expected ROLLUP_PASS_INTERVAL default 30, got %d", cfg.Rollup.PassIntervalSeconds)
	}

	if cfg.Rollup.GraceSeconds != 600 {
		t.Errorf("Expected ROLLUP_GRACE_SECONDS default 600, got %d", cfg.Rollup.GraceSeconds)
	}

	if cfg.Rollup.Workers != 8 {
		t.Errorf("Expected ROLLUP_WORKERS default 8, got %d", cfg.Rollup.Workers)
	}

	if cfg.Ingest.EventStream != "asset:events" {
		t.Errorf("Expected EVENT_STREAM default 'asset:events', got '%s'", cfg.Ingest.EventStream)
	}

	if cfg.Ingest.MappingCacheTTLSeconds != 30 {
		t.Errorf("Expected MAPPING_CACHE_TTL default 30, got %d", cfg.Ingest.MappingCacheTTLSeconds)
	}

	if cfg.State.KeyPrefix != "sensormine:asset:state:" {
		t.Errorf("Expected STATE_KEY_PREFIX default 'sensormine:asset:state:', got '%s'", cfg.State.KeyPrefix)
	}

	if cfg.MQTT.Enabled {
		t.Error("Expected MQTT_ENABLED default false")
	}

	if cfg.Notify.Enabled {
		t.Error("Expected NOTIFY_ENABLED default false")
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Expected LOG_LEVEL default 'info', got '%s'", cfg.Log.Level)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	// 设置环境变量
	os.Setenv("DB_HOST", "test-host")
	os.Setenv("DB_USER", "test-user")
	os.Setenv("DB_PASSWORD", "test-password")
	os.Setenv("DB_NAME", "test-db")
	os.Setenv("ROLLUP_GRACE_SECONDS", "300")
	os.Setenv("ROLLUP_WORKERS", "16")
	os.Setenv("MQTT_ENABLED", "true")
	os.Setenv("LOG_LEVEL", "debug")

	defer func() {
		os.Unsetenv("DB_HOST")
		os.Unsetenv("DB_USER")
		os.Unsetenv("DB_PASSWORD")
		os.Unsetenv("DB_NAME")
		os.Unsetenv("ROLLUP_GRACE_SECONDS")
		os.Unsetenv("ROLLUP_WORKERS")
		os.Unsetenv("MQTT_ENABLED")
		os.Unsetenv("LOG_LEVEL")
	}()

	cfg := Load()

	// 检查环境变量值
	if cfg.Database.Host != "test-host" {
		t.Errorf("Expected DB_HOST 'test-host', got '%s'", cfg.Database.Host)
	}

	if cfg.Database.User != "test-user" {
		t.Errorf("Expected DB_USER 'test-user', got '%s'", cfg.Database.User)
	}

	if cfg.Database.Password != "test-password" {
		t.Errorf("Expected DB_PASSWORD 'test-password', got '%s'", cfg.Database.Password)
	}

	if cfg.Database.Database != "test-db" {
		t.Errorf("Expected DB_NAME 'test-db', got '%s'", cfg.Database.Database)
	}

	if cfg.Rollup.GraceSeconds != 300 {
		t.Errorf("Expected ROLLUP_GRACE_SECONDS 300, got %d", cfg.Rollup.GraceSeconds)
	}

	if cfg.Rollup.Workers != 16 {
		t.Errorf("Expected ROLLUP_WORKERS 16, got %d", cfg.Rollup.Workers)
	}

	if !cfg.MQTT.Enabled {
		t.Error("Expected MQTT_ENABLED true")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Expected LOG_LEVEL 'debug', got '%s'", cfg.Log.Level)
	}
}

func TestGetDSN(t *testing.T) {
	c := &DatabaseConfig{
		Host:     "db.internal",
		Port:     5433,
		User:     "svc",
		Password: "secret",
		Database: "assets",
		SSLMode:  "require",
	}

	want := "host=db.internal port=5433 user=svc password=secret dbname=assets sslmode=require"
	if got := c.GetDSN(); got != want {
		t.Errorf("Expected DSN '%s', got '%s'", want, got)
	}
}

func TestGetEnv(t *testing.T) {
	// 测试环境变量存在
	os.Setenv("TEST_VAR", "test-value")
	defer os.Unsetenv("TEST_VAR")

	value := getEnv("TEST_VAR", "default")
	if value != "test-value" {
		t.Errorf("Expected 'test-value', got '%s'", value)
	}

	// 测试环境变量不存在，使用默认值
	value = getEnv("NON_EXISTENT_VAR", "default-value")
	if value != "default-value" {
		t.Errorf("Expected 'default-value', got '%s'", value)
	}
}
