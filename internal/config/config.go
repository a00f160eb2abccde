package config

import (
	"fmt"
	"os"
	"strconv"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Config 资产层级与遥测聚合平台配置
// sensormine-assets（HTTP API）与 sensormine-rollup（聚合Worker）共用同一份配置。
type Config struct {
	HTTP struct {
		Addr string
	}
	DBEnabled bool
	Database  DatabaseConfig
	Redis     struct {
		Addr     string
		Password string
		DB       int
	}
	Log struct {
		Level  string
		Format string
	}
	MQTT   MQTTConfig
	Ingest struct {
		EventStream            string // 资产变更事件流（Redis Stream）
		MaxBodyBytes           int    // 单次遥测请求体上限
		MappingCacheTTLSeconds int    // 映射解析缓存TTL（秒），0表示不缓存
	}
	Rollup RollupConfig
	State  struct {
		KeyPrefix      string // Redis状态缓存键前缀
		TTLSeconds     int    // 状态缓存过期时间（秒），0表示不过期
		ThresholdsJSON string // 告警阈值规则（JSON数组），空则不评估
	}
	Notify NotifyConfig
}

// MQTTConfig MQTT 接入配置（遥测旁路入口，默认禁用）
type MQTTConfig struct {
	Enabled  bool
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

// RollupConfig 聚合Worker配置
type RollupConfig struct {
	PassIntervalSeconds int // 聚合轮询周期（秒）
	GraceSeconds        int // 迟到数据宽限窗口（秒）
	Workers             int // 并发聚合协程数
	UnitTimeoutSeconds  int // 单个(资产,指标)聚合任务超时（秒）
	ExportRowLimit      int // xlsx导出最大行数
}

// NotifyConfig 运维告警Webhook配置（致命配置错误上报）
type NotifyConfig struct {
	Enabled        bool
	WebhookURL     string
	TimeoutSeconds int
}

func Load() *Config {
	cfg := &Config{}
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	// Default to true for local dev: if DB is unavailable, services fall back to in-memory stores.
	// This avoids "empty admin pages" when starting with plain `go run`.
	cfg.DBEnabled = getEnv("DB_ENABLED", "true") == "true"
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = parseInt(getEnv("DB_PORT", "5432"), 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "sensormine")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = parseInt(getEnv("DB_MAX_CONNS", "20"), 20)
	cfg.Database.MaxIdle = parseInt(getEnv("DB_MAX_IDLE", "5"), 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0
	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	// MQTT 接入配置（遥测旁路入口，默认禁用）
	cfg.MQTT.Enabled = getEnv("MQTT_ENABLED", "false") == "true"
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "sensormine-ingest")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.Topic = getEnv("MQTT_TOPIC", "telemetry/#")
	cfg.MQTT.QoS = byte(parseInt(getEnv("MQTT_QOS", "1"), 1))

	cfg.Ingest.EventStream = getEnv("EVENT_STREAM", "asset:events")
	cfg.Ingest.MaxBodyBytes = parseInt(getEnv("INGEST_MAX_BODY_BYTES", "1048576"), 1048576)
	cfg.Ingest.MappingCacheTTLSeconds = parseInt(getEnv("MAPPING_CACHE_TTL", "30"), 30)

	cfg.Rollup.PassIntervalSeconds = parseInt(getEnv("ROLLUP_PASS_INTERVAL", "30"), 30)
	cfg.Rollup.GraceSeconds = parseInt(getEnv("ROLLUP_GRACE_SECONDS", "600"), 600)
	cfg.Rollup.Workers = parseInt(getEnv("ROLLUP_WORKERS", "8"), 8)
	cfg.Rollup.UnitTimeoutSeconds = parseInt(getEnv("ROLLUP_UNIT_TIMEOUT", "30"), 30)
	cfg.Rollup.ExportRowLimit = parseInt(getEnv("ROLLUP_EXPORT_ROW_LIMIT", "100000"), 100000)

	cfg.State.KeyPrefix = getEnv("STATE_KEY_PREFIX", "sensormine:asset:state:")
	cfg.State.TTLSeconds = parseInt(getEnv("STATE_CACHE_TTL", "86400"), 86400)
	cfg.State.ThresholdsJSON = getEnv("ALARM_THRESHOLDS", "")

	cfg.Notify.Enabled = getEnv("NOTIFY_ENABLED", "false") == "true"
	cfg.Notify.WebhookURL = getEnv("NOTIFY_WEBHOOK_URL", "")
	cfg.Notify.TimeoutSeconds = parseInt(getEnv("NOTIFY_TIMEOUT_SECONDS", "10"), 10)

	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}
