package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/config"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/database"
	httpapi "github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/http"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/ingest"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/logger"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/mqtt"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/redis"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/repository"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/service"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/state"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/store"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/transform"
)

func main() {
	cfg := config.Load()

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "sensormine-assets")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	redisClient := redis.NewRedisClient(cfg)
	kv := store.NewRedisKV(redisClient)

	// Optional DB-backed repos; DB 未就绪时回落内存 repo 支持联测
	var db *sql.DB
	if cfg.DBEnabled {
		if d, err := database.NewPostgresDB(&cfg.Database); err == nil {
			db = d
			log.Info("DB enabled for sensormine-assets")
		} else {
			log.Warn("DB enabled but connection failed, falling back to memory repos", zap.Error(err))
		}
	}

	var (
		assetsRepo    repository.AssetsRepository
		mappingsRepo  repository.MappingsRepository
		rollupsRepo   repository.RollupRepository
		telemetryRepo repository.TelemetryRepository
		statesRepo    repository.StatesRepository
		auditRepo     repository.AuditRepository
	)
	if db != nil {
		assetsRepo = repository.NewPostgresAssetsRepository(db)
		mappingsRepo = repository.NewPostgresMappingsRepository(db)
		rollupsRepo = repository.NewPostgresRollupRepository(db)
		telemetryRepo = repository.NewPostgresTelemetryRepository(db)
		statesRepo = repository.NewPostgresStatesRepository(db)
		auditRepo = repository.NewPostgresAuditRepository(db)
	} else {
		assetsRepo = repository.NewMemoryAssetsRepo()
		mappingsRepo = repository.NewMemoryMappingsRepo()
		rollupsRepo = repository.NewMemoryRollupRepo()
		telemetryRepo = repository.NewMemoryTelemetryRepo()
		statesRepo = repository.NewMemoryStatesRepo()
		auditRepo = repository.NewMemoryAuditRepo()
	}
	// 接入热路径的映射解析走进程内缓存；写操作经同一装饰器自动失效
	mappingsRepo = repository.NewCachedMappingsRepo(mappingsRepo, time.Duration(cfg.Ingest.MappingCacheTTLSeconds)*time.Second)

	rules, err := state.ParseThresholds(cfg.State.ThresholdsJSON)
	if err != nil {
		log.Fatal("Invalid ALARM_THRESHOLDS", zap.Error(err))
	}
	var evaluator state.AlarmEvaluator
	if len(rules) > 0 {
		evaluator = state.NewThresholdEvaluator(rules)
	}
	stateMgr := state.NewManager(statesRepo, kv, evaluator, cfg.State.KeyPrefix, cfg.State.TTLSeconds, log)

	transformEngine, err := transform.NewEngine()
	if err != nil {
		log.Fatal("Failed to create transform engine", zap.Error(err))
	}

	assetSvc := service.NewAssetService(assetsRepo, mappingsRepo, rollupsRepo, telemetryRepo, statesRepo, auditRepo, stateMgr, redisClient, cfg.Ingest.EventStream, log)
	mappingSvc := service.NewMappingService(mappingsRepo, assetsRepo, auditRepo, transformEngine, redisClient, cfg.Ingest.EventStream, log)
	rollupCfgSvc := service.NewRollupConfigService(rollupsRepo, assetsRepo, mappingsRepo, auditRepo, transformEngine, redisClient, cfg.Ingest.EventStream, log)
	querySvc := service.NewQueryService(assetsRepo, rollupsRepo, telemetryRepo, auditRepo, stateMgr, log)
	ingestSvc := ingest.NewService(mappingsRepo, telemetryRepo, stateMgr, transformEngine, cfg.Rollup.GraceSeconds, log)

	queryHandler := httpapi.NewQueryHandler(querySvc, cfg.Rollup.ExportRowLimit, log)
	router := httpapi.NewRouter(log)
	router.RegisterAdminRoutes(
		httpapi.NewAssetHandler(assetSvc, log),
		httpapi.NewMappingHandler(mappingSvc, log),
		httpapi.NewRollupConfigHandler(rollupCfgSvc, log),
		queryHandler,
	)
	router.RegisterDataRoutes(queryHandler)
	router.RegisterIngestRoutes(httpapi.NewIngestHandler(ingestSvc, int64(cfg.Ingest.MaxBodyBytes), log))
	router.RegisterHealthz()

	srv := service.NewServer(cfg.HTTP.Addr, router, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// MQTT 接入与 HTTP 接入共用同一信封与处理管线
	var mqttClient *mqtt.Client
	var consumer *ingest.MQTTConsumer
	if cfg.MQTT.Enabled {
		if c, err := mqtt.NewClient(&cfg.MQTT, log); err == nil {
			mqttClient = c
			consumer = ingest.NewMQTTConsumer(cfg, mqttClient, ingestSvc, log)
			go func() {
				if err := consumer.Start(ctx); err != nil {
					log.Error("MQTT consumer exited", zap.Error(err))
				}
			}()
		} else {
			log.Warn("MQTT enabled but connection failed, HTTP ingest only", zap.Error(err))
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		cancel()
	case <-errCh:
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if consumer != nil {
		_ = consumer.Stop(shutdownCtx)
	}
	if mqttClient != nil {
		mqttClient.Disconnect()
	}
	_ = srv.Stop(shutdownCtx)
	_ = redisClient.Close()
	if db != nil {
		_ = db.Close()
	}
}
