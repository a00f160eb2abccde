package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/config"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/database"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/logger"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/notify"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/repository"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/rollup"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/transform"
)

func main() {
	// 1. 加载配置
	cfg := config.Load()

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "sensormine-rollup")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 连接数据库（聚合器必须有共享存储，无 DB 时无降级可用）
	if !cfg.DBEnabled {
		log.Fatal("Rollup worker requires DB_ENABLED=true")
	}
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	assetsRepo := repository.NewPostgresAssetsRepository(db)
	rollupsRepo := repository.NewPostgresRollupRepository(db)
	telemetryRepo := repository.NewPostgresTelemetryRepository(db)

	// 4. 创建聚合引擎与调度器
	transformEngine, err := transform.NewEngine()
	if err != nil {
		log.Fatal("Failed to create transform engine", zap.Error(err))
	}
	notifier := notify.NewNotifier(cfg.Notify, log)
	engine := rollup.NewEngine(assetsRepo, rollupsRepo, telemetryRepo, transformEngine, log)
	scheduler, err := rollup.NewScheduler(engine, rollupsRepo, assetsRepo, transformEngine, notifier, cfg.Rollup, log)
	if err != nil {
		log.Fatal("Failed to create rollup scheduler", zap.Error(err))
	}
	defer scheduler.Stop()

	// 5. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 6. 启动调度循环（在 goroutine 中）
	schedErrChan := make(chan error, 1)
	go func() {
		if err := scheduler.Start(ctx); err != nil {
			schedErrChan <- err
		}
	}()

	// 7. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down",
			zap.String("signal", sig.String()),
		)
		cancel()
	case err := <-schedErrChan:
		log.Fatal("Scheduler error",
			zap.Error(err),
		)
	}

	log.Info("Rollup worker stopped")
}
