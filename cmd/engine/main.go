package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"marketlens/internal/config"
	"marketlens/internal/engine"
	"marketlens/internal/pkg/logger"
	"marketlens/internal/pkg/metrics"
	"marketlens/internal/pkg/notify"
	"marketlens/internal/store"
)

// main 是指标引擎的入口函数。
//
// 它负责：
// 1. 加载并校验配置
// 2. 初始化日志与依赖（MySQL / Redis）
// 3. 对目标日历日执行全量关键词批处理
// 4. 按批处理结果设定退出码
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	targetDate, err := resolveTargetDate()
	if err != nil {
		appLogger.Error("invalid target date", slog.String("error", err.Error()))
		os.Exit(1)
	}

	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		appLogger.Error("connect mysql failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := store.AutoMigrate(db); err != nil {
		appLogger.Error("auto migrate failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		appLogger.Error("connect redis failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer rdb.Close()

	metrics.InitMetrics(cfg.Engine.WorkerPoolSize)

	metricsAddr := ":2112"
	if v := os.Getenv("ENGINE_METRICS_ADDR"); v != "" {
		metricsAddr = v
	}
	metricsServer := &http.Server{
		Addr:    metricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		appLogger.Info("engine metrics server started", slog.String("addr", metricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()

	st := store.New(db)
	pipeline := engine.NewPipeline(
		cfg,
		appLogger,
		st,
		st,
		st,
		engine.NewResolver(db, appLogger),
		store.NewPublishLock(rdb, cfg.Engine.PublishLockTTL),
		notify.NewEmailNotifier(&cfg.Email, appLogger),
	)
	runner := engine.NewRunner(appLogger, st, pipeline, cfg.Engine.WorkerPoolSize, cfg.Engine.QueueCapacity)

	report, err := runner.Run(ctx, targetDate)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := metricsServer.Shutdown(shutdownCtx); shutdownErr != nil {
		appLogger.Error("metrics shutdown error", slog.String("error", shutdownErr.Error()))
	}

	if err != nil {
		appLogger.Error("batch run aborted", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if report.Failed > 0 {
		appLogger.Error("batch run completed with failures",
			slog.String("run_id", report.RunID),
			slog.Int("failed", report.Failed))
		os.Exit(1)
	}
}

// resolveTargetDate 取 ENGINE_TARGET_DATE（YYYY-MM-DD），
// 缺省为 UTC 昨天：当天的捕获可能尚未齐全。
func resolveTargetDate() (time.Time, error) {
	if v := os.Getenv("ENGINE_TARGET_DATE"); v != "" {
		return time.ParseInLocation("2006-01-02", v, time.UTC)
	}
	return engine.DayStart(time.Now().AddDate(0, 0, -1)), nil
}
