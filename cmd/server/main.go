package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autorules/internal/config"
	"autorules/internal/handlers"
	"autorules/internal/metrics"
	"autorules/internal/models"
	"autorules/internal/observability"
	"autorules/internal/services"
	"autorules/pkg/dtable"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	// 读取配置文件（默认 ./config.yml）并初始化日志
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	// OpenTelemetry 初始化（可选）
	shutdownOTel, err := observability.SetupTracing(context.Background(), cfg)
	if err != nil {
		appLogger.Warnf("init tracing: %v", err)
	} else {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}
	if err := db.AutoMigrate(
		&models.AutomationRule{}, &models.TaskLog{},
		&models.UserStatistic{}, &models.OrgStatistic{},
		&models.UserQuota{}, &models.OrgQuota{},
		&models.ThirdPartyAccount{},
	); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		appLogger.Fatalf("Failed to connect to redis: %v", err)
	}

	// dtable 服务客户端与执行依赖
	api := dtable.NewClient(dtable.Config{
		ServerURL:  cfg.DTable.ServerURL,
		PrivateKey: cfg.DTable.PrivateKey,
		Timeout:    cfg.DTable.Timeout,
	}, appLogger)
	kv := services.NewRedisKV(rdb)
	instantCache := services.NewInstantCache(kv, api, appLogger)
	burst := services.NewBurstStore(kv)
	dates := services.NewDateRenderer(cfg.DTable.TimeZone)
	limiter := services.NewRateLimiter(cfg.Automation.RateLimitWindowSecs, cfg.Automation.RateLimitPercent)
	quota := services.NewQuotaManager(db, cfg.Automation.DefaultUserQuota, cfg.Automation.DefaultOrgQuota, appLogger)
	quota.SetWarnFunc(services.NotifyViaAPI(api))
	sender := services.NewSender(cfg.ScriptRunner.URL, cfg.ScriptRunner.Timeout, appLogger)

	runtime := services.NewRuntime(db, api, sender, dates, cfg.DTable.PrivateKey, appLogger)
	runtime.SetScriptPolicy(cfg.Automation.CanRunPython, cfg.Automation.ScriptsRunningLimit)
	stats := services.NewStatsManager(db, limiter, quota, api, appLogger)
	pipeline := services.NewPipeline(runtime, stats, cfg.Automation.Workers, cfg.Automation.QueueSize, appLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pipeline.Start(ctx)
	subscriber := services.NewSubscriber(rdb, db, limiter, quota, burst, instantCache, pipeline, appLogger)
	scanner := services.NewScanner(db, api, quota, pipeline,
		time.Duration(cfg.Automation.ScanGraceMinutes)*time.Minute, appLogger)
	if cfg.Automation.Enabled {
		go subscriber.Run(ctx)
		if err := scanner.Start(); err != nil {
			appLogger.Fatalf("Failed to start scheduled scanner: %v", err)
		}
	} else {
		appLogger.Warn("Automation disabled, event intake and scanner not started")
	}

	publisher := metrics.NewPublisher(rdb, cfg.Automation.NodeName, pipeline.QueueSize, appLogger)
	go publisher.Run(ctx)
	notifier := services.NewAdminNotifier(api, time.Hour, appLogger)
	go notifier.Run(ctx)

	// 运维接口
	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}
	handlers.RegisterRoutes(r, pipeline, db, appLogger)

	listenAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: listenAddr, Handler: r}
	go func() {
		appLogger.Infof("Starting server on %s", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 优雅关闭：先停进水（扫描器、订阅器），再排空流水线，最后关运维口
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down...")

	scanner.Stop()
	cancel()
	if cfg.Automation.Enabled {
		subscriber.Wait()
	}
	pipeline.Stop(30 * time.Second)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Fatalf("Server forced to shutdown: %v", err)
	}
	appLogger.Info("Server exited")
}
