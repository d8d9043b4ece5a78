package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"consult-service/internal/api"
	"consult-service/internal/config"
	"consult-service/internal/service"
	"consult-service/internal/storage"
	"consult-service/internal/tasks"
	"consult-service/pkg/clock"
	"consult-service/pkg/logger"
	"consult-service/pkg/metrics"
	"consult-service/pkg/tracing"

	"github.com/gin-gonic/gin"
)

// @title Consult Service API
// @version 1.0
// @description 咨询问题提交、顾问邀请与退款清扫服务

// @host localhost:8080
// @BasePath /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "config", "配置文件路径 (不包含 .yaml 扩展名)")
	flag.Parse()

	cfg := config.Load(configFile)

	logger.Init(cfg.LogLevel)
	log := logger.GetLogger()

	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}

	tracerCleanup, err := tracing.Init(cfg)
	if err != nil {
		log.Fatalf("链路追踪初始化失败: %v", err)
	}
	defer tracerCleanup()

	if cfg.Monitoring.Metrics.Enabled {
		if err := metrics.InitOTelMetrics(); err != nil {
			log.Fatalf("OpenTelemetry指标初始化失败: %v", err)
		}
	}

	db, err := storage.InitDB(cfg.Database)
	if err != nil {
		log.Fatalf("数据库初始化失败: %v", err)
	}
	rdb, err := storage.InitRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("Redis初始化失败: %v", err)
	}

	consultService := service.NewConsultService(db, rdb, cfg, clock.Real())

	// 后台任务随进程退出取消
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	tasks.StartAuditActionsSync(bgCtx, db, 10*time.Minute)
	tasks.StartConsultantStatsRefresher(bgCtx, db, cfg.Matching.StatsRefreshInterval)

	var sweepRunner *tasks.SweepRunner
	if cfg.Sweep.Enabled {
		sweepRunner = tasks.NewSweepRunner(consultService, cfg.Sweep)
		sweepRunner.Start()
	} else {
		log.Info("定时清扫已关闭，仅支持管理端或 cmd/sweep 手动触发")
	}

	var dispatcher *tasks.NotificationDispatcher
	if rdb != nil && len(consultService.Channels) > 0 {
		dispatcher = tasks.NewNotificationDispatcher(consultService)
		dispatcher.Start()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           api.NewRouter(consultService),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 优雅关闭
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务器启动失败: %v", err)
		}
	}()

	log.Infof("咨询服务启动成功，端口: %d", cfg.Port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("服务器关闭失败: %v", err)
	}

	// 等待进行中的清扫结束，锁由清扫自行释放
	if sweepRunner != nil {
		sweepRunner.Stop()
	}
	if dispatcher != nil {
		dispatcher.Stop()
	}
	stopBackground()

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}

	log.Info("服务已关闭")
}
