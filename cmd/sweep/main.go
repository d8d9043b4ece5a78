// Command sweep runs one invitation expiry and refund sweep against the configured
// database and Redis, then prints the report as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"consult-service/internal/config"
	"consult-service/internal/middleware"
	"consult-service/internal/models"
	"consult-service/internal/service"
	"consult-service/internal/storage"
	"consult-service/pkg/clock"
	"consult-service/pkg/logger"
)

func main() {
	var (
		configFile  string
		trigger     string
		dryRun      bool
		printToken  string
		permissions string
	)
	flag.StringVar(&configFile, "config", "config", "配置文件路径 (不包含 .yaml 扩展名)")
	flag.StringVar(&trigger, "trigger", service.TriggerCLI, "写入 sweep_runs 的触发来源")
	flag.BoolVar(&dryRun, "dry-run", false, "只列出将被处理的邀请和提交，不写库")
	flag.StringVar(&printToken, "print-token", "", "为指定用户签发访问令牌并退出")
	flag.StringVar(&permissions, "permissions", "", "签发令牌时附带的权限，逗号分隔")
	flag.Parse()

	cfg := config.Load(configFile)
	logger.Init(cfg.LogLevel)
	log := logger.GetLogger()

	if printToken != "" {
		var perms []string
		if permissions != "" {
			perms = strings.Split(permissions, ",")
		}
		issuer := middleware.NewTokenIssuer(cfg.Security.JWTSecret, middleware.TokenIssuerName, cfg.Security.JWTExpiration)
		token, expiresAt, err := issuer.Issue(printToken, perms)
		if err != nil {
			log.Fatalf("签发令牌失败: %v", err)
		}
		printJSON(map[string]interface{}{"access_token": token, "expires_at": expiresAt})
		return
	}

	db, err := storage.InitDB(cfg.Database)
	if err != nil {
		log.Fatalf("数据库初始化失败: %v", err)
	}
	rdb, err := storage.InitRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("Redis初始化失败: %v", err)
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
		if rdb != nil {
			_ = rdb.Close()
		}
	}()

	svc := service.NewConsultService(db, rdb, cfg, clock.Real())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if dryRun {
		report, err := svc.DryRun(ctx)
		if err != nil {
			log.Fatalf("dry run 失败: %v", err)
		}
		printJSON(report)
		return
	}

	report, err := svc.RunSweep(ctx, trigger)
	if err != nil {
		if errors.Is(err, service.ErrSweepInProgress) {
			log.Warn("另一个实例正在清扫，本次跳过")
			os.Exit(2)
		}
		log.Fatalf("清扫失败: %v", err)
	}
	printJSON(report)
	if report.Status != models.SweepStatusCompleted {
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
