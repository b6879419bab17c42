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

	"go.uber.org/zap"

	"forge-admin/internal/api/router"
	"forge-admin/internal/pkg/aiservice"
	"forge-admin/internal/pkg/config"
	"forge-admin/internal/pkg/crypto"
	"forge-admin/internal/pkg/database"
	"forge-admin/internal/pkg/jwt"
	"forge-admin/internal/pkg/logger"
	"forge-admin/internal/pkg/platformkey"
	"forge-admin/internal/repository"
	"forge-admin/internal/scheduler"
	"forge-admin/internal/service"

	_ "forge-admin/docs" // Swagger docs
)

// @title Forge Admin API
// @version 1.0
// @description AI 游戏内容管理后台 API 文档
// @description 提供用户 AI 服务凭据的加密存储、平台 key 兜底与审计

// @contact.name API Support
// @contact.email support@example.com

// @host localhost:8080
// @BasePath /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

var (
	configFile = flag.String("config", "", "配置文件路径 (例如: -config=configs/config.yaml)")
	version    = flag.Bool("version", false, "显示版本信息")
)

const (
	appVersion = "1.0.0"
	appName    = "forge-admin"
)

func main() {
	// 解析命令行参数
	flag.Parse()

	// 显示版本信息
	if *version {
		fmt.Printf("%s version %s\n", appName, appVersion)
		os.Exit(0)
	}

	// init config logger
	var cfg *config.Config
	{
		// 优先级: 命令行参数 > 环境变量 > 默认路径
		configPath := getConfigPath()

		c, err := config.Load(configPath)
		if err != nil {
			fmt.Printf("加载配置失败: %v\n", err)
			fmt.Println("\n使用方式:")
			fmt.Println("  1. 命令行参数指定:")
			fmt.Println("     ./forge-admin -config=configs/config.yaml")
			fmt.Println("  2. 环境变量指定:")
			fmt.Println("     export CONFIG_FILE=configs/config.yaml")
			fmt.Println("     ./forge-admin")
			fmt.Println("  3. 使用默认配置:")
			fmt.Println("     ./forge-admin  (将使用 configs/config.yaml)")
			os.Exit(1)
		}
		cfg = c

		// 初始化日志
		if err := logger.Init(&cfg.Log); err != nil {
			fmt.Printf("初始化日志失败: %v\n", err)
			os.Exit(1)
		}
		logger.Info(fmt.Sprintf("Load config file: %s of %s", configPath, getConfigSource()))

		defer func() {
			_ = logger.Close()
		}()
	}

	logger.Info(fmt.Sprintf("服务 %s 启动中...", appName), zap.String("version", appVersion))

	// 加密密钥缺失时无法保存任何用户 key, 直接退出
	cipher, err := crypto.NewAESCipher(cfg.Crypto.AESKey)
	if err != nil {
		logger.Fatal("初始化凭据加密失败", zap.Error(err))
	}

	// 初始化数据库
	if err := database.Init(&cfg.Database); err != nil {
		logger.Fatal("初始化数据库失败", zap.Error(err))
	}
	defer func() {
		_ = database.Close()
	}()
	db := database.GetDB()
	logger.Info("数据库连接成功", zap.String("driver", cfg.Database.Driver), zap.String("database", cfg.Database.Database))

	// 平台兜底 key, 启动后不再变化
	platform := platformkey.New(cfg.Platform.Keys)
	for _, s := range aiservice.All() {
		if key, ok := platform.Get(s); ok {
			logger.Info("平台 key 已配置", logger.Service(s), logger.MaskedKey(key))
		}
	}

	credentialRepo := repository.NewCredentialRepository(db)
	eventRepo := repository.NewCredentialEventRepository(db)
	userRepo := repository.NewUserRepository(db)
	tokens := jwt.NewManager(&cfg.Auth.JWT)

	credentialService := service.NewCredentialService(credentialRepo, eventRepo, cipher, platform, logger.Named("credential"))
	authService := service.NewAuthService(&cfg.Auth, userRepo, service.NewLDAPService(&cfg.Auth.LDAP), tokens, logger.Named("auth"))

	if err := authService.EnsureAdmin(context.Background()); err != nil {
		logger.Fatal("初始化管理员失败", zap.Error(err))
	}

	// 初始化并启动定时任务调度器
	taskScheduler := scheduler.NewScheduler(&cfg.Scheduler, credentialRepo, eventRepo, platform, logger.Named("scheduler"))
	if err := taskScheduler.Start(); err != nil {
		logger.Warn("定时任务调度器启动失败", zap.Error(err))
	}

	// 设置路由
	r, err := router.Setup(&cfg.Server, &router.Services{
		Auth:       authService,
		Credential: credentialService,
		Platform:   platform,
		Tokens:     tokens,
	}, logger.Named("http"))
	if err != nil {
		logger.Fatal("初始化路由失败", zap.Error(err))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info(fmt.Sprintf("%s 服务启动成功", cfg.Server.Name),
			zap.String("address", addr),
			zap.String("mode", cfg.Server.Mode),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("服务器启动失败", zap.Error(err))
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("服务正在关闭...")

	taskScheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("服务器关闭异常", zap.Error(err))
	}

	// 等待 last_used_at 与审计事件写完再关闭数据库
	credentialService.Wait()

	logger.Info("服务已关闭")
}

// getConfigPath 获取配置文件路径
// 优先级: 命令行参数 > 环境变量 > 默认路径
func getConfigPath() string {
	if *configFile != "" {
		return *configFile
	}
	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		return envConfig
	}
	return "configs/config.yaml"
}

// getConfigSource 获取配置来源说明
func getConfigSource() string {
	if *configFile != "" {
		return "命令行参数"
	}
	if os.Getenv("CONFIG_FILE") != "" {
		return "环境变量"
	}
	return "默认配置"
}
