package router

import (
	"fmt"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"forge-admin/internal/api/handler"
	"forge-admin/internal/api/middleware"
	"forge-admin/internal/pkg/config"
	"forge-admin/internal/pkg/jwt"
	"forge-admin/internal/pkg/platformkey"
	"forge-admin/internal/service"
	"forge-admin/pkg/utils"
)

// Services 路由依赖, 由 main 组装
type Services struct {
	Auth       service.AuthService
	Credential service.CredentialService
	Platform   *platformkey.Registry
	Tokens     *jwt.Manager
}

// Setup 设置路由
func Setup(cfg *config.ServerConfig, svcs *Services, logger *zap.Logger) (*gin.Engine, error) {
	// 设置Gin模式
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := utils.RegisterValidations(); err != nil {
		return nil, fmt.Errorf("注册参数校验失败: %w", err)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(logger))
	r.Use(middleware.CORSMiddleware())

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Swagger API 文档
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	authHandler := handler.NewAuthHandler(svcs.Auth)
	credentialHandler := handler.NewCredentialHandler(svcs.Credential)
	serviceHandler := handler.NewServiceHandler(svcs.Platform)

	// API v1
	v1 := r.Group("/api/v1")
	{
		// 认证相关(无需token)
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/login", authHandler.Login)
			authGroup.POST("/refresh", authHandler.Refresh)
		}

		// 需要认证的路由
		authed := v1.Group("")
		authed.Use(middleware.AuthMiddleware(svcs.Tokens))
		{
			authed.GET("/auth/me", authHandler.GetMe)
			authed.GET("/services", serviceHandler.List)

			// 当前用户的 AI 服务凭据
			groupCredentials := authed.Group("/credentials")
			{
				groupCredentials.GET("", credentialHandler.List)                            // 列表（脱敏）
				groupCredentials.GET("/status", credentialHandler.Statuses)                 // 所有服务的配置状态
				groupCredentials.GET("/events", credentialHandler.Events)                   // 审计事件
				groupCredentials.PUT("/:service", credentialHandler.Set)                    // 保存/覆盖
				groupCredentials.DELETE("/:service", credentialHandler.Delete)              // 删除
				groupCredentials.GET("/:service/status", credentialHandler.Status)          // 单个服务状态
				groupCredentials.GET("/:service/resolution", credentialHandler.Resolution)  // 解析预览
				groupCredentials.POST("/:service/deactivate", credentialHandler.Deactivate) // 停用
			}
		}
	}

	return r, nil
}
