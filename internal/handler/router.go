package handler

import (
	"net/http"
	"time"

	"skydump-go/internal/config"
	"skydump-go/internal/middleware"
	"skydump-go/internal/repository"
	"skydump-go/internal/service"
	"skydump-go/pkg/token"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
)

// RouterDeps 汇总了注册路由所需的全部依赖。
type RouterDeps struct {
	Server config.ServerConfig
	Upload config.UploadConfig

	UploadService   service.UploadService
	DownloadService service.DownloadService
	AdminService    service.AdminService
	AuthService     service.AuthService

	JWT       *token.JWTManager
	Blacklist repository.TokenBlacklist
	// Redis 为 nil 时不注册实时推送接口
	Redis *redis.Client
	// Limiter 为 nil 时上传入口不限流
	Limiter *middleware.IPRateLimiter
	// SearchEnabled 为 true 时注册检索接口
	SearchEnabled bool
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "x-file-name"},
		ExposeHeaders: []string{"Content-Disposition", "Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	allowAll := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
	}
	if allowAll {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

// NewRouter 创建 Gin 引擎并注册所有路由。
func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestLogger(), gin.Recovery(), cors.New(corsConfig(d.Server.AllowedOrigins)))

	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
	})
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	optionalAuth := middleware.OptionalAuth(d.JWT, d.Blacklist)
	requireAuth := middleware.AuthMiddleware(d.JWT, d.Blacklist)

	uploadHandler := NewUploadHandler(d.UploadService, d.Upload, d.Server.PublicURL)
	var limit []gin.HandlerFunc
	if d.Limiter != nil {
		limit = append(limit, middleware.RateLimit(d.Limiter))
	}
	upload := r.Group("/upload", optionalAuth)
	{
		upload.POST("", withHandler(limit, uploadHandler.DirectUpload)...)
		upload.POST("/multipart", withHandler(limit, uploadHandler.InitMultipart)...)
		upload.PUT("/part", uploadHandler.UploadPart)
		upload.POST("/complete", uploadHandler.Complete)
		upload.GET("/multipart/:fileId/parts", uploadHandler.ListParts)
		upload.DELETE("/multipart/:fileId", uploadHandler.Abort)
		upload.POST("/failed", uploadHandler.ReportFailure)
	}

	r.GET("/download/:fileId", NewDownloadHandler(d.DownloadService).Download)

	authHandler := NewAuthHandler(d.AuthService)
	auth := r.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.GET("/verify", requireAuth, authHandler.Verify)
		auth.POST("/logout", requireAuth, authHandler.Logout)
	}

	// 管理员路由组，需要同时通过认证和管理员授权两个中间件
	adminHandler := NewAdminHandler(d.AdminService, d.Server.PublicURL)
	admin := r.Group("/admin", requireAuth, middleware.AdminAuthMiddleware())
	{
		admin.GET("/uploads", adminHandler.ListUploads)
		if d.SearchEnabled {
			admin.GET("/uploads/search", adminHandler.SearchUploads)
		}
		if d.Redis != nil {
			admin.GET("/uploads/events", NewEventsHandler(d.Redis, d.Server.AllowedOrigins).Stream)
		}
	}

	return r
}

// withHandler 返回 chain 加上 h 的新切片，不与 chain 共享底层数组。
func withHandler(chain []gin.HandlerFunc, h gin.HandlerFunc) []gin.HandlerFunc {
	out := make([]gin.HandlerFunc, 0, len(chain)+1)
	out = append(out, chain...)
	return append(out, h)
}
