// Package main 是上传服务的入口点。
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

	"skydump-go/internal/config"
	"skydump-go/internal/handler"
	"skydump-go/internal/middleware"
	"skydump-go/internal/pipeline"
	"skydump-go/internal/repository"
	"skydump-go/internal/service"
	"skydump-go/pkg/database"
	"skydump-go/pkg/email"
	"skydump-go/pkg/es"
	"skydump-go/pkg/kafka"
	"skydump-go/pkg/log"
	"skydump-go/pkg/storage"
	"skydump-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// newObjectStore 根据 storage.driver 选择对象存储后端。
func newObjectStore(ctx context.Context, cfg config.Config) (storage.ObjectStore, error) {
	maxBuffer := cfg.Upload.MaxPartBytes
	if cfg.Upload.MaxDirectBytes > maxBuffer {
		maxBuffer = cfg.Upload.MaxDirectBytes
	}
	switch cfg.Storage.Driver {
	case "", "minio":
		return storage.NewMinIOStore(ctx, cfg.MinIO, maxBuffer)
	case "s3":
		return storage.NewS3Store(ctx, cfg.S3, maxBuffer)
	case "memory":
		log.Warnf("使用内存对象存储，重启后数据会丢失")
		return storage.NewMemoryStore(cfg.Storage.MinPartSize), nil
	default:
		return nil, fmt.Errorf("不支持的存储驱动: %s", cfg.Storage.Driver)
	}
}

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 初始化配置
	config.Init(*configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis 和对象存储
	database.InitDB(cfg.Database)
	database.InitRedis(cfg.Database.Redis)
	store, err := newObjectStore(context.Background(), cfg)
	if err != nil {
		log.Fatal("对象存储初始化失败", err)
	}

	// 4. 初始化 Repository
	sessionRepo := repository.NewSessionRepository(database.RDB)
	uploadRepo := repository.NewUploadRepository(database.DB)
	blacklist := repository.NewTokenBlacklist(database.RDB)

	// 5. 初始化通知流水线，Elasticsearch 和 SMTP 都是可选的
	var searcher service.UploadSearcher
	opts := pipeline.Options{
		AdminEmail:   cfg.Admin.Email,
		DashboardURL: cfg.Server.PublicURL,
		Redis:        database.RDB,
	}
	if cfg.Elasticsearch.Addresses != "" {
		esClient, err := es.InitES(cfg.Elasticsearch)
		if err != nil {
			log.Errorf("es 初始化失败, 检索功能不可用: %v", err)
		} else {
			opts.Indexer = esClient
			searcher = esClient
		}
	}
	if cfg.SMTP.Host != "" {
		opts.Mailer = email.NewClient(cfg.SMTP)
	}
	processor := pipeline.NewProcessor(opts)

	rootCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	var publisher service.EventPublisher
	var localPublisher *pipeline.LocalPublisher
	var producer *kafka.Producer
	consumerDone := make(chan struct{})
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka)
		publisher = producer
		consumer := kafka.NewConsumer(cfg.Kafka, processor, database.RDB)
		// 启动后台 Kafka 消费者
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(rootCtx); err != nil {
				log.Error("Kafka 消费者异常退出", err)
			}
		}()
	} else {
		localPublisher = pipeline.NewLocalPublisher(processor)
		publisher = localPublisher
		close(consumerDone)
	}

	// 6. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	uploadService := service.NewUploadService(store, sessionRepo, uploadRepo, publisher, cfg.Upload)
	downloadService := service.NewDownloadService(store, uploadRepo)
	adminService := service.NewAdminService(uploadRepo, searcher)
	authService := service.NewAuthService(cfg.Admin, jwtManager, blacklist)
	if cfg.Admin.PasswordHash == "" {
		log.Warnf("未配置管理员密码哈希, 管理端登录不可用")
	}

	limiter := middleware.NewIPRateLimiter(cfg.Upload.RateLimit.RPS, cfg.Upload.RateLimit.Burst)
	stopCleanup := make(chan struct{})
	go limiter.RunCleanup(5*time.Minute, stopCleanup)
	defer close(stopCleanup)

	// 7. 设置 Gin 模式并注册路由
	gin.SetMode(cfg.Server.Mode)
	r := handler.NewRouter(handler.RouterDeps{
		Server:          cfg.Server,
		Upload:          cfg.Upload,
		UploadService:   uploadService,
		DownloadService: downloadService,
		AdminService:    adminService,
		AuthService:     authService,
		JWT:             jwtManager,
		Blacklist:       blacklist,
		Redis:           database.RDB,
		Limiter:         limiter,
		SearchEnabled:   searcher != nil,
	})

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	// HTTP 停止后再关闭事件处理，保证已完成的上传都发出了事件
	stopBackground()
	<-consumerDone
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Errorf("关闭 Kafka 生产者失败: %v", err)
		}
	}
	if localPublisher != nil {
		localPublisher.Wait()
	}
	log.Info("服务已优雅关闭")
}
