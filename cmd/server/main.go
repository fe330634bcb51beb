// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"docqa-go/internal/config"
	"docqa-go/internal/handler"
	"docqa-go/internal/middleware"
	"docqa-go/internal/model"
	"docqa-go/internal/pipeline"
	"docqa-go/internal/repository"
	"docqa-go/internal/service"
	"docqa-go/pkg/database"
	"docqa-go/pkg/embedding"
	"docqa-go/pkg/es"
	"docqa-go/pkg/kafka"
	"docqa-go/pkg/llm"
	"docqa-go/pkg/log"
	"docqa-go/pkg/ocr"
	"docqa-go/pkg/storage"
	"docqa-go/pkg/token"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化基础设施
	database.InitMySQL(cfg.Database.MySQL.DSN)
	if err := database.DB.AutoMigrate(
		&model.User{},
		&model.Document{},
		&model.Page{},
		&model.Chunk{},
	); err != nil {
		log.Fatalf("数据库迁移失败: %v", err)
	}
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.MinIO)

	indexStore, err := es.NewStore(cfg.Index, cfg.Embedding.Dimensions)
	if err != nil {
		log.Fatalf("向量索引初始化失败: %v", err)
	}
	kafka.InitProducer(cfg.Kafka)

	// 4. 初始化 Repository
	userRepo := repository.NewUserRepository(database.DB)
	docRepo := repository.NewDocumentRepository(database.DB)
	pageRepo := repository.NewPageRepository(database.DB)
	chunkRepo := repository.NewChunkRepository(database.DB)
	leaseRepo := repository.NewLeaseRepository(database.RDB)

	// 5. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)
	ocrClient := ocr.NewClient(cfg.OCR)
	embeddingClient := embedding.NewClient(cfg.Embedding)
	llmClient := llm.NewClient(cfg.LLM)

	// 确保当前模型版本的索引命名空间存在
	if err := indexStore.EnsureNamespace(context.Background(), embeddingClient.ModelVersion()); err != nil {
		log.Fatalf("初始化索引命名空间失败: %v", err)
	}

	userService := service.NewUserService(userRepo, jwtManager)
	ingestService := service.NewIngestService(docRepo, pageRepo, chunkRepo, indexStore, embeddingClient, cfg.MinIO)
	// 检索发现索引与元数据不一致时，后台触发一次索引重建；
	// 同一时间只允许一个重建在执行
	var rebuildInFlight int32
	retrievalService := service.NewRetrievalService(embeddingClient, indexStore, chunkRepo, cfg.Retrieval, func() {
		if !atomic.CompareAndSwapInt32(&rebuildInFlight, 0, 1) {
			return
		}
		go func() {
			defer atomic.StoreInt32(&rebuildInFlight, 0)
			log.Warnf("检索到索引不一致，开始自动重建索引")
			if err := ingestService.RebuildIndex(context.Background()); err != nil {
				log.Errorf("自动重建索引失败: %v", err)
			}
		}()
	})
	answerService := service.NewAnswerService(retrievalService, llmClient, cfg.Generation, cfg.LLM.Model)

	// 6. 初始化文档摄取管道 (Processor)
	processor := pipeline.NewProcessor(
		ocrClient,
		embeddingClient,
		indexStore,
		storage.NewBucketStore(cfg.MinIO.BucketName),
		docRepo,
		pageRepo,
		chunkRepo,
		leaseRepo,
		cfg.Pipeline,
		cfg.OCR,
	)

	// 7. 启动后台 Kafka 消费者
	go kafka.StartConsumer(cfg.Kafka, processor)

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 9. 注册路由
	userHandler := handler.NewUserHandler(userService)
	documentHandler := handler.NewDocumentHandler(ingestService, cfg.Server)
	queryHandler := handler.NewQueryHandler(answerService, ingestService)
	authRequired := middleware.AuthMiddleware(jwtManager, userService)

	apiV1 := r.Group("/api/v1")
	{
		users := apiV1.Group("/users")
		{
			// 无需认证的路由 (公开访问)
			users.POST("/register", userHandler.Register)
			users.POST("/login", userHandler.Login)

			// 需要认证的路由 (仅限登录用户访问)
			authed := users.Group("/")
			authed.Use(authRequired)
			{
				authed.GET("/me", userHandler.Profile)
			}
		}

		// Document 路由组，需要认证
		documents := apiV1.Group("/documents")
		documents.Use(authRequired)
		{
			documents.POST("", documentHandler.Upload)
			documents.GET("", documentHandler.List)
			documents.GET("/:id/status", documentHandler.Status)
			documents.GET("/:id/download", documentHandler.Download)
			documents.DELETE("/:id", documentHandler.Delete)
		}

		// Query 路由组，需要认证；stream 为 WebSocket 入口
		query := apiV1.Group("/query")
		query.Use(authRequired)
		{
			query.POST("", queryHandler.Query)
			query.GET("/stream", queryHandler.Stream)
		}

		// 管理路由组
		admin := apiV1.Group("/admin")
		admin.Use(authRequired)
		{
			admin.POST("/index/rebuild", queryHandler.RebuildIndex)
		}
	}

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
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

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}
