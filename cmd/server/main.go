// Package main 是应用程序的入口点。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"mumet-go/internal/config"
	"mumet-go/internal/handler"
	"mumet-go/internal/middleware"
	"mumet-go/internal/repository"
	"mumet-go/internal/service"
	"mumet-go/pkg/database"
	"mumet-go/pkg/kafka"
	"mumet-go/pkg/llm"
	"mumet-go/pkg/log"
	"mumet-go/pkg/markdown"
	"mumet-go/pkg/token"
)

func main() {
	// 1. 初始化配置
	configPath := "./configs/config.yaml"
	if p := os.Getenv("MUMET_CONFIG"); p != "" {
		configPath = p
	}
	config.Init(configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库和 Redis
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	defer database.Close()

	// 4. 初始化 Repository
	userRepo := repository.NewUserRepository(database.DB)
	authStateRepo := repository.NewAuthStateRepository(database.RDB)
	usageRepo := repository.NewUsageRepository(database.RDB)

	// 5. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	idVerifier, err := newFederatedVerifier(cfg.Auth.Federated)
	if err != nil {
		log.Fatal("第三方登录配置无效", err)
	}
	gateway := service.NewCredentialGateway(userRepo, authStateRepo, jwtManager, service.GatewayOptions{
		MaxAttempts:       cfg.Auth.MaxAttempts,
		AttemptWindow:     cfg.Auth.AttemptWindow,
		Federated:         idVerifier,
		FederatedProvider: cfg.Auth.Federated.Provider,
	})
	usageService := service.NewUsageService(usageRepo)
	llmClient := llm.NewClient(cfg.LLM)
	renderer := markdown.NewRenderer()

	// 6. 用量事件：生产者由聊天连接使用，消费者在后台汇总
	publisher := kafka.NewPublisher(cfg.Kafka)
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warnf("关闭 Kafka 生产者失败: %v", err)
		}
	}()
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		kafka.StartConsumer(consumerCtx, cfg.Kafka, usageService)
	}()

	// 7. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())

	userHandler := handler.NewUserHandler(gateway, usageService)
	chatHandler := handler.NewChatHandler(gateway, llmClient, renderer, publisher, cfg.LLM.SystemPrompt)

	// 8. 注册路由
	apiV1 := r.Group("/api/v1")
	{
		auth := apiV1.Group("/auth")
		{
			auth.POST("/refreshToken", handler.NewAuthHandler(gateway).RefreshToken)
		}

		users := apiV1.Group("/users")
		{
			// 无需认证的路由
			users.POST("/register", userHandler.Register)
			users.POST("/login", userHandler.Login)
			users.POST("/login/federated", userHandler.LoginFederated)

			// 需要认证的路由
			authed := users.Group("/")
			authed.Use(middleware.AuthMiddleware(gateway))
			{
				authed.GET("/me", userHandler.GetProfile)
				authed.GET("/me/usage", userHandler.GetUsage)
				authed.POST("/logout", userHandler.Logout)
			}
		}

		apiV1.POST("/markdown/render", handler.NewMarkdownHandler(renderer).Render)

		// Chat 路由 (WebSocket)，登录在连接内完成
		apiV1.GET("/chat/ws", chatHandler.Handle)
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

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// WebSocket 连接被劫持，不受 Shutdown 管理；进程退出时随之关闭
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	stopConsumer()
	select {
	case <-consumerDone:
	case <-ctx.Done():
		log.Warnf("等待 Kafka 消费者退出超时")
	}
	log.Info("服务已优雅关闭")
}

// newFederatedVerifier 按配置创建 ID Token 校验器。未启用或没有配置密钥时返回 nil，
// 此时第三方登录返回 operation_not_allowed。
func newFederatedVerifier(fed config.FederatedConfig) (*token.IDTokenVerifier, error) {
	if !fed.Enabled {
		log.Info("第三方登录未启用")
		return nil, nil
	}
	v, err := token.NewIDTokenVerifier(fed.Issuer, fed.Audience, fed.HMACSecret, fed.PublicKeyPEM)
	if errors.Is(err, token.ErrNoVerificationKey) {
		log.Warnf("第三方登录已启用但未配置校验密钥，已禁用")
		return nil, nil
	}
	return v, err
}
