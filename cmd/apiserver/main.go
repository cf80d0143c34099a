package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"gufta-im/internal/auth"
	"gufta-im/internal/config"
	"gufta-im/internal/handlers/apiserver"
	"gufta-im/internal/logger"
	"gufta-im/internal/middleware"
	appRedis "gufta-im/internal/redis"
	"gufta-im/internal/services"
	"gufta-im/internal/storage"
)

func main() {
	// 1. 加载配置
	cfg, err := config.LoadConfig(os.Getenv("GUFTA_CONFIG"))
	if err != nil {
		log.Fatalf("无法加载配置: %v", err)
	}

	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("无法初始化日志: %v", err)
	}
	defer func() { _ = zl.Sync() }()
	zl = zl.With(zap.String("app", cfg.AppName), zap.String("version", cfg.AppVersion))
	zl.Info("API 服务器配置加载成功")

	// 2. 初始化存储
	repos, err := storage.Open(cfg.Database, zl)
	if err != nil {
		zl.Fatal("无法初始化存储", zap.Error(err))
	}
	defer func() { _ = repos.Close() }()

	// 3. 初始化 Token 黑名单 (可选)
	var blacklist auth.TokenBlacklist
	if cfg.Redis.Enabled {
		redisClient, err := appRedis.Connect(context.Background(), cfg.Redis)
		if err != nil {
			zl.Fatal("无法连接到 Redis", zap.Error(err))
		}
		defer redisClient.Close()
		blacklist = appRedis.NewTokenBlacklist(redisClient)
	}
	verifier := auth.NewJWTVerifier(cfg.Auth, blacklist)

	// 4. 初始化 Services 与 Handlers
	// API 服务器不发送消息，事件发布留给 Chat 服务器
	conversationService := services.NewConversationService(repos.Conversations, zl)
	messageService := services.NewMessageService(repos.Messages, repos.Conversations, conversationService, nil, cfg.Message, zl)
	convoHandler := apiserver.NewConversationHandler(conversationService, messageService, cfg.Message.HistoryPageSize, zl)

	// 5. 设置 HTTP 路由
	r := mux.NewRouter()
	apiRouter := r.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(middleware.AuthMiddleware(verifier, cfg.Auth.CookieName))
	convoHandler.RegisterRoutes(apiRouter)

	// 6. 启动 HTTP 服务器并实现优雅关闭
	serverAddr := fmt.Sprintf("%s:%s", cfg.APIServer.Host, cfg.APIServer.Port)

	corsOptions := []handlers.CORSOption{
		handlers.AllowedOrigins(cfg.APIServer.CORS.AllowedOrigins),
		handlers.AllowedMethods(cfg.APIServer.CORS.AllowedMethods),
		handlers.AllowedHeaders(cfg.APIServer.CORS.AllowedHeaders),
		handlers.ExposedHeaders(cfg.APIServer.CORS.ExposedHeaders),
		handlers.MaxAge(cfg.APIServer.CORS.MaxAge),
	}
	if cfg.APIServer.CORS.AllowCredentials {
		corsOptions = append(corsOptions, handlers.AllowCredentials())
	}

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      handlers.CORS(corsOptions...)(r),
		ReadTimeout:  cfg.APIServer.ReadTimeout,
		WriteTimeout: cfg.APIServer.WriteTimeout,
		IdleTimeout:  cfg.APIServer.IdleTimeout,
		ErrorLog:     logger.StdLogger(zl, "http"),
	}

	go func() {
		zl.Info("API 服务器启动", zap.String("addr", serverAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("API 服务器启动失败", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zl.Info("收到关闭信号，正在关闭 API 服务器...")

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(ctxShutdown); err != nil {
		zl.Error("API 服务器强制关闭", zap.Error(err))
	}
	zl.Info("API 服务器已成功关闭")
}
