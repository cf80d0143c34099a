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

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gufta-im/internal/auth"
	"gufta-im/internal/config"
	"gufta-im/internal/fanout"
	"gufta-im/internal/handlers/chatserver"
	appKafka "gufta-im/internal/kafka"
	"gufta-im/internal/logger"
	appRedis "gufta-im/internal/redis"
	"gufta-im/internal/services"
	"gufta-im/internal/storage"
	"gufta-im/internal/websocket"
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
	zl.Info("Chat 服务器配置加载成功")

	// 2. 初始化存储 (PostgreSQL 时会自动迁移)
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
		zl.Info("Token 黑名单已启用", zap.String("addr", cfg.Redis.Addr))
	}
	verifier := auth.NewJWTVerifier(cfg.Auth, blacklist)

	// 4. 初始化 Kafka 事件发布 (可选)
	var publisher services.EventPublisher
	if cfg.Kafka.Enabled {
		producer, err := appKafka.NewConfluentKafkaProducer(cfg.Kafka, zl)
		if err != nil {
			zl.Fatal("无法创建 Kafka 生产者", zap.Error(err))
		}
		defer producer.Close()
		publisher = services.NewKafkaEventPublisher(producer, cfg.Kafka.MessagesTopic)
		zl.Info("Kafka 事件发布已启用", zap.String("topic", cfg.Kafka.MessagesTopic))
	}

	// 5. 初始化 Services
	conversationService := services.NewConversationService(repos.Conversations, zl)
	messageService := services.NewMessageService(repos.Messages, repos.Conversations, conversationService, publisher, cfg.Message, zl)

	// 6. 初始化 WebSocket Hub 与扇出
	hub := websocket.NewHub(zl)
	go hub.Run()
	router := fanout.NewRouter(hub, zl)

	wsHandler := chatserver.NewWebSocketHandler(hub, verifier, messageService, router, cfg, zl)

	// 7. 配置 HTTP 路由
	r := mux.NewRouter()
	r.HandleFunc(cfg.Server.WebSocketPath, wsHandler.ServeWS)
	r.Handle(cfg.Server.MetricsPath, promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	serverAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:           serverAddr,
		Handler:        r,
		ReadTimeout:    cfg.Server.ReadTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
		ErrorLog:       logger.StdLogger(zl, "http"),
	}

	go func() {
		zl.Info("Chat HTTP 服务器启动", zap.String("addr", serverAddr), zap.String("wsPath", cfg.Server.WebSocketPath))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("Chat 服务器启动失败", zap.Error(err))
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zl.Info("Chat 服务器准备关闭...")

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	// 先停止接收新连接，再关闭 Hub 断开现有连接
	if err := httpServer.Shutdown(ctxShutdown); err != nil {
		zl.Error("Chat 服务器关闭失败", zap.Error(err))
	}
	hub.Stop()
	zl.Info("Chat 服务器已优雅关闭")
}
