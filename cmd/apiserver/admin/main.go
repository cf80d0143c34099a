package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"gufta-im/internal/auth"
	"gufta-im/internal/chatclient"
	"gufta-im/internal/config"
	appKafka "gufta-im/internal/kafka"
	kafkahandlers "gufta-im/internal/kafka/handlers"
	"gufta-im/internal/logger"
	appRedis "gufta-im/internal/redis"
	"gufta-im/internal/storage"
)

const defaultTailGroup = "gufta-im-admin-tail"

func usage() {
	fmt.Println("使用方法:")
	fmt.Println("  ./admin issue-token <userID> [userName]     - 签发会话令牌")
	fmt.Println("  ./admin revoke-token <token>                - 吊销令牌 (需要 Redis)")
	fmt.Println("  ./admin show-conversation <conversationID>  - 显示会话信息")
	fmt.Println("  ./admin list-participants <conversationID>  - 列出会话的所有参与者")
	fmt.Println("  ./admin check-duplicates                    - 检查同一对用户是否存在多个私聊会话")
	fmt.Println("  ./admin tail-events [groupID]               - 打印消息持久化事件 (需要 Kafka)")
	fmt.Println("  ./admin send-message <from> <to> <content>  - 以 from 的身份向 to 发送一条私聊消息")
}

func requireArg(n int, what string) string {
	if len(os.Args) <= n {
		log.Fatalf("需要指定%s", what)
	}
	return os.Args[n]
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(os.Getenv("GUFTA_CONFIG"))
	if err != nil {
		log.Fatalf("无法加载配置: %v", err)
	}
	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("无法初始化日志: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx := context.Background()

	switch os.Args[1] {
	case "issue-token":
		userID := requireArg(2, "用户ID")
		userName := userID
		if len(os.Args) > 3 {
			userName = os.Args[3]
		}
		token, err := auth.GenerateToken(auth.Identity{UserID: userID, UserName: userName}, cfg.Auth)
		if err != nil {
			log.Fatalf("签发令牌失败: %v", err)
		}
		fmt.Println(token)

	case "revoke-token":
		token := requireArg(2, "令牌")
		revokeToken(ctx, cfg, token)

	case "show-conversation":
		conversationID := requireArg(2, "会话ID")
		showConversation(ctx, openRepo(cfg, zl), conversationID)

	case "list-participants":
		conversationID := requireArg(2, "会话ID")
		listParticipants(ctx, openRepo(cfg, zl), conversationID)

	case "check-duplicates":
		checkDuplicates(ctx, openRepo(cfg, zl))

	case "tail-events":
		groupID := defaultTailGroup
		if len(os.Args) > 2 {
			groupID = os.Args[2]
		}
		tailEvents(cfg, groupID, zl)

	case "send-message":
		from := requireArg(2, "发送者ID")
		to := requireArg(3, "接收者ID")
		content := strings.Join(os.Args[4:], " ")
		sendMessage(ctx, cfg, from, to, content, zl)

	default:
		usage()
		log.Fatalf("未知命令: %s", os.Args[1])
	}
}

func openRepo(cfg config.Config, zl *zap.Logger) storage.ConversationRepository {
	repos, err := storage.Open(cfg.Database, zl)
	if err != nil {
		log.Fatalf("无法初始化存储: %v", err)
	}
	return repos.Conversations
}

func revokeToken(ctx context.Context, cfg config.Config, token string) {
	client, err := appRedis.Connect(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("无法连接到 Redis: %v", err)
	}
	defer client.Close()

	verifier := auth.NewJWTVerifier(cfg.Auth, nil)
	jti, err := auth.RevokeToken(ctx, verifier, appRedis.NewTokenBlacklist(client), token)
	if err != nil {
		log.Fatalf("吊销失败: %v", err)
	}
	fmt.Printf("已吊销 JTI: %s\n", jti)
}

func showConversation(ctx context.Context, repo storage.ConversationRepository, conversationID string) {
	conversation, err := repo.GetConversationByID(ctx, conversationID)
	if err != nil {
		log.Fatalf("获取会话失败: %v", err)
	}

	fmt.Printf("会话 %s 信息:\n", conversationID)
	fmt.Println("--------------------------------------")
	fmt.Printf("类型: %s\n", conversation.Kind)
	fmt.Printf("创建时间: %s\n", conversation.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("更新时间: %s\n", conversation.UpdatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("参与者: %s\n", strings.Join(conversation.ParticipantIDs(), ", "))
	if lm := conversation.LastMessage; lm != nil {
		fmt.Printf("最后一条消息: [%s] %s: %s\n", lm.Timestamp.Format(time.RFC3339), lm.SenderID, lm.Content)
	} else {
		fmt.Println("最后一条消息: (无)")
	}
}

func listParticipants(ctx context.Context, repo storage.ConversationRepository, conversationID string) {
	conversation, err := repo.GetConversationByID(ctx, conversationID)
	if err != nil {
		log.Fatalf("获取参与者失败: %v", err)
	}

	fmt.Printf("会话 %s 的参与者 (%d 人):\n", conversationID, len(conversation.Participants))
	fmt.Println("--------------------------------------")
	for i, p := range conversation.Participants {
		fmt.Printf("#%d 用户ID: %s, 加入时间: %s, 置顶: %v, 未读: %d\n",
			i+1, p.UserID, p.JoinedAt.Format("2006-01-02 15:04:05"), p.IsPinned, p.UnreadCount)
	}
}

func checkDuplicates(ctx context.Context, repo storage.ConversationRepository) {
	pairs, err := repo.FindDuplicateDirectPairs(ctx)
	if err != nil {
		log.Fatalf("检查失败: %v", err)
	}
	if len(pairs) == 0 {
		fmt.Println("没有发现重复的私聊会话")
		return
	}
	fmt.Printf("发现 %d 对用户存在多个私聊会话:\n", len(pairs))
	for _, p := range pairs {
		fmt.Printf("  %s <-> %s: %d 个会话\n", p.UserA, p.UserB, p.Count)
	}
	os.Exit(2)
}

func tailEvents(cfg config.Config, groupID string, zl *zap.Logger) {
	consumer := appKafka.NewConfluentKafkaConsumer(cfg.Kafka, zl)
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printer := kafkahandlers.NewMessageEventPrinter(os.Stdout, zl)
	topics := []string{cfg.Kafka.MessagesTopic}
	fmt.Printf("监听 topic %s (group %s)，Ctrl+C 退出\n", cfg.Kafka.MessagesTopic, groupID)
	if err := consumer.Consume(ctx, topics, groupID, printer.Handle); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Kafka 消费失败: %v", err)
	}
}

// chatURL 由聊天服务的监听地址拼出 WebSocket 地址，GUFTA_CHAT_URL 可以覆盖。
func chatURL(cfg config.ServerConfig) string {
	if u := os.Getenv("GUFTA_CHAT_URL"); u != "" {
		return u
	}
	host := cfg.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("ws://%s:%s%s", host, cfg.Port, cfg.WebSocketPath)
}

func sendMessage(ctx context.Context, cfg config.Config, from, to, content string, zl *zap.Logger) {
	token, err := auth.GenerateToken(auth.Identity{UserID: from, UserName: from}, cfg.Auth)
	if err != nil {
		log.Fatalf("签发令牌失败: %v", err)
	}
	sess, err := chatclient.Connect(ctx, cfg, chatURL(cfg.Server), from, token, nil, zl)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer sess.Close()

	sess.Composer.SetDraft(content)
	ack, err := sess.Composer.Submit(ctx, chatclient.Target{ReceiverID: to})
	if err != nil {
		log.Fatalf("%s (%v)", chatclient.UserMessage(err), err)
	}
	fmt.Printf("已发送 消息ID: %s 会话ID: %s\n", ack.Message.ID, ack.Message.ConversationID)
}
