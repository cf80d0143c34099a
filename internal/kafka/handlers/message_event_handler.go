package kafkahandlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"gufta-im/internal/services"
)

// MessageEventPrinter 把 message persisted 事件逐行写到 out，供运维排查使用。
type MessageEventPrinter struct {
	out io.Writer
	log *zap.Logger
}

// NewMessageEventPrinter 创建 MessageEventPrinter。
func NewMessageEventPrinter(out io.Writer, log *zap.Logger) *MessageEventPrinter {
	if log == nil {
		log = zap.NewNop()
	}
	return &MessageEventPrinter{out: out, log: log}
}

// Handle 满足 kafka.MessageHandler。无法解析的记录只记录日志并跳过，避免卡住分区。
func (h *MessageEventPrinter) Handle(ctx context.Context, msg *kafka.Message) error {
	var event services.MessagePersistedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		h.log.Warn("无法解析消息事件，跳过", zap.ByteString("key", msg.Key), zap.Error(err))
		return nil
	}
	_, err := fmt.Fprintf(h.out, "%s conversation=%s message=%s sender=%s participants=%s type=%s new=%t\n",
		event.CreatedAt.Format(time.RFC3339Nano),
		event.ConversationID,
		event.MessageID,
		event.SenderID,
		strings.Join(event.ParticipantIDs, ","),
		event.Type,
		event.IsNewConversation,
	)
	return err
}
