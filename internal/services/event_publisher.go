package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	appKafka "gufta-im/internal/kafka"
	"gufta-im/internal/models"
)

// MessagePersistedEvent 在消息写入存储之后发布，供下游 (通知、搜索索引等) 消费。
type MessagePersistedEvent struct {
	MessageID         string             `json:"messageId"`
	ConversationID    string             `json:"conversationId"`
	SenderID          string             `json:"senderId"`
	ParticipantIDs    []string           `json:"participantIds"`
	Type              models.MessageType `json:"type"`
	CreatedAt         time.Time          `json:"createdAt"`
	IsNewConversation bool               `json:"isNewConversation"`
}

// EventPublisher 发布消息事件。发布失败不影响已经持久化的消息。
type EventPublisher interface {
	PublishMessagePersisted(ctx context.Context, event MessagePersistedEvent) error
}

// kafkaEventPublisher 以会话ID为 key 写入 Kafka，同一会话的事件落在同一分区内保持顺序。
type kafkaEventPublisher struct {
	producer appKafka.MessageProducer
	topic    string
}

// NewKafkaEventPublisher 创建基于 Kafka 的 EventPublisher。
func NewKafkaEventPublisher(producer appKafka.MessageProducer, topic string) EventPublisher {
	return &kafkaEventPublisher{producer: producer, topic: topic}
}

// PublishMessagePersisted 实现 EventPublisher。
func (p *kafkaEventPublisher) PublishMessagePersisted(ctx context.Context, event MessagePersistedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化消息事件失败: %w", err)
	}
	if err := p.producer.SendMessage(ctx, p.topic, []byte(event.ConversationID), payload); err != nil {
		return fmt.Errorf("发布消息事件到 %s 失败: %w", p.topic, err)
	}
	return nil
}
