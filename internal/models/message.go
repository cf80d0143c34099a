package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MessageType 定义了消息内容的类型。
type MessageType string

const (
	TextMessage   MessageType = "text"
	ImageMessage  MessageType = "image"
	FileMessage   MessageType = "file"
	SystemMessage MessageType = "system" // 用于系统通知
)

// Valid 判断是否为已知的消息类型。
func (t MessageType) Valid() bool {
	switch t {
	case TextMessage, ImageMessage, FileMessage, SystemMessage:
		return true
	}
	return false
}

// Message 代表存储在数据库中的聊天消息。创建后不可修改。
type Message struct {
	ID             string      `gorm:"type:varchar(36);primaryKey" json:"id"`
	ConversationID string      `gorm:"type:varchar(36);not null;index:idx_messages_conversation_created,priority:1" json:"conversationId"`
	SenderID       string      `gorm:"type:varchar(64);not null;index" json:"senderId"`
	Type           MessageType `gorm:"type:varchar(20);not null" json:"type"`
	Content        string      `gorm:"type:text;not null" json:"content"`
	CreatedAt      time.Time   `gorm:"not null;index:idx_messages_conversation_created,priority:2" json:"createdAt"`
}

// TableName 指定 Message 模型的表名。
func (Message) TableName() string {
	return "messages"
}

// BeforeCreate 补齐主键。
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}
