package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ConversationKind 定义了会话的类型。
type ConversationKind string

const (
	DirectConversation ConversationKind = "direct" // 一对一聊天
	GroupConversation  ConversationKind = "group"  // 群组聊天 (仅做基本的房间分发)
)

// LastMessage 是会话列表渲染用的最后一条消息摘要。
type LastMessage struct {
	Content   string    `json:"content"`
	SenderID  string    `json:"senderId"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation 代表一个聊天会话。
type Conversation struct {
	BaseModel
	Kind ConversationKind `gorm:"type:varchar(20);not null;index" json:"kind"`

	// PairKey 是私聊双方用户ID的规范化组合 (与顺序无关)，带唯一索引。
	// 群聊为 NULL，PostgreSQL 的唯一索引允许多个 NULL。
	PairKey *string `gorm:"type:varchar(200);uniqueIndex" json:"-"`

	// 参与者按 Position 排序：私聊时发起方在前。
	Participants []ConversationParticipant `gorm:"foreignKey:ConversationID" json:"participants"`

	// 最后一条消息的扁平列，只允许按时间单调前进。
	LastMessageContent  *string    `gorm:"type:text" json:"-"`
	LastMessageSenderID *string    `gorm:"type:varchar(64)" json:"-"`
	LastMessageAt       *time.Time `gorm:"index" json:"-"`

	LastMessage *LastMessage `gorm:"-" json:"lastMessage,omitempty"`
}

// TableName 指定 Conversation 模型的表名。
func (Conversation) TableName() string {
	return "conversations"
}

// AfterFind 从扁平列还原 LastMessage 投影。
func (c *Conversation) AfterFind(tx *gorm.DB) error {
	c.SyncLastMessage()
	return nil
}

// SyncLastMessage 根据 LastMessage* 列刷新 LastMessage 字段。
func (c *Conversation) SyncLastMessage() {
	if c.LastMessageAt == nil {
		c.LastMessage = nil
		return
	}
	lm := &LastMessage{Timestamp: *c.LastMessageAt}
	if c.LastMessageContent != nil {
		lm.Content = *c.LastMessageContent
	}
	if c.LastMessageSenderID != nil {
		lm.SenderID = *c.LastMessageSenderID
	}
	c.LastMessage = lm
}

// ApplyLastMessage 仅当 msg 不早于当前摘要时才覆盖，返回是否生效。
func (c *Conversation) ApplyLastMessage(msg *Message) bool {
	if c.LastMessageAt != nil && msg.CreatedAt.Before(*c.LastMessageAt) {
		return false
	}
	content, sender, at := msg.Content, msg.SenderID, msg.CreatedAt
	c.LastMessageContent = &content
	c.LastMessageSenderID = &sender
	c.LastMessageAt = &at
	if at.After(c.UpdatedAt) {
		c.UpdatedAt = at
	}
	c.SyncLastMessage()
	return true
}

// Participant 返回指定用户的参与者记录，不存在时返回 nil。
func (c *Conversation) Participant(userID string) *ConversationParticipant {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i]
		}
	}
	return nil
}

// HasParticipant 判断用户是否为会话成员。
func (c *Conversation) HasParticipant(userID string) bool {
	return c.Participant(userID) != nil
}

// ParticipantIDs 按顺序返回所有参与者的用户ID。
func (c *Conversation) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// DirectPairKey 返回两个用户的无序组合键，(a,b) 与 (b,a) 结果相同。
// 带长度前缀，避免ID中含有分隔符时产生歧义。
func DirectPairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%s:%s", len(a), a, b)
}

// ConversationParticipant 将用户链接到会话。
type ConversationParticipant struct {
	ConversationID string    `gorm:"type:varchar(36);primaryKey" json:"-"`
	UserID         string    `gorm:"type:varchar(64);primaryKey;index" json:"userId"`
	Position       int       `gorm:"not null;default:0" json:"-"`
	IsMuted        bool      `gorm:"not null;default:false" json:"isMuted"`
	IsPinned       bool      `gorm:"not null;default:false" json:"isPinned"`
	UnreadCount    int       `gorm:"not null;default:0" json:"unreadCount"`
	JoinedAt       time.Time `json:"joinedAt"`
}

// TableName 指定 ConversationParticipant 模型的表名。
func (ConversationParticipant) TableName() string {
	return "conversation_participants"
}
