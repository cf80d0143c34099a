package imtypes

import "gufta-im/internal/models"

// SendMessagePayload 是 send_message 请求的数据部分。
// conversationId 与 receiverId 必须且只能出现一个。
type SendMessagePayload struct {
	Content        string             `json:"content" validate:"required"`
	SenderID       string             `json:"senderId"` // 与连接身份比对，空值同样视为冒用
	Type           models.MessageType `json:"type,omitempty" validate:"omitempty,oneof=text image file system"`
	ConversationID string             `json:"conversationId,omitempty" validate:"required_without=ReceiverID,excluded_with=ReceiverID"`
	ReceiverID     string             `json:"receiverId,omitempty" validate:"required_without=ConversationID"`
}
