package imtypes

import (
	"encoding/json"

	"gufta-im/internal/models"
)

// 事件名称
const (
	EventSendMessage     = "send_message"     // 客户端 -> 服务端，需要 ack
	EventAck             = "ack"              // 服务端 -> 发起请求的连接
	EventReceiveMessage  = "receive_message"  // 服务端 -> 用户频道
	EventNewConversation = "new_conversation" // 服务端 -> 用户频道
)

// Envelope 是 WebSocket 上每一帧的 JSON 结构。
// AckID 由客户端在请求中生成，服务端在对应的 ack 中原样带回。
type Envelope struct {
	Event string          `json:"event"`
	AckID string          `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope 序列化 data 并构造一帧。
func NewEnvelope(event, ackID string, data interface{}) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{Event: event, AckID: ackID, Data: raw}, nil
}

// AckResponse 是 send_message 的唯一应答。
// OK 为 false 时只有 Error，内容为错误分类名 (如 "Forbidden")。
type AckResponse struct {
	OK           bool                 `json:"ok"`
	Error        string               `json:"error,omitempty"`
	Message      *models.Message      `json:"message,omitempty"`
	Conversation *models.Conversation `json:"conversation,omitempty"`
}
