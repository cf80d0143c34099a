// Package fanout 把持久化后的消息投递到会话每个参与者的频道。
package fanout

import (
	"go.uber.org/zap"

	"gufta-im/internal/imtypes"
	"gufta-im/internal/metrics"
	"gufta-im/internal/models"
)

// Emitter 向某个用户的频道发送事件。生产环境由 websocket.Hub 实现，测试中可替换。
type Emitter interface {
	EmitToUser(userID, event string, data interface{}) error
}

// Router 按会话参与者扇出事件。投递尽力而为，最多一次，离线用户收不到。
type Router struct {
	emitter Emitter
	log     *zap.Logger
}

// NewRouter 创建 Router。
func NewRouter(emitter Emitter, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{emitter: emitter, log: log.Named("fanout")}
}

// Deliver 向每个参与者 (包括发送者本人，以便同步其它标签页) 发送事件。
// 会话是新建的时，先发 new_conversation 再发 receive_message。
func (r *Router) Deliver(conversation *models.Conversation, msg *models.Message, isNew bool) {
	for _, p := range conversation.Participants {
		if isNew {
			r.emit(p.UserID, imtypes.EventNewConversation, conversation)
		}
		r.emit(p.UserID, imtypes.EventReceiveMessage, msg)
	}
}

func (r *Router) emit(userID, event string, data interface{}) {
	if err := r.emitter.EmitToUser(userID, event, data); err != nil {
		r.log.Warn("投递事件失败", zap.String("userId", userID), zap.String("event", event), zap.Error(err))
		return
	}
	metrics.FanoutEvent(event)
}
