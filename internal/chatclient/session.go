package chatclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"gufta-im/internal/config"
	"gufta-im/internal/imtypes"
)

// Session 把一条连接和它的本地状态组装在一起：事件进入 Store，发送经过 Composer。
type Session struct {
	Socket   *Socket
	Store    *Store
	Sender   *Sender
	Composer *Composer
}

// Connect 以 selfID 的身份连接聊天服务。cookie 名称和 ack 超时取自配置。
func Connect(ctx context.Context, cfg config.Config, url, selfID, token string, notify func(Notification), log *zap.Logger) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	store := NewStore(selfID, notify)
	socket, resp, err := Dial(ctx, url, cfg.Auth.CookieName, token, func(env imtypes.Envelope) {
		if err := store.HandleEnvelope(env); err != nil {
			log.Warn("无法处理服务端事件", zap.String("event", env.Event), zap.Error(err))
		}
	}, log)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("连接聊天服务失败 (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("连接聊天服务失败: %w", err)
	}

	sender := NewSender(socket, cfg.Message.AckTimeout)
	return &Session{
		Socket:   socket,
		Store:    store,
		Sender:   sender,
		Composer: NewComposer(sender, store, selfID),
	}, nil
}

func (s *Session) Close() error {
	return s.Socket.Close()
}
