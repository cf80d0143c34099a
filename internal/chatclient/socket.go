package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gufta-im/internal/imtypes"
)

// ErrSocketClosed 表示连接已经关闭，等待中的请求不会再收到 ack。
var ErrSocketClosed = errors.New("socket closed")

// Socket 是到聊天服务的一条 WebSocket 连接。
// ack 按 ackId 交给等待中的请求，其他事件交给 onEvent。
type Socket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan json.RawMessage

	onEvent   func(imtypes.Envelope)
	done      chan struct{}
	closeOnce sync.Once
	log       *zap.Logger
}

// Dial 携带会话 cookie 建立连接。握手被拒绝时返回的 *http.Response 中带有状态码。
func Dial(ctx context.Context, url, cookieName, token string, onEvent func(imtypes.Envelope), log *zap.Logger) (*Socket, *http.Response, error) {
	if log == nil {
		log = zap.NewNop()
	}
	header := http.Header{}
	if token != "" {
		header.Set("Cookie", (&http.Cookie{Name: cookieName, Value: token}).String())
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, resp, err
	}
	s := &Socket{
		conn:    conn,
		pending: make(map[string]chan json.RawMessage),
		onEvent: onEvent,
		done:    make(chan struct{}),
		log:     log.Named("socket"),
	}
	go s.readLoop()
	return s, resp, nil
}

// Done 在连接关闭后关闭。
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// Close 关闭连接，可重复调用。
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// Request 实现 Requester：生成 ackId，写出一帧并等待 ack、ctx 结束或连接关闭。
func (s *Socket) Request(ctx context.Context, event string, payload interface{}) (json.RawMessage, error) {
	ackID := uuid.NewString()
	env, err := imtypes.NewEnvelope(event, ackID, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan json.RawMessage, 1)
	s.mu.Lock()
	s.pending[ackID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, ackID)
		s.mu.Unlock()
	}()

	if err := s.write(env); err != nil {
		return nil, err
	}

	select {
	case data := <-ch:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSocketClosed
	}
}

// Emit 发送一个不需要 ack 的事件。
func (s *Socket) Emit(event string, payload interface{}) error {
	env, err := imtypes.NewEnvelope(event, "", payload)
	if err != nil {
		return err
	}
	return s.write(env)
}

func (s *Socket) write(env *imtypes.Envelope) error {
	select {
	case <-s.done:
		return ErrSocketClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(env)
}

func (s *Socket) readLoop() {
	defer s.Close()
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("连接异常断开", zap.Error(err))
			}
			return
		}
		var env imtypes.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.log.Debug("忽略无法解析的帧", zap.Error(err))
			continue
		}
		if env.Event == imtypes.EventAck {
			s.mu.Lock()
			ch, ok := s.pending[env.AckID]
			s.mu.Unlock()
			if ok {
				// 缓冲为 1 且每个 ackId 只会被应答一次
				select {
				case ch <- env.Data:
				default:
				}
			}
			continue
		}
		if s.onEvent != nil {
			s.onEvent(env)
		}
	}
}
