package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gufta-im/internal/auth"
	"gufta-im/internal/config"
	"gufta-im/internal/imtypes"
)

// EnvelopeHandler 处理客户端发来的一帧。它在连接的读 goroutine 中同步执行，
// 因此同一连接上的请求按到达顺序处理，ack 也按顺序返回。
type EnvelopeHandler func(c *Client, env imtypes.Envelope)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages. 从不关闭，退出通过 done 通知。
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once

	// ID 唯一标识这个连接。
	ID string

	// 握手时认证得到的身份，连接存续期间不变。
	UserID   string
	Identity auth.Identity

	handle EnvelopeHandler
	wsCfg  config.WebSocketConfig
	log    *zap.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, identity auth.Identity, handler EnvelopeHandler, wsCfg config.WebSocketConfig, log *zap.Logger) *Client {
	bufSize := wsCfg.SendBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	id := uuid.NewString()
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, bufSize),
		done:     make(chan struct{}),
		ID:       id,
		UserID:   identity.UserID,
		Identity: identity,
		handle:   handler,
		wsCfg:    wsCfg,
		log:      log.With(zap.String("userId", identity.UserID), zap.String("connId", id)),
	}
}

// Close 通知写 goroutine 发送关闭帧并退出，可以重复调用。
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done 在连接关闭后返回一个已关闭的 channel。
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// enqueue 非阻塞地放入发送缓冲，缓冲已满或连接已关闭时返回 false。
func (c *Client) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// SendEnvelope 直接发给这个连接 (不经过频道)，用于 ack。
// 缓冲已满时关闭连接并返回 false。
func (c *Client) SendEnvelope(env *imtypes.Envelope) bool {
	payload, err := json.Marshal(env)
	if err != nil {
		c.log.Error("序列化帧失败", zap.String("event", env.Event), zap.Error(err))
		return false
	}
	if !c.enqueue(payload) {
		c.log.Warn("发送缓冲已满或连接已关闭，丢弃帧", zap.String("event", env.Event))
		c.Close()
		return false
	}
	return true
}

func seconds(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

// readPump pumps frames from the websocket connection to the handler.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.Close()
		c.conn.Close()
	}()

	pongWait := seconds(c.wsCfg.PongWaitSeconds, 60*time.Second)
	if c.wsCfg.MaxMessageSizeBytes > 0 {
		c.conn.SetReadLimit(int64(c.wsCfg.MaxMessageSizeBytes))
	}
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info("WebSocket 连接异常断开", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.log.Debug("忽略非文本帧", zap.Int("type", messageType))
			continue
		}

		var env imtypes.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			// 无法解析就无法取得 ackId，只能丢弃
			c.log.Warn("无法解析客户端帧", zap.Error(err))
			continue
		}
		if c.handle != nil {
			c.handle(c, env)
		}
	}
}

// writePump pumps frames from the send buffer to the websocket connection.
// 每帧只写一个 JSON 信封。
func (c *Client) writePump() {
	writeWait := seconds(c.wsCfg.WriteWaitSeconds, 10*time.Second)
	ticker := time.NewTicker(seconds(c.wsCfg.PingPeriodSeconds, 54*time.Second))
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == origin {
				return true
			}
		}
		return false
	}
}

// ServeWsPerConnection 升级一个已认证的请求并把连接加入用户频道。
// 调用方必须先完成身份校验，未认证的请求不应走到这里。
func ServeWsPerConnection(hub *Hub, handler EnvelopeHandler, identity auth.Identity, w http.ResponseWriter, r *http.Request, wsCfg config.WebSocketConfig, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin(wsCfg.AllowedOrigins),
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写回 HTTP 错误
		return nil, err
	}

	client := newClient(hub, conn, identity, handler, wsCfg, log)
	if err := hub.Register(client); err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return nil, err
	}

	go client.writePump()
	go client.readPump()

	client.log.Info("客户端已连接")
	return client, nil
}
