package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"gufta-im/internal/imtypes"
	"gufta-im/internal/metrics"
)

// ErrHubStopped 表示 Hub 已停止，不再接受注册或投递。
var ErrHubStopped = errors.New("hub stopped")

type outbound struct {
	userID  string
	payload []byte
}

type countQuery struct {
	userID string
	reply  chan int
}

// Hub 是按用户划分的投递频道注册表：userID -> 该用户当前所有连接。
// 一个用户可以同时有多个连接 (多标签页、多设备)，都会收到发往该用户的事件。
// clients 只在 Run 循环中读写，其余 goroutine 通过 channel 与它交互。
type Hub struct {
	clients map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	emit       chan outbound
	query      chan countQuery

	done     chan struct{}
	stopOnce sync.Once
	log      *zap.Logger
}

// NewHub creates a new Hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		emit:       make(chan outbound, 256),
		query:      make(chan countQuery),
		done:       make(chan struct{}),
		log:        log.Named("hub"),
	}
}

// Register 把连接加入其用户的频道。加入之后连接才能收到频道事件。
func (h *Hub) Register(c *Client) error {
	if h.stopped() {
		return ErrHubStopped
	}
	select {
	case h.register <- c:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// Unregister 把连接移出频道，频道为空时一并删除。
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// EmitToUser 把一个事件投递给用户当前的所有连接。用户离线时事件被丢弃。
// 同一调用方发出的事件按调用顺序到达每个连接。
func (h *Hub) EmitToUser(userID, event string, data interface{}) error {
	env, err := imtypes.NewEnvelope(event, "", data)
	if err != nil {
		return fmt.Errorf("序列化事件 %s 失败: %w", event, err)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("序列化事件 %s 失败: %w", event, err)
	}
	// emit 带缓冲，停止后两个分支可能同时就绪，先检查 done
	if h.stopped() {
		return ErrHubStopped
	}
	select {
	case h.emit <- outbound{userID: userID, payload: payload}:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// ConnectionCount 返回用户当前的连接数。
func (h *Hub) ConnectionCount(userID string) int {
	if h.stopped() {
		return 0
	}
	q := countQuery{userID: userID, reply: make(chan int, 1)}
	select {
	case h.query <- q:
		return <-q.reply
	case <-h.done:
		return 0
	}
}

func (h *Hub) stopped() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Stop 结束 Run 循环并关闭所有连接。
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Run starts the hub and listens for requests on its channels.
func (h *Hub) Run() {
	h.log.Info("WebSocket Hub Run loop started")
	defer h.closeAll()
	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			set, ok := h.clients[client.UserID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[client.UserID] = set
			}
			set[client] = struct{}{}
			metrics.ConnectionOpened()
			h.log.Debug("客户端已注册",
				zap.String("userId", client.UserID), zap.String("connId", client.ID), zap.Int("connections", len(set)))

		case client := <-h.unregister:
			h.remove(client)

		case out := <-h.emit:
			for client := range h.clients[out.userID] {
				if !client.enqueue(out.payload) {
					// 发送缓冲已满，视为慢客户端，断开它
					h.log.Warn("发送通道已满，断开客户端",
						zap.String("userId", client.UserID), zap.String("connId", client.ID))
					metrics.ClientDropped()
					h.remove(client)
					client.Close()
				}
			}

		case q := <-h.query:
			q.reply <- len(h.clients[q.userID])
		}
	}
}

func (h *Hub) remove(client *Client) {
	set, ok := h.clients[client.UserID]
	if !ok {
		return
	}
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	metrics.ConnectionClosed()
	if len(set) == 0 {
		delete(h.clients, client.UserID)
	}
	h.log.Debug("客户端已注销", zap.String("userId", client.UserID), zap.String("connId", client.ID))
}

func (h *Hub) closeAll() {
	for userID, set := range h.clients {
		for client := range set {
			metrics.ConnectionClosed()
			client.Close()
		}
		delete(h.clients, userID)
	}
	h.log.Info("WebSocket Hub stopped")
}
