package chatserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"gufta-im/internal/auth"
	"gufta-im/internal/config"
	"gufta-im/internal/fanout"
	"gufta-im/internal/imtypes"
	"gufta-im/internal/metrics"
	"gufta-im/internal/services"
	ws "gufta-im/internal/websocket"
)

const defaultPersistTimeout = 10 * time.Second

// WebSocketHandler 负责 WebSocket 握手认证以及 send_message 请求的处理。
type WebSocketHandler struct {
	hub            *ws.Hub
	verifier       auth.Verifier
	messageService services.MessageService
	router         *fanout.Router
	cfg            config.Config
	log            *zap.Logger
}

// NewWebSocketHandler 创建一个新的 WebSocketHandler 实例。
func NewWebSocketHandler(hub *ws.Hub, verifier auth.Verifier, msgService services.MessageService, router *fanout.Router, cfg config.Config, log *zap.Logger) *WebSocketHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebSocketHandler{
		hub:            hub,
		verifier:       verifier,
		messageService: msgService,
		router:         router,
		cfg:            cfg,
		log:            log.Named("gateway"),
	}
}

// ServeWS 处理传入的 WebSocket 请求。
// 凭证来自握手请求的 cookie 或 Authorization 头，校验失败时返回 401 与原因，不会升级连接。
func (h *WebSocketHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticate(r)
	if err != nil {
		reason := auth.RejectReason(err)
		metrics.HandshakeRejected(reason)
		h.log.Info("拒绝 WebSocket 握手", zap.String("reason", reason), zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, reason, http.StatusUnauthorized)
		return
	}

	if _, err := ws.ServeWsPerConnection(h.hub, h.handleEnvelope, identity, w, r, h.cfg.WebSocket, h.log); err != nil {
		h.log.Warn("WebSocket 连接建立失败", zap.String("userId", identity.UserID), zap.Error(err))
	}
}

func (h *WebSocketHandler) authenticate(r *http.Request) (auth.Identity, error) {
	token, err := auth.TokenFromRequest(r, h.cfg.Auth.CookieName)
	if err != nil {
		return auth.Identity{}, err
	}
	return h.verifier.Verify(r.Context(), token)
}

func (h *WebSocketHandler) handleEnvelope(c *ws.Client, env imtypes.Envelope) {
	switch env.Event {
	case imtypes.EventSendMessage:
		h.handleSendMessage(c, env)
	default:
		h.log.Debug("未知事件", zap.String("event", env.Event), zap.String("userId", c.UserID))
		h.ack(c, env.AckID, imtypes.AckResponse{OK: false, Error: services.ErrBadRequest.Error()})
	}
}

// handleSendMessage 处理一次 send_message：持久化、扇出、返回 ack。
// 任何失败都以 {ok:false, error} 返回，不会中断连接的读循环。
func (h *WebSocketHandler) handleSendMessage(c *ws.Client, env imtypes.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error("处理 send_message 时发生 panic", zap.Any("panic", rec), zap.String("userId", c.UserID))
			metrics.SendResult(services.ErrInternal.Error())
			h.ack(c, env.AckID, imtypes.AckResponse{OK: false, Error: services.ErrInternal.Error()})
		}
	}()

	var payload imtypes.SendMessagePayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		metrics.SendResult(services.ErrBadRequest.Error())
		h.ack(c, env.AckID, imtypes.AckResponse{OK: false, Error: services.ErrBadRequest.Error()})
		return
	}

	// 持久化不受连接断开影响，只受超时约束
	timeout := h.cfg.Message.PersistTimeout
	if timeout <= 0 {
		timeout = defaultPersistTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := h.messageService.Send(ctx, c.Identity, payload)
	if err != nil {
		code := services.ErrorCode(err)
		metrics.SendResult(code)
		if errors.Is(err, services.ErrInternal) {
			h.log.Error("发送消息失败", zap.String("userId", c.UserID), zap.Error(err))
		} else {
			h.log.Info("发送消息被拒绝", zap.String("userId", c.UserID), zap.String("code", code), zap.Error(err))
		}
		h.ack(c, env.AckID, imtypes.AckResponse{OK: false, Error: code})
		return
	}
	metrics.SendResult("ok")

	h.router.Deliver(result.Conversation, result.Message, result.IsNewConversation)

	resp := imtypes.AckResponse{OK: true, Message: result.Message}
	if result.IsNewConversation || payload.ReceiverID != "" {
		resp.Conversation = result.Conversation
	}
	h.ack(c, env.AckID, resp)
}

func (h *WebSocketHandler) ack(c *ws.Client, ackID string, resp imtypes.AckResponse) {
	if ackID == "" {
		return
	}
	env, err := imtypes.NewEnvelope(imtypes.EventAck, ackID, resp)
	if err != nil {
		h.log.Error("序列化 ack 失败", zap.Error(err))
		return
	}
	c.SendEnvelope(env)
}
