package apiserver

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"gufta-im/internal/middleware"
	"gufta-im/internal/models"
	"gufta-im/internal/services"
)

const maxPageSize = 200

// ConversationHandler 封装了会话相关的 HTTP 处理器方法。
type ConversationHandler struct {
	convoService   services.ConversationService
	messageService services.MessageService
	pageSize       int
	log            *zap.Logger
}

// NewConversationHandler 创建一个新的 ConversationHandler 实例。
func NewConversationHandler(convoService services.ConversationService, messageService services.MessageService, pageSize int, log *zap.Logger) *ConversationHandler {
	if log == nil {
		log = zap.NewNop()
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	return &ConversationHandler{
		convoService:   convoService,
		messageService: messageService,
		pageSize:       pageSize,
		log:            log.Named("api"),
	}
}

// RegisterRoutes 在已经挂好认证中间件的子路由上注册会话接口。
func (h *ConversationHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/conversations", h.GetUserConversationsHandler).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{conversationID}/messages", h.GetConversationMessagesHandler).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{conversationID}/pin", h.TogglePinHandler).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{conversationID}/read", h.MarkReadHandler).Methods(http.MethodPost)
}

func (h *ConversationHandler) limits(r *http.Request) (int, int) {
	limit := queryInt(r, "limit", h.pageSize)
	if limit == 0 || limit > maxPageSize {
		limit = h.pageSize
	}
	return limit, queryInt(r, "offset", 0)
}

// GetUserConversationsHandler 获取当前用户的所有会话列表，用于初始化客户端缓存。
func (h *ConversationHandler) GetUserConversationsHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		writeJSONError(w, services.ErrUnauthenticated.Error(), http.StatusUnauthorized)
		return
	}

	limit, offset := h.limits(r)
	conversations, err := h.convoService.GetUserConversations(r.Context(), identity.UserID, limit, offset)
	if err != nil {
		h.log.Error("获取会话列表失败", zap.String("userId", identity.UserID), zap.Error(err))
		writeServiceError(w, err)
		return
	}
	if conversations == nil {
		conversations = []*models.Conversation{}
	}
	writeJSONResponse(w, http.StatusOK, conversations)
}

// GetConversationMessagesHandler 按时间升序返回会话消息，用于打开会话时加载记录。
func (h *ConversationHandler) GetConversationMessagesHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		writeJSONError(w, services.ErrUnauthenticated.Error(), http.StatusUnauthorized)
		return
	}
	conversationID := mux.Vars(r)["conversationID"]

	limit, offset := h.limits(r)
	messages, err := h.messageService.GetMessagesForConversation(r.Context(), conversationID, identity.UserID, limit, offset)
	if err != nil {
		h.log.Info("获取会话消息失败", zap.String("conversationId", conversationID), zap.String("userId", identity.UserID), zap.Error(err))
		writeServiceError(w, err)
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	writeJSONResponse(w, http.StatusOK, messages)
}

// TogglePinHandler 切换当前用户对会话的置顶状态。
func (h *ConversationHandler) TogglePinHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		writeJSONError(w, services.ErrUnauthenticated.Error(), http.StatusUnauthorized)
		return
	}
	conversationID := mux.Vars(r)["conversationID"]

	pinned, err := h.convoService.TogglePin(r.Context(), conversationID, identity.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"conversationId": conversationID,
		"isPinned":       pinned,
	})
}

// MarkReadHandler 清除当前用户在会话中的未读数。
func (h *ConversationHandler) MarkReadHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		writeJSONError(w, services.ErrUnauthenticated.Error(), http.StatusUnauthorized)
		return
	}
	conversationID := mux.Vars(r)["conversationID"]

	if err := h.convoService.MarkRead(r.Context(), conversationID, identity.UserID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
