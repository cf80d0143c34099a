package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gufta-im/internal/metrics"
	"gufta-im/internal/models"
	"gufta-im/internal/storage"
)

// 并发创建冲突后最多重新查询的次数。唯一索引保证第二次查询一定能读到胜出者。
const maxCreateAttempts = 3

// Target 指定消息的目标：已有会话ID，或者对方用户ID。两者只能给出一个。
type Target struct {
	ConversationID string
	ReceiverID     string
}

// ConversationService 定义了会话相关服务的接口。
type ConversationService interface {
	// Resolve 为发送者确定目标会话，返回会话以及是否为本次新建。
	Resolve(ctx context.Context, senderID string, target Target) (*models.Conversation, bool, error)
	// GetOrCreateDirectConversation 获取或创建两个用户之间的私聊会话。
	// 与参数顺序无关，并发调用只会创建一个会话。
	GetOrCreateDirectConversation(ctx context.Context, senderID, receiverID string) (*models.Conversation, bool, error)
	// GetConversationForParticipant 加载会话并确认 userID 是参与者。
	GetConversationForParticipant(ctx context.Context, conversationID, userID string) (*models.Conversation, error)
	GetUserConversations(ctx context.Context, userID string, limit, offset int) ([]*models.Conversation, error)
	TogglePin(ctx context.Context, conversationID, userID string) (bool, error)
	MarkRead(ctx context.Context, conversationID, userID string) error
}

// conversationService 是 ConversationService 的实现。
type conversationService struct {
	convoRepo storage.ConversationRepository
	log       *zap.Logger
}

// NewConversationService 创建一个新的 ConversationService 实例。
func NewConversationService(convoRepo storage.ConversationRepository, log *zap.Logger) ConversationService {
	if log == nil {
		log = zap.NewNop()
	}
	return &conversationService{convoRepo: convoRepo, log: log.Named("conversation")}
}

// Resolve 实现 ConversationService。
func (s *conversationService) Resolve(ctx context.Context, senderID string, target Target) (*models.Conversation, bool, error) {
	hasConversation := target.ConversationID != ""
	hasReceiver := target.ReceiverID != ""
	if hasConversation == hasReceiver {
		return nil, false, badRequest("conversationId 与 receiverId 必须且只能提供一个")
	}

	if hasConversation {
		conversation, err := s.GetConversationForParticipant(ctx, target.ConversationID, senderID)
		return conversation, false, err
	}
	return s.GetOrCreateDirectConversation(ctx, senderID, target.ReceiverID)
}

// GetOrCreateDirectConversation 先按 pair key 查找，不存在则插入。
// 插入撞上唯一索引说明另一个请求抢先创建了会话，此时重新查询并返回胜出者。
func (s *conversationService) GetOrCreateDirectConversation(ctx context.Context, senderID, receiverID string) (*models.Conversation, bool, error) {
	if senderID == "" || receiverID == "" {
		return nil, false, badRequest("用户ID不能为空")
	}
	if senderID == receiverID {
		return nil, false, badRequest("不能与自己创建私聊会话")
	}

	pairKey := models.DirectPairKey(senderID, receiverID)
	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		existing, err := s.convoRepo.FindDirectConversation(ctx, pairKey)
		if err != nil {
			return nil, false, internal("查找私聊会话", err)
		}
		if existing != nil {
			return existing, false, nil
		}

		key := pairKey
		now := time.Now().UTC()
		conversation := &models.Conversation{
			Kind:    models.DirectConversation,
			PairKey: &key,
			Participants: []models.ConversationParticipant{
				{UserID: senderID, Position: 0, JoinedAt: now},
				{UserID: receiverID, Position: 1, JoinedAt: now},
			},
		}
		err = s.convoRepo.CreateDirectConversation(ctx, conversation)
		if err == nil {
			metrics.ConversationCreated()
			s.log.Info("创建私聊会话",
				zap.String("conversationId", conversation.ID),
				zap.String("senderId", senderID),
				zap.String("receiverId", receiverID))
			return conversation, true, nil
		}
		if !errors.Is(err, storage.ErrDuplicateConversation) {
			return nil, false, internal("创建私聊会话", err)
		}
		s.log.Debug("私聊会话创建冲突，重新查询",
			zap.String("pairKey", pairKey), zap.Int("attempt", attempt))
	}
	return nil, false, internal("解析私聊会话", fmt.Errorf("%d 次尝试后仍未取得会话", maxCreateAttempts))
}

// GetConversationForParticipant 实现 ConversationService。
func (s *conversationService) GetConversationForParticipant(ctx context.Context, conversationID, userID string) (*models.Conversation, error) {
	conversation, err := s.convoRepo.GetConversationByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, storage.ErrConversationNotFound) {
			return nil, fmt.Errorf("%w: 会话 %s 不存在", ErrNotFound, conversationID)
		}
		return nil, internal("加载会话", err)
	}
	if !conversation.HasParticipant(userID) {
		return nil, fmt.Errorf("%w: 用户 %s 不是会话 %s 的成员", ErrForbidden, userID, conversationID)
	}
	return conversation, nil
}

// GetUserConversations 实现 ConversationService。
func (s *conversationService) GetUserConversations(ctx context.Context, userID string, limit, offset int) ([]*models.Conversation, error) {
	conversations, err := s.convoRepo.GetUserConversations(ctx, userID, limit, offset)
	if err != nil {
		return nil, internal("获取会话列表", err)
	}
	return conversations, nil
}

// TogglePin 实现 ConversationService。
func (s *conversationService) TogglePin(ctx context.Context, conversationID, userID string) (bool, error) {
	if _, err := s.GetConversationForParticipant(ctx, conversationID, userID); err != nil {
		return false, err
	}
	pinned, err := s.convoRepo.TogglePin(ctx, conversationID, userID)
	if err != nil {
		return false, internal("切换置顶", err)
	}
	return pinned, nil
}

// MarkRead 实现 ConversationService。
func (s *conversationService) MarkRead(ctx context.Context, conversationID, userID string) error {
	if _, err := s.GetConversationForParticipant(ctx, conversationID, userID); err != nil {
		return err
	}
	if err := s.convoRepo.ClearUnread(ctx, conversationID, userID); err != nil {
		return internal("清除未读数", err)
	}
	return nil
}
