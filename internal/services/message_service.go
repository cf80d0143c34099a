package services

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"gufta-im/internal/auth"
	"gufta-im/internal/config"
	"gufta-im/internal/imtypes"
	"gufta-im/internal/models"
	"gufta-im/internal/storage"
)

const (
	defaultMaxContentLength = 5000
	publishTimeout          = 3 * time.Second
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// 错误信息里使用 JSON 字段名
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// SendResult 是一次成功发送的结果。
type SendResult struct {
	Message           *models.Message
	Conversation      *models.Conversation
	IsNewConversation bool
}

// MessageService 定义了消息相关服务的接口。
type MessageService interface {
	// Send 校验、解析目标会话、持久化消息并更新会话摘要。
	// 返回的错误可以用 errors.Is 区分 ErrBadRequest、ErrUnauthorized、ErrNotFound、ErrForbidden、ErrInternal。
	Send(ctx context.Context, identity auth.Identity, input imtypes.SendMessagePayload) (*SendResult, error)
	// GetMessagesForConversation 按时间升序返回会话消息，userID 必须是参与者。
	GetMessagesForConversation(ctx context.Context, conversationID, userID string, limit, offset int) ([]*models.Message, error)
}

// messageService 是 MessageService 的实现。
type messageService struct {
	msgRepo      storage.MessageRepository
	convoRepo    storage.ConversationRepository
	convoService ConversationService
	publisher    EventPublisher // 可以为 nil
	maxLength    int
	log          *zap.Logger
	now          func() time.Time
}

// NewMessageService 创建一个新的 MessageService 实例。
func NewMessageService(
	msgRepo storage.MessageRepository,
	convoRepo storage.ConversationRepository,
	convoService ConversationService,
	publisher EventPublisher,
	cfg config.MessageConfig,
	log *zap.Logger,
) MessageService {
	if log == nil {
		log = zap.NewNop()
	}
	maxLength := cfg.MaxContentLength
	if maxLength <= 0 {
		maxLength = defaultMaxContentLength
	}
	return &messageService{
		msgRepo:      msgRepo,
		convoRepo:    convoRepo,
		convoService: convoService,
		publisher:    publisher,
		maxLength:    maxLength,
		log:          log.Named("message"),
		now:          time.Now,
	}
}

func (s *messageService) validateInput(input *imtypes.SendMessagePayload) error {
	input.Content = strings.TrimSpace(input.Content)
	if err := validate.Struct(input); err != nil {
		return badRequest("%s", describeValidation(err))
	}
	if err := validate.Var(input.Content, fmt.Sprintf("max=%d", s.maxLength)); err != nil {
		return badRequest("content 超过 %d 个字符", s.maxLength)
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// Send 实现 MessageService。
func (s *messageService) Send(ctx context.Context, identity auth.Identity, input imtypes.SendMessagePayload) (*SendResult, error) {
	if identity.UserID == "" {
		return nil, ErrUnauthenticated
	}
	if err := s.validateInput(&input); err != nil {
		return nil, err
	}
	// 载荷声明的发送者必须与连接身份一致，不做静默纠正
	if input.SenderID != identity.UserID {
		return nil, fmt.Errorf("%w: senderId %s 与连接身份 %s 不一致", ErrUnauthorized, input.SenderID, identity.UserID)
	}

	msgType := input.Type
	if msgType == "" {
		msgType = models.TextMessage
	}

	conversation, isNew, err := s.convoService.Resolve(ctx, identity.UserID, Target{
		ConversationID: input.ConversationID,
		ReceiverID:     input.ReceiverID,
	})
	if err != nil {
		return nil, err
	}

	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversation.ID,
		SenderID:       identity.UserID,
		Type:           msgType,
		Content:        input.Content,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.msgRepo.Create(ctx, msg); err != nil {
		return nil, internal("保存消息", err)
	}

	// 摘要更新与消息写入不在同一事务里，失败只记录日志
	applied, err := s.convoRepo.UpdateLastMessage(ctx, conversation.ID, msg)
	if err != nil {
		s.log.Warn("更新会话最后一条消息失败",
			zap.String("conversationId", conversation.ID), zap.String("messageId", msg.ID), zap.Error(err))
	} else if applied {
		conversation.ApplyLastMessage(msg)
	}

	if err := s.convoRepo.IncrementUnread(ctx, conversation.ID, identity.UserID); err != nil {
		s.log.Warn("更新未读数失败", zap.String("conversationId", conversation.ID), zap.Error(err))
	}

	s.publish(ctx, conversation, msg, isNew)

	return &SendResult{
		Message:           msg,
		Conversation:      conversation,
		IsNewConversation: isNew,
	}, nil
}

func (s *messageService) publish(ctx context.Context, conversation *models.Conversation, msg *models.Message, isNew bool) {
	if s.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	err := s.publisher.PublishMessagePersisted(pubCtx, MessagePersistedEvent{
		MessageID:         msg.ID,
		ConversationID:    msg.ConversationID,
		SenderID:          msg.SenderID,
		ParticipantIDs:    conversation.ParticipantIDs(),
		Type:              msg.Type,
		CreatedAt:         msg.CreatedAt,
		IsNewConversation: isNew,
	})
	if err != nil {
		s.log.Warn("发布消息事件失败", zap.String("messageId", msg.ID), zap.Error(err))
	}
}

// GetMessagesForConversation 实现 MessageService。
func (s *messageService) GetMessagesForConversation(ctx context.Context, conversationID, userID string, limit, offset int) ([]*models.Message, error) {
	if _, err := s.convoService.GetConversationForParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	messages, err := s.msgRepo.GetByConversationID(ctx, conversationID, limit, offset)
	if err != nil {
		return nil, internal("获取会话消息", err)
	}
	return messages, nil
}
