package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gufta-im/internal/models"
)

var (
	// ErrConversationNotFound 表示会话或参与者记录不存在。
	ErrConversationNotFound = errors.New("会话不存在")
	// ErrDuplicateConversation 表示同一对用户的私聊会话已被其他请求抢先创建。
	ErrDuplicateConversation = errors.New("私聊会话已存在")
)

// DuplicatePair 描述一对拥有多个私聊会话的用户，正常情况下不应出现。
type DuplicatePair struct {
	UserA string
	UserB string
	Count int64
}

// ConversationRepository 定义了会话数据操作的接口。
type ConversationRepository interface {
	// GetConversationByID 返回会话及按顺序排列的参与者，不存在时返回 ErrConversationNotFound。
	GetConversationByID(ctx context.Context, id string) (*models.Conversation, error)
	// FindDirectConversation 按无序用户对查找私聊会话，不存在时返回 (nil, nil)。
	FindDirectConversation(ctx context.Context, pairKey string) (*models.Conversation, error)
	// CreateDirectConversation 在一个事务中写入会话和参与者。
	// 同一用户对已存在会话时返回 ErrDuplicateConversation。
	CreateDirectConversation(ctx context.Context, conversation *models.Conversation) error
	// UpdateLastMessage 仅在 msg 不早于当前摘要时更新 lastMessage，返回是否生效。
	UpdateLastMessage(ctx context.Context, conversationID string, msg *models.Message) (bool, error)
	// IncrementUnread 为除发送者以外的参与者未读数加一。
	IncrementUnread(ctx context.Context, conversationID string, exceptUserID string) error
	ClearUnread(ctx context.Context, conversationID string, userID string) error
	// TogglePin 切换用户对会话的置顶状态，返回新的状态。
	TogglePin(ctx context.Context, conversationID string, userID string) (bool, error)
	// GetUserConversations 返回用户参与的会话，置顶优先，其次按 updatedAt 倒序。
	GetUserConversations(ctx context.Context, userID string, limit int, offset int) ([]*models.Conversation, error)
	FindDuplicateDirectPairs(ctx context.Context) ([]DuplicatePair, error)
}

// gormConversationRepository 使用 GORM 实现 ConversationRepository。
type gormConversationRepository struct {
	db *gorm.DB
}

// NewGormConversationRepository 创建一个新的基于 GORM 的 ConversationRepository。
func NewGormConversationRepository(db *gorm.DB) ConversationRepository {
	return &gormConversationRepository{db: db}
}

func preloadParticipants(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC")
}

// GetConversationByID 通过ID检索会话。
func (r *gormConversationRepository) GetConversationByID(ctx context.Context, id string) (*models.Conversation, error) {
	var conversation models.Conversation
	err := r.db.WithContext(ctx).
		Preload("Participants", preloadParticipants).
		Where("id = ?", id).
		First(&conversation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("查询会话 %s 失败: %w", id, err)
	}
	return &conversation, nil
}

// FindDirectConversation 通过 pair_key 唯一索引查找私聊会话。
func (r *gormConversationRepository) FindDirectConversation(ctx context.Context, pairKey string) (*models.Conversation, error) {
	var conversation models.Conversation
	err := r.db.WithContext(ctx).
		Preload("Participants", preloadParticipants).
		Where("kind = ? AND pair_key = ?", models.DirectConversation, pairKey).
		First(&conversation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil // 不存在不是错误
		}
		return nil, fmt.Errorf("查找私聊会话失败: %w", err)
	}
	return &conversation, nil
}

// CreateDirectConversation 在事务中创建会话与参与者。
// 并发创建同一对用户的会话时，唯一索引让后到者失败，由调用方重新查询。
func (r *gormConversationRepository) CreateDirectConversation(ctx context.Context, conversation *models.Conversation) error {
	conversation.EnsureID()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Participants").Create(conversation).Error; err != nil {
			return err
		}
		for i := range conversation.Participants {
			conversation.Participants[i].ConversationID = conversation.ID
		}
		if len(conversation.Participants) > 0 {
			if err := tx.Create(&conversation.Participants).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("创建私聊会话失败: %w", err)
	}
	return nil
}

// UpdateLastMessage 用条件更新保证 lastMessage 只会前进，不会被更早的消息覆盖。
func (r *gormConversationRepository) UpdateLastMessage(ctx context.Context, conversationID string, msg *models.Message) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("id = ? AND (last_message_at IS NULL OR last_message_at <= ?)", conversationID, msg.CreatedAt).
		Updates(map[string]interface{}{
			"last_message_content":   msg.Content,
			"last_message_sender_id": msg.SenderID,
			"last_message_at":        msg.CreatedAt,
			"updated_at":             gorm.Expr("GREATEST(updated_at, ?)", msg.CreatedAt),
		})
	if res.Error != nil {
		return false, fmt.Errorf("更新会话 %s 的最后一条消息失败: %w", conversationID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// IncrementUnread 未读数加一。
func (r *gormConversationRepository) IncrementUnread(ctx context.Context, conversationID string, exceptUserID string) error {
	err := r.db.WithContext(ctx).
		Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id <> ?", conversationID, exceptUserID).
		UpdateColumn("unread_count", gorm.Expr("unread_count + 1")).Error
	if err != nil {
		return fmt.Errorf("更新会话 %s 未读数失败: %w", conversationID, err)
	}
	return nil
}

// ClearUnread 将用户在会话中的未读数清零。
func (r *gormConversationRepository) ClearUnread(ctx context.Context, conversationID string, userID string) error {
	res := r.db.WithContext(ctx).
		Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		UpdateColumn("unread_count", 0)
	if res.Error != nil {
		return fmt.Errorf("清除会话 %s 未读数失败: %w", conversationID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// TogglePin 切换置顶并通过 RETURNING 取回新值。
func (r *gormConversationRepository) TogglePin(ctx context.Context, conversationID string, userID string) (bool, error) {
	var participant models.ConversationParticipant
	res := r.db.WithContext(ctx).
		Model(&participant).
		Clauses(clause.Returning{Columns: []clause.Column{{Name: "is_pinned"}}}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		UpdateColumn("is_pinned", gorm.Expr("NOT is_pinned"))
	if res.Error != nil {
		return false, fmt.Errorf("切换会话 %s 置顶失败: %w", conversationID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, ErrConversationNotFound
	}
	return participant.IsPinned, nil
}

// GetUserConversations 获取用户参与的所有会话列表。
func (r *gormConversationRepository) GetUserConversations(ctx context.Context, userID string, limit int, offset int) ([]*models.Conversation, error) {
	var conversations []*models.Conversation
	query := r.db.WithContext(ctx).
		Joins("JOIN conversation_participants cp ON cp.conversation_id = conversations.id AND cp.user_id = ?", userID).
		Preload("Participants", preloadParticipants).
		Order("cp.is_pinned DESC").
		Order("conversations.updated_at DESC").
		Order("conversations.id ASC")

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	if err := query.Find(&conversations).Error; err != nil {
		return nil, fmt.Errorf("查询用户 %s 的会话列表失败: %w", userID, err)
	}
	return conversations, nil
}

// FindDuplicateDirectPairs 按参与者集合 (而不是 pair_key) 检查重复的私聊会话。
func (r *gormConversationRepository) FindDuplicateDirectPairs(ctx context.Context) ([]DuplicatePair, error) {
	var rows []struct {
		UserA string
		UserB string
		Count int64
	}
	err := r.db.WithContext(ctx).
		Table("conversations AS c").
		Select("p1.user_id AS user_a, p2.user_id AS user_b, COUNT(DISTINCT c.id) AS count").
		Joins("JOIN conversation_participants AS p1 ON p1.conversation_id = c.id").
		Joins("JOIN conversation_participants AS p2 ON p2.conversation_id = c.id AND p1.user_id < p2.user_id").
		Where("c.kind = ?", models.DirectConversation).
		Group("p1.user_id, p2.user_id").
		Having("COUNT(DISTINCT c.id) > 1").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("检查重复私聊会话失败: %w", err)
	}
	pairs := make([]DuplicatePair, 0, len(rows))
	for _, row := range rows {
		pairs = append(pairs, DuplicatePair{UserA: row.UserA, UserB: row.UserB, Count: row.Count})
	}
	return pairs, nil
}
