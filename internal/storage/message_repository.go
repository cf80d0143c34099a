package storage

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"gufta-im/internal/models"
)

// MessageRepository 定义了消息数据操作的接口。消息创建后不再修改。
type MessageRepository interface {
	Create(ctx context.Context, message *models.Message) error
	// GetByConversationID 按 createdAt 升序返回会话消息，支持分页。
	GetByConversationID(ctx context.Context, conversationID string, limit int, offset int) ([]*models.Message, error)
}

// gormMessageRepository 使用 GORM 实现 MessageRepository。
type gormMessageRepository struct {
	db *gorm.DB
}

// NewGormMessageRepository 创建一个新的基于 GORM 的 MessageRepository。
func NewGormMessageRepository(db *gorm.DB) MessageRepository {
	return &gormMessageRepository{db: db}
}

// Create 在数据库中创建一条新的消息记录。
func (r *gormMessageRepository) Create(ctx context.Context, message *models.Message) error {
	if err := r.db.WithContext(ctx).Create(message).Error; err != nil {
		return fmt.Errorf("保存消息失败: %w", err)
	}
	return nil
}

// GetByConversationID 通过会话ID检索消息列表。
func (r *gormMessageRepository) GetByConversationID(ctx context.Context, conversationID string, limit int, offset int) ([]*models.Message, error) {
	var messages []*models.Message
	query := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Order("id ASC")

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	if err := query.Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("查询会话 %s 的消息失败: %w", conversationID, err)
	}
	return messages, nil
}
