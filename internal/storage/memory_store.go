package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"gufta-im/internal/models"
)

// MemoryStore 是 ConversationRepository 和 MessageRepository 的进程内实现。
// DATABASE.TYPE=memory 时使用，也供测试使用。pair 索引与 PostgreSQL 唯一索引语义相同。
// 所有读取都返回副本，调用方修改返回值不会影响存储内容。
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	pairIndex     map[string]string // pairKey -> conversationID
	messages      map[string][]*models.Message
	now           func() time.Time
}

// NewMemoryStore 创建一个空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*models.Conversation),
		pairIndex:     make(map[string]string),
		messages:      make(map[string][]*models.Message),
		now:           time.Now,
	}
}

func cloneConversation(c *models.Conversation) *models.Conversation {
	cp := *c
	cp.Participants = append([]models.ConversationParticipant(nil), c.Participants...)
	cp.SyncLastMessage()
	return &cp
}

func cloneMessage(m *models.Message) *models.Message {
	cp := *m
	return &cp
}

// GetConversationByID 实现 ConversationRepository。
func (s *MemoryStore) GetConversationByID(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return cloneConversation(c), nil
}

// FindDirectConversation 实现 ConversationRepository。
func (s *MemoryStore) FindDirectConversation(ctx context.Context, pairKey string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.pairIndex[pairKey]
	if !ok {
		return nil, nil
	}
	return cloneConversation(s.conversations[id]), nil
}

// CreateDirectConversation 实现 ConversationRepository。
func (s *MemoryStore) CreateDirectConversation(ctx context.Context, conversation *models.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if conversation.PairKey != nil {
		if _, exists := s.pairIndex[*conversation.PairKey]; exists {
			return ErrDuplicateConversation
		}
	}

	conversation.EnsureID()
	now := s.now()
	if conversation.CreatedAt.IsZero() {
		conversation.CreatedAt = now
	}
	if conversation.UpdatedAt.IsZero() {
		conversation.UpdatedAt = now
	}
	for i := range conversation.Participants {
		conversation.Participants[i].ConversationID = conversation.ID
		if conversation.Participants[i].JoinedAt.IsZero() {
			conversation.Participants[i].JoinedAt = now
		}
	}

	s.conversations[conversation.ID] = cloneConversation(conversation)
	if conversation.PairKey != nil {
		s.pairIndex[*conversation.PairKey] = conversation.ID
	}
	return nil
}

// UpdateLastMessage 实现 ConversationRepository，与 SQL 版本一样按时间戳比较。
func (s *MemoryStore) UpdateLastMessage(ctx context.Context, conversationID string, msg *models.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return false, nil
	}
	return c.ApplyLastMessage(msg), nil
}

// IncrementUnread 实现 ConversationRepository。
func (s *MemoryStore) IncrementUnread(ctx context.Context, conversationID string, exceptUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	for i := range c.Participants {
		if c.Participants[i].UserID != exceptUserID {
			c.Participants[i].UnreadCount++
		}
	}
	return nil
}

// ClearUnread 实现 ConversationRepository。
func (s *MemoryStore) ClearUnread(ctx context.Context, conversationID string, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.participantLocked(conversationID, userID)
	if p == nil {
		return ErrConversationNotFound
	}
	p.UnreadCount = 0
	return nil
}

// TogglePin 实现 ConversationRepository。
func (s *MemoryStore) TogglePin(ctx context.Context, conversationID string, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.participantLocked(conversationID, userID)
	if p == nil {
		return false, ErrConversationNotFound
	}
	p.IsPinned = !p.IsPinned
	return p.IsPinned, nil
}

func (s *MemoryStore) participantLocked(conversationID, userID string) *models.ConversationParticipant {
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	return c.Participant(userID)
}

// GetUserConversations 实现 ConversationRepository。
func (s *MemoryStore) GetUserConversations(ctx context.Context, userID string, limit int, offset int) ([]*models.Conversation, error) {
	s.mu.RLock()
	result := make([]*models.Conversation, 0)
	for _, c := range s.conversations {
		if c.HasParticipant(userID) {
			result = append(result, cloneConversation(c))
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		pi, pj := result[i].Participant(userID).IsPinned, result[j].Participant(userID).IsPinned
		if pi != pj {
			return pi
		}
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.After(result[j].UpdatedAt)
		}
		return result[i].ID < result[j].ID
	})

	return paginate(result, limit, offset), nil
}

// FindDuplicateDirectPairs 实现 ConversationRepository。
func (s *MemoryStore) FindDuplicateDirectPairs(ctx context.Context) ([]DuplicatePair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[[2]string]int64)
	for _, c := range s.conversations {
		if c.Kind != models.DirectConversation || len(c.Participants) != 2 {
			continue
		}
		a, b := c.Participants[0].UserID, c.Participants[1].UserID
		if a > b {
			a, b = b, a
		}
		counts[[2]string{a, b}]++
	}
	pairs := make([]DuplicatePair, 0)
	for k, n := range counts {
		if n > 1 {
			pairs = append(pairs, DuplicatePair{UserA: k[0], UserB: k[1], Count: n})
		}
	}
	return pairs, nil
}

// Create 实现 MessageRepository，消息按 createdAt 有序插入。
func (s *MemoryStore) Create(ctx context.Context, message *models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = s.now()
	}
	list := s.messages[message.ConversationID]
	idx := sort.Search(len(list), func(i int) bool {
		return list[i].CreatedAt.After(message.CreatedAt)
	})
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = cloneMessage(message)
	s.messages[message.ConversationID] = list
	return nil
}

// GetByConversationID 实现 MessageRepository。
func (s *MemoryStore) GetByConversationID(ctx context.Context, conversationID string, limit int, offset int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.messages[conversationID]
	out := make([]*models.Message, 0, len(list))
	for _, m := range list {
		out = append(out, cloneMessage(m))
	}
	return paginate(out, limit, offset), nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
