// Package chatclient 是聊天客户端的状态层：会话与消息缓存、带超时的请求/应答以及发送框逻辑。
package chatclient

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"gufta-im/internal/imtypes"
	"gufta-im/internal/models"
)

// Notification 在消息到达非当前打开的会话时产生。
type Notification struct {
	ConversationID string
	SenderID       string
	Preview        string
}

// Store 是一个用户视角下的客户端缓存。
// 消息与会话都按 id 去重，同一个事件重复到达不会产生重复条目。
// 会话列表的顺序不单独维护，每次读取时由 Conversations 排序得到。
type Store struct {
	mu     sync.Mutex
	selfID string

	openConversationID string
	messages           []*models.Message
	messageIDs         map[string]struct{}

	conversations []*models.Conversation
	convIndex     map[string]*models.Conversation

	notify func(Notification)
}

// NewStore 创建属于 selfID 的缓存。notify 可以为 nil。
func NewStore(selfID string, notify func(Notification)) *Store {
	return &Store{
		selfID:     selfID,
		messageIDs: make(map[string]struct{}),
		convIndex:  make(map[string]*models.Conversation),
		notify:     notify,
	}
}

func cloneConversation(c *models.Conversation) *models.Conversation {
	cp := *c
	cp.Participants = append([]models.ConversationParticipant(nil), c.Participants...)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		cp.LastMessage = &lm
	}
	return &cp
}

// SetMessages 用 msgs 替换当前记录，重复 id 只保留第一条。
func (s *Store) SetMessages(msgs []*models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = s.messages[:0]
	s.messageIDs = make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		s.appendLocked(m)
	}
}

// AppendMessage 追加一条消息，id 已存在时什么也不做并返回 false。
func (s *Store) AppendMessage(msg *models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(msg)
}

// appendLocked 按 createdAt 插入，时间相同的保持到达顺序。
func (s *Store) appendLocked(msg *models.Message) bool {
	if msg == nil || msg.ID == "" {
		return false
	}
	if _, ok := s.messageIDs[msg.ID]; ok {
		return false
	}
	cp := *msg
	idx := sort.Search(len(s.messages), func(i int) bool {
		return s.messages[i].CreatedAt.After(cp.CreatedAt)
	})
	s.messages = append(s.messages, nil)
	copy(s.messages[idx+1:], s.messages[idx:])
	s.messages[idx] = &cp
	s.messageIDs[cp.ID] = struct{}{}
	return true
}

// Messages 返回当前记录的副本。
func (s *Store) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, *m)
	}
	return out
}

// SetConversations 用服务端返回的列表替换缓存。
func (s *Store) SetConversations(convs []*models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = s.conversations[:0]
	s.convIndex = make(map[string]*models.Conversation, len(convs))
	for _, c := range convs {
		s.addConversationLocked(c)
	}
}

// AddConversation 加入一个会话，id 已存在时什么也不做并返回 false。
func (s *Store) AddConversation(conv *models.Conversation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addConversationLocked(conv)
}

func (s *Store) addConversationLocked(conv *models.Conversation) bool {
	if conv == nil || conv.ID == "" {
		return false
	}
	if _, ok := s.convIndex[conv.ID]; ok {
		return false
	}
	cp := cloneConversation(conv)
	s.conversations = append(s.conversations, cp)
	s.convIndex[cp.ID] = cp
	return true
}

func (s *Store) selfParticipantLocked(conversationID string) *models.ConversationParticipant {
	c, ok := s.convIndex[conversationID]
	if !ok {
		return nil
	}
	return c.Participant(s.selfID)
}

// PinConversation 切换置顶状态，返回新状态。排序留给 Conversations 处理。
func (s *Store) PinConversation(conversationID string) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.selfParticipantLocked(conversationID)
	if p == nil {
		return false, false
	}
	p.IsPinned = !p.IsPinned
	return p.IsPinned, true
}

// IncrementUnread 当前用户在会话中的未读数加一。
func (s *Store) IncrementUnread(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.selfParticipantLocked(conversationID); p != nil {
		p.UnreadCount++
	}
}

// ClearUnread 清零当前用户在会话中的未读数。
func (s *Store) ClearUnread(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.selfParticipantLocked(conversationID); p != nil {
		p.UnreadCount = 0
	}
}

func isPinned(c *models.Conversation, selfID string) bool {
	p := c.Participant(selfID)
	return p != nil && p.IsPinned
}

func lastTimestamp(c *models.Conversation) int64 {
	if c.LastMessage == nil {
		return 0
	}
	return c.LastMessage.Timestamp.UnixNano()
}

// Conversations 返回排序后的会话列表：置顶优先，其次按最后一条消息时间倒序。
// 排序是稳定的，且只依赖当前状态。
func (s *Store) Conversations() []*models.Conversation {
	s.mu.Lock()
	out := make([]*models.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, cloneConversation(c))
	}
	selfID := s.selfID
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := isPinned(out[i], selfID), isPinned(out[j], selfID)
		if pi != pj {
			return pi
		}
		return lastTimestamp(out[i]) > lastTimestamp(out[j])
	})
	return out
}

// Conversation 返回单个会话的副本。
func (s *Store) Conversation(conversationID string) (*models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convIndex[conversationID]
	if !ok {
		return nil, false
	}
	return cloneConversation(c), true
}

// OpenConversation 切换当前会话，载入记录并清除未读。
func (s *Store) OpenConversation(conversationID string, history []*models.Message) {
	s.SetMessages(history)
	s.mu.Lock()
	s.openConversationID = conversationID
	s.mu.Unlock()
	s.ClearUnread(conversationID)
}

// OpenConversationID 返回当前打开的会话。
func (s *Store) OpenConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openConversationID
}

// touchLastMessageLocked 只在 msg 不早于现有摘要时更新，乱序到达的旧消息不会覆盖新摘要。
func (s *Store) touchLastMessageLocked(msg *models.Message) {
	c, ok := s.convIndex[msg.ConversationID]
	if !ok {
		return
	}
	if c.LastMessage != nil && msg.CreatedAt.Before(c.LastMessage.Timestamp) {
		return
	}
	c.LastMessage = &models.LastMessage{Content: msg.Content, SenderID: msg.SenderID, Timestamp: msg.CreatedAt}
	if msg.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = msg.CreatedAt
	}
}

// HandleMessageEvent 处理 receive_message。
// 当前打开的会话直接追加；其他会话未读数加一并发出通知 (自己从其他标签页发出的消息除外)。
func (s *Store) HandleMessageEvent(msg *models.Message) {
	s.mu.Lock()
	s.touchLastMessageLocked(msg)
	if msg.ConversationID == s.openConversationID {
		s.appendLocked(msg)
		s.mu.Unlock()
		return
	}
	if msg.SenderID == s.selfID {
		s.mu.Unlock()
		return
	}
	if p := s.selfParticipantLocked(msg.ConversationID); p != nil {
		p.UnreadCount++
	}
	notify := s.notify
	s.mu.Unlock()

	if notify != nil {
		notify(Notification{ConversationID: msg.ConversationID, SenderID: msg.SenderID, Preview: msg.Content})
	}
}

// HandleConversationCreated 处理 new_conversation。
func (s *Store) HandleConversationCreated(conv *models.Conversation) {
	s.AddConversation(conv)
}

// ApplyAck 合并一次成功发送的 ack。ack 与频道回显的先后不确定，两边都按 id 去重。
func (s *Store) ApplyAck(resp *imtypes.AckResponse) {
	if resp == nil || !resp.OK {
		return
	}
	if resp.Conversation != nil {
		s.AddConversation(resp.Conversation)
	}
	if resp.Message != nil {
		s.mu.Lock()
		s.touchLastMessageLocked(resp.Message)
		if resp.Message.ConversationID == s.openConversationID {
			s.appendLocked(resp.Message)
		}
		s.mu.Unlock()
	}
}

// HandleEnvelope 把服务端推送的频道事件分发到对应的处理方法。
func (s *Store) HandleEnvelope(env imtypes.Envelope) error {
	switch env.Event {
	case imtypes.EventReceiveMessage:
		var msg models.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return fmt.Errorf("解析 %s 失败: %w", env.Event, err)
		}
		s.HandleMessageEvent(&msg)
	case imtypes.EventNewConversation:
		var conv models.Conversation
		if err := json.Unmarshal(env.Data, &conv); err != nil {
			return fmt.Errorf("解析 %s 失败: %w", env.Event, err)
		}
		s.HandleConversationCreated(&conv)
	}
	return nil
}
