package chatclient

import (
	"context"
	"errors"
	"strings"
	"sync"

	"gufta-im/internal/imtypes"
)

// 发送失败时展示给用户的提示
const (
	MsgTimeout  = "网络连接异常，消息可能未发送，请检查网络后重试"
	MsgRejected = "消息发送失败"
)

// ErrEmptyDraft 表示草稿为空，不会发出请求。
var ErrEmptyDraft = errors.New("draft is empty")

// ErrNothingToRetry 表示没有可重试的失败，或者已经重试过一次。
var ErrNothingToRetry = errors.New("nothing to retry")

// Target 指定消息的去向，二者只能有一个。
type Target struct {
	ConversationID string
	ReceiverID     string
}

// Composer 是发送框的状态：草稿、最近一次错误以及一次性的手动重试。
// 发送失败时草稿保留，成功后清空。
type Composer struct {
	mu     sync.Mutex
	sender *Sender
	store  *Store
	selfID string

	draft     string
	lastError string
	failed    *imtypes.SendMessagePayload
	canRetry  bool
}

// NewComposer 创建发送框，成功的 ack 会合并进 store。
func NewComposer(sender *Sender, store *Store, selfID string) *Composer {
	return &Composer{sender: sender, store: store, selfID: selfID}
}

// SetDraft 更新草稿。
func (c *Composer) SetDraft(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draft = text
}

// Draft 返回当前草稿。
func (c *Composer) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// LastError 返回最近一次失败的提示，成功后为空。
func (c *Composer) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// CanRetry 报告最近一次失败是否允许用户确认后重试。
func (c *Composer) CanRetry() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canRetry
}

// Submit 发送当前草稿。
func (c *Composer) Submit(ctx context.Context, target Target) (*imtypes.AckResponse, error) {
	c.mu.Lock()
	content := c.draft
	c.mu.Unlock()
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyDraft
	}

	payload := imtypes.SendMessagePayload{
		Content:        content,
		SenderID:       c.selfID,
		Type:           "text",
		ConversationID: target.ConversationID,
		ReceiverID:     target.ReceiverID,
	}
	return c.send(ctx, payload, true)
}

// Retry 在用户确认后重发上一次失败的消息，每次失败只允许重试一次。
// 超时后的重试可能产生重复消息，所以必须由用户触发。
func (c *Composer) Retry(ctx context.Context) (*imtypes.AckResponse, error) {
	c.mu.Lock()
	if !c.canRetry || c.failed == nil {
		c.mu.Unlock()
		return nil, ErrNothingToRetry
	}
	payload := *c.failed
	c.mu.Unlock()
	return c.send(ctx, payload, false)
}

func (c *Composer) send(ctx context.Context, payload imtypes.SendMessagePayload, allowRetry bool) (*imtypes.AckResponse, error) {
	resp, err := c.sender.SendMessage(ctx, payload)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.lastError = UserMessage(err)
		c.failed = &payload
		c.canRetry = allowRetry && IsRetryable(err)
		return nil, err
	}

	c.lastError = ""
	c.failed = nil
	c.canRetry = false
	if c.draft == payload.Content {
		c.draft = ""
	}
	if c.store != nil {
		c.store.ApplyAck(resp)
	}
	return resp, nil
}

// UserMessage 把发送错误转换为界面提示，超时与服务端拒绝使用不同的文案。
func UserMessage(err error) string {
	var rejected *RejectedError
	switch {
	case errors.As(err, &rejected):
		return MsgRejected + ": " + rejected.Code
	case errors.Is(err, ErrAckTimeout):
		return MsgTimeout
	default:
		return MsgRejected
	}
}
