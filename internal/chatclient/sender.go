package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gufta-im/internal/imtypes"
)

const (
	defaultAckTimeout = 8 * time.Second
	codeInternal      = "Internal"
)

// ErrAckTimeout 表示在期限内没有收到 ack，或者连接在等待期间出错。
// 这种情况下消息可能已经被服务端保存，调用方不能假定它没有发出。
var ErrAckTimeout = errors.New("ack timeout")

// RejectedError 是服务端返回 {ok:false} 时的错误，Code 为错误分类名。
type RejectedError struct {
	Code string
}

func (e *RejectedError) Error() string {
	return "message rejected: " + e.Code
}

// Retryable 只有服务端内部错误才值得让用户确认后重试。
func (e *RejectedError) Retryable() bool {
	return e.Code == codeInternal
}

// Requester 发送一个需要 ack 的请求并等待对应的 ack 数据。
// 实现需要在 ctx 结束时放弃等待。
type Requester interface {
	Request(ctx context.Context, event string, payload interface{}) (json.RawMessage, error)
}

// Sender 在 Requester 之上实现 send_message 的超时语义，不会自动重试。
type Sender struct {
	requester Requester
	timeout   time.Duration
}

// NewSender 创建 Sender，timeout 不大于零时使用默认值。
func NewSender(requester Requester, timeout time.Duration) *Sender {
	if timeout <= 0 {
		timeout = defaultAckTimeout
	}
	return &Sender{requester: requester, timeout: timeout}
}

// AckTimeout 返回 SendMessage 等待 ack 的上限。
func (s *Sender) AckTimeout() time.Duration {
	return s.timeout
}

// SendMessage 发出一条消息并等待 ack。
// 超时或传输失败返回包装了 ErrAckTimeout 的错误，服务端拒绝返回 *RejectedError。
func (s *Sender) SendMessage(ctx context.Context, payload imtypes.SendMessagePayload) (*imtypes.AckResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.requester.Request(ctx, imtypes.EventSendMessage, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAckTimeout, err)
	}

	var resp imtypes.AckResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: 无法解析 ack: %v", ErrAckTimeout, err)
	}
	if !resp.OK {
		code := resp.Error
		if code == "" {
			code = codeInternal
		}
		return nil, &RejectedError{Code: code}
	}
	return &resp, nil
}

// IsRetryable 判断一次发送失败是否可以在用户确认后重试。
func IsRetryable(err error) bool {
	if errors.Is(err, ErrAckTimeout) {
		return true
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected.Retryable()
	}
	return false
}
