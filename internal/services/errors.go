package services

import (
	"errors"
	"fmt"
)

// 业务错误分类。各操作用 fmt.Errorf("%w: ...") 包装这些哨兵值附带细节，
// 调用方用 errors.Is 判断类别，用 ErrorCode 取得返回给客户端的错误码。
var (
	ErrUnauthenticated = errors.New("Unauthenticated")
	ErrUnauthorized    = errors.New("Unauthorized")
	ErrBadRequest      = errors.New("BadRequest")
	ErrNotFound        = errors.New("NotFound")
	ErrForbidden       = errors.New("Forbidden")
	ErrInternal        = errors.New("Internal")
)

var errorKinds = []error{
	ErrUnauthenticated,
	ErrUnauthorized,
	ErrBadRequest,
	ErrNotFound,
	ErrForbidden,
	ErrInternal,
}

// ErrorCode 返回错误所属类别的名称，无法识别的错误一律视为 Internal。
func ErrorCode(err error) string {
	for _, kind := range errorKinds {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	return ErrInternal.Error()
}

func badRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

func internal(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrInternal, op, err)
}
