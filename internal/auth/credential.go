package auth

import (
	"net/http"
	"strings"
)

// TokenFromRequest 从握手请求的传输层元数据中取出会话令牌。
// 优先读取 cookie，其次是 Authorization: Bearer 头。URL 查询参数不被接受。
// 没有任何凭证时返回空字符串和 nil；头部格式错误时返回 ErrMalformedToken。
func TokenFromRequest(r *http.Request, cookieName string) (string, error) {
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
			return c.Value, nil
		}
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", nil
	}
	headerParts := strings.SplitN(authHeader, " ", 2)
	if len(headerParts) != 2 || !strings.EqualFold(headerParts[0], "bearer") || strings.TrimSpace(headerParts[1]) == "" {
		return "", ErrMalformedToken
	}
	return strings.TrimSpace(headerParts[1]), nil
}
