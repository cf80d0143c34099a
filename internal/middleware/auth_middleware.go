package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"gufta-im/internal/auth"
)

// contextKey 是用于在 context.Context 中存储值的自定义类型，以避免键冲突。
type contextKey string

// IdentityKey 是用于在上下文中存储用户身份的键。
const IdentityKey contextKey = "identity"

// AuthMiddleware 返回一个 HTTP 中间件，用 verifier 校验会话令牌并把身份放入请求上下文。
// 令牌来源与 WebSocket 握手一致：cookie 优先，其次 Authorization: Bearer。
func AuthMiddleware(verifier auth.Verifier, cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := auth.TokenFromRequest(r, cookieName)
			if err == nil {
				var identity auth.Identity
				identity, err = verifier.Verify(r.Context(), token)
				if err == nil {
					ctx := WithIdentity(r.Context(), identity)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "Unauthenticated", "reason": auth.RejectReason(err)})
		})
	}
}

// WithIdentity 把身份放入上下文，供测试或内部调用使用。
func WithIdentity(ctx context.Context, identity auth.Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

// GetIdentityFromContext 从上下文中获取用户身份。
func GetIdentityFromContext(ctx context.Context) (auth.Identity, bool) {
	identity, ok := ctx.Value(IdentityKey).(auth.Identity)
	return identity, ok && identity.UserID != ""
}
