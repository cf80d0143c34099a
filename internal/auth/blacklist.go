package auth

import (
	"context"
	"fmt"
	"time"
)

// TokenBlacklist 定义了 Token 黑名单的存储操作接口
type TokenBlacklist interface {
	// Add 将 jti 加入黑名单，并使其在 Token 的原始过期时间点之后自动从黑名单中移除。
	Add(ctx context.Context, jti string, originalTokenExpTime time.Time) error
	// IsBlacklisted 检查 jti 是否存在于黑名单中。
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
}

// RevokeToken 解析令牌并把它的 JTI 写入黑名单，之后的握手会被拒绝。
func RevokeToken(ctx context.Context, v *JWTVerifier, blacklist TokenBlacklist, tokenString string) (string, error) {
	claims, err := v.ParseClaims(tokenString)
	if err != nil {
		return "", err
	}
	if claims.ID == "" {
		return "", fmt.Errorf("%w: 缺少 JTI", ErrInvalidToken)
	}
	if claims.ExpiresAt == nil {
		return "", fmt.Errorf("%w: 缺少过期时间", ErrInvalidToken)
	}
	if err := blacklist.Add(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return "", fmt.Errorf("吊销令牌失败: %w", err)
	}
	return claims.ID, nil
}
