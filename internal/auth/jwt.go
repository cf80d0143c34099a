package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gufta-im/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// 令牌校验失败的三种原因，握手被拒绝时作为原因字符串返回给客户端。
var (
	ErrMissingToken   = errors.New("missing credential")
	ErrMalformedToken = errors.New("malformed credential")
	ErrInvalidToken   = errors.New("invalid credential")
)

// Identity 是从会话令牌中解析出的用户身份，在一个连接的生命周期内不变。
type Identity struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// Claims 是 JWT 中的自定义声明，嵌入了 jwt.RegisteredClaims。
type Claims struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	jwt.RegisteredClaims
}

// Verifier 校验会话令牌并返回身份。
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// GenerateToken 为指定身份签发一个新的 JWT。
func GenerateToken(identity Identity, authCfg config.AuthConfig) (string, error) {
	if identity.UserID == "" {
		return "", fmt.Errorf("生成 JWT 失败: userId 为空")
	}
	now := time.Now()
	claims := &Claims{
		UserID:   identity.UserID,
		UserName: identity.UserName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(authCfg.JWTExpiry)),
			ID:        uuid.NewString(), // JTI，用于黑名单
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    authCfg.JWTIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(authCfg.JWTSecretKey))
	if err != nil {
		return "", fmt.Errorf("生成 JWT 失败: %w", err)
	}
	return tokenString, nil
}

// JWTVerifier 使用 HS256 共享密钥校验令牌，可选地检查 Redis 黑名单。
type JWTVerifier struct {
	secret    []byte
	issuer    string
	blacklist TokenBlacklist
}

// NewJWTVerifier 创建 JWTVerifier。blacklist 可以为 nil。
func NewJWTVerifier(authCfg config.AuthConfig, blacklist TokenBlacklist) *JWTVerifier {
	return &JWTVerifier{
		secret:    []byte(authCfg.JWTSecretKey),
		issuer:    authCfg.JWTIssuer,
		blacklist: blacklist,
	}
}

// Verify 校验令牌签名、过期时间、签发者以及吊销状态。
// 返回的错误总是包装 ErrMissingToken、ErrMalformedToken 或 ErrInvalidToken 之一。
func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (Identity, error) {
	claims, err := v.parse(tokenString)
	if err != nil {
		return Identity{}, err
	}

	if v.blacklist != nil {
		if claims.ID == "" {
			return Identity{}, fmt.Errorf("%w: 缺少 JTI，无法检查黑名单", ErrInvalidToken)
		}
		revoked, err := v.blacklist.IsBlacklisted(ctx, claims.ID)
		if err != nil {
			// 黑名单不可用时拒绝，而不是放行
			return Identity{}, fmt.Errorf("%w: 检查 Token 黑名单失败: %v", ErrInvalidToken, err)
		}
		if revoked {
			return Identity{}, fmt.Errorf("%w: JWT 已被吊销", ErrInvalidToken)
		}
	}

	return Identity{UserID: claims.UserID, UserName: claims.UserName}, nil
}

// ParseClaims 只做签名和时间校验，不查黑名单。吊销令牌时用来取得 JTI 和过期时间。
func (v *JWTVerifier) ParseClaims(tokenString string) (*Claims, error) {
	return v.parse(tokenString)
}

func (v *JWTVerifier) parse(tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: 缺少 userId 声明", ErrInvalidToken)
	}
	return claims, nil
}

// RejectReason 把校验错误映射为握手拒绝时返回的原因字符串。
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return ErrMissingToken.Error()
	case errors.Is(err, ErrMalformedToken):
		return ErrMalformedToken.Error()
	default:
		return ErrInvalidToken.Error()
	}
}
