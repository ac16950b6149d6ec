// Package middleware 提供 HTTP 请求的中间件
// 包括 JWT 认证、CORS 跨域、日志记录等
package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"

	"github.com/gin-gonic/gin"

	"ia-chat-server/pkg/jwt"
	"ia-chat-server/pkg/response"
)

// ErrTokenRevoked Token 已被吊销
var ErrTokenRevoked = errors.New("token has been revoked")

// TokenBlacklist Token 黑名单
type TokenBlacklist interface {
	IsTokenBlacklisted(ctx context.Context, tokenHash string) (bool, error)
}

// TokenVerifier 校验 JWT 并检查黑名单
// REST 中间件和 WebSocket 握手共用
type TokenVerifier struct {
	jwtService *jwt.JWTService
	blacklist  TokenBlacklist // 可为 nil，表示不检查黑名单
	logger     *slog.Logger
}

// NewTokenVerifier 创建 TokenVerifier
func NewTokenVerifier(jwtService *jwt.JWTService, blacklist TokenBlacklist, logger *slog.Logger) *TokenVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenVerifier{jwtService: jwtService, blacklist: blacklist, logger: logger}
}

// Verify 校验 Token 并返回用户ID
// 黑名单查询失败时放行，只记录日志
func (v *TokenVerifier) Verify(ctx context.Context, token string) (int64, error) {
	claims, err := v.jwtService.ValidateToken(token)
	if err != nil {
		return 0, err
	}

	if v.blacklist != nil {
		revoked, err := v.blacklist.IsTokenBlacklisted(ctx, HashToken(token))
		if err != nil {
			v.logger.Warn("token blacklist unavailable", "error", err)
		} else if revoked {
			return 0, ErrTokenRevoked
		}
	}
	return claims.UserID, nil
}

// AuthMiddleware 创建 JWT 认证中间件
// 验证请求头中的 Bearer Token，并将用户ID存入上下文
// 参数:
//   - verifier: Token 校验器
//
// 返回:
//   - gin.HandlerFunc: Gin 中间件函数
func AuthMiddleware(verifier *TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 格式: "Bearer <token>"
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.Unauthorized(c, "请先登录")
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "认证格式错误")
			c.Abort()
			return
		}

		userID, err := verifier.Verify(c.Request.Context(), parts[1])
		switch {
		case errors.Is(err, ErrTokenRevoked):
			response.Unauthorized(c, "Token 已失效，请重新登录")
			c.Abort()
			return
		case err != nil:
			response.Unauthorized(c, "Token 无效或已过期")
			c.Abort()
			return
		}

		// 后续的 Handler 可以通过 GetUserID(c) 获取
		c.Set("user_id", userID)
		c.Next()
	}
}

// HashToken 计算 Token 的 SHA256 哈希值
// 用于黑名单存储，避免存储原始 Token
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// GetUserID 从上下文获取用户 ID 的辅助函数
// 返回:
//   - int64: 用户 ID，如果未认证返回 0
func GetUserID(c *gin.Context) int64 {
	userID, exists := c.Get("user_id")
	if !exists {
		return 0
	}
	return userID.(int64)
}
