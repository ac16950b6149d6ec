package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ia-chat-server/internal/cache"
	"ia-chat-server/internal/config"
	"ia-chat-server/internal/middleware"
	"ia-chat-server/pkg/jwt"
)

// ErrRedisDisabled 吊销令牌需要 Redis
var ErrRedisDisabled = errors.New("redis 未启用，无法吊销令牌")

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "签发或吊销访问令牌",
	Long: `签发访问令牌，用于连接 /ws/chat 和调用 /api/v1。

  ia-chat-server token --user-id 1 --username alice
  ia-chat-server token --revoke <token>`,
	RunE: func(cmd *cobra.Command, args []string) error {
		revoke, _ := cmd.Flags().GetString("revoke")
		if revoke != "" {
			if err := revokeToken(cmd.Context(), cfg, revoke); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "令牌已吊销")
			return nil
		}

		userID, _ := cmd.Flags().GetInt64("user-id")
		username, _ := cmd.Flags().GetString("username")
		expire, _ := cmd.Flags().GetDuration("expire")

		token, err := issueToken(cfg.JWT, userID, username, expire)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

// issueToken 签发访问令牌
// 参数:
//   - cfg: JWT 配置
//   - userID: 用户 ID，必须大于 0
//   - username: 用户名，可为空
//   - expire: 有效期，0 表示使用配置值
//
// 返回:
//   - string: 令牌
//   - error: 参数非法或签名失败
func issueToken(cfg config.JWTConfig, userID int64, username string, expire time.Duration) (string, error) {
	if userID <= 0 {
		return "", errors.New("--user-id 必须大于 0")
	}
	if expire <= 0 {
		expire = cfg.AccessExpire
	}
	return jwt.NewJWTService(cfg.Secret, expire).GenerateAccessToken(userID, username)
}

// revokeToken 把令牌加入黑名单，直到它自然过期
func revokeToken(ctx context.Context, cfg *config.Config, token string) error {
	claims, err := jwt.ParseUserToken(token, cfg.JWT.Secret)
	if err != nil {
		return err
	}
	if !cfg.Redis.Enabled {
		return ErrRedisDisabled
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		return err
	}
	defer redisCache.Close()

	return redisCache.BlacklistToken(ctx, middleware.HashToken(token), claims.ExpiresAt.Time)
}
