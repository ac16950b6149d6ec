// Package cache 提供 Redis 缓存操作的封装
// 处理 JWT 黑名单、在线会话等需要快速访问的数据
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ia-chat-server/internal/config"
)

// 在线会话记录的过期时间，进程异常退出时由 Redis 自动清理
const presenceTTL = 24 * time.Hour

// onlineUsersKey 在线用户集合
const onlineUsersKey = "online:users"

// RedisCache 封装 Redis 客户端，提供业务相关的缓存操作
type RedisCache struct {
	client *redis.Client // Redis 客户端实例
}

// NewRedisCache 创建 RedisCache 实例
// 参数:
//   - cfg: Redis 连接信息
//
// 返回:
//   - *RedisCache: 缓存实例
//   - error: 连接错误
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient 使用已有客户端创建实例
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Close 关闭 Redis 连接
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Ping 检查 Redis 连接
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// ==================== JWT 黑名单 ====================
// 用于吊销已签发但尚未过期的 Token

// BlacklistToken 将 Token 加入黑名单
// 参数:
//   - ctx: 上下文
//   - tokenHash: Token 的哈希值（不存储原始 Token）
//   - expireAt: Token 的原始过期时间
//
// 返回:
//   - error: Redis 操作错误
func (c *RedisCache) BlacklistToken(ctx context.Context, tokenHash string, expireAt time.Time) error {
	ttl := time.Until(expireAt)
	if ttl <= 0 {
		// Token 已过期，无需加入黑名单
		return nil
	}

	// TTL 与 Token 剩余有效期一致，过期后自动删除
	return c.client.Set(ctx, blacklistKey(tokenHash), "1", ttl).Err()
}

// IsTokenBlacklisted 检查 Token 是否在黑名单中
// Redis 不可用时返回错误，由调用方决定是否放行
func (c *RedisCache) IsTokenBlacklisted(ctx context.Context, tokenHash string) (bool, error) {
	n, err := c.client.Exists(ctx, blacklistKey(tokenHash)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ==================== 在线会话 ====================
// 使用 Redis Set 记录每个用户的在线会话，多实例部署时共享

// sessionOfflineScript 移除会话，用户没有其他会话时从在线用户中移除
// KEYS[1] = online:users, KEYS[2] = user:{id}:sessions
// ARGV[1] = userID, ARGV[2] = sessionID
var sessionOfflineScript = redis.NewScript(`
redis.call('SREM', KEYS[2], ARGV[2])
if redis.call('SCARD', KEYS[2]) == 0 then
	redis.call('SREM', KEYS[1], ARGV[1])
end
return 1
`)

// SessionOnline 记录会话上线
// 两个集合在同一个事务中更新
func (c *RedisCache) SessionOnline(ctx context.Context, userID int64, sessionID string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, onlineUsersKey, userID)
		pipe.SAdd(ctx, userSessionsKey(userID), sessionID)
		pipe.Expire(ctx, userSessionsKey(userID), presenceTTL)
		return nil
	})
	return err
}

// SessionOffline 记录会话下线，用户没有其他会话时从在线用户中移除
// 在 Redis 端以脚本原子执行，不会与同一用户的上线交错
func (c *RedisCache) SessionOffline(ctx context.Context, userID int64, sessionID string) error {
	keys := []string{onlineUsersKey, userSessionsKey(userID)}
	return sessionOfflineScript.Run(ctx, c.client, keys, userID, sessionID).Err()
}

// UserSessions 用户当前在线的会话ID
func (c *RedisCache) UserSessions(ctx context.Context, userID int64) ([]string, error) {
	return c.client.SMembers(ctx, userSessionsKey(userID)).Result()
}

// OnlineUserCount 在线用户数
func (c *RedisCache) OnlineUserCount(ctx context.Context) (int64, error) {
	return c.client.SCard(ctx, onlineUsersKey).Result()
}

func blacklistKey(tokenHash string) string {
	return fmt.Sprintf("jwt:blacklist:%s", tokenHash)
}

func userSessionsKey(userID int64) string {
	return fmt.Sprintf("user:%d:sessions", userID)
}
