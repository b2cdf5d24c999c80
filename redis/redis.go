package redis

import (
	"FinanceFlow/config"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisClient struct {
	Client *redis.Client
}

// NewRedisClient 初始化并返回一个新的 RedisClient 实例
func NewRedisClient(cfg *config.RedisConfig) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password, // 密码，没有则留空
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
		// 可选：添加超时配置
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	// PING 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("redis client connection test failed: %w", err)
	}

	return &RedisClient{
		Client: client,
	}, nil
}

// Close 关闭 Redis 连接
func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// 在线用户信息（房间在线列表）
type OnlineUser struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

func onlineUsersKey(room string) string {
	return fmt.Sprintf("%s:online_users", room)
}

// AddOnlineUser 将用户加入房间在线列表
// 使用 Hash 存储，field 为 user_id，value 为用户信息 JSON，24小时过期
func (r *RedisClient) AddOnlineUser(ctx context.Context, room string, user OnlineUser) error {
	key := onlineUsersKey(room)

	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	if err := r.Client.HSet(ctx, key, user.UserID, data).Err(); err != nil {
		return err
	}
	return r.Client.Expire(ctx, key, 24*time.Hour).Err()
}

// RemoveOnlineUser 将用户移出房间在线列表
func (r *RedisClient) RemoveOnlineUser(ctx context.Context, room string, userID string) error {
	return r.Client.HDel(ctx, onlineUsersKey(room), userID).Err()
}

// GetOnlineUsers 获取房间当前在线用户
func (r *RedisClient) GetOnlineUsers(ctx context.Context, room string) ([]OnlineUser, error) {
	result, err := r.Client.HGetAll(ctx, onlineUsersKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch online users for room %s: %w", room, err)
	}

	users := make([]OnlineUser, 0, len(result))
	for _, data := range result {
		var user OnlineUser
		if err := json.Unmarshal([]byte(data), &user); err != nil {
			continue
		}
		users = append(users, user)
	}
	return users, nil
}
