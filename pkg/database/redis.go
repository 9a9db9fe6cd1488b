package database

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"mumet-go/pkg/log"
)

var RDB *redis.Client

// InitRedis 初始化 Redis 客户端连接。登录限流、令牌黑名单与用量统计都存放在这里。
func InitRedis(addr, password string, db int) {
	RDB = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := RDB.Ping(ctx).Err(); err != nil {
		log.Fatal("failed to connect to redis", err)
	}

	log.Info("Redis client connected successfully")
}

// Close 关闭 MySQL 与 Redis 连接。
func Close() {
	if RDB != nil {
		if err := RDB.Close(); err != nil {
			log.Warnf("关闭 Redis 连接失败: %v", err)
		}
	}
	if DB != nil {
		if sqlDB, err := DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
