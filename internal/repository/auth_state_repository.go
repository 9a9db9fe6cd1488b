package repository

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	attemptKeyPrefix   = "auth:attempts:"
	blacklistKeyPrefix = "blacklist:"
)

// AuthStateRepository 保存登录相关的短期状态：失败次数计数与已注销令牌黑名单。
type AuthStateRepository interface {
	// RecordFailure 记一次失败并返回窗口内的累计次数。窗口从第一次失败开始计算。
	RecordFailure(ctx context.Context, key string, window time.Duration) (int64, error)
	Failures(ctx context.Context, key string) (int64, error)
	ResetFailures(ctx context.Context, key string) error
	// Revoke 把令牌加入黑名单，ttl 一般为令牌剩余有效期。
	Revoke(ctx context.Context, token string, ttl time.Duration) error
	IsRevoked(ctx context.Context, token string) (bool, error)
}

type redisAuthStateRepository struct {
	rdb *redis.Client
}

// NewAuthStateRepository 创建基于 Redis 的 AuthStateRepository。
func NewAuthStateRepository(rdb *redis.Client) AuthStateRepository {
	return &redisAuthStateRepository{rdb: rdb}
}

// 计数与过期时间在同一脚本内设置；没有过期时间的旧计数也会被补上窗口。
var recordFailureScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

func (r *redisAuthStateRepository) RecordFailure(ctx context.Context, key string, window time.Duration) (int64, error) {
	return recordFailureScript.Run(ctx, r.rdb, []string{attemptKeyPrefix + key}, window.Milliseconds()).Int64()
}

func (r *redisAuthStateRepository) Failures(ctx context.Context, key string) (int64, error) {
	n, err := r.rdb.Get(ctx, attemptKeyPrefix+key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (r *redisAuthStateRepository) ResetFailures(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, attemptKeyPrefix+key).Err()
}

func (r *redisAuthStateRepository) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return r.rdb.Set(ctx, blacklistKeyPrefix+token, "true", ttl).Err()
}

func (r *redisAuthStateRepository) IsRevoked(ctx context.Context, token string) (bool, error) {
	n, err := r.rdb.Exists(ctx, blacklistKeyPrefix+token).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
