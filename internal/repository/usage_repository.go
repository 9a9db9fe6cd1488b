package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"mumet-go/internal/model"
)

const (
	// usageTTL 是每日统计在 Redis 中的保留时间。
	usageTTL = 90 * 24 * time.Hour
	// seenTTL 覆盖 Kafka 重投同一事件的时间窗口。
	seenTTL = 24 * time.Hour
)

// UsageRepository 保存按天聚合的用量统计。
type UsageRepository interface {
	// Add 把一次事件累加到当天的统计中。eventID 非空时按它去重，同一事件只累加一次；
	// 去重标记与累加在同一个原子操作内完成，失败时两者都不生效。返回值表示是否实际累加。
	Add(ctx context.Context, eventID string, userID uint, day string, delta model.DailyUsage) (bool, error)
	Get(ctx context.Context, userID uint, days []string) ([]model.DailyUsage, error)
}

type redisUsageRepository struct {
	rdb *redis.Client
}

// NewUsageRepository 创建基于 Redis 哈希的 UsageRepository。
func NewUsageRepository(rdb *redis.Client) UsageRepository {
	return &redisUsageRepository{rdb: rdb}
}

func usageKey(userID uint, day string) string {
	return fmt.Sprintf("usage:%d:%s", userID, day)
}

func seenKey(eventID string) string {
	return "usage:seen:" + eventID
}

// KEYS[1] 每日哈希，KEYS[2] 去重标记；ARGV: eventID, seenTTL 秒, turns, errored, chars, latency_ms, usageTTL 秒。
// 去重标记最后写入，脚本中途出错时不会留下标记。
var addUsageScript = redis.NewScript(`
local dedup = ARGV[1] ~= ""
if dedup and redis.call("EXISTS", KEYS[2]) == 1 then
	return 0
end
redis.call("HINCRBY", KEYS[1], "turns", ARGV[3])
redis.call("HINCRBY", KEYS[1], "errored", ARGV[4])
redis.call("HINCRBY", KEYS[1], "chars", ARGV[5])
redis.call("HINCRBY", KEYS[1], "latency_ms", ARGV[6])
redis.call("EXPIRE", KEYS[1], ARGV[7])
if dedup then
	redis.call("SET", KEYS[2], 1, "EX", ARGV[2])
end
return 1
`)

func (r *redisUsageRepository) Add(ctx context.Context, eventID string, userID uint, day string, delta model.DailyUsage) (bool, error) {
	n, err := addUsageScript.Run(ctx, r.rdb,
		[]string{usageKey(userID, day), seenKey(eventID)},
		eventID, int64(seenTTL/time.Second),
		delta.Turns, delta.Errored, delta.Chars, delta.LatencyMs,
		int64(usageTTL/time.Second),
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *redisUsageRepository) Get(ctx context.Context, userID uint, days []string) ([]model.DailyUsage, error) {
	cmds := make([]*redis.StringStringMapCmd, len(days))
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, day := range days {
			cmds[i] = pipe.HGetAll(ctx, usageKey(userID, day))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.DailyUsage, len(days))
	for i, cmd := range cmds {
		fields := cmd.Val()
		out[i] = model.DailyUsage{
			Day:       days[i],
			Turns:     parseInt(fields["turns"]),
			Errored:   parseInt(fields["errored"]),
			Chars:     parseInt(fields["chars"]),
			LatencyMs: parseInt(fields["latency_ms"]),
		}
	}
	return out, nil
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
