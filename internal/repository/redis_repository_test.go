package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mumet-go/internal/model"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestAuthState_RecordFailureSetsWindow(t *testing.T) {
	mr, rdb := newTestRedis(t)
	repo := NewAuthStateRepository(rdb)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, err := repo.RecordFailure(ctx, "budi@contoh.com", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	assert.Equal(t, time.Minute, mr.TTL(attemptKeyPrefix+"budi@contoh.com"))

	n, err := repo.Failures(ctx, "budi@contoh.com")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	mr.FastForward(time.Minute + time.Second)
	n, err = repo.Failures(ctx, "budi@contoh.com")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAuthState_RecordFailureRepairsMissingTTL(t *testing.T) {
	mr, rdb := newTestRedis(t)
	repo := NewAuthStateRepository(rdb)

	// 没有过期时间的旧计数
	require.NoError(t, mr.Set(attemptKeyPrefix+"sari@contoh.com", "7"))

	n, err := repo.RecordFailure(context.Background(), "sari@contoh.com", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)
	assert.Equal(t, time.Minute, mr.TTL(attemptKeyPrefix+"sari@contoh.com"))
}

func TestAuthState_ResetAndRevoke(t *testing.T) {
	mr, rdb := newTestRedis(t)
	repo := NewAuthStateRepository(rdb)
	ctx := context.Background()

	_, err := repo.RecordFailure(ctx, "budi@contoh.com", time.Minute)
	require.NoError(t, err)
	require.NoError(t, repo.ResetFailures(ctx, "budi@contoh.com"))
	n, err := repo.Failures(ctx, "budi@contoh.com")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, repo.Revoke(ctx, "tok", time.Hour))
	require.NoError(t, repo.Revoke(ctx, "expired", 0))
	revoked, err := repo.IsRevoked(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, revoked)
	revoked, err = repo.IsRevoked(ctx, "expired")
	require.NoError(t, err)
	assert.False(t, revoked)

	mr.FastForward(time.Hour + time.Second)
	revoked, err = repo.IsRevoked(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestUsage_AddDedupsByEvent(t *testing.T) {
	mr, rdb := newTestRedis(t)
	repo := NewUsageRepository(rdb)
	ctx := context.Background()
	delta := model.DailyUsage{Turns: 1, Errored: 1, Chars: 12, LatencyMs: 300}

	applied, err := repo.Add(ctx, "e1", 1, "2026-03-02", delta)
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = repo.Add(ctx, "e1", 1, "2026-03-02", delta)
	require.NoError(t, err)
	assert.False(t, applied)
	applied, err = repo.Add(ctx, "", 1, "2026-03-02", delta)
	require.NoError(t, err)
	assert.True(t, applied)

	assert.Equal(t, usageTTL, mr.TTL(usageKey(1, "2026-03-02")))
	assert.Equal(t, seenTTL, mr.TTL(seenKey("e1")))

	got, err := repo.Get(ctx, 1, []string{"2026-03-01", "2026-03-02"})
	require.NoError(t, err)
	assert.Equal(t, []model.DailyUsage{
		{Day: "2026-03-01"},
		{Day: "2026-03-02", Turns: 2, Errored: 2, Chars: 24, LatencyMs: 600},
	}, got)
}

func TestUsage_FailedAddLeavesNoSeenMark(t *testing.T) {
	mr, rdb := newTestRedis(t)
	repo := NewUsageRepository(rdb)
	ctx := context.Background()

	// 当天的 key 类型错误，HINCRBY 失败
	require.NoError(t, mr.Set(usageKey(1, "2026-03-02"), "oops"))
	_, err := repo.Add(ctx, "e1", 1, "2026-03-02", model.DailyUsage{Turns: 1})
	require.Error(t, err)

	mr.Del(usageKey(1, "2026-03-02"))
	applied, err := repo.Add(ctx, "e1", 1, "2026-03-02", model.DailyUsage{Turns: 1})
	require.NoError(t, err)
	assert.True(t, applied)
}
