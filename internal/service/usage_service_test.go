package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mumet-go/internal/chat"
	"mumet-go/internal/model"
	"mumet-go/pkg/events"
)

// memUsage 与 Redis 实现一致：去重标记只在累加成功时写入。failAdds 次数内 Add 返回错误。
type memUsage struct {
	days     map[string]model.DailyUsage
	seen     map[string]bool
	failAdds int
}

func newMemUsage() *memUsage {
	return &memUsage{days: make(map[string]model.DailyUsage), seen: make(map[string]bool)}
}

func (m *memUsage) Add(_ context.Context, eventID string, userID uint, day string, d model.DailyUsage) (bool, error) {
	if m.failAdds > 0 {
		m.failAdds--
		return false, errors.New("redis down")
	}
	if eventID != "" {
		if m.seen[eventID] {
			return false, nil
		}
		m.seen[eventID] = true
	}
	key := usageTestKey(userID, day)
	cur := m.days[key]
	cur.Turns += d.Turns
	cur.Errored += d.Errored
	cur.Chars += d.Chars
	cur.LatencyMs += d.LatencyMs
	m.days[key] = cur
	return true, nil
}

func (m *memUsage) Get(_ context.Context, userID uint, days []string) ([]model.DailyUsage, error) {
	out := make([]model.DailyUsage, len(days))
	for i, day := range days {
		out[i] = m.days[usageTestKey(userID, day)]
		out[i].Day = day
	}
	return out, nil
}

func usageTestKey(userID uint, day string) string {
	return day + "#" + string(rune('0'+userID))
}

func TestUsageService_AggregatesAndDedups(t *testing.T) {
	repo := newMemUsage()
	svc := &usageService{repo: repo, now: func() time.Time { return time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC) }}
	ctx := context.Background()
	finished := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)

	require.NoError(t, svc.HandleUsage(ctx, events.TurnUsage{EventID: "e1", UserID: 1, Status: "complete", Chars: 10, DurationMs: 300, FinishedAt: finished}))
	require.NoError(t, svc.HandleUsage(ctx, events.TurnUsage{EventID: "e1", UserID: 1, Status: "complete", Chars: 10, DurationMs: 300, FinishedAt: finished}))
	require.NoError(t, svc.HandleUsage(ctx, events.TurnUsage{EventID: "e2", UserID: 1, Status: "errored", Cause: "user_cancelled", Chars: 4, DurationMs: 100, FinishedAt: finished}))
	require.NoError(t, svc.HandleUsage(ctx, events.TurnUsage{EventID: "e3", UserID: 0, Status: "complete", FinishedAt: finished}))

	got, err := svc.Recent(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2026-03-01", got[0].Day)
	assert.Zero(t, got[0].Turns)
	assert.Equal(t, model.DailyUsage{Day: "2026-03-02", Turns: 2, Errored: 1, Chars: 14, LatencyMs: 400}, got[1])
}

func TestUsageService_FailedAddIsCountedOnRetry(t *testing.T) {
	repo := newMemUsage()
	repo.failAdds = 1
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	svc := &usageService{repo: repo, now: func() time.Time { return now }}
	ctx := context.Background()
	ev := events.TurnUsage{EventID: "e1", UserID: 1, Status: "complete", Chars: 10, FinishedAt: now}

	assert.Error(t, svc.HandleUsage(ctx, ev))
	require.NoError(t, svc.HandleUsage(ctx, ev))
	require.NoError(t, svc.HandleUsage(ctx, ev))

	got, err := svc.Recent(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got[0].Turns)
	assert.Equal(t, int64(10), got[0].Chars)
}

func TestUsageService_RecentClampsRange(t *testing.T) {
	svc := &usageService{repo: newMemUsage(), now: time.Now}

	got, err := svc.Recent(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = svc.Recent(context.Background(), 1, 1000)
	require.NoError(t, err)
	assert.Len(t, got, maxUsageRange)
}

func TestUsageFromTurn(t *testing.T) {
	at := time.Now()
	u := UsageFromTurn(7, chat.TurnEvent{
		SessionID:  "s",
		TurnID:     "t",
		Status:     model.StatusErrored,
		Cause:      model.CauseTimeout,
		Chars:      12,
		FirstChunk: 250 * time.Millisecond,
		Duration:   2 * time.Second,
		FinishedAt: at,
	})
	assert.NotEmpty(t, u.EventID)
	assert.Equal(t, uint(7), u.UserID)
	assert.Equal(t, "timeout", u.Cause)
	assert.Equal(t, int64(250), u.FirstChunkMs)
	assert.Equal(t, int64(2000), u.DurationMs)
	assert.True(t, u.Errored())
}
