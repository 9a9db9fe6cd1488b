package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"mumet-go/internal/chat"
	"mumet-go/internal/model"
	"mumet-go/internal/repository"
	"mumet-go/pkg/events"
)

const (
	dayLayout     = "2006-01-02"
	maxUsageRange = 90
)

// UsageService 聚合助手回复的用量事件。它同时是 Kafka 消费者的处理器。
type UsageService interface {
	HandleUsage(ctx context.Context, usage events.TurnUsage) error
	// Recent 返回最近 days 天（含今天，UTC）的统计，按日期升序。
	Recent(ctx context.Context, userID uint, days int) ([]model.DailyUsage, error)
}

type usageService struct {
	repo repository.UsageRepository
	now  func() time.Time
}

// NewUsageService 创建一个新的 UsageService 实例。
func NewUsageService(repo repository.UsageRepository) UsageService {
	return &usageService{repo: repo, now: time.Now}
}

func (s *usageService) HandleUsage(ctx context.Context, usage events.TurnUsage) error {
	if usage.UserID == 0 {
		return nil
	}
	delta := model.DailyUsage{
		Turns:     1,
		Chars:     int64(usage.Chars),
		LatencyMs: usage.DurationMs,
	}
	if usage.Errored() {
		delta.Errored = 1
	}
	_, err := s.repo.Add(ctx, usage.EventID, usage.UserID, usage.FinishedAt.UTC().Format(dayLayout), delta)
	return err
}

func (s *usageService) Recent(ctx context.Context, userID uint, days int) ([]model.DailyUsage, error) {
	if days <= 0 {
		days = 1
	}
	if days > maxUsageRange {
		days = maxUsageRange
	}
	today := s.now().UTC()
	keys := make([]string, days)
	for i := range keys {
		keys[i] = today.AddDate(0, 0, i-days+1).Format(dayLayout)
	}
	return s.repo.Get(ctx, userID, keys)
}

// UsageFromTurn 把引擎的回复结束事件转换为 Kafka 消息。
func UsageFromTurn(userID uint, ev chat.TurnEvent) events.TurnUsage {
	return events.TurnUsage{
		EventID:        uuid.NewString(),
		UserID:         userID,
		SessionID:      ev.SessionID,
		ConversationID: ev.ConversationID,
		TurnID:         ev.TurnID,
		Status:         string(ev.Status),
		Cause:          string(ev.Cause),
		Chars:          ev.Chars,
		FirstChunkMs:   ev.FirstChunk.Milliseconds(),
		DurationMs:     ev.Duration.Milliseconds(),
		FinishedAt:     ev.FinishedAt,
	}
}
