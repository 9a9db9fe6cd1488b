// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"mumet-go/internal/config"
	"mumet-go/pkg/events"
	"mumet-go/pkg/log"
)

const consumerGroup = "mumet-go-usage"

// maxHandleAttempts 是同一条消息在本进程内的最多处理次数，之后提交 offset 放弃。
const maxHandleAttempts = 3

const maxFetchBackoff = 10 * time.Second

// Publisher 发送用量事件。
type Publisher interface {
	PublishUsage(ctx context.Context, usage events.TurnUsage) error
	Close() error
}

// UsageHandler 消费用量事件。
type UsageHandler interface {
	HandleUsage(ctx context.Context, usage events.TurnUsage) error
}

func brokers(cfg config.KafkaConfig) []string {
	var out []string
	for _, b := range strings.Split(cfg.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// NewPublisher 创建生产者。未启用 Kafka 时返回一个丢弃所有事件的实现。
func NewPublisher(cfg config.KafkaConfig) Publisher {
	if !cfg.Enabled || len(brokers(cfg)) == 0 {
		log.Info("Kafka 未启用，用量事件将被丢弃")
		return nopPublisher{}
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers(cfg)...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		// 异步写入：调用方（助手回复结束回调）不等待 broker 确认
		Async: true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Warnw("发送用量事件失败", "count", len(messages), "error", err)
			}
		},
	}
	log.Info("Kafka 生产者初始化成功")
	return &writerPublisher{w: w}
}

type writerPublisher struct {
	w *kafka.Writer
}

// PublishUsage 以用户 ID 为 key 发送事件，同一用户的事件落在同一分区。
func (p *writerPublisher) PublishUsage(ctx context.Context, usage events.TurnUsage) error {
	value, err := json.Marshal(usage)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatUint(uint64(usage.UserID), 10)),
		Value: value,
		Time:  usage.FinishedAt,
	})
}

func (p *writerPublisher) Close() error {
	return p.w.Close()
}

type nopPublisher struct{}

func (nopPublisher) PublishUsage(context.Context, events.TurnUsage) error { return nil }
func (nopPublisher) Close() error                                         { return nil }

// StartConsumer 消费用量事件直到 ctx 结束。未启用 Kafka 时立即返回。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, handler UsageHandler) {
	if !cfg.Enabled || len(brokers(cfg)) == 0 {
		return
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers(cfg),
		Topic:    cfg.Topic,
		GroupID:  consumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)
	consume(ctx, r, handler)
	log.Info("Kafka 消费者已停止")
}

// messageReader 是 consume 用到的 *kafka.Reader 方法。
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// consume 循环读取并处理消息，直到 ctx 结束。读取失败时退避后继续。
func consume(ctx context.Context, r messageReader, handler UsageHandler) {
	failures := 0
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			log.Warnw("从 Kafka 读取消息失败，稍后重试", "attempt", failures, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(fetchBackoff(failures)):
			}
			continue
		}
		failures = 0

		var usage events.TurnUsage
		if err := json.Unmarshal(m.Value, &usage); err != nil {
			// 消息格式错误，直接提交，避免阻塞队列
			log.Errorf("无法解析 Kafka 消息: %v, offset: %d", err, m.Offset)
			commit(ctx, r, m)
			continue
		}

		if err := handleWithRetry(ctx, handler, usage); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Errorf("用量事件处理失败，已放弃: event=%s, error=%v", usage.EventID, err)
		}
		commit(ctx, r, m)
	}
}

// fetchBackoff 从 200ms 开始翻倍，最多 maxFetchBackoff。
func fetchBackoff(failures int) time.Duration {
	d := 200 * time.Millisecond
	for i := 1; i < failures && d < maxFetchBackoff; i++ {
		d *= 2
	}
	if d > maxFetchBackoff {
		d = maxFetchBackoff
	}
	return d
}

func handleWithRetry(ctx context.Context, handler UsageHandler, usage events.TurnUsage) error {
	var err error
	for attempt := 1; attempt <= maxHandleAttempts; attempt++ {
		if err = handler.HandleUsage(ctx, usage); err == nil {
			return nil
		}
		log.Warnw("用量事件处理失败，稍后重试", "event", usage.EventID, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		}
	}
	return err
}

func commit(ctx context.Context, r messageReader, m kafka.Message) {
	if err := r.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
	}
}
