// Package events 定义了发送到 Kafka 的消息结构。
package events

import "time"

// TurnUsage 描述一条已结束的助手回复，用于用量统计。
type TurnUsage struct {
	EventID        string    `json:"event_id"`
	UserID         uint      `json:"user_id"`
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	TurnID         string    `json:"turn_id"`
	Status         string    `json:"status"`
	Cause          string    `json:"cause,omitempty"`
	Chars          int       `json:"chars"`
	FirstChunkMs   int64     `json:"first_chunk_ms"` // 0 表示没有收到任何分块
	DurationMs     int64     `json:"duration_ms"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Errored 报告该回复是否以错误（包括用户取消）结束。
func (u TurnUsage) Errored() bool {
	return u.Status == "errored"
}
