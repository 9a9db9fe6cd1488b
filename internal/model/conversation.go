// Package model 包含了应用的数据模型定义。
package model

import "time"

// Role 表示一条消息的发送方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// TurnStatus 表示一条消息所处的生命周期阶段。
type TurnStatus string

const (
	StatusPending   TurnStatus = "pending"   // 已发送，等待首个分块
	StatusStreaming TurnStatus = "streaming" // 正在接收分块
	StatusComplete  TurnStatus = "complete"
	StatusErrored   TurnStatus = "errored"
)

// ErrorCause 说明 errored 状态的原因；其它状态下为空。
type ErrorCause string

const (
	CauseNone          ErrorCause = ""
	CauseStreamError   ErrorCause = "stream_error"
	CauseTimeout       ErrorCause = "timeout"
	CauseUserCancelled ErrorCause = "user_cancelled"
)

// Turn 代表对话中的一条消息（用户或助手）。
// user 消息创建即 complete；assistant 消息从 pending 开始，随分块到达而增长。
type Turn struct {
	ID        string     `json:"id"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Status    TurnStatus `json:"status"`
	Cause     ErrorCause `json:"cause,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// InFlight 报告该消息是否仍在等待或接收模型输出。
func (t Turn) InFlight() bool {
	return t.Status == StatusPending || t.Status == StatusStreaming
}

// Settled 报告该消息的内容是否已经固定。
func (t Turn) Settled() bool {
	return t.Status == StatusComplete || t.Status == StatusErrored
}
