// Package chat 实现单个聊天视图的会话状态机：草稿、消息列表以及与模型的流式交互。
package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"mumet-go/internal/model"
	"mumet-go/pkg/broadcast"
	"mumet-go/pkg/llm"
	"mumet-go/pkg/log"

	"github.com/google/uuid"
)

var (
	// ErrAlreadyInFlight 表示上一条助手回复尚未结束。
	ErrAlreadyInFlight = errors.New("chat: a response is already in flight")
	// ErrEmptyDraft 表示草稿去除空白后为空。
	ErrEmptyDraft = errors.New("chat: draft is empty")
	// ErrClosed 表示引擎已经关闭。
	ErrClosed = errors.New("chat: engine closed")
)

// Snapshot 是某一时刻引擎状态的完整副本，可安全地跨 goroutine 传递。
type Snapshot struct {
	ConversationID string       `json:"conversationId"`
	Version        uint64       `json:"version"`
	Turns          []model.Turn `json:"turns"`
	Draft          string       `json:"draft"`
	Busy           bool         `json:"busy"`
}

// TurnEvent 在助手消息结束（complete 或 errored）时产生一次。
type TurnEvent struct {
	SessionID      string
	ConversationID string
	TurnID         string
	Status         model.TurnStatus
	Cause          model.ErrorCause
	Chars          int
	FirstChunk     time.Duration // 0 表示没有收到任何分块
	Duration       time.Duration
	FinishedAt     time.Time
}

// TurnObserver 接收已结束的助手消息事件。在引擎锁之外调用。
type TurnObserver func(TurnEvent)

// Options 配置一个 Engine。
type Options struct {
	SessionID    string
	SystemPrompt string
	Observer     TurnObserver
	Now          func() time.Time
}

type turn struct {
	id        string
	role      model.Role
	content   strings.Builder
	status    model.TurnStatus
	cause     model.ErrorCause
	createdAt time.Time
	updatedAt time.Time
}

func (t *turn) view() model.Turn {
	return model.Turn{
		ID:        t.id,
		Role:      t.role,
		Content:   t.content.String(),
		Status:    t.status,
		Cause:     t.cause,
		CreatedAt: t.createdAt,
		UpdatedAt: t.updatedAt,
	}
}

// request 是唯一一个进行中的模型请求。
type request struct {
	turn       *turn
	cancel     context.CancelFunc
	startedAt  time.Time
	firstChunk time.Duration
}

// Engine 拥有一个聊天视图的对话与草稿。所有状态变更都在 mu 下串行完成，
// 并以完整快照的形式按顺序发布给订阅者。
type Engine struct {
	client llm.Client
	opts   Options

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu             sync.Mutex
	conversationID string
	turns          []*turn
	draft          string
	active         *request
	version        uint64
	hub            *broadcast.Hub[Snapshot]
	closed         bool
}

// NewEngine 创建一个空对话的 Engine。
func NewEngine(client llm.Client, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		client:         client,
		opts:           opts,
		baseCtx:        ctx,
		baseCancel:     cancel,
		conversationID: uuid.NewString(),
		hub:            broadcast.New[Snapshot](),
	}
}

// UpdateDraft 无条件替换草稿。
func (e *Engine) UpdateDraft(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.draft = text
	e.publishLocked()
}

// Submit 提交当前草稿：追加用户消息与一条 pending 的助手消息，并在后台打开流式请求。
// 不等待模型输出，进度通过订阅的快照观察。
func (e *Engine) Submit() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	text := strings.TrimSpace(e.draft)
	if text == "" {
		e.mu.Unlock()
		return ErrEmptyDraft
	}
	if e.active != nil {
		e.mu.Unlock()
		return ErrAlreadyInFlight
	}

	now := e.opts.Now()
	user := &turn{id: uuid.NewString(), role: model.RoleUser, status: model.StatusComplete, createdAt: now, updatedAt: now}
	user.content.WriteString(text)
	e.turns = append(e.turns, user)
	e.draft = ""

	messages := e.contextLocked()

	assistant := &turn{id: uuid.NewString(), role: model.RoleAssistant, status: model.StatusPending, createdAt: now, updatedAt: now}
	e.turns = append(e.turns, assistant)

	ctx, cancel := context.WithCancel(e.baseCtx)
	req := &request{turn: assistant, cancel: cancel, startedAt: now}
	e.active = req
	e.publishLocked()
	e.wg.Add(1)
	e.mu.Unlock()

	go e.run(ctx, req, messages)
	return nil
}

// contextLocked 按顺序构造发送给模型的消息。没有内容的助手消息（例如被立即取消的）被跳过。
func (e *Engine) contextLocked() []llm.Message {
	messages := make([]llm.Message, 0, len(e.turns)+1)
	if e.opts.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: string(model.RoleSystem), Content: e.opts.SystemPrompt})
	}
	for _, t := range e.turns {
		if t.content.Len() == 0 {
			continue
		}
		messages = append(messages, llm.Message{Role: string(t.role), Content: t.content.String()})
	}
	return messages
}

func (e *Engine) run(ctx context.Context, req *request, messages []llm.Message) {
	defer e.wg.Done()
	defer req.cancel()

	stream, err := e.client.Open(ctx, messages, nil)
	if err != nil {
		e.onError(req, err)
		return
	}
	defer stream.Close()

	for {
		frag, err := stream.Next()
		if err == io.EOF {
			e.onComplete(req)
			return
		}
		if err != nil {
			e.onError(req, err)
			return
		}
		if !e.onChunk(req, frag) {
			return
		}
	}
}

// onChunk 追加分块；返回 false 表示该请求已不再活跃（被取消或重置），应停止读取。
func (e *Engine) onChunk(req *request, text string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != req {
		return false
	}
	now := e.opts.Now()
	t := req.turn
	if t.status == model.StatusPending {
		t.status = model.StatusStreaming
		req.firstChunk = now.Sub(req.startedAt)
	}
	t.content.WriteString(text)
	t.updatedAt = now
	e.publishLocked()
	return true
}

func (e *Engine) onComplete(req *request) {
	e.settle(req, model.StatusComplete, model.CauseNone)
}

func (e *Engine) onError(req *request, err error) {
	cause := model.CauseStreamError
	if errors.Is(err, llm.ErrTimeout) {
		cause = model.CauseTimeout
	}
	if e.settle(req, model.StatusErrored, cause) {
		log.Warnw("助手回复失败", "session", e.opts.SessionID, "turn", req.turn.id, "cause", cause, "error", err)
	}
}

// settle 结束活跃请求。若请求已不再活跃则忽略，返回是否生效。
func (e *Engine) settle(req *request, status model.TurnStatus, cause model.ErrorCause) bool {
	e.mu.Lock()
	if e.active != req {
		e.mu.Unlock()
		return false
	}
	ev := e.finishLocked(status, cause)
	e.mu.Unlock()
	e.notify(ev)
	return true
}

// finishLocked 将活跃的助手消息置为终态并清空活跃请求，已累积的内容保持不变。
func (e *Engine) finishLocked(status model.TurnStatus, cause model.ErrorCause) TurnEvent {
	req := e.active
	now := e.opts.Now()
	t := req.turn
	t.status = status
	t.cause = cause
	t.updatedAt = now
	e.active = nil
	e.publishLocked()
	return TurnEvent{
		SessionID:      e.opts.SessionID,
		ConversationID: e.conversationID,
		TurnID:         t.id,
		Status:         status,
		Cause:          cause,
		Chars:          utf8.RuneCountInString(t.content.String()),
		FirstChunk:     req.firstChunk,
		Duration:       now.Sub(req.startedAt),
		FinishedAt:     now,
	}
}

func (e *Engine) notify(ev TurnEvent) {
	if e.opts.Observer != nil {
		e.opts.Observer(ev)
	}
}

// Cancel 取消进行中的请求（关闭底层连接），并把该助手消息标记为 user_cancelled。
// 没有进行中的请求时什么也不做。
func (e *Engine) Cancel() {
	e.mu.Lock()
	if e.active == nil {
		e.mu.Unlock()
		return
	}
	e.active.cancel()
	ev := e.finishLocked(model.StatusErrored, model.CauseUserCancelled)
	e.mu.Unlock()
	e.notify(ev)
}

// Reset 开始新对话：取消进行中的请求并清空消息列表，草稿保留。
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if e.active != nil {
		e.active.cancel()
		e.active = nil
	}
	e.turns = nil
	e.conversationID = uuid.NewString()
	e.publishLocked()
}

// Subscribe 返回一个快照通道，立即包含当前状态；慢读者只会错过中间快照，不会错过最新状态。
// 调用返回的函数取消订阅。引擎关闭时通道被关闭。
func (e *Engine) Subscribe() (<-chan Snapshot, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hub.Subscribe(e.snapshotLocked())
}

// publishLocked 递增版本号并发布新快照。调用方必须持有 e.mu。
func (e *Engine) publishLocked() {
	e.version++
	if e.hub.Len() == 0 {
		return
	}
	e.hub.Publish(e.snapshotLocked())
}

// Snapshot 返回当前状态的副本。
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	turns := make([]model.Turn, len(e.turns))
	for i, t := range e.turns {
		turns[i] = t.view()
	}
	busy := false
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == model.RoleAssistant {
			busy = turns[i].InFlight()
			break
		}
	}
	return Snapshot{
		ConversationID: e.conversationID,
		Version:        e.version,
		Turns:          turns,
		Draft:          e.draft,
		Busy:           busy,
	}
}

// Close 取消进行中的请求（该助手消息以 user_cancelled 结束）、关闭所有订阅通道，并等待后台 goroutine 退出。
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	var ev *TurnEvent
	if e.active != nil {
		e.active.cancel()
		settledEv := e.finishLocked(model.StatusErrored, model.CauseUserCancelled)
		ev = &settledEv
	}
	e.closed = true
	e.baseCancel()
	e.hub.Close()
	e.mu.Unlock()
	if ev != nil {
		e.notify(*ev)
	}
	e.wg.Wait()
}
