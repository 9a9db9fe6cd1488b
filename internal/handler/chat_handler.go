package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"mumet-go/internal/chat"
	"mumet-go/internal/model"
	"mumet-go/internal/service"
	"mumet-go/internal/session"
	"mumet-go/pkg/kafka"
	"mumet-go/pkg/llm"
	"mumet-go/pkg/log"
	"mumet-go/pkg/markdown"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源
		},
	}
)

const (
	maxMessageBytes = 64 << 10
	writeWait       = 10 * time.Second
)

// 客户端消息类型。
const (
	msgSignIn          = "sign_in"
	msgSignInFederated = "sign_in_federated"
	msgRegister        = "register"
	msgSignOut         = "sign_out"
	msgDraft           = "draft"
	msgSubmit          = "submit"
	msgCancel          = "cancel"
	msgReset           = "reset"
)

// ChatHandler 负责处理 WebSocket 聊天连接。每个连接对应一个浏览器标签页，
// 拥有自己的登录状态（session.Store）与对话（chat.Engine）。
type ChatHandler struct {
	gateway      service.CredentialGateway
	client       llm.Client
	renderer     *markdown.Renderer
	publisher    kafka.Publisher
	systemPrompt string
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(gateway service.CredentialGateway, client llm.Client, renderer *markdown.Renderer, publisher kafka.Publisher, systemPrompt string) *ChatHandler {
	return &ChatHandler{
		gateway:      gateway,
		client:       client,
		renderer:     renderer,
		publisher:    publisher,
		systemPrompt: systemPrompt,
	}
}

type clientMessage struct {
	Type     string `json:"type"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	IDToken  string `json:"idToken"`
	Text     string `json:"text"`
}

type authMessage struct {
	Type     string                 `json:"type"`
	State    session.State          `json:"state"`
	Identity *model.SessionIdentity `json:"identity,omitempty"`
}

type turnView struct {
	model.Turn
	Nodes []markdown.Node `json:"nodes,omitempty"`
}

type stateMessage struct {
	Type           string     `json:"type"`
	ConversationID string     `json:"conversationId"`
	Version        uint64     `json:"version"`
	Turns          []turnView `json:"turns"`
	Draft          string     `json:"draft"`
	Busy           bool       `json:"busy"`
	CanSubmit      bool       `json:"canSubmit"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Handle 处理一个传入的 WebSocket 连接。带 ?token= 时用该 access token 恢复登录状态。
func (h *ChatHandler) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}

	t := h.newTab(conn)
	defer t.close()
	log.Infof("WebSocket 连接已建立，标签页: %s", t.id)

	if tok := c.Query("token"); tok != "" {
		t.authAsync(func(ctx context.Context) error {
			_, err := t.store.Resume(ctx, tok)
			return err
		})
	}
	t.readLoop()
}

// tab 是一个 WebSocket 连接的全部状态。只有 writeLoop 向 conn 写入。
type tab struct {
	h      *ChatHandler
	id     string
	conn   *websocket.Conn
	store  *session.Store
	engine *chat.Engine

	ctx    context.Context
	cancel context.CancelFunc
	errs   chan errorMessage
	wg     sync.WaitGroup
	done   chan struct{}

	// 仅由 writeLoop 访问：已结束回复的渲染结果
	rendered       map[string][]markdown.Node
	conversationID string
}

func (h *ChatHandler) newTab(conn *websocket.Conn) *tab {
	ctx, cancel := context.WithCancel(context.Background())
	t := &tab{
		h:        h,
		id:       uuid.NewString(),
		conn:     conn,
		store:    session.NewStore(h.gateway),
		ctx:      ctx,
		cancel:   cancel,
		errs:     make(chan errorMessage, 8),
		done:     make(chan struct{}),
		rendered: make(map[string][]markdown.Node),
	}
	t.engine = chat.NewEngine(h.client, chat.Options{
		SessionID:    t.id,
		SystemPrompt: h.systemPrompt,
		Observer:     t.onTurn,
	})
	go t.writeLoop()
	return t
}

func (t *tab) close() {
	t.cancel()
	t.engine.Close()
	t.store.Close()
	t.wg.Wait()
	_ = t.conn.Close()
	<-t.done
	log.Infof("WebSocket 连接已关闭，标签页: %s", t.id)
}

// onTurn 在助手回复结束时被引擎调用，发送用量事件。
func (t *tab) onTurn(ev chat.TurnEvent) {
	var userID uint
	if id := t.store.Identity(); id != nil {
		userID = id.UserID
	}
	log.Infow("助手回复结束", "session", t.id, "userId", userID, "status", ev.Status, "cause", ev.Cause, "chars", ev.Chars, "duration", ev.Duration.String())
	if err := t.h.publisher.PublishUsage(t.ctx, service.UsageFromTurn(userID, ev)); err != nil {
		log.Warnw("发送用量事件失败", "session", t.id, "error", err)
	}
}

func (t *tab) readLoop() {
	t.conn.SetReadLimit(maxMessageBytes)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("从 WebSocket 读取消息失败: %v", err)
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.sendError("bad_request", "Pesan tidak valid.")
			continue
		}
		t.dispatch(msg)
	}
}

func (t *tab) dispatch(msg clientMessage) {
	switch msg.Type {
	case msgSignIn:
		creds := session.Credentials{Email: msg.Email, Password: msg.Password}
		t.authAsync(func(ctx context.Context) error {
			_, err := t.store.SignIn(ctx, creds)
			return err
		})
	case msgSignInFederated:
		assertion := msg.IDToken
		t.authAsync(func(ctx context.Context) error {
			_, err := t.store.SignInWithFederatedIdentity(ctx, assertion)
			return err
		})
	case msgRegister:
		name, creds := msg.Name, session.Credentials{Email: msg.Email, Password: msg.Password}
		t.authAsync(func(ctx context.Context) error {
			_, err := t.store.Register(ctx, name, creds)
			return err
		})
	case msgSignOut:
		// 先丢弃对话，再退出登录
		t.engine.Reset()
		t.engine.UpdateDraft("")
		t.store.SignOut(t.ctx)
	case msgDraft:
		if t.requireSignedIn() {
			t.engine.UpdateDraft(msg.Text)
		}
	case msgSubmit:
		if !t.requireSignedIn() {
			return
		}
		if err := t.engine.Submit(); err != nil {
			// 提交按钮此时本应是禁用状态，忽略即可
			log.Debugf("忽略提交: %v", err)
		}
	case msgCancel:
		t.engine.Cancel()
	case msgReset:
		if t.requireSignedIn() {
			t.engine.Reset()
		}
	default:
		t.sendError("unknown_type", "Jenis pesan tidak dikenal.")
	}
}

func (t *tab) requireSignedIn() bool {
	if t.store.State() == session.StateSignedIn {
		return true
	}
	t.sendError("unauthenticated", "Silakan masuk terlebih dahulu.")
	return false
}

// authAsync 在后台执行登录操作，读循环不被阻塞，并发的登录由 Store 拒绝。
func (t *tab) authAsync(op func(ctx context.Context) error) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := op(t.ctx); err != nil {
			t.sendAuthError(err)
		}
	}()
}

func (t *tab) sendAuthError(err error) {
	switch {
	case errors.Is(err, session.ErrAborted), errors.Is(err, session.ErrClosed):
	case errors.Is(err, session.ErrAlreadyInProgress):
		t.sendError("already_in_progress", "Proses masuk sedang berlangsung.")
	case errors.Is(err, session.ErrAlreadySignedIn):
		t.sendError("already_signed_in", "Anda sudah masuk.")
	default:
		authErr := service.AsAuthError(err)
		t.sendError(string(authErr.Code), authErr.Message())
	}
}

// sendError 把错误交给 writeLoop。队列满时丢弃。
func (t *tab) sendError(code, message string) {
	select {
	case t.errs <- errorMessage{Type: "error", Code: code, Message: message}:
	case <-t.ctx.Done():
	default:
		log.Warnw("错误消息队列已满，丢弃", "session", t.id, "code", code)
	}
}

func (t *tab) writeLoop() {
	defer func() {
		// 让阻塞在 ReadMessage 的读循环退出
		_ = t.conn.Close()
		close(t.done)
	}()

	engineCh, unsubscribeEngine := t.engine.Subscribe()
	defer unsubscribeEngine()
	authCh, unsubscribeAuth := t.store.Subscribe()
	defer unsubscribeAuth()

	var (
		snap     chat.Snapshot
		haveSnap bool
		auth     = session.Snapshot{State: session.StateSignedOut}
	)
	for {
		var msg interface{}
		select {
		case s, ok := <-engineCh:
			if !ok {
				return
			}
			snap, haveSnap = s, true
			msg = t.stateMessage(snap, auth)
		case a, ok := <-authCh:
			if !ok {
				return
			}
			auth = a
			if err := t.write(authMessage{Type: "auth", State: a.State, Identity: a.Identity}); err != nil {
				return
			}
			if !haveSnap {
				continue
			}
			// canSubmit 依赖登录状态
			msg = t.stateMessage(snap, auth)
		case e := <-t.errs:
			msg = e
		case <-t.ctx.Done():
			return
		}
		if err := t.write(msg); err != nil {
			return
		}
	}
}

func (t *tab) write(v interface{}) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.conn.WriteJSON(v); err != nil {
		log.Warnf("向 WebSocket 写入失败: %v", err)
		t.cancel()
		return err
	}
	return nil
}

func (t *tab) stateMessage(snap chat.Snapshot, auth session.Snapshot) stateMessage {
	if snap.ConversationID != t.conversationID {
		t.conversationID = snap.ConversationID
		t.rendered = make(map[string][]markdown.Node)
	}
	turns := make([]turnView, len(snap.Turns))
	for i, turn := range snap.Turns {
		turns[i] = turnView{Turn: turn}
		if turn.Role != model.RoleAssistant {
			continue
		}
		if nodes, ok := t.rendered[turn.ID]; ok {
			turns[i].Nodes = nodes
			continue
		}
		nodes := t.h.renderer.Render(turn.Content)
		if turn.Settled() {
			t.rendered[turn.ID] = nodes
		}
		turns[i].Nodes = nodes
	}
	return stateMessage{
		Type:           "state",
		ConversationID: snap.ConversationID,
		Version:        snap.Version,
		Turns:          turns,
		Draft:          snap.Draft,
		Busy:           snap.Busy,
		CanSubmit:      auth.State == session.StateSignedIn && !snap.Busy && strings.TrimSpace(snap.Draft) != "",
	}
}
