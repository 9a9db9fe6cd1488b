// Package session 保存一个浏览器标签页的登录状态。
package session

import (
	"context"
	"errors"
	"sync"

	"mumet-go/internal/model"
	"mumet-go/internal/service"
	"mumet-go/pkg/broadcast"
	"mumet-go/pkg/log"
)

// State 是登录状态机的状态。
type State string

const (
	StateSignedOut State = "signedOut"
	StateSigningIn State = "signingIn"
	StateSignedIn  State = "signedIn"
)

var (
	// ErrAlreadyInProgress 表示已有一次登录尝试正在进行。
	ErrAlreadyInProgress = errors.New("session: sign-in already in progress")
	// ErrAlreadySignedIn 表示当前已登录，需要先退出。
	ErrAlreadySignedIn = errors.New("session: already signed in")
	// ErrAborted 表示登录尝试在完成前被 SignOut 或 Close 打断，结果被丢弃。
	ErrAborted = errors.New("session: sign-in aborted")
	// ErrClosed 表示 Store 已关闭。
	ErrClosed = errors.New("session: store closed")
)

// Credentials 是邮箱密码登录的输入。
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Snapshot 是某一时刻的登录状态。Identity 仅在 StateSignedIn 时非空。
type Snapshot struct {
	Version  uint64                 `json:"version"`
	State    State                  `json:"state"`
	Identity *model.SessionIdentity `json:"identity,omitempty"`
}

type attempt struct {
	cancel context.CancelFunc
}

// Store 持有一个标签页的身份与其生命周期：signedOut → signingIn → signedIn → signedOut。
// 由调用方显式创建，在标签页关闭时 Close。
type Store struct {
	gateway service.CredentialGateway

	mu       sync.Mutex
	state    State
	identity *model.SessionIdentity
	pending  *attempt
	version  uint64
	hub      *broadcast.Hub[Snapshot]
	closed   bool
}

// NewStore 创建一个处于 signedOut 状态的 Store。
func NewStore(gateway service.CredentialGateway) *Store {
	return &Store{
		gateway: gateway,
		state:   StateSignedOut,
		hub:     broadcast.New[Snapshot](),
	}
}

// SignIn 使用邮箱密码登录。
func (s *Store) SignIn(ctx context.Context, creds Credentials) (*model.SessionIdentity, error) {
	return s.authenticate(ctx, func(ctx context.Context) (*model.SessionIdentity, error) {
		return s.gateway.SignInWithPassword(ctx, creds.Email, creds.Password)
	})
}

// SignInWithFederatedIdentity 使用身份提供方的断言（ID Token）登录。
func (s *Store) SignInWithFederatedIdentity(ctx context.Context, assertion string) (*model.SessionIdentity, error) {
	return s.authenticate(ctx, func(ctx context.Context) (*model.SessionIdentity, error) {
		return s.gateway.SignInWithFederated(ctx, assertion)
	})
}

// Register 注册新账号并直接登录。
func (s *Store) Register(ctx context.Context, name string, creds Credentials) (*model.SessionIdentity, error) {
	return s.authenticate(ctx, func(ctx context.Context) (*model.SessionIdentity, error) {
		return s.gateway.Register(ctx, name, creds.Email, creds.Password)
	})
}

// Resume 用已有的 access token 恢复登录状态，例如页面刷新后重新建立连接。
func (s *Store) Resume(ctx context.Context, accessToken string) (*model.SessionIdentity, error) {
	return s.authenticate(ctx, func(ctx context.Context) (*model.SessionIdentity, error) {
		return s.gateway.Resume(ctx, accessToken)
	})
}

// authenticate 执行一次登录尝试。失败时回到 signedOut 并返回 *service.AuthError。
func (s *Store) authenticate(ctx context.Context, exchange func(context.Context) (*model.SessionIdentity, error)) (*model.SessionIdentity, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	switch s.state {
	case StateSigningIn:
		s.mu.Unlock()
		return nil, ErrAlreadyInProgress
	case StateSignedIn:
		s.mu.Unlock()
		return nil, ErrAlreadySignedIn
	}
	ctx, cancel := context.WithCancel(ctx)
	a := &attempt{cancel: cancel}
	s.pending = a
	s.state = StateSigningIn
	s.publishLocked()
	s.mu.Unlock()

	identity, err := exchange(ctx)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != a {
		return nil, ErrAborted
	}
	s.pending = nil
	if err != nil {
		s.state = StateSignedOut
		s.publishLocked()
		authErr := service.AsAuthError(err)
		log.Infow("登录失败", "code", authErr.Code)
		return nil, authErr
	}
	s.identity = identity
	s.state = StateSignedIn
	s.publishLocked()
	return cloneIdentity(identity), nil
}

// SignOut 清除身份并回到 signedOut。本地状态总是立即生效，服务端注销失败只记录日志。
func (s *Store) SignOut(ctx context.Context) {
	s.mu.Lock()
	identity := s.identity
	if s.pending != nil {
		s.pending.cancel()
		s.pending = nil
	}
	changed := s.state != StateSignedOut
	s.identity = nil
	s.state = StateSignedOut
	if changed && !s.closed {
		s.publishLocked()
	}
	s.mu.Unlock()

	if identity == nil {
		return
	}
	for _, tok := range []string{identity.Token, identity.RefreshToken} {
		if tok == "" {
			continue
		}
		if err := s.gateway.Revoke(ctx, tok); err != nil {
			log.Warnw("注销令牌失败，本地已退出", "userId", identity.UserID, "error", err)
		}
	}
}

// State 返回当前状态。
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity 返回当前身份的副本，未登录时为 nil。
func (s *Store) Identity() *model.SessionIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSignedIn {
		return nil
	}
	return cloneIdentity(s.identity)
}

// Snapshot 返回当前状态的快照。
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe 返回一个快照通道，立即包含当前状态。Store 关闭时通道被关闭。
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hub.Subscribe(s.snapshotLocked())
}

// Close 打断进行中的登录并关闭所有订阅。身份不会被远端注销。
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.pending != nil {
		s.pending.cancel()
		s.pending = nil
		s.state = StateSignedOut
		s.publishLocked()
	}
	s.hub.Close()
}

func (s *Store) publishLocked() {
	s.version++
	s.hub.Publish(s.snapshotLocked())
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{Version: s.version, State: s.state}
	if s.state == StateSignedIn {
		snap.Identity = cloneIdentity(s.identity)
	}
	return snap
}

func cloneIdentity(id *model.SessionIdentity) *model.SessionIdentity {
	if id == nil {
		return nil
	}
	cp := *id
	return &cp
}
