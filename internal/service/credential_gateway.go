// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"mumet-go/internal/model"
	"mumet-go/internal/repository"
	"mumet-go/pkg/hash"
	"mumet-go/pkg/log"
	"mumet-go/pkg/token"
)

// MinPasswordLength 是注册时允许的最短密码。
const MinPasswordLength = 6

// CredentialGateway 把凭证换成登录身份。所有失败都以 *AuthError 返回。
type CredentialGateway interface {
	SignInWithPassword(ctx context.Context, email, password string) (*model.SessionIdentity, error)
	Register(ctx context.Context, name, email, password string) (*model.SessionIdentity, error)
	// SignInWithFederated 接收身份提供方签发的 ID Token。空字符串表示用户关闭了弹窗。
	SignInWithFederated(ctx context.Context, assertion string) (*model.SessionIdentity, error)
	// Resume 用一个仍然有效的 access token 恢复身份。
	Resume(ctx context.Context, accessToken string) (*model.SessionIdentity, error)
	Refresh(ctx context.Context, refreshToken string) (*model.SessionIdentity, error)
	Revoke(ctx context.Context, tokenString string) error
}

// GatewayOptions 配置本地凭证网关。
type GatewayOptions struct {
	MaxAttempts   int
	AttemptWindow time.Duration
	// Federated 为 nil 时第三方登录返回 operation_not_allowed。
	Federated         *token.IDTokenVerifier
	FederatedProvider string
}

type localGateway struct {
	users repository.UserRepository
	state repository.AuthStateRepository
	jwt   *token.JWTManager
	opts  GatewayOptions
	now   func() time.Time
}

// NewCredentialGateway 创建以 MySQL 账号表和 Redis 短期状态为后端的凭证网关。
func NewCredentialGateway(users repository.UserRepository, state repository.AuthStateRepository, jwtManager *token.JWTManager, opts GatewayOptions) CredentialGateway {
	if opts.FederatedProvider == "" {
		opts.FederatedProvider = model.ProviderGoogle
	}
	return &localGateway{users: users, state: state, jwt: jwtManager, opts: opts, now: time.Now}
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", newAuthError(CodeInvalidEmail, err)
	}
	return email, nil
}

func (g *localGateway) SignInWithPassword(ctx context.Context, email, password string) (*model.SessionIdentity, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}

	if g.opts.MaxAttempts > 0 {
		n, err := g.state.Failures(ctx, email)
		if err != nil {
			return nil, newAuthError(CodeNetworkFailure, err)
		}
		if n >= int64(g.opts.MaxAttempts) {
			return nil, newAuthError(CodeTooManyAttempts, nil)
		}
	}

	user, err := g.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// 不区分账号不存在与密码错误
			return nil, g.failAttempt(ctx, email)
		}
		return nil, newAuthError(CodeNetworkFailure, err)
	}
	if user.Password == "" || !hash.CheckPasswordHash(password, user.Password) {
		return nil, g.failAttempt(ctx, email)
	}
	if user.Disabled {
		return nil, newAuthError(CodeUserDisabled, nil)
	}

	if g.opts.MaxAttempts > 0 {
		if err := g.state.ResetFailures(ctx, email); err != nil {
			log.Warnw("重置登录失败计数失败", "userId", user.ID, "error", err)
		}
	}
	identity, err := g.issue(user)
	if err != nil {
		return nil, err
	}
	identity.Provider = model.ProviderPassword
	return identity, nil
}

// failAttempt 记录一次失败，达到上限时返回 too_many_attempts。
func (g *localGateway) failAttempt(ctx context.Context, email string) error {
	if g.opts.MaxAttempts <= 0 {
		return newAuthError(CodeWrongPassword, nil)
	}
	n, err := g.state.RecordFailure(ctx, email, g.opts.AttemptWindow)
	if err != nil {
		log.Warnw("记录登录失败次数失败", "error", err)
		return newAuthError(CodeWrongPassword, nil)
	}
	if n >= int64(g.opts.MaxAttempts) {
		return newAuthError(CodeTooManyAttempts, nil)
	}
	return newAuthError(CodeWrongPassword, nil)
}

func (g *localGateway) Register(ctx context.Context, name, email, password string) (*model.SessionIdentity, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return nil, newAuthError(CodeWeakPassword, nil)
	}

	_, err = g.users.FindByEmail(ctx, email)
	if err == nil {
		return nil, newAuthError(CodeEmailAlreadyInUse, nil)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newAuthError(CodeNetworkFailure, err)
	}

	hashed, err := hash.HashPassword(password)
	if err != nil {
		return nil, newAuthError(CodeInternal, err)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = email[:strings.IndexByte(email, '@')]
	}
	user := &model.User{
		Email:       email,
		DisplayName: name,
		Password:    hashed,
		Provider:    model.ProviderPassword,
	}
	if err := g.users.Create(ctx, user); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, newAuthError(CodeEmailAlreadyInUse, err)
		}
		return nil, newAuthError(CodeNetworkFailure, err)
	}
	log.Infow("新用户注册", "userId", user.ID)
	return g.issue(user)
}

func (g *localGateway) SignInWithFederated(ctx context.Context, assertion string) (*model.SessionIdentity, error) {
	assertion = strings.TrimSpace(assertion)
	if assertion == "" {
		return nil, newAuthError(CodePopupCancelled, nil)
	}
	if g.opts.Federated == nil {
		return nil, newAuthError(CodeOperationNotAllowed, nil)
	}

	claims, err := g.opts.Federated.Verify(assertion)
	if err != nil {
		return nil, newAuthError(CodeInvalidToken, err)
	}
	email, err := normalizeEmail(claims.Email)
	if err != nil {
		return nil, err
	}
	provider := g.opts.FederatedProvider

	user, err := g.users.FindBySubject(ctx, provider, claims.Subject)
	switch {
	case err == nil:
	case errors.Is(err, gorm.ErrRecordNotFound):
		user, err = g.linkOrProvision(ctx, provider, email, claims)
		if err != nil {
			return nil, err
		}
	default:
		return nil, newAuthError(CodeNetworkFailure, err)
	}
	if user.Disabled {
		return nil, newAuthError(CodeUserDisabled, nil)
	}

	if claims.Picture != "" && claims.Picture != user.AvatarURL {
		user.AvatarURL = claims.Picture
		if err := g.users.Update(ctx, user); err != nil {
			log.Warnw("更新头像失败", "userId", user.ID, "error", err)
		}
	}
	identity, err := g.issue(user)
	if err != nil {
		return nil, err
	}
	identity.Provider = provider
	return identity, nil
}

// linkOrProvision 首次第三方登录：邮箱已验证且已有同邮箱账号时关联该账号（密码仍可用），否则新建账号。
func (g *localGateway) linkOrProvision(ctx context.Context, provider, email string, claims *token.IdentityClaims) (*model.User, error) {
	user, err := g.users.FindByEmail(ctx, email)
	switch {
	case err == nil:
		if !claims.EmailVerified || user.Subject != "" {
			return nil, newAuthError(CodeEmailAlreadyInUse, nil)
		}
		user.Provider = provider
		user.Subject = claims.Subject
		if err := g.users.Update(ctx, user); err != nil {
			return nil, newAuthError(CodeNetworkFailure, err)
		}
		return user, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, newAuthError(CodeNetworkFailure, err)
	}

	name := strings.TrimSpace(claims.Name)
	if name == "" {
		name = email[:strings.IndexByte(email, '@')]
	}
	user = &model.User{
		Email:       email,
		DisplayName: name,
		Provider:    provider,
		Subject:     claims.Subject,
		AvatarURL:   claims.Picture,
	}
	if err := g.users.Create(ctx, user); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, newAuthError(CodeEmailAlreadyInUse, err)
		}
		return nil, newAuthError(CodeNetworkFailure, err)
	}
	log.Infow("第三方账号首次登录，已创建用户", "userId", user.ID, "provider", provider)
	return user, nil
}

func (g *localGateway) Resume(ctx context.Context, accessToken string) (*model.SessionIdentity, error) {
	claims, err := g.jwt.VerifyAccessToken(accessToken)
	if err != nil {
		return nil, newAuthError(CodeInvalidToken, err)
	}
	user, err := g.activeUser(ctx, accessToken, claims)
	if err != nil {
		return nil, err
	}
	identity := identityOf(user)
	identity.Token = accessToken
	return identity, nil
}

func (g *localGateway) Refresh(ctx context.Context, refreshToken string) (*model.SessionIdentity, error) {
	claims, err := g.jwt.VerifyRefreshToken(refreshToken)
	if err != nil {
		return nil, newAuthError(CodeInvalidToken, err)
	}
	user, err := g.activeUser(ctx, refreshToken, claims)
	if err != nil {
		return nil, err
	}
	identity, err := g.issue(user)
	if err != nil {
		return nil, err
	}
	// 旧的 refresh token 作废
	if err := g.revokeClaims(ctx, refreshToken, claims); err != nil {
		log.Warnw("作废旧 refresh token 失败", "userId", user.ID, "error", err)
	}
	return identity, nil
}

// activeUser 检查令牌未被注销，并返回仍然可用的账号。
func (g *localGateway) activeUser(ctx context.Context, tokenString string, claims *token.CustomClaims) (*model.User, error) {
	revoked, err := g.state.IsRevoked(ctx, tokenString)
	if err != nil {
		return nil, newAuthError(CodeNetworkFailure, err)
	}
	if revoked {
		return nil, newAuthError(CodeInvalidToken, nil)
	}
	user, err := g.users.FindByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newAuthError(CodeUserNotFound, err)
		}
		return nil, newAuthError(CodeNetworkFailure, err)
	}
	if user.Disabled {
		return nil, newAuthError(CodeUserDisabled, nil)
	}
	return user, nil
}

// Revoke 把令牌加入 Redis 黑名单，过期时间为令牌剩余有效期。
func (g *localGateway) Revoke(ctx context.Context, tokenString string) error {
	claims, err := g.jwt.VerifyToken(tokenString)
	if err != nil {
		return newAuthError(CodeInvalidToken, err)
	}
	if err := g.revokeClaims(ctx, tokenString, claims); err != nil {
		return newAuthError(CodeNetworkFailure, err)
	}
	return nil
}

func (g *localGateway) revokeClaims(ctx context.Context, tokenString string, claims *token.CustomClaims) error {
	if claims.ExpiresAt == nil {
		return nil
	}
	return g.state.Revoke(ctx, tokenString, claims.ExpiresAt.Sub(g.now()))
}

func (g *localGateway) issue(user *model.User) (*model.SessionIdentity, error) {
	name := user.DisplayName
	access, err := g.jwt.GenerateToken(user.ID, user.Email, name)
	if err != nil {
		return nil, newAuthError(CodeInternal, err)
	}
	refresh, err := g.jwt.GenerateRefreshToken(user.ID, user.Email, name)
	if err != nil {
		return nil, newAuthError(CodeInternal, err)
	}
	identity := identityOf(user)
	identity.Token = access
	identity.RefreshToken = refresh
	return identity, nil
}

func identityOf(user *model.User) *model.SessionIdentity {
	return &model.SessionIdentity{
		UserID:    user.ID,
		Name:      user.DisplayName,
		Email:     user.Email,
		AvatarURL: user.AvatarURL,
		Provider:  user.Provider,
	}
}
