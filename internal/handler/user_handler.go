package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"mumet-go/internal/service"
	"mumet-go/pkg/log"
)

// UserHandler 负责处理注册、登录、个人信息与登出。
type UserHandler struct {
	gateway      service.CredentialGateway
	usageService service.UsageService
}

// NewUserHandler 创建一个新的 UserHandler 实例。
func NewUserHandler(gateway service.CredentialGateway, usageService service.UsageService) *UserHandler {
	return &UserHandler{gateway: gateway, usageService: usageService}
}

// RegisterRequest 定义了用户注册 API 的请求体结构。
type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Register 处理用户注册请求，成功后直接返回登录身份。
func (h *UserHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Register: Invalid request payload, error: %v", err)
		badRequest(c, "无效的请求负载：邮箱和密码不能为空")
		return
	}

	identity, err := h.gateway.Register(c.Request.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		log.Warnf("Register: registration failed, error: %v", err)
		abortAuth(c, err)
		return
	}

	log.Infof("User %d registered successfully", identity.UserID)
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "User registered successfully",
		"data":    identity,
	})
}

// LoginRequest 定义了用户登录 API 的请求体结构。
type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login 处理邮箱密码登录请求。
func (h *UserHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Login: Invalid request payload, error: %v", err)
		badRequest(c, "无效的请求负载：邮箱和密码不能为空")
		return
	}

	identity, err := h.gateway.SignInWithPassword(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		log.Warnf("Login: authentication failed, error: %v", err)
		abortAuth(c, err)
		return
	}

	log.Infof("User %d logged in successfully", identity.UserID)
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "Login successful",
		"data":    identity,
	})
}

// FederatedLoginRequest 携带身份提供方签发的 ID Token。为空表示用户关闭了登录弹窗。
type FederatedLoginRequest struct {
	IDToken string `json:"idToken"`
}

// LoginFederated 处理第三方身份登录。
func (h *UserHandler) LoginFederated(c *gin.Context) {
	var req FederatedLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载")
		return
	}

	identity, err := h.gateway.SignInWithFederated(c.Request.Context(), req.IDToken)
	if err != nil {
		log.Warnf("LoginFederated: authentication failed, error: %v", err)
		abortAuth(c, err)
		return
	}

	log.Infof("User %d logged in with %s", identity.UserID, identity.Provider)
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "Login successful",
		"data":    identity,
	})
}

// GetProfile 返回当前登录用户的身份信息（不含令牌）。
func (h *UserHandler) GetProfile(c *gin.Context) {
	identity, ok := currentIdentity(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "无法获取用户信息"})
		return
	}
	profile := *identity
	profile.Token = ""
	profile.RefreshToken = ""
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": profile, "message": "success"})
}

// LogoutRequest 可选地携带 refresh token，一并作废。
type LogoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Logout 作废当前令牌。服务端注销失败只记录日志，客户端总是视为已退出。
func (h *UserHandler) Logout(c *gin.Context) {
	var req LogoutRequest
	_ = c.ShouldBindJSON(&req)

	tokenString := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	for _, tok := range []string{tokenString, req.RefreshToken} {
		if tok == "" {
			continue
		}
		if err := h.gateway.Revoke(c.Request.Context(), tok); err != nil {
			log.Error("Logout: Failed to revoke token", err)
		}
	}

	if identity, ok := currentIdentity(c); ok {
		log.Infof("User %d logged out", identity.UserID)
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "登出成功",
	})
}

// GetUsage 返回当前用户最近若干天的助手回复统计。
func (h *UserHandler) GetUsage(c *gin.Context) {
	identity, ok := currentIdentity(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "无法获取用户信息"})
		return
	}
	days, err := strconv.Atoi(c.DefaultQuery("days", "7"))
	if err != nil {
		badRequest(c, "无效的参数 days")
		return
	}

	usage, err := h.usageService.Recent(c.Request.Context(), identity.UserID, days)
	if err != nil {
		log.Errorf("GetUsage: failed for user %d, error: %v", identity.UserID, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": http.StatusServiceUnavailable, "message": "暂时无法获取用量统计"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": usage, "message": "success"})
}
