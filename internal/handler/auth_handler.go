package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mumet-go/internal/service"
	"mumet-go/pkg/log"
)

// AuthHandler 负责处理认证相关的 API 请求，例如刷新 token。
type AuthHandler struct {
	gateway service.CredentialGateway
}

// NewAuthHandler 创建一个新的 AuthHandler 实例。
func NewAuthHandler(gateway service.CredentialGateway) *AuthHandler {
	return &AuthHandler{gateway: gateway}
}

// RefreshTokenRequest 定义了刷新 token API 的请求体结构。
type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

// RefreshToken 用 refresh token 换取新的令牌对，旧的 refresh token 随即作废。
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("RefreshToken: Invalid request payload, error: %v", err)
		badRequest(c, "无效的请求负载：refreshToken 不能为空")
		return
	}

	identity, err := h.gateway.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		log.Warnf("RefreshToken: Failed to refresh token, error: %v", err)
		abortAuth(c, err)
		return
	}

	log.Info("Token refreshed successfully")
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "Token refreshed successfully",
		"data": gin.H{
			"token":        identity.Token,
			"refreshToken": identity.RefreshToken,
		},
	})
}
