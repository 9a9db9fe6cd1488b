// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mumet-go/internal/middleware"
	"mumet-go/internal/model"
	"mumet-go/internal/service"
)

func authStatus(code service.AuthErrorCode) int {
	switch code {
	case service.CodeInvalidEmail, service.CodeWeakPassword, service.CodePopupCancelled:
		return http.StatusBadRequest
	case service.CodeWrongPassword, service.CodeInvalidToken, service.CodeUserNotFound:
		return http.StatusUnauthorized
	case service.CodeUserDisabled, service.CodeOperationNotAllowed:
		return http.StatusForbidden
	case service.CodeEmailAlreadyInUse:
		return http.StatusConflict
	case service.CodeTooManyAttempts:
		return http.StatusTooManyRequests
	case service.CodeNetworkFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// abortAuth 以统一格式返回认证失败。
func abortAuth(c *gin.Context, err error) {
	authErr := service.AsAuthError(err)
	status := authStatus(authErr.Code)
	c.AbortWithStatusJSON(status, gin.H{
		"code":    status,
		"message": authErr.Message(),
		"data":    gin.H{"errorCode": authErr.Code},
	})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": message, "data": nil})
}

// currentIdentity 返回 AuthMiddleware 注入的身份。
func currentIdentity(c *gin.Context) (*model.SessionIdentity, bool) {
	v, ok := c.Get(middleware.IdentityKey)
	if !ok {
		return nil, false
	}
	id, ok := v.(*model.SessionIdentity)
	return id, ok && id != nil
}
