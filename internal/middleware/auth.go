// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"mumet-go/internal/service"
	"mumet-go/pkg/log"
)

// IdentityKey 是 AuthMiddleware 写入 gin 上下文的 *model.SessionIdentity 的 key。
const IdentityKey = "identity"

// AuthMiddleware 创建一个 Gin 中间件，用于 JWT 认证。
// 它会从请求头中提取 access token，校验签名、黑名单和账号状态，并把身份存入上下文。
func AuthMiddleware(gateway service.CredentialGateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "请求未包含授权头"})
			return
		}

		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的授权头格式"})
			return
		}
		tokenString := strings.TrimPrefix(authHeader, bearerPrefix)

		identity, err := gateway.Resume(c.Request.Context(), tokenString)
		if err != nil {
			authErr := service.AsAuthError(err)
			status := http.StatusUnauthorized
			if authErr.Code == service.CodeNetworkFailure {
				status = http.StatusServiceUnavailable
			}
			log.Warnf("AuthMiddleware: %v", err)
			c.AbortWithStatusJSON(status, gin.H{
				"code":    status,
				"message": authErr.Message(),
				"data":    gin.H{"errorCode": authErr.Code},
			})
			return
		}

		c.Set(IdentityKey, identity)
		c.Next()
	}
}
