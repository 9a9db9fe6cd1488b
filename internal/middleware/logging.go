package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"mumet-go/pkg/log"
)

// maxLoggedBody 超过此大小的请求体不记录内容。
const maxLoggedBody = 4 << 10

var sensitiveFields = map[string]struct{}{
	"password":     {},
	"token":        {},
	"refreshtoken": {},
	"idtoken":      {},
}

// RequestLogger 是一个 Gin 中间件，记录每个请求的状态码、耗时和（脱敏后的）请求体。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		var requestBody []byte
		if c.Request.Body != nil && strings.HasPrefix(c.ContentType(), "application/json") {
			requestBody, _ = io.ReadAll(c.Request.Body)
			// 将读取的请求体重新设置回 c.Request.Body，以便后续处理函数可以正常读取
			c.Request.Body = io.NopCloser(bytes.NewBuffer(requestBody))
		}

		c.Next()

		log.Infow("HTTP Request Log",
			"statusCode", c.Writer.Status(),
			"latency", time.Since(startTime).String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"requestBody", redactBody(requestBody),
			"responseSize", c.Writer.Size(),
		)
	}
}

// redactBody 把 JSON 请求体中的密码和令牌字段替换为 "***"。
func redactBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if len(body) > maxLoggedBody {
		return "<omitted>"
	}
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return "<invalid json>"
	}
	out, err := json.Marshal(redact(v))
	if err != nil {
		return "<invalid json>"
	}
	return string(out)
}

func redact(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			if _, ok := sensitiveFields[strings.ToLower(k)]; ok {
				t[k] = "***"
				continue
			}
			t[k] = redact(val)
		}
	case []interface{}:
		for i := range t {
			t[i] = redact(t[i])
		}
	}
	return v
}
