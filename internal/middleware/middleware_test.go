package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mumet-go/internal/model"
	"mumet-go/internal/service"
)

type resumeOnly struct {
	service.CredentialGateway
	err error
}

func (g resumeOnly) Resume(_ context.Context, tok string) (*model.SessionIdentity, error) {
	if g.err != nil {
		return nil, g.err
	}
	if tok != "good" {
		return nil, &service.AuthError{Code: service.CodeInvalidToken}
	}
	return &model.SessionIdentity{UserID: 9, Token: tok, Name: "Budi"}, nil
}

func newRouter(gw service.CredentialGateway) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", AuthMiddleware(gw), func(c *gin.Context) {
		id := c.MustGet(IdentityKey).(*model.SessionIdentity)
		c.JSON(http.StatusOK, gin.H{"userId": id.UserID})
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		gw     resumeOnly
		header string
		status int
	}{
		{"missing header", resumeOnly{}, "", http.StatusUnauthorized},
		{"not bearer", resumeOnly{}, "Basic abc", http.StatusUnauthorized},
		{"invalid token", resumeOnly{}, "Bearer bad", http.StatusUnauthorized},
		{"backend down", resumeOnly{err: &service.AuthError{Code: service.CodeNetworkFailure, Err: errors.New("redis")}}, "Bearer good", http.StatusServiceUnavailable},
		{"ok", resumeOnly{}, "Bearer good", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			newRouter(tt.gw).ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestRedactBody(t *testing.T) {
	out := redactBody([]byte(`{"email":"a@b.co","password":"rahasia","nested":[{"refreshToken":"r"}]}`))

	var v map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, "a@b.co", v["email"])
	assert.Equal(t, "***", v["password"])
	assert.NotContains(t, out, "rahasia")
	assert.NotContains(t, out, `"r"`)

	assert.Equal(t, "", redactBody(nil))
	assert.Equal(t, "<invalid json>", redactBody([]byte("password=x")))
}
