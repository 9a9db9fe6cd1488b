package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTManager_AccessRoundTrip(t *testing.T) {
	m := NewJWTManager("secret", 1, 7)

	tok, err := m.GenerateToken(42, "budi@contoh.com", "Budi")
	require.NoError(t, err)

	claims, err := m.VerifyAccessToken(tok)
	require.NoError(t, err)
	assert.Equal(t, uint(42), claims.UserID)
	assert.Equal(t, "budi@contoh.com", claims.Email)
	assert.Equal(t, "Budi", claims.Name)
	assert.NotEmpty(t, claims.ID)
}

func TestJWTManager_TypeMismatch(t *testing.T) {
	m := NewJWTManager("secret", 1, 7)

	refresh, err := m.GenerateRefreshToken(1, "a@b.co", "")
	require.NoError(t, err)

	_, err = m.VerifyAccessToken(refresh)
	assert.ErrorIs(t, err, ErrWrongTokenType)

	_, err = m.VerifyRefreshToken(refresh)
	assert.NoError(t, err)
}

func TestJWTManager_Expired(t *testing.T) {
	m := NewJWTManager("secret", 1, 7)
	m.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	tok, err := m.GenerateToken(1, "a@b.co", "")
	require.NoError(t, err)

	m.now = time.Now
	_, err = m.VerifyToken(tok)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestJWTManager_WrongSecret(t *testing.T) {
	tok, err := NewJWTManager("one", 1, 1).GenerateToken(1, "a@b.co", "")
	require.NoError(t, err)

	_, err = NewJWTManager("two", 1, 1).VerifyToken(tok)
	assert.Error(t, err)
}

func signIDToken(t *testing.T, secret string, claims IdentityClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestIDTokenVerifier_HMAC(t *testing.T) {
	v, err := NewIDTokenVerifier("https://idp.test", "mumet", "idp-secret", "")
	require.NoError(t, err)

	raw := signIDToken(t, "idp-secret", IdentityClaims{
		Email:         "sari@contoh.com",
		EmailVerified: true,
		Name:          "Sari",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://idp.test",
			Subject:   "g-123",
			Audience:  jwt.ClaimStrings{"mumet"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})

	claims, err := v.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "g-123", claims.Subject)
	assert.Equal(t, "sari@contoh.com", claims.Email)
}

func TestIDTokenVerifier_Rejects(t *testing.T) {
	v, err := NewIDTokenVerifier("https://idp.test", "mumet", "idp-secret", "")
	require.NoError(t, err)

	base := jwt.RegisteredClaims{
		Issuer:    "https://idp.test",
		Subject:   "g-1",
		Audience:  jwt.ClaimStrings{"mumet"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}

	wrongIssuer := base
	wrongIssuer.Issuer = "https://evil.test"
	wrongAudience := base
	wrongAudience.Audience = jwt.ClaimStrings{"other"}
	noExpiry := base
	noExpiry.ExpiresAt = nil

	cases := map[string]string{
		"wrong issuer":   signIDToken(t, "idp-secret", IdentityClaims{RegisteredClaims: wrongIssuer}),
		"wrong audience": signIDToken(t, "idp-secret", IdentityClaims{RegisteredClaims: wrongAudience}),
		"no expiry":      signIDToken(t, "idp-secret", IdentityClaims{RegisteredClaims: noExpiry}),
		"wrong key":      signIDToken(t, "other-secret", IdentityClaims{RegisteredClaims: base}),
		"garbage":        "not.a.jwt",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(raw)
			assert.Error(t, err)
		})
	}
}

func TestNewIDTokenVerifier_NoKey(t *testing.T) {
	_, err := NewIDTokenVerifier("", "", "", "")
	assert.ErrorIs(t, err, ErrNoVerificationKey)
}
