package httpapi

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret, userID, userType string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, wsClaims{
		UserID:   userID,
		UserType: userType,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestAuthenticateWS(t *testing.T) {
	env := newTestServer(t)

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "test-secret", "d1", "driver"))
	claims, err := env.srv.authenticateWS(req)
	require.NoError(t, err)
	assert.Equal(t, "d1", claims.UserID)
	assert.Equal(t, "driver", claims.UserType)
}

func TestAuthenticateWSQueryToken(t *testing.T) {
	env := newTestServer(t)

	req := httptest.NewRequest("GET", "/ws?token="+signToken(t, "test-secret", "c1", "customer"), nil)
	claims, err := env.srv.authenticateWS(req)
	require.NoError(t, err)
	assert.Equal(t, "c1", claims.UserID)
}

func TestAuthenticateWSRejectsBadTokens(t *testing.T) {
	env := newTestServer(t)

	cases := map[string]string{
		"wrong secret":  signToken(t, "other-secret", "d1", "driver"),
		"bad user type": signToken(t, "test-secret", "d1", "admin"),
		"empty user id": signToken(t, "test-secret", "", "driver"),
		"garbage":       "not-a-token",
	}
	for name, token := range cases {
		req := httptest.NewRequest("GET", "/ws", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		_, err := env.srv.authenticateWS(req)
		assert.Error(t, err, name)
	}
}

func TestAuthenticateWSRejectsExpired(t *testing.T) {
	env := newTestServer(t)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, wsClaims{
		UserID:   "d1",
		UserType: "driver",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	_, err = env.srv.authenticateWS(req)
	assert.Error(t, err)
}

func TestAuthenticateWSMissingToken(t *testing.T) {
	env := newTestServer(t)
	req := httptest.NewRequest("GET", "/ws", nil)
	_, err := env.srv.authenticateWS(req)
	assert.Error(t, err)
}
