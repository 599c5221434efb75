package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// User types carried in the websocket auth token.
const (
	userTypeDriver   = "driver"
	userTypeCustomer = "customer"
)

type wsClaims struct {
	UserID   string `json:"user_id"`
	UserType string `json:"user_type"`
	jwt.RegisteredClaims
}

var errBadToken = errors.New("invalid token")

// authenticateWS resolves the caller's identity from the Authorization
// header or, for browser clients that cannot set headers on the
// upgrade request, a token query parameter.
func (s *Server) authenticateWS(r *http.Request) (*wsClaims, error) {
	raw := bearerToken(r)
	if raw == "" {
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		return nil, errBadToken
	}

	claims := &wsClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errBadToken
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, errBadToken
	}
	if claims.UserID == "" {
		return nil, errBadToken
	}
	if claims.UserType != userTypeDriver && claims.UserType != userTypeCustomer {
		return nil, errBadToken
	}
	return claims, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
