package realtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims identify a dashboard or widget session on a websocket.
type SessionClaims struct {
	TenantID  string `json:"tenant_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	jwt.RegisteredClaims
}

// NewSessionToken mints a signed session token.
func NewSessionToken(secret, tenantID, sessionID string, ttl time.Duration) (string, error) {
	claims := SessionClaims{
		TenantID:  tenantID,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseSessionToken validates a session token and returns its claims.
func ParseSessionToken(secret, token string) (SessionClaims, error) {
	var claims SessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return SessionClaims{}, fmt.Errorf("parse session token: %w", err)
	}
	if !parsed.Valid {
		return SessionClaims{}, errors.New("invalid session token")
	}
	return claims, nil
}
