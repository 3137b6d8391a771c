package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hqtran/collabhub/internal/jobs"
)

// Principal is the authenticated identity attached to a request or
// websocket connection.
type Principal struct {
	UserID string
	Name   string
}

type accessClaims struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier validates HMAC-signed access tokens.
type TokenVerifier struct {
	secret []byte
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify parses and validates a bearer token and returns its principal.
// Any parse, signature, or expiry failure maps to ErrUnauthenticated so
// callers never leak verifier internals to clients.
func (v *TokenVerifier) Verify(token string) (*Principal, error) {
	claims := &accessClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", jobs.ErrUnauthenticated, err)
	}
	if !parsed.Valid || claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing subject", jobs.ErrUnauthenticated)
	}
	return &Principal{UserID: claims.UserID, Name: claims.Name}, nil
}

// Sign issues a token for a principal. The services only verify tokens;
// signing exists for tooling and tests.
func (v *TokenVerifier) Sign(p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := accessClaims{
		UserID: p.UserID,
		Name:   p.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
