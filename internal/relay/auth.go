package relay

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for a missing or invalid bearer token.
var ErrUnauthorized = errors.New("unauthorized")

// Auth signs and verifies HS256 tokens whose subject is the user id.
type Auth struct {
	secret []byte
}

// NewAuth creates an Auth for the shared secret.
func NewAuth(secret string) *Auth {
	return &Auth{secret: []byte(secret)}
}

// Mint returns a signed token for userID. A zero ttl means no expiry.
func (a *Auth) Mint(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("mint token: empty user id")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses token and returns its subject.
func (a *Auth) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing subject", ErrUnauthorized)
	}
	return sub, nil
}

// bearer extracts the token from an Authorization header value.
func bearer(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
