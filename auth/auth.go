// Package auth is the relay's minimal token-issuance/verification
// collaborator. Full authentication (device flow, WebAuthn) is out of
// scope for the Hub (spec.md §1); this package only produces the
// verified (user_id, role) pair the Hub consumes at WebSocket upgrade
// time, and hashes secrets for the storage contracts in store.Store.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Role is the peer role the Hub keys all routing on (spec.md §3).
type Role string

const (
	RoleClient Role = "client"
	RoleAnchor Role = "anchor"
)

// Claims is the JWT payload carried by both web-session and anchor-session
// access tokens. Subject is the opaque user_id the Hub namespaces on.
type Claims struct {
	jwt.RegisteredClaims
	SessionID uuid.UUID `json:"sid"`
	Role      Role      `json:"role"`
}

// IssueAccessToken creates a signed HS256 JWT for the given user/session/role.
func IssueAccessToken(secret []byte, userID string, sessionID uuid.UUID, role Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		SessionID: sessionID,
		Role:      role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ParseAccessToken validates the token signature and expiry, returning the claims.
func ParseAccessToken(secret []byte, raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("token expired")
		}
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// HashPassword returns a bcrypt hash of the password.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckPassword reports whether password matches the bcrypt hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// GenerateRefreshToken returns a cryptographically random URL-safe token.
func GenerateRefreshToken() (string, error) {
	b := make([]byte, 48)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken returns the SHA-256 hex digest of an opaque bearer token, the
// form device codes, challenges and refresh tokens are persisted under —
// the raw secret is never written to storage.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewID returns a fresh random 128-bit hex identifier (32 hex chars, no
// dashes), used for anchor ids (anchor.hello fallback) and artifact item
// ids wherever the protocol doesn't supply one.
func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
