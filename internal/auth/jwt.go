// Package auth turns the platform session into a chat credential. The
// platform's session JWT identifies the user; the messenger then signs a
// short-lived chat token the chat backend accepts.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrAuthDisabled = errors.New("auth: no signing secret configured")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrMissingToken = errors.New("auth: no session token")
)

// SessionCookie is the cookie carrying the platform session JWT.
const SessionCookie = "session"

// Identity is the authenticated platform user.
type Identity struct {
	UserID string
	Role   string
}

// PlatformClaims are the claims of the platform session JWT.
type PlatformClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// PlatformVerifier validates platform session tokens.
type PlatformVerifier struct {
	secret []byte
}

// NewPlatformVerifier creates a verifier for HS256 tokens signed with secret.
func NewPlatformVerifier(secret string) *PlatformVerifier {
	return &PlatformVerifier{secret: []byte(secret)}
}

// Sign issues a platform token. The platform normally does this; the
// messenger only needs it for local development and tests.
func (v *PlatformVerifier) Sign(id Identity, ttl time.Duration) (string, error) {
	if v == nil || len(v.secret) == 0 {
		return "", ErrAuthDisabled
	}
	now := time.Now()
	claims := PlatformClaims{
		Role: id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses and validates a platform token.
func (v *PlatformVerifier) Verify(token string) (Identity, error) {
	if v == nil || len(v.secret) == 0 {
		return Identity{}, ErrAuthDisabled
	}
	claims := &PlatformClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, hmacKey(v.secret))
	if err != nil || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: claims.Subject, Role: claims.Role}, nil
}

// Authenticate verifies the platform token carried by r: the session
// cookie, an Authorization bearer header, or a token query parameter (used
// by the WebSocket upgrade, where browsers cannot set headers).
func (v *PlatformVerifier) Authenticate(r *http.Request) (Identity, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	return v.Verify(token)
}

// TokenFromRequest extracts the platform token from r.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// ChatClaims are the claims of a chat token.
type ChatClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// ChatTokens signs and verifies chat backend tokens.
type ChatTokens struct {
	secret []byte
	ttl    time.Duration
}

// NewChatTokens creates a signer using the chat API secret.
func NewChatTokens(apiSecret string, ttl time.Duration) *ChatTokens {
	return &ChatTokens{secret: []byte(apiSecret), ttl: ttl}
}

// Issue signs a chat token for userID.
func (t *ChatTokens) Issue(userID string) (string, error) {
	if t == nil || len(t.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("auth: user id required")
	}
	now := time.Now()
	claims := ChatClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if t.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(t.ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify returns the user id of a valid chat token.
func (t *ChatTokens) Verify(token string) (string, error) {
	if t == nil || len(t.secret) == 0 {
		return "", ErrAuthDisabled
	}
	claims := &ChatClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, hmacKey(t.secret))
	if err != nil || !parsed.Valid || claims.UserID == "" {
		return "", ErrInvalidToken
	}
	return claims.UserID, nil
}

func hmacKey(secret []byte) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}
}
