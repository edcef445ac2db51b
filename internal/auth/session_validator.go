package auth

import (
	"errors"
	"net/http"
	"strings"
)

// ErrMissingSessionCookieName indicates the validator was built without a cookie name.
var ErrMissingSessionCookieName = errors.New("session validator: cookie name required")

const bearerPrefix = "bearer "

// TokenValidator verifies a raw session token.
type TokenValidator interface {
	ValidateToken(tokenString string) (Principal, error)
}

// SessionValidatorConfig describes where session tokens are read from.
type SessionValidatorConfig struct {
	Tokens     TokenValidator
	CookieName string
}

// SessionValidator authenticates HTTP requests by bearer header or session cookie.
type SessionValidator struct {
	tokens     TokenValidator
	cookieName string
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if cfg.Tokens == nil {
		return nil, ErrMissingSigningSecret
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	return &SessionValidator{tokens: cfg.Tokens, cookieName: cookieName}, nil
}

// CookieName returns the cookie name configured for session lookups.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateRequest reads the Authorization bearer token, falling back to the session cookie,
// and validates it. The query parameter access_token is accepted for EventSource clients.
func (v *SessionValidator) ValidateRequest(r *http.Request) (Principal, error) {
	if r == nil {
		return Principal{}, ErrMissingToken
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
			return Principal{}, ErrInvalidToken
		}
		return v.tokens.ValidateToken(header[len(bearerPrefix):])
	}
	if cookie, err := r.Cookie(v.cookieName); err == nil && cookie != nil && cookie.Value != "" {
		return v.tokens.ValidateToken(cookie.Value)
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return v.tokens.ValidateToken(token)
	}
	return Principal{}, ErrMissingToken
}
