package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims is the subset of the identity provider's access token the
// queue relies on: the subject is the external user id used for reporter
// resolution.
type SessionClaims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// ExpiredAt reports whether the token is past its exp claim at now. Tokens without exp never expire here.
func (c *SessionClaims) ExpiredAt(now time.Time) bool {
	if c == nil || c.ExpiresAt == nil {
		return false
	}
	return !now.Before(c.ExpiresAt.Time)
}
