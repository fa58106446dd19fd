package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoSubject is returned when a session token carries no sub claim.
var ErrNoSubject = errors.New("session token has no subject")

// ParseSessionToken decodes the access token pushed by a foreground session.
// The signature is not checked: the remote API verifies it on every request,
// the queue only needs the claims.
func ParseSessionToken(tokenString string) (*SessionClaims, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tokenString), "Bearer "))
	if tokenString == "" {
		return nil, fmt.Errorf("session token is required")
	}

	claims := &SessionClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("parsing session token: %w", err)
	}
	return claims, nil
}

// SubjectFromToken returns the sub claim of the session token.
func SubjectFromToken(tokenString string) (string, error) {
	claims, err := ParseSessionToken(tokenString)
	if err != nil {
		return "", err
	}
	subject, err := claims.GetSubject()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(subject) == "" {
		return "", ErrNoSubject
	}
	return subject, nil
}
