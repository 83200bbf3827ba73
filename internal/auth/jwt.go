package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrEmptyToken  = errors.New("auth: empty token")
	ErrEmptySecret = errors.New("auth: empty secret")
	ErrBadClaims   = errors.New("auth: invalid claims")
)

// Claims is the session token payload. Subject is the user id that owns
// devices; Role defaults to viewer when absent.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

var hs256Parser = jwt.NewParser(
	jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	jwt.WithIssuedAt(),
)

// ParseJWT verifies an HS256 session token and its claims.
func ParseJWT(tokenString string, secret []byte) (*Claims, error) {
	switch {
	case tokenString == "":
		return nil, ErrEmptyToken
	case len(secret) == 0:
		return nil, ErrEmptySecret
	}

	claims := new(Claims)
	if _, err := hs256Parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}); err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrBadClaims)
	}
	if _, ok := NormalizeRole(claims.Role); !ok {
		return nil, fmt.Errorf("%w: unknown role %q", ErrBadClaims, claims.Role)
	}
	return claims, nil
}

// IssueJWT signs a session token for userID. A zero ttl issues a token
// without expiry.
func IssueJWT(secret []byte, userID string, role Role, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptySecret
	}
	if userID == "" {
		return "", fmt.Errorf("%w: missing subject", ErrBadClaims)
	}
	issued := time.Now()
	registered := jwt.RegisteredClaims{Subject: userID, IssuedAt: jwt.NewNumericDate(issued)}
	if ttl > 0 {
		registered.ExpiresAt = jwt.NewNumericDate(issued.Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Role: string(role), RegisteredClaims: registered})
	return token.SignedString(secret)
}
