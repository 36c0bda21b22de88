// Package auth issues and verifies the bearer tokens that identify callers.
// The token subject is the user ID every store query is scoped to.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer is the iss claim of every token minted here.
const Issuer = "waypoint"

var (
	// ErrInvalidToken indicates a token that failed signature, expiry or claim checks.
	ErrInvalidToken = errors.New("invalid token")

	// ErrEmptySecret indicates the signing secret was not configured.
	ErrEmptySecret = errors.New("jwt secret is empty")
)

// Claims are the registered JWT claims; Subject carries the user ID.
type Claims struct {
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for userID. A non-positive ttl produces a
// token without expiry.
func IssueToken(userID string, secret []byte, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptySecret
	}
	if userID == "" {
		return "", fmt.Errorf("issue token: user id is required")
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			Subject:  userID,
			Issuer:   Issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies tokenString and returns the user ID in its subject.
func ParseToken(tokenString string, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptySecret
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}
