// Package auth signs and verifies the bearer tokens carried by task queue calls.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "reminder-notifier"

// JWT issues short-lived HS256 tokens scoped to one audience.
type JWT struct {
	secret   []byte
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// NewJWT creates a signer and verifier sharing secret.
func NewJWT(secret, audience string, ttl time.Duration) (*JWT, error) {
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &JWT{
		secret:   []byte(secret),
		audience: audience,
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// Sign issues a token for subject.
func (j *JWT) Sign(subject string) (string, error) {
	now := j.now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{j.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(j.secret)
}

// Verify checks tokenStr and returns its subject.
func (j *JWT) Verify(tokenStr string) (string, error) {
	var claims jwt.RegisteredClaims
	t, err := jwt.ParseWithClaims(tokenStr, &claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return j.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithAudience(j.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.now),
	)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if !t.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("missing sub")
	}
	return claims.Subject, nil
}
