package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTokenTTL is how long a login-issued token stays valid. Agents that
// outlive it fall back to interactive credentials and receive a fresh one.
const DefaultTokenTTL = 30 * 24 * time.Hour

// Issuer mints and verifies the tokens handed to agents after a successful
// interactive Login. Tokens are HS256 JWTs signed with the server's secret,
// so re-auth does not need any per-token server state.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer creates an Issuer. A non-positive ttl uses DefaultTokenTTL.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

type agentClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Issue mints a token bound to the authenticated user's email.
func (i *Issuer) Issue(email string) (string, error) {
	now := time.Now()
	claims := agentClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature and expiry and returns the bound email.
func (i *Issuer) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &agentClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("auth: verify token: %w", err)
	}

	claims, ok := parsed.Claims.(*agentClaims)
	if !ok || !parsed.Valid {
		return "", errors.New("auth: token claims invalid")
	}
	return claims.Email, nil
}

// ValidateToken implements Validator, accepting any token this server issued.
// Tokens that fail verification are Invalid, never Transient: verification
// is purely local.
func (i *Issuer) ValidateToken(_ context.Context, token string) (Result, error) {
	if _, err := i.Verify(token); err != nil {
		return Invalid, nil
	}
	return Valid, nil
}
