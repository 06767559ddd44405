// Package auth provides credential validation for the frpx server.
//
// The core treats token validation as an injected capability: a Validator
// answers valid, invalid, or "transient error" for a bearer token, and the
// control handler and public router act on that verdict without knowing
// whether tokens live in Postgres, Redis, or a static bootstrap key.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
)

// Result is a Validator's verdict on a token.
type Result int

const (
	// Invalid means the token is positively rejected.
	Invalid Result = iota
	// Valid means the token is currently accepted.
	Valid
	// Transient means the backing store could not be consulted. Callers
	// may fall back to a static bootstrap credential.
	Transient
)

// String returns the verdict name for logs.
func (r Result) String() string {
	switch r {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	case Transient:
		return "transient"
	default:
		return "unknown"
	}
}

// Validator decides whether a bearer token is currently accepted.
// Implementations must be safe for concurrent use.
type Validator interface {
	// ValidateToken returns the verdict for token. The error is only
	// populated alongside Transient and carries the cause for logging.
	ValidateToken(ctx context.Context, token string) (Result, error)
}

// ValidatorFunc adapts a function to the Validator interface, mainly for
// in-memory stubs in tests.
type ValidatorFunc func(ctx context.Context, token string) (Result, error)

// ValidateToken implements Validator.
func (f ValidatorFunc) ValidateToken(ctx context.Context, token string) (Result, error) {
	return f(ctx, token)
}

// Static is a Validator backed by a single fixed API key, used both as a
// standalone dev-mode validator and as the bootstrap fallback when the real
// store is unreachable.
type Static struct {
	key []byte
}

// NewStatic creates a Static validator. An empty key rejects everything.
func NewStatic(key string) *Static {
	return &Static{key: []byte(key)}
}

// ValidateToken compares in constant time.
func (s *Static) ValidateToken(_ context.Context, token string) (Result, error) {
	if len(s.key) == 0 {
		return Invalid, nil
	}
	if subtle.ConstantTimeCompare(s.key, []byte(token)) == 1 {
		return Valid, nil
	}
	return Invalid, nil
}

// Fallback wraps a primary Validator with a bootstrap one that is consulted
// only when the primary reports Transient. An Invalid from the primary is
// final: a reachable store that rejects a token must not be overridden.
type Fallback struct {
	primary   Validator
	bootstrap Validator
}

// NewFallback builds the fallback chain.
func NewFallback(primary, bootstrap Validator) *Fallback {
	return &Fallback{primary: primary, bootstrap: bootstrap}
}

// ValidateToken implements Validator.
func (f *Fallback) ValidateToken(ctx context.Context, token string) (Result, error) {
	res, err := f.primary.ValidateToken(ctx, token)
	if res != Transient {
		return res, err
	}
	bres, berr := f.bootstrap.ValidateToken(ctx, token)
	if berr != nil {
		return Transient, errors.Join(err, berr)
	}
	return bres, nil
}
