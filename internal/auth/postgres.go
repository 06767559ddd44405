package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// queryTimeout bounds every validation query so a wedged database turns
// into a Transient verdict instead of stalling the caller's handshake.
const queryTimeout = 3 * time.Second

// PostgresValidator checks tokens against the api_keys table. A key is
// accepted while its status is active and it has not expired.
type PostgresValidator struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresValidator connects a pgx pool to databaseURL and pings it.
// A failed ping is fatal at startup; transient failures later degrade to
// the bootstrap fallback instead.
func NewPostgresValidator(ctx context.Context, databaseURL string, logger *zap.Logger) (*PostgresValidator, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("auth: parse database url: %w", err)
	}
	cfg.MaxConns = 10

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("auth: connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("auth: ping database: %w", err)
	}

	return &PostgresValidator{pool: pool, logger: logger.Named("auth_db")}, nil
}

// ValidateToken implements Validator. Query errors are Transient; a missing
// row is Invalid.
func (v *PostgresValidator) ValidateToken(ctx context.Context, token string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var key string
	err := v.pool.QueryRow(ctx,
		`SELECT key FROM "public"."api_keys"
		 WHERE key = $1 AND status = 'active'
		   AND ("expiresAt" IS NULL OR "expiresAt" > NOW())`,
		token,
	).Scan(&key)

	switch {
	case err == nil:
		return Valid, nil
	case errors.Is(err, pgx.ErrNoRows):
		return Invalid, nil
	default:
		v.logger.Warn("token validation query failed", zap.Error(err))
		return Transient, fmt.Errorf("auth: validate token: %w", err)
	}
}

// Close releases the connection pool.
func (v *PostgresValidator) Close() {
	v.pool.Close()
}
