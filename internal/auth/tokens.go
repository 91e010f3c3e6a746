// Package auth resolves bearer API tokens to tenant-scoped principals.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/parkwind/parkwind/internal/shared"
)

// Tokens are issued as "pk_<id>.<secret>"; only the bcrypt hash of the secret
// is stored.
const tokenPrefix = "pk_"

// TokenStore verifies API tokens against the api_tokens table.
type TokenStore struct {
	pool *pgxpool.Pool
}

// NewTokenStore constructs a TokenStore.
func NewTokenStore(pool *pgxpool.Pool) *TokenStore {
	return &TokenStore{pool: pool}
}

// Resolve verifies the raw bearer token and returns the owning principal.
func (s *TokenStore) Resolve(ctx context.Context, raw string) (*shared.Principal, error) {
	id, secret, err := splitToken(raw)
	if err != nil {
		return nil, err
	}
	var (
		hash     string
		userID   int64
		tenantID int64
		name     string
		revoked  bool
	)
	err = s.pool.QueryRow(ctx, `SELECT token_hash, user_id, tenant_id, name, revoked_at IS NOT NULL
FROM api_tokens WHERE id = $1`, id).Scan(&hash, &userID, &tenantID, &name, &revoked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrInvalidToken
		}
		return nil, fmt.Errorf("auth: load token: %w", err)
	}
	if revoked {
		return nil, shared.ErrInvalidToken
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return nil, shared.ErrInvalidToken
	}
	return &shared.Principal{UserID: userID, TenantID: tenantID, Name: name}, nil
}

// HashSecret produces the bcrypt hash stored for a new token secret.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func splitToken(raw string) (int64, string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, tokenPrefix) {
		return 0, "", shared.ErrInvalidToken
	}
	body := strings.TrimPrefix(raw, tokenPrefix)
	idPart, secret, found := strings.Cut(body, ".")
	if !found || secret == "" {
		return 0, "", shared.ErrInvalidToken
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return 0, "", shared.ErrInvalidToken
	}
	return id, secret, nil
}
