package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"loomctl/pkg/models"
)

// TokenRepo resolves opaque API tokens to principals for the Auth Gate.
// Tokens are stored hashed; the core never sees or logs the raw value
// after issuance.
type TokenRepo struct {
	db *sql.DB
}

func NewTokenRepo(db *sql.DB) *TokenRepo {
	return &TokenRepo{db: db}
}

// GetByTokenHash resolves a hashed API token to the principal it was
// issued for.
func (r *TokenRepo) GetByTokenHash(ctx context.Context, tokenHash string) (*models.Principal, error) {
	p := &models.Principal{}
	err := r.db.QueryRowContext(ctx,
		`SELECT principal_id, principal FROM api_tokens WHERE token_hash = ?`, tokenHash).
		Scan(&p.ID, &p.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return p, nil
}

// Create issues a new API token record for a principal.
func (r *TokenRepo) Create(ctx context.Context, id, tokenHash, principalID, principalName string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO api_tokens (id, token_hash, principal_id, principal) VALUES (?, ?, ?, ?)`,
		id, tokenHash, principalID, principalName)
	if err != nil {
		return fmt.Errorf("create token: %w", err)
	}
	return nil
}
