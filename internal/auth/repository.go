package auth

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for API tokens.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateToken stores a freshly issued token.
func (r *Repository) CreateToken(ctx context.Context, t Token) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO api_tokens (id, member_id, secret_hash, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.MemberID, t.SecretHash, t.CreatedAt, t.ExpiresAt, t.Revoked)
	return err
}

// GetToken fetches a token by id.
func (r *Repository) GetToken(ctx context.Context, id string) (Token, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, member_id, secret_hash, created_at, expires_at, revoked
		FROM api_tokens WHERE id = $1`, id)
	var t Token
	err := row.Scan(&t.ID, &t.MemberID, &t.SecretHash, &t.CreatedAt, &t.ExpiresAt, &t.Revoked)
	if errors.Is(err, pgx.ErrNoRows) {
		return Token{}, ErrInvalidToken
	}
	if err != nil {
		return Token{}, err
	}
	return t, nil
}

// RevokeToken marks a token revoked; the row is kept.
func (r *Repository) RevokeToken(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE api_tokens SET revoked = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidToken
	}
	return nil
}
