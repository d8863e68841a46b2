package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/adamscao/pkiserver/internal/models"
)

// TokenRepository handles bearer token data access
type TokenRepository struct {
	db *sql.DB
}

// NewTokenRepository creates a new token repository
func NewTokenRepository(db *sql.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// Create persists a new bearer token record.
func (r *TokenRepository) Create(token *models.APIToken) error {
	query := `
		INSERT INTO api_tokens (user_id, token_hash, auth_method, mfa_verified_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := r.db.Exec(query,
		token.UserID,
		token.TokenHash,
		token.AuthMethod,
		token.MFAVerifiedAt,
		token.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create token: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	token.ID = id
	token.CreatedAt = time.Now()

	return nil
}

// GetValidByHash retrieves a non-expired token by its hash.
func (r *TokenRepository) GetValidByHash(tokenHash string) (*models.APIToken, error) {
	query := `
		SELECT id, user_id, token_hash, auth_method, mfa_verified_at,
		       created_at, expires_at, last_used_at
		FROM api_tokens
		WHERE token_hash = ? AND expires_at > ?
	`

	token := &models.APIToken{}
	var lastUsed sql.NullTime

	err := r.db.QueryRow(query, tokenHash, time.Now()).Scan(
		&token.ID,
		&token.UserID,
		&token.TokenHash,
		&token.AuthMethod,
		&token.MFAVerifiedAt,
		&token.CreatedAt,
		&token.ExpiresAt,
		&lastUsed,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	if lastUsed.Valid {
		token.LastUsedAt = &lastUsed.Time
	}

	return token, nil
}

// UpdateLastUsed stamps a token's last-used time.
func (r *TokenRepository) UpdateLastUsed(tokenID int64) error {
	query := `UPDATE api_tokens SET last_used_at = CURRENT_TIMESTAMP WHERE id = ?`

	if _, err := r.db.Exec(query, tokenID); err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}
	return nil
}

// DeleteForUser removes all tokens for a user (logout, deactivation).
func (r *TokenRepository) DeleteForUser(userID int64) error {
	query := `DELETE FROM api_tokens WHERE user_id = ?`

	if _, err := r.db.Exec(query, userID); err != nil {
		return fmt.Errorf("failed to delete tokens: %w", err)
	}
	return nil
}

// DeleteExpired removes expired tokens. Called by the rotation jobs.
func (r *TokenRepository) DeleteExpired() (int64, error) {
	result, err := r.db.Exec(`DELETE FROM api_tokens WHERE expires_at <= ?`, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired tokens: %w", err)
	}
	return result.RowsAffected()
}
