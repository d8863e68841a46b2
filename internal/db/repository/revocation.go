package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/adamscao/pkiserver/internal/models"
)

// RevocationRepository handles revocation record data access.
// Records are append-only; there is no update or delete.
type RevocationRepository struct {
	db *sql.DB
}

// NewRevocationRepository creates a new revocation repository
func NewRevocationRepository(db *sql.DB) *RevocationRepository {
	return &RevocationRepository{db: db}
}

// Create persists a new revocation record.
func (r *RevocationRepository) Create(rec *models.RevocationRecord) error {
	query := `
		INSERT INTO revocation_records (certificate_id, reason, revoked_by)
		VALUES (?, ?, ?)
	`

	result, err := r.db.Exec(query, rec.CertificateID, rec.Reason, rec.RevokedBy)
	if err != nil {
		return fmt.Errorf("failed to create revocation record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	rec.ID = id
	rec.CreatedAt = time.Now()

	return nil
}

// GetByCertificate retrieves the revocation record for a certificate.
func (r *RevocationRepository) GetByCertificate(certID int64) (*models.RevocationRecord, error) {
	query := `
		SELECT id, certificate_id, reason, revoked_by, created_at
		FROM revocation_records
		WHERE certificate_id = ?
		ORDER BY created_at ASC
		LIMIT 1
	`

	rec := &models.RevocationRecord{}
	err := r.db.QueryRow(query, certID).Scan(
		&rec.ID,
		&rec.CertificateID,
		&rec.Reason,
		&rec.RevokedBy,
		&rec.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get revocation record: %w", err)
	}

	return rec, nil
}
