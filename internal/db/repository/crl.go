package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/adamscao/pkiserver/internal/models"
)

// CRLRepository handles revocation list snapshot data access
type CRLRepository struct {
	db *sql.DB
}

// NewCRLRepository creates a new CRL repository
func NewCRLRepository(db *sql.DB) *CRLRepository {
	return &CRLRepository{db: db}
}

// Create persists a new CRL snapshot.
func (r *CRLRepository) Create(crl *models.CRLSnapshot) error {
	query := `
		INSERT INTO crl_snapshots (ca_id, crl_pem, crl_number, this_update, next_update)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := r.db.Exec(query,
		crl.CAID,
		crl.CRLPEM,
		crl.CRLNumber,
		crl.ThisUpdate,
		crl.NextUpdate,
	)
	if err != nil {
		return fmt.Errorf("failed to create CRL snapshot: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	crl.ID = id
	crl.CreatedAt = time.Now()

	return nil
}

// GetLatest retrieves the most recent CRL snapshot for a CA.
// Older snapshots are retained for audit but fully superseded.
func (r *CRLRepository) GetLatest(caID int64) (*models.CRLSnapshot, error) {
	query := `
		SELECT id, ca_id, crl_pem, crl_number, this_update, next_update, created_at
		FROM crl_snapshots
		WHERE ca_id = ?
		ORDER BY crl_number DESC
		LIMIT 1
	`

	crl := &models.CRLSnapshot{}
	err := r.db.QueryRow(query, caID).Scan(
		&crl.ID,
		&crl.CAID,
		&crl.CRLPEM,
		&crl.CRLNumber,
		&crl.ThisUpdate,
		&crl.NextUpdate,
		&crl.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get CRL snapshot: %w", err)
	}

	return crl, nil
}

// NextCRLNumber returns the next monotonically increasing CRL number
// for a CA.
func (r *CRLRepository) NextCRLNumber(caID int64) (int64, error) {
	query := `
		SELECT COALESCE(MAX(crl_number), 0) + 1
		FROM crl_snapshots
		WHERE ca_id = ?
	`

	var number int64
	if err := r.db.QueryRow(query, caID).Scan(&number); err != nil {
		return 0, fmt.Errorf("failed to get next CRL number: %w", err)
	}
	return number, nil
}
