package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/adamscao/pkiserver/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// CARepository handles certificate authority data access
type CARepository struct {
	db *sql.DB
}

// NewCARepository creates a new CA repository
func NewCARepository(db *sql.DB) *CARepository {
	return &CARepository{db: db}
}

// Create persists a new certificate authority.
func (r *CARepository) Create(ca *models.CertificateAuthority) error {
	query := `
		INSERT INTO certificate_authorities (
			name, certificate, private_key, serial_number, is_active, valid_from, valid_until
		)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.Exec(query,
		ca.Name,
		ca.CertificatePEM,
		ca.PrivateKeyPEM,
		ca.SerialNumber,
		ca.IsActive,
		ca.ValidFrom,
		ca.ValidUntil,
	)
	if err != nil {
		return fmt.Errorf("failed to create CA: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	ca.ID = id
	ca.CreatedAt = time.Now()

	return nil
}

// GetActive retrieves the currently active CA.
func (r *CARepository) GetActive() (*models.CertificateAuthority, error) {
	query := `
		SELECT id, name, certificate, private_key, serial_number, is_active,
		       valid_from, valid_until, created_at
		FROM certificate_authorities
		WHERE is_active = 1
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.scanOne(r.db.QueryRow(query))
}

// GetByName retrieves the most recent CA with the given name.
func (r *CARepository) GetByName(name string) (*models.CertificateAuthority, error) {
	query := `
		SELECT id, name, certificate, private_key, serial_number, is_active,
		       valid_from, valid_until, created_at
		FROM certificate_authorities
		WHERE name = ?
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.scanOne(r.db.QueryRow(query, name))
}

// AllocateSerial atomically reserves the next leaf serial for the CA.
// The counter column holds the next serial to hand out; a single UPDATE
// with RETURNING makes the read-increment-write race-free even with
// concurrent issuance requests.
func (r *CARepository) AllocateSerial(caID int64) (int64, error) {
	query := `
		UPDATE certificate_authorities
		SET serial_number = serial_number + 1
		WHERE id = ?
		RETURNING serial_number
	`

	var next int64
	err := r.db.QueryRow(query, caID).Scan(&next)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("CA %d: %w", caID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to allocate serial: %w", err)
	}

	// The row now stores next+1; the value reserved for this caller is
	// the pre-increment counter.
	return next - 1, nil
}

// Deactivate clears the active flag on a CA.
func (r *CARepository) Deactivate(caID int64) error {
	_, err := r.db.Exec(`UPDATE certificate_authorities SET is_active = 0 WHERE id = ?`, caID)
	if err != nil {
		return fmt.Errorf("failed to deactivate CA: %w", err)
	}
	return nil
}

// MaxSerialCounter returns the highest next-to-issue counter across all
// CAs with the given name. The counter always sits one above the last
// serial a CA handed out, so seeding a replacement CA from it keeps
// every new serial above the old ones.
func (r *CARepository) MaxSerialCounter(name string) (int64, error) {
	query := `
		SELECT COALESCE(MAX(ca.serial_number), 0)
		FROM certificate_authorities ca
		WHERE ca.name = ?
	`

	var max int64
	if err := r.db.QueryRow(query, name).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to get max serial counter: %w", err)
	}
	return max, nil
}

func (r *CARepository) scanOne(row *sql.Row) (*models.CertificateAuthority, error) {
	ca := &models.CertificateAuthority{}
	var isActive int

	err := row.Scan(
		&ca.ID,
		&ca.Name,
		&ca.CertificatePEM,
		&ca.PrivateKeyPEM,
		&ca.SerialNumber,
		&isActive,
		&ca.ValidFrom,
		&ca.ValidUntil,
		&ca.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get CA: %w", err)
	}

	ca.IsActive = isActive == 1
	return ca, nil
}
