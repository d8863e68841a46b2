package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/adamscao/pkiserver/internal/models"
)

// CertRepository handles certificate data access
type CertRepository struct {
	db *sql.DB
}

// NewCertRepository creates a new certificate repository
func NewCertRepository(db *sql.DB) *CertRepository {
	return &CertRepository{db: db}
}

const certColumns = `
	id, ca_id, user_id, cert_type, serial_number, certificate, private_key,
	certificate_hash, subject_dn, issuer_dn, not_before, not_after,
	revoked, revocation_date, revocation_reason, created_at
`

// Create persists a new certificate row.
func (r *CertRepository) Create(cert *models.Certificate) error {
	query := `
		INSERT INTO certificates (
			ca_id, user_id, cert_type, serial_number, certificate, private_key,
			certificate_hash, subject_dn, issuer_dn, not_before, not_after
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.Exec(query,
		cert.CAID,
		cert.UserID,
		cert.CertType,
		cert.SerialNumber,
		cert.CertificatePEM,
		nullString(cert.PrivateKeyPEM),
		cert.CertificateHash,
		cert.SubjectDN,
		cert.IssuerDN,
		cert.NotBefore,
		cert.NotAfter,
	)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	cert.ID = id
	cert.CreatedAt = time.Now()

	return nil
}

// GetBySerial retrieves a certificate by its decimal serial string.
func (r *CertRepository) GetBySerial(serial string) (*models.Certificate, error) {
	query := `SELECT ` + certColumns + ` FROM certificates WHERE serial_number = ?`
	return r.scanOne(r.db.QueryRow(query, serial))
}

// GetNonRevokedBySerial retrieves a non-revoked certificate by serial.
// This is the lookup the mTLS pipeline performs.
func (r *CertRepository) GetNonRevokedBySerial(serial string) (*models.Certificate, error) {
	query := `SELECT ` + certColumns + ` FROM certificates WHERE serial_number = ? AND revoked = 0`
	return r.scanOne(r.db.QueryRow(query, serial))
}

// GetCurrentForUser returns the newest valid certificate bound to a user.
// Time bounds are passed in from Go; the driver stores timestamps in a
// richer format than SQLite's DATETIME() emits, so the two must never
// be compared lexically.
func (r *CertRepository) GetCurrentForUser(userID int64) (*models.Certificate, error) {
	now := time.Now()
	query := `
		SELECT ` + certColumns + `
		FROM certificates
		WHERE user_id = ? AND revoked = 0
		  AND not_before <= ? AND not_after > ?
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.scanOne(r.db.QueryRow(query, userID, now, now))
}

// ListByUser lists all certificates bound to a user, newest first.
func (r *CertRepository) ListByUser(userID int64) ([]*models.Certificate, error) {
	query := `
		SELECT ` + certColumns + `
		FROM certificates
		WHERE user_id = ?
		ORDER BY created_at DESC
	`
	return r.scanMany(query, userID)
}

// ListByCA lists all certificates issued under a CA.
func (r *CertRepository) ListByCA(caID int64) ([]*models.Certificate, error) {
	query := `
		SELECT ` + certColumns + `
		FROM certificates
		WHERE ca_id = ?
		ORDER BY created_at DESC
	`
	return r.scanMany(query, caID)
}

// ListRevokedByCA lists revoked certificates for CRL generation.
func (r *CertRepository) ListRevokedByCA(caID int64) ([]*models.Certificate, error) {
	query := `
		SELECT ` + certColumns + `
		FROM certificates
		WHERE ca_id = ? AND revoked = 1
		ORDER BY revocation_date ASC
	`
	return r.scanMany(query, caID)
}

// ListExpiringWithin lists non-revoked certificates whose not-after
// falls inside the next `within` window.
func (r *CertRepository) ListExpiringWithin(within time.Duration) ([]*models.Certificate, error) {
	now := time.Now()
	query := `
		SELECT ` + certColumns + `
		FROM certificates
		WHERE revoked = 0 AND not_after > ? AND not_after <= ?
		ORDER BY not_after ASC
	`
	return r.scanMany(query, now, now.Add(within))
}

// ListExpired lists non-revoked certificates past their not-after.
func (r *CertRepository) ListExpired() ([]*models.Certificate, error) {
	query := `
		SELECT ` + certColumns + `
		FROM certificates
		WHERE revoked = 0 AND not_after <= ?
		ORDER BY not_after ASC
	`
	return r.scanMany(query, time.Now())
}

// MarkRevoked sets the revocation fields on a certificate.
// Certificates are retained for audit; this is the only mutation
// besides issuance.
func (r *CertRepository) MarkRevoked(certID int64, reason string, when time.Time) error {
	query := `
		UPDATE certificates
		SET revoked = 1, revocation_date = ?, revocation_reason = ?
		WHERE id = ? AND revoked = 0
	`

	result, err := r.db.Exec(query, when, reason, certID)
	if err != nil {
		return fmt.Errorf("failed to revoke certificate: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("certificate %d already revoked or missing", certID)
	}
	return nil
}

// MarkSuperseded records that a renewal replaced this certificate.
// The revoked flag stays clear: a superseded certificate is still
// accepted until its natural expiry, which is the renewal grace period.
func (r *CertRepository) MarkSuperseded(certID int64) error {
	query := `
		UPDATE certificates
		SET revocation_reason = ?
		WHERE id = ? AND revoked = 0
	`

	if _, err := r.db.Exec(query, models.ReasonSuperseded, certID); err != nil {
		return fmt.Errorf("failed to mark certificate superseded: %w", err)
	}
	return nil
}

func (r *CertRepository) scanOne(row *sql.Row) (*models.Certificate, error) {
	cert := &models.Certificate{}
	var revoked int
	var privateKey sql.NullString
	var revocationDate sql.NullTime

	err := row.Scan(
		&cert.ID,
		&cert.CAID,
		&cert.UserID,
		&cert.CertType,
		&cert.SerialNumber,
		&cert.CertificatePEM,
		&privateKey,
		&cert.CertificateHash,
		&cert.SubjectDN,
		&cert.IssuerDN,
		&cert.NotBefore,
		&cert.NotAfter,
		&revoked,
		&revocationDate,
		&cert.RevocationReason,
		&cert.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get certificate: %w", err)
	}

	cert.Revoked = revoked == 1
	cert.PrivateKeyPEM = privateKey.String
	if revocationDate.Valid {
		cert.RevocationDate = &revocationDate.Time
	}

	return cert, nil
}

func (r *CertRepository) scanMany(query string, args ...interface{}) ([]*models.Certificate, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}
	defer rows.Close()

	var certs []*models.Certificate

	for rows.Next() {
		cert := &models.Certificate{}
		var revoked int
		var privateKey sql.NullString
		var revocationDate sql.NullTime

		err := rows.Scan(
			&cert.ID,
			&cert.CAID,
			&cert.UserID,
			&cert.CertType,
			&cert.SerialNumber,
			&cert.CertificatePEM,
			&privateKey,
			&cert.CertificateHash,
			&cert.SubjectDN,
			&cert.IssuerDN,
			&cert.NotBefore,
			&cert.NotAfter,
			&revoked,
			&revocationDate,
			&cert.RevocationReason,
			&cert.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan certificate: %w", err)
		}

		cert.Revoked = revoked == 1
		cert.PrivateKeyPEM = privateKey.String
		if revocationDate.Valid {
			cert.RevocationDate = &revocationDate.Time
		}

		certs = append(certs, cert)
	}

	return certs, rows.Err()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
