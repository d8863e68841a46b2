package ca

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adamscao/pkiserver/internal/db/repository"
	"github.com/adamscao/pkiserver/internal/models"
	"github.com/adamscao/pkiserver/internal/secrets"
	"github.com/adamscao/pkiserver/internal/x509util"
)

// Options configure issuance defaults and CRL validity.
type Options struct {
	LeafValidityDays int
	CRLValidityDays  int
	LeafAlgorithm    string
	LeafKeyBits      int
}

// Manager owns the active CA and performs all signing operations.
// Only the manager ever holds the decrypted CA private key in memory.
type Manager struct {
	active *models.CertificateAuthority
	caKey  crypto.Signer
	caCert *x509.Certificate

	caRepo   *repository.CARepository
	certRepo *repository.CertRepository
	revRepo  *repository.RevocationRepository
	crlRepo  *repository.CRLRepository
	enc      *secrets.Encryptor
	opts     Options
}

// NewManager constructs a manager bound to the currently active CA.
// Absence of an active CA is a constructor-time error so that callers
// cannot hold a half-usable manager.
func NewManager(
	caRepo *repository.CARepository,
	certRepo *repository.CertRepository,
	revRepo *repository.RevocationRepository,
	crlRepo *repository.CRLRepository,
	enc *secrets.Encryptor,
	opts Options,
) (*Manager, error) {
	active, err := caRepo.GetActive()
	if err == repository.ErrNotFound {
		return nil, ErrNoActiveCA
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active CA: %w", err)
	}

	keyPEM, err := enc.Decrypt(active.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt CA key: %w", err)
	}
	caKey, err := x509util.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA key: %w", err)
	}
	caCert, err := x509util.ParseCertificatePEM(active.CertificatePEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	return &Manager{
		active:   active,
		caKey:    caKey,
		caCert:   caCert,
		caRepo:   caRepo,
		certRepo: certRepo,
		revRepo:  revRepo,
		crlRepo:  crlRepo,
		enc:      enc,
		opts:     opts,
	}, nil
}

// ActiveCA returns the CA row the manager is bound to.
func (m *Manager) ActiveCA() *models.CertificateAuthority {
	return m.active
}

// CACertificatePEM returns the CA certificate for trust distribution.
func (m *Manager) CACertificatePEM() string {
	return m.active.CertificatePEM
}

// BootstrapParams configure CA creation.
type BootstrapParams struct {
	Name         string
	ValidityDays int
	Algorithm    string
	KeyBits      int
	Force        bool
}

// initialSerial seeds new serial counters well above zero so leaf
// serials are visibly distinct from the CA's own random serial.
const initialSerial = 1000

// BootstrapCA creates the certificate authority. It is idempotent:
// when an active CA already exists and force is false, the existing CA
// is returned and created is false. With force, the prior CA of the
// same name is deactivated and the new counter starts above every
// serial the old CA handed out, so serials are never reused.
func BootstrapCA(
	caRepo *repository.CARepository,
	enc *secrets.Encryptor,
	params BootstrapParams,
) (ca *models.CertificateAuthority, created bool, err error) {
	existing, err := caRepo.GetActive()
	if err == nil {
		if !params.Force {
			return existing, false, nil
		}
		if err := caRepo.Deactivate(existing.ID); err != nil {
			return nil, false, err
		}
	} else if err != repository.ErrNotFound {
		return nil, false, fmt.Errorf("failed to check for active CA: %w", err)
	}

	kp, err := x509util.GenerateKeyPair(params.Algorithm, params.KeyBits)
	if err != nil {
		return nil, false, err
	}

	der, err := x509util.BuildCACertificate(kp, params.Name, params.ValidityDays)
	if err != nil {
		return nil, false, err
	}
	certPEM := x509util.EncodeCertificatePEM(der)

	keyPEM, err := x509util.EncodePrivateKeyPEM(kp.PrivateKey)
	if err != nil {
		return nil, false, err
	}
	encryptedKey, err := enc.Encrypt(keyPEM)
	if err != nil {
		return nil, false, err
	}

	serialSeed := int64(initialSerial)
	if prevCounter, err := caRepo.MaxSerialCounter(params.Name); err == nil && prevCounter >= serialSeed {
		serialSeed = prevCounter
	}

	parsed, err := x509util.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, false, err
	}

	ca = &models.CertificateAuthority{
		Name:           params.Name,
		CertificatePEM: certPEM,
		PrivateKeyPEM:  encryptedKey,
		SerialNumber:   serialSeed,
		IsActive:       true,
		ValidFrom:      parsed.NotBefore,
		ValidUntil:     parsed.NotAfter,
	}
	if err := caRepo.Create(ca); err != nil {
		return nil, false, err
	}

	return ca, true, nil
}

// IssueParams describe a leaf certificate request.
type IssueParams struct {
	User         *models.User // nil for service certificates
	CommonName   string       // defaults to User.Username
	CertType     string
	ValidityDays int
	Algorithm    string // defaults to the manager's configured algorithm
	KeyBits      int
}

// IssuedCertificate is the result of issuance: the persisted row plus
// the plaintext private key, returned exactly once to the caller.
type IssuedCertificate struct {
	Certificate   *models.Certificate
	PrivateKeyPEM string
}

// IssueLeaf allocates a serial, generates a subject key pair, signs a
// client certificate and persists it. The private key is stored only
// in encrypted form, and only for user-held certificates.
func (m *Manager) IssueLeaf(params IssueParams) (*IssuedCertificate, error) {
	if params.CertType == "" {
		params.CertType = models.CertTypeUser
	}
	if params.ValidityDays <= 0 {
		params.ValidityDays = m.opts.LeafValidityDays
	}
	if params.Algorithm == "" {
		params.Algorithm = m.opts.LeafAlgorithm
		params.KeyBits = m.opts.LeafKeyBits
	}

	commonName := params.CommonName
	email := ""
	var userID *int64
	if params.User != nil {
		if commonName == "" {
			commonName = params.User.Username
		}
		email = params.User.Email
		userID = &params.User.ID
	}
	if commonName == "" {
		return nil, fmt.Errorf("issue request has no subject")
	}

	// Serial allocation is a single atomic storage operation; no
	// read-modify-write happens in application code.
	serial, err := m.caRepo.AllocateSerial(m.active.ID)
	if err != nil {
		return nil, err
	}

	kp, err := x509util.GenerateKeyPair(params.Algorithm, params.KeyBits)
	if err != nil {
		return nil, err
	}

	subject := x509util.LeafSubject(commonName, email)
	der, err := x509util.BuildLeafCertificate(
		m.caKey, m.caCert, kp.Public(), subject, big.NewInt(serial), params.ValidityDays,
	)
	if err != nil {
		return nil, err
	}

	certPEM := x509util.EncodeCertificatePEM(der)
	keyPEM, err := x509util.EncodePrivateKeyPEM(kp.PrivateKey)
	if err != nil {
		return nil, err
	}

	parsed, err := x509util.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}

	storedKey := ""
	if params.CertType == models.CertTypeUser {
		storedKey, err = m.enc.Encrypt(keyPEM)
		if err != nil {
			return nil, err
		}
	}

	cert := &models.Certificate{
		CAID:            m.active.ID,
		UserID:          userID,
		CertType:        params.CertType,
		SerialNumber:    strconv.FormatInt(serial, 10),
		CertificatePEM:  certPEM,
		PrivateKeyPEM:   storedKey,
		CertificateHash: x509util.CertificateHash(certPEM),
		SubjectDN:       parsed.Subject.String(),
		IssuerDN:        parsed.Issuer.String(),
		NotBefore:       parsed.NotBefore,
		NotAfter:        parsed.NotAfter,
	}

	if err := m.certRepo.Create(cert); err != nil {
		return nil, err
	}

	return &IssuedCertificate{Certificate: cert, PrivateKeyPEM: keyPEM}, nil
}

// Renew issues a fresh leaf for the same subject and marks the old
// certificate superseded. Supersession is not a security revocation:
// the old certificate stays out of the CRL and remains usable until its
// natural expiry or an explicit revoke, giving clients a grace period
// to switch over.
func (m *Manager) Renew(old *models.Certificate, validityDays int) (*IssuedCertificate, error) {
	if old.Revoked || old.Superseded() {
		return nil, ErrNotRenewable
	}

	oldCert, err := x509util.ParseCertificatePEM(old.CertificatePEM)
	if err != nil {
		return nil, err
	}

	if validityDays <= 0 {
		validityDays = m.opts.LeafValidityDays
	}

	serial, err := m.caRepo.AllocateSerial(m.active.ID)
	if err != nil {
		return nil, err
	}

	kp, err := x509util.GenerateKeyPair(m.opts.LeafAlgorithm, m.opts.LeafKeyBits)
	if err != nil {
		return nil, err
	}

	der, err := x509util.BuildLeafCertificate(
		m.caKey, m.caCert, kp.Public(), oldCert.Subject, big.NewInt(serial), validityDays,
	)
	if err != nil {
		return nil, err
	}

	certPEM := x509util.EncodeCertificatePEM(der)
	keyPEM, err := x509util.EncodePrivateKeyPEM(kp.PrivateKey)
	if err != nil {
		return nil, err
	}
	parsed, err := x509util.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}

	storedKey := ""
	if old.CertType == models.CertTypeUser {
		storedKey, err = m.enc.Encrypt(keyPEM)
		if err != nil {
			return nil, err
		}
	}

	cert := &models.Certificate{
		CAID:            m.active.ID,
		UserID:          old.UserID,
		CertType:        old.CertType,
		SerialNumber:    strconv.FormatInt(serial, 10),
		CertificatePEM:  certPEM,
		PrivateKeyPEM:   storedKey,
		CertificateHash: x509util.CertificateHash(certPEM),
		SubjectDN:       parsed.Subject.String(),
		IssuerDN:        parsed.Issuer.String(),
		NotBefore:       parsed.NotBefore,
		NotAfter:        parsed.NotAfter,
	}

	if err := m.certRepo.Create(cert); err != nil {
		return nil, err
	}

	if err := m.certRepo.MarkSuperseded(old.ID); err != nil {
		return nil, err
	}

	return &IssuedCertificate{Certificate: cert, PrivateKeyPEM: keyPEM}, nil
}

// Revoke marks a certificate revoked and writes the immutable
// revocation record. The CRL is rebuilt separately, either by the
// rotation scheduler or an explicit operator command.
func (m *Manager) Revoke(cert *models.Certificate, reason, revokedBy string) error {
	if cert.Revoked {
		return ErrAlreadyRevoked
	}
	if err := models.ValidateRevocationReason(reason); err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := m.certRepo.MarkRevoked(cert.ID, reason, now); err != nil {
		return err
	}

	rec := &models.RevocationRecord{
		CertificateID: cert.ID,
		Reason:        reason,
		RevokedBy:     revokedBy,
	}
	if err := m.revRepo.Create(rec); err != nil {
		return err
	}

	cert.Revoked = true
	cert.RevocationDate = &now
	cert.RevocationReason = reason
	return nil
}

// GenerateCRL rebuilds the revocation list from the current revocation
// set and persists a new snapshot. Each rebuild fully supersedes the
// previous snapshot; a revocation committed mid-rebuild lands in the
// next one.
func (m *Manager) GenerateCRL() (*models.CRLSnapshot, error) {
	revoked, err := m.certRepo.ListRevokedByCA(m.active.ID)
	if err != nil {
		return nil, err
	}

	entries := make([]x509util.RevokedEntry, 0, len(revoked))
	for _, cert := range revoked {
		serial, ok := new(big.Int).SetString(cert.SerialNumber, 10)
		if !ok {
			return nil, fmt.Errorf("certificate %d has malformed serial %q", cert.ID, cert.SerialNumber)
		}
		revokedAt := cert.CreatedAt
		if cert.RevocationDate != nil {
			revokedAt = *cert.RevocationDate
		}
		entries = append(entries, x509util.RevokedEntry{
			Serial:         serial,
			RevocationTime: revokedAt,
		})
	}

	crlNumber, err := m.crlRepo.NextCRLNumber(m.active.ID)
	if err != nil {
		return nil, err
	}

	der, err := x509util.BuildCRL(m.caKey, m.caCert, entries, m.opts.CRLValidityDays, crlNumber)
	if err != nil {
		return nil, err
	}
	crlPEM := x509util.EncodeCRLPEM(der)

	parsed, err := x509util.ParseCRLPEM(crlPEM)
	if err != nil {
		return nil, err
	}

	snapshot := &models.CRLSnapshot{
		CAID:       m.active.ID,
		CRLPEM:     crlPEM,
		CRLNumber:  crlNumber,
		ThisUpdate: parsed.ThisUpdate,
		NextUpdate: parsed.NextUpdate,
	}
	if err := m.crlRepo.Create(snapshot); err != nil {
		return nil, err
	}

	return snapshot, nil
}

// LatestCRL returns the newest CRL snapshot, generating one if none
// exists yet.
func (m *Manager) LatestCRL() (*models.CRLSnapshot, error) {
	snapshot, err := m.crlRepo.GetLatest(m.active.ID)
	if err == repository.ErrNotFound {
		return m.GenerateCRL()
	}
	return snapshot, err
}

// ExportPKCS12 bundles a certificate and its key for download. The
// container is never persisted; each call rebuilds it.
func (m *Manager) ExportPKCS12(cert *models.Certificate, password string) ([]byte, error) {
	if cert.PrivateKeyPEM == "" {
		return nil, fmt.Errorf("certificate %s has no stored private key", cert.SerialNumber)
	}
	keyPEM, err := m.enc.Decrypt(cert.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt leaf key: %w", err)
	}
	return x509util.BundlePKCS12(cert.CertificatePEM, keyPEM, m.active.CertificatePEM, password)
}

// ExportCACertificate writes the CA certificate PEM to a path for the
// reverse proxy's trust configuration. World-readable.
func (m *Manager) ExportCACertificate(path string) error {
	return writeArtifact(path, []byte(m.active.CertificatePEM))
}

// ExportCRL writes the latest CRL PEM to a path for the reverse proxy's
// revocation checking. World-readable.
func (m *Manager) ExportCRL(path string) error {
	snapshot, err := m.LatestCRL()
	if err != nil {
		return err
	}
	return writeArtifact(path, []byte(snapshot.CRLPEM))
}

func writeArtifact(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
