package ca

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamscao/pkiserver/internal/db"
	"github.com/adamscao/pkiserver/internal/db/repository"
	"github.com/adamscao/pkiserver/internal/models"
	"github.com/adamscao/pkiserver/internal/secrets"
	"github.com/adamscao/pkiserver/internal/x509util"
)

const testEncKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

type testEnv struct {
	caRepo   *repository.CARepository
	certRepo *repository.CertRepository
	revRepo  *repository.RevocationRepository
	crlRepo  *repository.CRLRepository
	userRepo *repository.UserRepository
	enc      *secrets.Encryptor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.RunMigrations(database))

	enc, err := secrets.New(testEncKey)
	require.NoError(t, err)

	return &testEnv{
		caRepo:   repository.NewCARepository(database.DB),
		certRepo: repository.NewCertRepository(database.DB),
		revRepo:  repository.NewRevocationRepository(database.DB),
		crlRepo:  repository.NewCRLRepository(database.DB),
		userRepo: repository.NewUserRepository(database.DB),
		enc:      enc,
	}
}

func (e *testEnv) bootstrap(t *testing.T) *models.CertificateAuthority {
	t.Helper()
	caRow, created, err := BootstrapCA(e.caRepo, e.enc, BootstrapParams{
		Name:         "Test CA",
		ValidityDays: 365,
		Algorithm:    x509util.AlgorithmECDSA,
	})
	require.NoError(t, err)
	require.True(t, created)
	return caRow
}

func (e *testEnv) manager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(e.caRepo, e.certRepo, e.revRepo, e.crlRepo, e.enc, Options{
		LeafValidityDays: 90,
		CRLValidityDays:  7,
		LeafAlgorithm:    x509util.AlgorithmECDSA,
	})
	require.NoError(t, err)
	return m
}

func (e *testEnv) user(t *testing.T, name string) *models.User {
	t.Helper()
	u := &models.User{Username: name, PasswordHash: "x", IsActive: true}
	require.NoError(t, e.userRepo.Create(u))
	return u
}

func TestNewManager_NoActiveCA(t *testing.T) {
	env := newTestEnv(t)

	_, err := NewManager(env.caRepo, env.certRepo, env.revRepo, env.crlRepo, env.enc, Options{})
	require.ErrorIs(t, err, ErrNoActiveCA)
}

func TestBootstrapCA_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	first := env.bootstrap(t)

	again, created, err := BootstrapCA(env.caRepo, env.enc, BootstrapParams{
		Name:         "Test CA",
		ValidityDays: 365,
		Algorithm:    x509util.AlgorithmECDSA,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
}

func TestBootstrapCA_ForceNeverReusesSerials(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(t)

	m := env.manager(t)
	alice := env.user(t, "alice")
	for i := 0; i < 3; i++ {
		_, err := m.IssueLeaf(IssueParams{User: alice})
		require.NoError(t, err)
	}

	replacement, created, err := BootstrapCA(env.caRepo, env.enc, BootstrapParams{
		Name:         "Test CA",
		ValidityDays: 365,
		Algorithm:    x509util.AlgorithmECDSA,
		Force:        true,
	})
	require.NoError(t, err)
	require.True(t, created)

	// The new counter starts at or above the highest serial the old
	// CA handed out.
	assert.GreaterOrEqual(t, replacement.SerialNumber, int64(1002))

	m2, err := NewManager(env.caRepo, env.certRepo, env.revRepo, env.crlRepo, env.enc, Options{
		LeafValidityDays: 90,
		CRLValidityDays:  7,
		LeafAlgorithm:    x509util.AlgorithmECDSA,
	})
	require.NoError(t, err)
	assert.Equal(t, replacement.ID, m2.ActiveCA().ID)
}

func TestIssueLeaf_UserCertificate(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(t)
	m := env.manager(t)
	alice := env.user(t, "alice")

	issued, err := m.IssueLeaf(IssueParams{User: alice})
	require.NoError(t, err)

	cert := issued.Certificate
	assert.Equal(t, "1000", cert.SerialNumber)
	assert.Equal(t, models.CertTypeUser, cert.CertType)
	assert.Contains(t, cert.SubjectDN, "CN=alice")
	require.NotNil(t, cert.UserID)
	assert.Equal(t, alice.ID, *cert.UserID)

	require.NoError(t, x509util.VerifyChain(cert.CertificatePEM, m.CACertificatePEM()))

	// The stored hash matches the issued PEM and the key is returned
	// in plaintext exactly once while the row holds ciphertext.
	assert.Equal(t, x509util.CertificateHash(cert.CertificatePEM), cert.CertificateHash)
	assert.Contains(t, issued.PrivateKeyPEM, "BEGIN PRIVATE KEY")
	assert.NotEqual(t, issued.PrivateKeyPEM, cert.PrivateKeyPEM)

	decrypted, err := env.enc.Decrypt(cert.PrivateKeyPEM)
	require.NoError(t, err)
	assert.Equal(t, issued.PrivateKeyPEM, decrypted)
}

func TestIssueLeaf_CurrentImmediately(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(t)
	m := env.manager(t)
	alice := env.user(t, "alice")

	issued, err := m.IssueLeaf(IssueParams{User: alice})
	require.NoError(t, err)

	// The validity window must hold in the same second the certificate
	// was written; renewal looks the certificate up this way.
	current, err := env.certRepo.GetCurrentForUser(alice.ID)
	require.NoError(t, err)
	assert.Equal(t, issued.Certificate.SerialNumber, current.SerialNumber)

	renewed, err := m.Renew(current, 0)
	require.NoError(t, err)
	assert.NotEqual(t, issued.Certificate.SerialNumber, renewed.Certificate.SerialNumber)
}

func TestIssueLeaf_ServiceCertificateKeyNotStored(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(t)
	m := env.manager(t)

	issued, err := m.IssueLeaf(IssueParams{
		CommonName: "proxy.internal",
		CertType:   models.CertTypeService,
	})
	require.NoError(t, err)

	assert.Empty(t, issued.Certificate.PrivateKeyPEM)
	assert.Contains(t, issued.PrivateKeyPEM, "BEGIN PRIVATE KEY")
	assert.Nil(t, issued.Certificate.UserID)
}

func TestIssueLeaf_SerialsAreSequential(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(t)
	m := env.manager(t)
	alice := env.user(t, "alice")

	for i := 0; i < 3; i++ {
		issued, err := m.IssueLeaf(IssueParams{User: alice})
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("%d", 1000+i), issued.Certificate.SerialNumber)
	}
}

func TestIssueLeaf_ConcurrentSerialsDistinct(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(t)
	m := env.manager(t)
	alice := env.user(t, "alice")

	const n = 10
	serials := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			issued, err := m.IssueLeaf(IssueParams{User: alice})
			if err == nil {
				serials <- issued.Certificate.SerialNumber
			}
		}()
	}
	wg.Wait()
	close(serials)

	seen := make(map[string]bool)
	for s := range serials {
		assert.False(t, seen[s], "serial %s issued twice", s)
		seen[s] = true
	}
	assert.Len(t, seen, n)
}

func TestRenew_SupersedesWithoutRevoking(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(t)
	m := env.manager(t)
	alice := env.user(t, "alice")

	issued, err := m.IssueLeaf(IssueParams{User: alice})
	require.NoError(t, err)

	renewed, err := m.Renew(issued.Certificate, 0)
	require.NoError(t, err)
	assert.NotEqual(t, issued.Certificate.SerialNumber, renewed.Certificate.SerialNumber)
	assert.Equal(t, issued.Certificate.SubjectDN, renewed.Certificate.SubjectDN)

	// The old certificate stays usable through the grace window: still
	// not revoked, still resolvable by serial.
	old, err := env.certRepo.GetNonRevokedBySerial(issued.Certificate.SerialNumber)
	require.NoError(t, err)
	assert.False(t, old.Revoked)
	assert.True(t, old.Superseded())

	// But it can never be renewed a second time.
	_, err = m.Renew(old, 0)
	require.ErrorIs(t, err, ErrNotRenewable)
}

func TestRenew_RevokedCertificate(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(t)
	m := env.manager(t)
	alice := env.user(t, "alice")

	issued, err := m.IssueLeaf(IssueParams{User: alice})
	require.NoError(t, err)
	require.NoError(t, m.Revoke(issued.Certificate, models.ReasonKeyCompromise, "admin"))

	_, err = m.Renew(issued.Certificate, 0)
	require.ErrorIs(t, err, ErrNotRenewable)
}

func TestRevoke(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(t)
	m := env.manager(t)
	alice := env.user(t, "alice")

	issued, err := m.IssueLeaf(IssueParams{User: alice})
	require.NoError(t, err)

	require.NoError(t, m.Revoke(issued.Certificate, models.ReasonKeyCompromise, "admin"))
	assert.True(t, issued.Certificate.Revoked)

	_, err = env.certRepo.GetNonRevokedBySerial(issued.Certificate.SerialNumber)
	require.Error(t, err)

	record, err := env.revRepo.GetByCertificate(issued.Certificate.ID)
	require.NoError(t, err)
	assert.Equal(t, issued.Certificate.ID, record.CertificateID)
	assert.Equal(t, models.ReasonKeyCompromise, record.Reason)
	assert.Equal(t, "admin", record.RevokedBy)
}

func TestRevoke_Twice(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(t)
	m := env.manager(t)
	alice := env.user(t, "alice")

	issued, err := m.IssueLeaf(IssueParams{User: alice})
	require.NoError(t, err)

	require.NoError(t, m.Revoke(issued.Certificate, models.ReasonUnspecified, "admin"))
	require.ErrorIs(t, m.Revoke(issued.Certificate, models.ReasonUnspecified, "admin"), ErrAlreadyRevoked)
}

func TestRevoke_InvalidReason(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(t)
	m := env.manager(t)
	alice := env.user(t, "alice")

	issued, err := m.IssueLeaf(IssueParams{User: alice})
	require.NoError(t, err)

	require.Error(t, m.Revoke(issued.Certificate, "because", "admin"))
	assert.False(t, issued.Certificate.Revoked)
}

func TestGenerateCRL_RevokedInSupersededOut(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(t)
	m := env.manager(t)
	alice := env.user(t, "alice")
	bob := env.user(t, "bob")

	revokedCert, err := m.IssueLeaf(IssueParams{User: alice})
	require.NoError(t, err)
	require.NoError(t, m.Revoke(revokedCert.Certificate, models.ReasonKeyCompromise, "admin"))

	renewable, err := m.IssueLeaf(IssueParams{User: bob})
	require.NoError(t, err)
	_, err = m.Renew(renewable.Certificate, 0)
	require.NoError(t, err)

	snapshot, err := m.GenerateCRL()
	require.NoError(t, err)
	assert.Equal(t, int64(1), snapshot.CRLNumber)

	crl, err := x509util.ParseCRLPEM(snapshot.CRLPEM)
	require.NoError(t, err)

	caCert, err := x509util.ParseCertificatePEM(m.CACertificatePEM())
	require.NoError(t, err)
	require.NoError(t, crl.CheckSignatureFrom(caCert))

	// Only the real revocation appears; the superseded certificate
	// keeps its grace period.
	require.Len(t, crl.RevokedCertificateEntries, 1)
	assert.Equal(t, revokedCert.Certificate.SerialNumber, crl.RevokedCertificateEntries[0].SerialNumber.String())
}

func TestGenerateCRL_NumbersIncrease(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(t)
	m := env.manager(t)

	first, err := m.GenerateCRL()
	require.NoError(t, err)
	second, err := m.GenerateCRL()
	require.NoError(t, err)
	assert.Greater(t, second.CRLNumber, first.CRLNumber)
}

func TestLatestCRL_GeneratesWhenMissing(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(t)
	m := env.manager(t)

	snapshot, err := m.LatestCRL()
	require.NoError(t, err)
	assert.Equal(t, int64(1), snapshot.CRLNumber)
	assert.True(t, snapshot.NextUpdate.After(time.Now()))
}

func TestExportPKCS12(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(t)
	m := env.manager(t)
	alice := env.user(t, "alice")

	issued, err := m.IssueLeaf(IssueParams{User: alice})
	require.NoError(t, err)

	data, err := m.ExportPKCS12(issued.Certificate, "changeit")
	require.NoError(t, err)

	_, cert, chain, err := x509util.UnbundlePKCS12(data, "changeit")
	require.NoError(t, err)
	assert.Equal(t, "alice", cert.Subject.CommonName)
	require.Len(t, chain, 1)
}

func TestExportPKCS12_NoStoredKey(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(t)
	m := env.manager(t)

	issued, err := m.IssueLeaf(IssueParams{
		CommonName: "proxy.internal",
		CertType:   models.CertTypeService,
	})
	require.NoError(t, err)

	_, err = m.ExportPKCS12(issued.Certificate, "changeit")
	require.Error(t, err)
}
