package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamscao/pkiserver/internal/ca"
	"github.com/adamscao/pkiserver/internal/db"
	"github.com/adamscao/pkiserver/internal/db/repository"
	"github.com/adamscao/pkiserver/internal/models"
	"github.com/adamscao/pkiserver/internal/secrets"
	"github.com/adamscao/pkiserver/internal/x509util"
)

const testEncKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

type schedEnv struct {
	manager   *ca.Manager
	certRepo  *repository.CertRepository
	tokenRepo *repository.TokenRepository
	auditRepo *repository.AuditRepository
	crlRepo   *repository.CRLRepository
	userRepo  *repository.UserRepository
}

func newSchedEnv(t *testing.T, leafValidityDays int) *schedEnv {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.RunMigrations(database))

	enc, err := secrets.New(testEncKey)
	require.NoError(t, err)

	caRepo := repository.NewCARepository(database.DB)
	certRepo := repository.NewCertRepository(database.DB)
	revRepo := repository.NewRevocationRepository(database.DB)
	crlRepo := repository.NewCRLRepository(database.DB)
	userRepo := repository.NewUserRepository(database.DB)

	_, _, err = ca.BootstrapCA(caRepo, enc, ca.BootstrapParams{
		Name:         "Test CA",
		ValidityDays: 365,
		Algorithm:    x509util.AlgorithmECDSA,
	})
	require.NoError(t, err)

	manager, err := ca.NewManager(caRepo, certRepo, revRepo, crlRepo, enc, ca.Options{
		LeafValidityDays: leafValidityDays,
		CRLValidityDays:  7,
		LeafAlgorithm:    x509util.AlgorithmECDSA,
	})
	require.NoError(t, err)

	return &schedEnv{
		manager:   manager,
		certRepo:  certRepo,
		tokenRepo: repository.NewTokenRepository(database.DB),
		auditRepo: repository.NewAuditRepository(database.DB),
		crlRepo:   crlRepo,
		userRepo:  userRepo,
	}
}

func (e *schedEnv) scheduler(renewWithinDays int) *Scheduler {
	return New(e.manager, e.certRepo, e.tokenRepo, e.auditRepo, Options{
		RenewWithinDays:     renewWithinDays,
		RenewCheckInterval:  time.Hour,
		CRLRebuildInterval:  time.Hour,
		ExpireCheckInterval: time.Hour,
	})
}

func (e *schedEnv) user(t *testing.T, name string) *models.User {
	t.Helper()
	u := &models.User{Username: name, PasswordHash: "x", IsActive: true}
	require.NoError(t, e.userRepo.Create(u))
	return u
}

func TestRenewExpiring_ReplacesCertsInWindow(t *testing.T) {
	env := newSchedEnv(t, 7)
	alice := env.user(t, "alice")

	inWindow, err := env.manager.IssueLeaf(ca.IssueParams{User: alice})
	require.NoError(t, err)

	outOfWindow, err := env.manager.IssueLeaf(ca.IssueParams{User: alice, ValidityDays: 365})
	require.NoError(t, err)

	require.NoError(t, env.scheduler(30).renewExpiring())

	// The 7-day certificate got a successor and is now superseded.
	old, err := env.certRepo.GetBySerial(inWindow.Certificate.SerialNumber)
	require.NoError(t, err)
	assert.True(t, old.Superseded())
	assert.False(t, old.Revoked)

	// The 365-day one was left alone.
	far, err := env.certRepo.GetBySerial(outOfWindow.Certificate.SerialNumber)
	require.NoError(t, err)
	assert.False(t, far.Superseded())

	certs, err := env.certRepo.ListByUser(alice.ID)
	require.NoError(t, err)
	assert.Len(t, certs, 3)
}

func TestRenewExpiring_SkipsAlreadySuperseded(t *testing.T) {
	env := newSchedEnv(t, 7)
	alice := env.user(t, "alice")

	issued, err := env.manager.IssueLeaf(ca.IssueParams{User: alice})
	require.NoError(t, err)
	_, err = env.manager.Renew(issued.Certificate, 7)
	require.NoError(t, err)

	// Superseded certificates are never renewed again; however many
	// runs happen, exactly one current certificate remains.
	require.NoError(t, env.scheduler(30).renewExpiring())
	require.NoError(t, env.scheduler(30).renewExpiring())

	certs, err := env.certRepo.ListByUser(alice.ID)
	require.NoError(t, err)

	var current int
	for _, cert := range certs {
		if !cert.Revoked && !cert.Superseded() {
			current++
		}
	}
	assert.Equal(t, 1, current)
}

func TestRebuildCRL_PublishesAndExports(t *testing.T) {
	env := newSchedEnv(t, 90)
	alice := env.user(t, "alice")

	issued, err := env.manager.IssueLeaf(ca.IssueParams{User: alice})
	require.NoError(t, err)
	require.NoError(t, env.manager.Revoke(issued.Certificate, models.ReasonKeyCompromise, "admin"))

	exportPath := filepath.Join(t.TempDir(), "crl", "current.pem")
	s := New(env.manager, env.certRepo, env.tokenRepo, env.auditRepo, Options{
		RenewWithinDays:     30,
		RenewCheckInterval:  time.Hour,
		CRLRebuildInterval:  time.Hour,
		ExpireCheckInterval: time.Hour,
		CRLExportPath:       exportPath,
	})

	require.NoError(t, s.rebuildCRL())

	snapshot, err := env.crlRepo.GetLatest(env.manager.ActiveCA().ID)
	require.NoError(t, err)

	crl, err := x509util.ParseCRLPEM(snapshot.CRLPEM)
	require.NoError(t, err)
	require.Len(t, crl.RevokedCertificateEntries, 1)

	assert.FileExists(t, exportPath)
}

func TestSweepExpired_CleansTokens(t *testing.T) {
	env := newSchedEnv(t, 90)
	alice := env.user(t, "alice")

	require.NoError(t, env.tokenRepo.Create(&models.APIToken{
		UserID:        alice.ID,
		TokenHash:     "stale",
		AuthMethod:    "password",
		MFAVerifiedAt: time.Now().Add(-48 * time.Hour),
		ExpiresAt:     time.Now().Add(-24 * time.Hour),
	}))

	require.NoError(t, env.scheduler(30).sweepExpired())

	_, err := env.tokenRepo.GetValidByHash("stale")
	require.Error(t, err)
}

func TestSchedulerStartStop(t *testing.T) {
	env := newSchedEnv(t, 90)
	s := env.scheduler(30)

	s.Start(context.Background())
	// Startup runs each job once; CRL #1 exists without waiting for a
	// tick.
	require.Eventually(t, func() bool {
		_, err := env.crlRepo.GetLatest(env.manager.ActiveCA().ID)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	s.Stop()
}
