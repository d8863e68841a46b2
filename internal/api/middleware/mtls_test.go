package middleware

import (
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamscao/pkiserver/internal/auth"
	"github.com/adamscao/pkiserver/internal/ca"
	"github.com/adamscao/pkiserver/internal/db"
	"github.com/adamscao/pkiserver/internal/db/repository"
	"github.com/adamscao/pkiserver/internal/models"
	"github.com/adamscao/pkiserver/internal/secrets"
	"github.com/adamscao/pkiserver/internal/session"
	"github.com/adamscao/pkiserver/internal/x509util"
)

const testEncKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

type pipelineEnv struct {
	manager   *ca.Manager
	userRepo  *repository.UserRepository
	certRepo  *repository.CertRepository
	tokenRepo *repository.TokenRepository
	sessions  *session.Store
	router    *gin.Engine
}

func newPipelineEnv(t *testing.T) *pipelineEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

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
	tokenRepo := repository.NewTokenRepository(database.DB)
	auditRepo := repository.NewAuditRepository(database.DB)

	_, _, err = ca.BootstrapCA(caRepo, enc, ca.BootstrapParams{
		Name:         "Test CA",
		ValidityDays: 365,
		Algorithm:    x509util.AlgorithmECDSA,
	})
	require.NoError(t, err)

	manager, err := ca.NewManager(caRepo, certRepo, revRepo, crlRepo, enc, ca.Options{
		LeafValidityDays: 90,
		CRLValidityDays:  7,
		LeafAlgorithm:    x509util.AlgorithmECDSA,
	})
	require.NoError(t, err)

	sessions := session.NewStore(time.Hour, 10*time.Minute)
	t.Cleanup(sessions.Stop)

	pipeline := NewMTLSPipeline(certRepo, userRepo, tokenRepo, auditRepo, sessions)

	router := gin.New()
	router.Use(pipeline.Handler())
	router.GET("/probe", func(c *gin.Context) {
		if v, ok := c.Get(ContextUser); ok {
			c.JSON(http.StatusOK, gin.H{"username": v.(*models.User).Username})
			return
		}
		c.JSON(http.StatusOK, gin.H{"username": ""})
	})

	return &pipelineEnv{
		manager:   manager,
		userRepo:  userRepo,
		certRepo:  certRepo,
		tokenRepo: tokenRepo,
		sessions:  sessions,
		router:    router,
	}
}

func (e *pipelineEnv) createUser(t *testing.T, name string, active bool) *models.User {
	t.Helper()
	u := &models.User{Username: name, PasswordHash: "x", IsActive: active}
	require.NoError(t, e.userRepo.Create(u))
	return u
}

func (e *pipelineEnv) issueCert(t *testing.T, user *models.User) *models.Certificate {
	t.Helper()
	issued, err := e.manager.IssueLeaf(ca.IssueParams{User: user})
	require.NoError(t, err)
	return issued.Certificate
}

// hexSerial renders a decimal serial the way the proxy reports it.
func hexSerial(t *testing.T, decimal string) string {
	t.Helper()
	n, ok := new(big.Int).SetString(decimal, 10)
	require.True(t, ok)
	return strings.ToUpper(n.Text(16))
}

func (e *pipelineEnv) probe(headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestPipeline_NoCertificatePassesThroughUnauthenticated(t *testing.T) {
	env := newPipelineEnv(t)

	w := env.probe(nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"username":""`)

	w = env.probe(map[string]string{HeaderClientVerify: VerifyNone})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPipeline_VerifyFailed(t *testing.T) {
	env := newPipelineEnv(t)

	w := env.probe(map[string]string{HeaderClientVerify: VerifyFailed})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "cert_verify_failed")
}

func TestPipeline_SuccessWithoutSerial(t *testing.T) {
	env := newPipelineEnv(t)

	w := env.probe(map[string]string{HeaderClientVerify: VerifySuccess})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPipeline_ValidCertificateAuthenticates(t *testing.T) {
	env := newPipelineEnv(t)
	alice := env.createUser(t, "alice", true)
	cert := env.issueCert(t, alice)

	w := env.probe(map[string]string{
		HeaderClientVerify: VerifySuccess,
		HeaderClientSerial: hexSerial(t, cert.SerialNumber),
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"username":"alice"`)

	// The pipeline established a session and set the cookie.
	cookie := w.Result().Cookies()
	require.NotEmpty(t, cookie)
	assert.Equal(t, SessionCookie, cookie[0].Name)

	sess, err := env.sessions.Get(cookie[0].Value)
	require.NoError(t, err)
	assert.Equal(t, session.MethodCertificate, sess.AuthMethod)
	assert.True(t, sess.MFASetupRequired)
}

func TestPipeline_UnknownSerial(t *testing.T) {
	env := newPipelineEnv(t)

	w := env.probe(map[string]string{
		HeaderClientVerify: VerifySuccess,
		HeaderClientSerial: "3E7",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "cert_unknown_or_revoked")
}

func TestPipeline_MalformedSerial(t *testing.T) {
	env := newPipelineEnv(t)

	w := env.probe(map[string]string{
		HeaderClientVerify: VerifySuccess,
		HeaderClientSerial: "zz-not-hex",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "cert_malformed_serial")
}

func TestPipeline_RevokedCertificateRejected(t *testing.T) {
	env := newPipelineEnv(t)
	alice := env.createUser(t, "alice", true)
	cert := env.issueCert(t, alice)

	require.NoError(t, env.manager.Revoke(cert, models.ReasonKeyCompromise, "admin"))

	w := env.probe(map[string]string{
		HeaderClientVerify: VerifySuccess,
		HeaderClientSerial: hexSerial(t, cert.SerialNumber),
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "cert_unknown_or_revoked")
}

func TestPipeline_SupersededCertificateStillAccepted(t *testing.T) {
	env := newPipelineEnv(t)
	alice := env.createUser(t, "alice", true)
	cert := env.issueCert(t, alice)

	_, err := env.manager.Renew(cert, 0)
	require.NoError(t, err)

	// Superseded is a grace state, not a revocation: the old
	// certificate keeps working until it expires.
	w := env.probe(map[string]string{
		HeaderClientVerify: VerifySuccess,
		HeaderClientSerial: hexSerial(t, cert.SerialNumber),
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"username":"alice"`)
}

func TestPipeline_ReissuanceMismatch(t *testing.T) {
	env := newPipelineEnv(t)
	alice := env.createUser(t, "alice", true)
	cert := env.issueCert(t, alice)

	// A different certificate presented under the recorded serial is
	// a reissuance or tampering attempt.
	other := env.issueCert(t, alice)

	w := env.probe(map[string]string{
		HeaderClientVerify: VerifySuccess,
		HeaderClientSerial: hexSerial(t, cert.SerialNumber),
		HeaderClientCert:   strings.ReplaceAll(other.CertificatePEM, "\n", "\\n"),
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "cert_reissuance_mismatch")
}

func TestPipeline_MatchingCertHeaderAccepted(t *testing.T) {
	env := newPipelineEnv(t)
	alice := env.createUser(t, "alice", true)
	cert := env.issueCert(t, alice)

	w := env.probe(map[string]string{
		HeaderClientVerify: VerifySuccess,
		HeaderClientSerial: hexSerial(t, cert.SerialNumber),
		HeaderClientCert:   strings.ReplaceAll(cert.CertificatePEM, "\n", "\\n"),
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPipeline_InactiveUserRejected(t *testing.T) {
	env := newPipelineEnv(t)
	ghost := env.createUser(t, "ghost", false)
	cert := env.issueCert(t, ghost)

	w := env.probe(map[string]string{
		HeaderClientVerify: VerifySuccess,
		HeaderClientSerial: hexSerial(t, cert.SerialNumber),
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "user_inactive")
}

func TestPipeline_SessionCookieResumes(t *testing.T) {
	env := newPipelineEnv(t)
	alice := env.createUser(t, "alice", true)

	sess, err := env.sessions.Create(session.ResolvedPrincipal(alice), session.MethodPassword)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: sess.ID})
	// Certificate headers are ignored once a session exists.
	req.Header.Set(HeaderClientVerify, VerifyFailed)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"username":"alice"`)
}

func TestPipeline_BearerTokenResumes(t *testing.T) {
	env := newPipelineEnv(t)
	alice := env.createUser(t, "alice", true)

	token, err := auth.GenerateToken()
	require.NoError(t, err)

	require.NoError(t, env.tokenRepo.Create(&models.APIToken{
		UserID:        alice.ID,
		TokenHash:     auth.HashToken(token),
		AuthMethod:    session.MethodCertificate,
		MFAVerifiedAt: time.Now(),
		ExpiresAt:     time.Now().Add(time.Hour),
	}))

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"username":"alice"`)
}

func TestCanonicalSerial(t *testing.T) {
	serial, ok := canonicalSerial("3E8")
	require.True(t, ok)
	assert.Equal(t, "1000", serial)

	serial, ok = canonicalSerial("0x3e8")
	require.True(t, ok)
	assert.Equal(t, "1000", serial)

	_, ok = canonicalSerial("not hex")
	assert.False(t, ok)
}
