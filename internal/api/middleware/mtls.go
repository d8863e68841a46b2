package middleware

import (
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/adamscao/pkiserver/internal/auth"
	"github.com/adamscao/pkiserver/internal/db/repository"
	"github.com/adamscao/pkiserver/internal/models"
	"github.com/adamscao/pkiserver/internal/session"
	"github.com/adamscao/pkiserver/internal/x509util"
)

// Proxy-supplied certificate headers. The reverse proxy terminates TLS
// and has already verified the client certificate signature against the
// CA; this pipeline performs only the application-level checks.
const (
	HeaderClientVerify = "X-SSL-Client-Verify"
	HeaderClientSerial = "X-SSL-Client-Serial"
	HeaderClientDN     = "X-SSL-Client-DN"
	HeaderClientCert   = "X-SSL-Client-Cert"
)

// Verification results reported by the proxy
const (
	VerifySuccess = "SUCCESS"
	VerifyFailed  = "FAILED"
	VerifyNone    = "NONE"
)

// SessionCookie is the cookie carrying the opaque session ID.
const SessionCookie = "pki_session"

// Context keys set by the authentication middlewares
const (
	ContextUser    = "auth_user"
	ContextSession = "auth_session"
)

// Machine-readable rejection reasons
const (
	reasonVerifyFailed       = "cert_verify_failed"
	reasonUnknownSerial      = "cert_unknown_or_revoked"
	reasonExpired            = "cert_expired_or_not_yet_valid"
	reasonReissuanceMismatch = "cert_reissuance_mismatch"
	reasonUserInactive       = "user_inactive"
	reasonMalformedSerial    = "cert_malformed_serial"
)

// MTLSPipeline authenticates requests from the proxy's certificate
// headers. It resolves identity through the certificate store and
// establishes session state; it never mutates certificate or CA rows.
type MTLSPipeline struct {
	certRepo  *repository.CertRepository
	userRepo  *repository.UserRepository
	tokenRepo *repository.TokenRepository
	auditRepo *repository.AuditRepository
	sessions  *session.Store
}

// NewMTLSPipeline creates the authentication pipeline middleware.
func NewMTLSPipeline(
	certRepo *repository.CertRepository,
	userRepo *repository.UserRepository,
	tokenRepo *repository.TokenRepository,
	auditRepo *repository.AuditRepository,
	sessions *session.Store,
) *MTLSPipeline {
	return &MTLSPipeline{
		certRepo:  certRepo,
		userRepo:  userRepo,
		tokenRepo: tokenRepo,
		auditRepo: auditRepo,
		sessions:  sessions,
	}
}

// Handler returns the gin middleware.
func (p *MTLSPipeline) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		// An existing session wins; the pipeline is idempotent per
		// login, not re-evaluated on every request of a session.
		if p.resumeSession(c) || p.resumeBearer(c) {
			c.Next()
			return
		}

		verify := c.GetHeader(HeaderClientVerify)
		serialHex := c.GetHeader(HeaderClientSerial)

		// No certificate presented: fall through unauthenticated.
		// Password login and the public endpoints still work; every
		// protected path is blocked downstream. Ambiguity never
		// resolves to access.
		if verify == "" || verify == VerifyNone {
			c.Next()
			return
		}

		if verify != VerifySuccess || serialHex == "" {
			p.reject(c, http.StatusUnauthorized, reasonVerifyFailed,
				"client certificate verification failed", serialHex)
			return
		}

		// The proxy reports the serial in hex; the store holds decimal
		// strings. Canonicalize before lookup.
		serial, ok := canonicalSerial(serialHex)
		if !ok {
			p.reject(c, http.StatusUnauthorized, reasonMalformedSerial,
				"malformed certificate serial", serialHex)
			return
		}

		cert, err := p.certRepo.GetNonRevokedBySerial(serial)
		if err != nil {
			p.reject(c, http.StatusUnauthorized, reasonUnknownSerial,
				"invalid or revoked certificate", serial)
			return
		}

		if !cert.IsValid(time.Now()) {
			p.reject(c, http.StatusUnauthorized, reasonExpired,
				"certificate outside its validity window", serial)
			return
		}

		// Anti-reissuance check: when the proxy forwards the raw
		// certificate, its canonical content hash must match the hash
		// recorded at issuance. A mismatch means a certificate with
		// the same DN was re-issued under a different key and must not
		// inherit the old identity's trust.
		if rawCert := c.GetHeader(HeaderClientCert); rawCert != "" {
			presented := x509util.CertificateHash(unescapeCertHeader(rawCert))
			if cert.CertificateHash != "" && presented != cert.CertificateHash {
				log.Error().
					Str("serial", serial).
					Str("subject_dn", cert.SubjectDN).
					Msg("certificate hash mismatch, possible reissuance or tampering")
				p.reject(c, http.StatusUnauthorized, reasonReissuanceMismatch,
					"certificate does not match issuance record", serial)
				return
			}
		}

		if cert.UserID == nil {
			p.reject(c, http.StatusUnauthorized, reasonUserInactive,
				"certificate not bound to a user", serial)
			return
		}
		user, err := p.userRepo.GetByID(*cert.UserID)
		if err != nil || !user.IsActive {
			p.reject(c, http.StatusUnauthorized, reasonUserInactive,
				"user account is disabled", serial)
			return
		}

		sess, err := p.sessions.Create(session.ResolvedPrincipal(user), session.MethodCertificate)
		if err != nil {
			log.Error().Err(err).Msg("failed to create session")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "internal_error", "message": "failed to establish session",
			})
			return
		}
		// Written through the store so the flag is visible to any
		// concurrent request holding the same session ID.
		if err := p.sessions.SetSetupRequired(sess.ID, !user.MFAConfigured()); err != nil {
			log.Error().Err(err).Msg("failed to flag session")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "internal_error", "message": "failed to establish session",
			})
			return
		}
		sess.MFASetupRequired = !user.MFAConfigured()

		c.SetCookie(SessionCookie, sess.ID, 0, "/", "", true, true)
		c.Set(ContextUser, user)
		c.Set(ContextSession, sess)

		log.Info().
			Str("username", user.Username).
			Str("serial", serial).
			Bool("mfa_setup_required", sess.MFASetupRequired).
			Msg("user authenticated via client certificate")

		p.auditRepo.Create(&models.AuditLog{
			Action:    models.ActionMTLSAuth,
			Username:  user.Username,
			ClientIP:  clientIP(c),
			UserAgent: c.GetHeader("User-Agent"),
			Success:   true,
			Details:   `{"serial":"` + serial + `"}`,
		})

		c.Next()
	}
}

// resumeSession restores identity from the session cookie.
func (p *MTLSPipeline) resumeSession(c *gin.Context) bool {
	id, err := c.Cookie(SessionCookie)
	if err != nil || id == "" {
		return false
	}
	sess, err := p.sessions.Get(id)
	if err != nil {
		return false
	}

	c.Set(ContextSession, sess)
	if user, ok := sess.Principal.User(); ok {
		c.Set(ContextUser, user)
	}
	return true
}

// resumeBearer restores identity from an Authorization: Bearer token.
// Bearer tokens are only ever issued after MFA verification, so a
// valid token carries a fully verified identity.
func (p *MTLSPipeline) resumeBearer(c *gin.Context) bool {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}

	token, err := p.tokenRepo.GetValidByHash(auth.HashToken(strings.TrimPrefix(header, prefix)))
	if err != nil {
		return false
	}
	user, err := p.userRepo.GetByID(token.UserID)
	if err != nil || !user.IsActive {
		return false
	}

	p.tokenRepo.UpdateLastUsed(token.ID)

	sess := &session.Session{
		Principal:     session.ResolvedPrincipal(user),
		AuthMethod:    token.AuthMethod,
		MFAVerified:   true,
		MFAVerifiedBy: user.Username,
		MFAVerifiedAt: token.MFAVerifiedAt,
	}
	c.Set(ContextSession, sess)
	c.Set(ContextUser, user)
	return true
}

func (p *MTLSPipeline) reject(c *gin.Context, status int, reason, message, serial string) {
	log.Warn().
		Str("reason", reason).
		Str("serial", serial).
		Str("client_ip", clientIP(c)).
		Msg("mTLS authentication rejected")

	p.auditRepo.Create(&models.AuditLog{
		Action:    models.ActionAuthFailed,
		ClientIP:  clientIP(c),
		UserAgent: c.GetHeader("User-Agent"),
		Success:   false,
		ErrorMsg:  reason,
		Details:   `{"serial":"` + serial + `"}`,
	})

	c.AbortWithStatusJSON(status, gin.H{"error": reason, "message": message})
}

// canonicalSerial converts the proxy's hex serial into the decimal
// string form the store uses.
func canonicalSerial(hexSerial string) (string, bool) {
	cleaned := strings.TrimPrefix(strings.TrimSpace(hexSerial), "0x")
	n, ok := new(big.Int).SetString(cleaned, 16)
	if !ok || n.Sign() < 0 {
		return "", false
	}
	return n.String(), true
}

// unescapeCertHeader undoes the newline substitution proxies apply
// when stuffing a PEM block into a single header line.
func unescapeCertHeader(raw string) string {
	raw = strings.ReplaceAll(raw, "\\n", "\n")
	return strings.ReplaceAll(raw, "\t", "\n")
}

func clientIP(c *gin.Context) string {
	if ip := c.GetHeader("X-Forwarded-For"); ip != "" {
		return ip
	}
	if ip := c.GetHeader("X-Real-IP"); ip != "" {
		return ip
	}
	return c.ClientIP()
}
