package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/adamscao/pkiserver/internal/api/middleware"
	"github.com/adamscao/pkiserver/internal/auth"
	"github.com/adamscao/pkiserver/internal/db/repository"
	"github.com/adamscao/pkiserver/internal/models"
	"github.com/adamscao/pkiserver/internal/session"
)

// MFAHandler drives the TOTP enrollment and challenge flow.
type MFAHandler struct {
	userRepo  *repository.UserRepository
	tokenRepo *repository.TokenRepository
	auditRepo *repository.AuditRepository
	sessions  *session.Store

	issuer   string
	skew     uint
	tokenTTL time.Duration
}

// NewMFAHandler creates a new MFA handler.
func NewMFAHandler(
	userRepo *repository.UserRepository,
	tokenRepo *repository.TokenRepository,
	auditRepo *repository.AuditRepository,
	sessions *session.Store,
	issuer string,
	skew uint,
	tokenTTL time.Duration,
) *MFAHandler {
	return &MFAHandler{
		userRepo:  userRepo,
		tokenRepo: tokenRepo,
		auditRepo: auditRepo,
		sessions:  sessions,
		issuer:    issuer,
		skew:      skew,
		tokenTTL:  tokenTTL,
	}
}

func (h *MFAHandler) currentSession(c *gin.Context) (*session.Session, bool) {
	v, ok := c.Get(middleware.ContextSession)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthenticated", "Authentication required")
		return nil, false
	}
	return v.(*session.Session), true
}

// SetupResponse carries the provisioning material for an authenticator app.
type SetupResponse struct {
	Secret     string `json:"secret"`
	OTPAuthURI string `json:"otpauth_uri"`
	QRCode     string `json:"qr_code"`
}

// BeginSetup generates a TOTP secret for enrollment. The secret is
// staged in the session only; nothing is persisted until the user
// proves possession by submitting a valid code. Staging is write-once
// per session until the staged secret expires.
// GET /v1/auth/mfa/setup
func (h *MFAHandler) BeginSetup(c *gin.Context) {
	sess, ok := h.currentSession(c)
	if !ok {
		return
	}

	if !sess.MFASetupRequired {
		RespondError(c, http.StatusConflict, "mfa_already_configured", "Two-factor authentication is already configured")
		return
	}

	secret, uri, err := auth.GenerateTOTPSecret(h.issuer, sess.Principal.Username())
	if err != nil {
		log.Error().Err(err).Msg("failed to generate TOTP secret")
		RespondError(c, http.StatusInternalServerError, "internal_error", "Failed to generate secret")
		return
	}

	if err := h.sessions.StagePendingSecret(sess.ID, secret); err != nil {
		if errors.Is(err, session.ErrPendingSecretExists) {
			RespondError(c, http.StatusConflict, "setup_in_progress", "MFA setup already in progress for this session")
			return
		}
		RespondError(c, http.StatusUnauthorized, "session_expired", "Session expired, log in again")
		return
	}

	qr, err := auth.QRCodePNG(uri)
	if err != nil {
		log.Error().Err(err).Msg("failed to render QR code")
		RespondError(c, http.StatusInternalServerError, "internal_error", "Failed to render QR code")
		return
	}

	c.JSON(http.StatusOK, SetupResponse{
		Secret:     secret,
		OTPAuthURI: uri,
		QRCode:     qr,
	})
}

// VerifyRequest carries a six-digit TOTP code.
type VerifyRequest struct {
	Code string `json:"code" binding:"required"`
}

// CompleteSetup confirms enrollment against the staged secret. On the
// first valid code the secret is persisted to the user record and the
// session becomes fully verified. An expired staged secret means the
// flow must be restarted from BeginSetup.
// POST /v1/auth/mfa/setup
func (h *MFAHandler) CompleteSetup(c *gin.Context) {
	sess, ok := h.currentSession(c)
	if !ok {
		return
	}

	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	secret, err := h.sessions.PendingSecret(sess.ID)
	if err != nil {
		if errors.Is(err, session.ErrNoPendingSecret) {
			RespondError(c, http.StatusBadRequest, "setup_expired", "Setup window expired, restart enrollment")
			return
		}
		RespondError(c, http.StatusUnauthorized, "session_expired", "Session expired, log in again")
		return
	}

	username := sess.Principal.Username()

	if !auth.ValidateTOTP(secret, req.Code, h.skew) {
		h.logMFAFailure(c, username, "invalid setup code")
		RespondError(c, http.StatusForbidden, "invalid_code", "Invalid verification code")
		return
	}

	user, resolved := sess.Principal.User()
	if !resolved {
		u, err := h.userRepo.GetByUsername(username)
		if err != nil {
			RespondError(c, http.StatusUnauthorized, "invalid_user", "User not found")
			return
		}
		user = u
	}

	if err := h.userRepo.SetTOTPSecret(user.ID, secret); err != nil {
		log.Error().Err(err).Str("username", username).Msg("failed to persist TOTP secret")
		RespondError(c, http.StatusInternalServerError, "database_error", "Failed to save MFA configuration")
		return
	}
	user.TOTPSecret = secret

	h.sessions.MarkMFAVerified(sess.ID, username)

	h.auditRepo.Create(&models.AuditLog{
		Action:    models.ActionMFASetup,
		Username:  username,
		ClientIP:  GetClientIP(c),
		UserAgent: c.GetHeader("User-Agent"),
		Success:   true,
	})

	h.respondVerified(c, sess, user)
}

// VerifyChallenge checks a TOTP code against the user's configured
// secret and marks the session verified.
// POST /v1/auth/mfa/verify
func (h *MFAHandler) VerifyChallenge(c *gin.Context) {
	sess, ok := h.currentSession(c)
	if !ok {
		return
	}

	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	username := sess.Principal.Username()

	user, resolved := sess.Principal.User()
	if !resolved {
		u, err := h.userRepo.GetByUsername(username)
		if err != nil {
			RespondError(c, http.StatusUnauthorized, "invalid_user", "User not found")
			return
		}
		user = u
	}

	if !user.MFAConfigured() {
		RespondErrorRedirect(c, http.StatusForbidden, "mfa_setup_required",
			"Two-factor authentication must be configured", "/setup-mfa")
		return
	}

	if !auth.ValidateTOTP(user.TOTPSecret, req.Code, h.skew) {
		h.logMFAFailure(c, username, "invalid challenge code")
		RespondError(c, http.StatusForbidden, "invalid_code", "Invalid verification code")
		return
	}

	h.sessions.MarkMFAVerified(sess.ID, username)

	h.auditRepo.Create(&models.AuditLog{
		Action:    models.ActionMFAVerify,
		Username:  username,
		ClientIP:  GetClientIP(c),
		UserAgent: c.GetHeader("User-Agent"),
		Success:   true,
	})

	h.respondVerified(c, sess, user)
}

// Status reports where the session stands in the MFA state machine.
// GET /v1/auth/mfa/status
func (h *MFAHandler) Status(c *gin.Context) {
	sess, ok := h.currentSession(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"mfa_setup_required": sess.MFASetupRequired,
		"mfa_verified":       sess.MFAVerified,
	})
}

// respondVerified issues a bearer API token bound to the now-verified
// identity, alongside the verified session.
func (h *MFAHandler) respondVerified(c *gin.Context, sess *session.Session, user *models.User) {
	token, err := auth.GenerateToken()
	if err != nil {
		log.Error().Err(err).Msg("failed to generate API token")
		c.JSON(http.StatusOK, gin.H{"status": "verified"})
		return
	}

	now := time.Now()
	record := &models.APIToken{
		UserID:        user.ID,
		TokenHash:     auth.HashToken(token),
		AuthMethod:    sess.AuthMethod,
		MFAVerifiedAt: now,
		ExpiresAt:     now.Add(h.tokenTTL),
	}
	if err := h.tokenRepo.Create(record); err != nil {
		log.Error().Err(err).Msg("failed to store API token")
		c.JSON(http.StatusOK, gin.H{"status": "verified"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "verified",
		"api_token":  token,
		"expires_at": record.ExpiresAt,
	})
}

func (h *MFAHandler) logMFAFailure(c *gin.Context, username, reason string) {
	log.Warn().
		Str("username", username).
		Str("client_ip", GetClientIP(c)).
		Msg("MFA verification failed")

	h.auditRepo.Create(&models.AuditLog{
		Action:    models.ActionAuthFailed,
		Username:  username,
		ClientIP:  GetClientIP(c),
		UserAgent: c.GetHeader("User-Agent"),
		Success:   false,
		ErrorMsg:  reason,
	})
}
