package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/adamscao/pkiserver/internal/api/middleware"
	"github.com/adamscao/pkiserver/internal/auth"
	"github.com/adamscao/pkiserver/internal/db/repository"
	"github.com/adamscao/pkiserver/internal/models"
	"github.com/adamscao/pkiserver/internal/session"
)

// AuthHandler handles password login and logout
type AuthHandler struct {
	userRepo  *repository.UserRepository
	auditRepo *repository.AuditRepository
	sessions  *session.Store
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(userRepo *repository.UserRepository, auditRepo *repository.AuditRepository, sessions *session.Store) *AuthHandler {
	return &AuthHandler{
		userRepo:  userRepo,
		auditRepo: auditRepo,
		sessions:  sessions,
	}
}

// LoginRequest represents a password login request
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse reports the next step of the login state machine.
type LoginResponse struct {
	Status           string `json:"status"`
	MFASetupRequired bool   `json:"mfa_setup_required"`
	Redirect         string `json:"redirect"`
}

// Login authenticates with username and password. A successful login
// is never fully trusted on its own; the response directs the client
// to MFA setup or the MFA challenge.
// POST /v1/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	clientIP := GetClientIP(c)
	userAgent := c.GetHeader("User-Agent")

	user, err := h.userRepo.GetByUsername(req.Username)
	if err != nil || !auth.VerifyPassword(req.Password, user.PasswordHash) {
		h.auditRepo.Create(&models.AuditLog{
			Action:    models.ActionAuthFailed,
			Username:  req.Username,
			ClientIP:  clientIP,
			UserAgent: userAgent,
			Success:   false,
			ErrorMsg:  "invalid credentials",
		})
		RespondError(c, http.StatusUnauthorized, "invalid_credentials", "Invalid username or password")
		return
	}

	if !user.IsActive {
		RespondError(c, http.StatusForbidden, "user_inactive", "Account is disabled")
		return
	}

	sess, err := h.sessions.Create(session.ResolvedPrincipal(user), session.MethodPassword)
	if err != nil {
		log.Error().Err(err).Msg("failed to create session")
		RespondError(c, http.StatusInternalServerError, "internal_error", "Failed to establish session")
		return
	}
	if err := h.sessions.SetSetupRequired(sess.ID, !user.MFAConfigured()); err != nil {
		log.Error().Err(err).Msg("failed to flag session")
		RespondError(c, http.StatusInternalServerError, "internal_error", "Failed to establish session")
		return
	}
	sess.MFASetupRequired = !user.MFAConfigured()

	c.SetCookie(middleware.SessionCookie, sess.ID, 0, "/", "", true, true)

	h.auditRepo.Create(&models.AuditLog{
		Action:    models.ActionLogin,
		Username:  user.Username,
		ClientIP:  clientIP,
		UserAgent: userAgent,
		Success:   true,
	})

	redirect := "/mfa-challenge"
	if sess.MFASetupRequired {
		redirect = "/setup-mfa"
	}

	c.JSON(http.StatusOK, LoginResponse{
		Status:           "ok",
		MFASetupRequired: sess.MFASetupRequired,
		Redirect:         redirect,
	})
}

// Logout destroys the current session.
// POST /v1/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	if id, err := c.Cookie(middleware.SessionCookie); err == nil && id != "" {
		h.sessions.Delete(id)
	}
	c.SetCookie(middleware.SessionCookie, "", -1, "/", "", true, true)

	username := ""
	if v, ok := c.Get(middleware.ContextUser); ok {
		username = v.(*models.User).Username
	}
	h.auditRepo.Create(&models.AuditLog{
		Action:   models.ActionLogout,
		Username: username,
		ClientIP: GetClientIP(c),
		Success:  true,
	})

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Whoami reports the authenticated principal and its MFA state.
// GET /v1/auth/whoami
func (h *AuthHandler) Whoami(c *gin.Context) {
	v, ok := c.Get(middleware.ContextSession)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthenticated", "Not logged in")
		return
	}
	sess := v.(*session.Session)

	resp := gin.H{
		"username":           sess.Principal.Username(),
		"auth_method":        sess.AuthMethod,
		"mfa_verified":       sess.MFAVerified,
		"mfa_setup_required": sess.MFASetupRequired,
	}
	if user, ok := sess.Principal.User(); ok {
		resp["email"] = user.Email
		resp["is_admin"] = user.IsAdmin
	}
	c.JSON(http.StatusOK, resp)
}
