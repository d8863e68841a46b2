package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/adamscao/pkiserver/internal/auth"
	"github.com/adamscao/pkiserver/internal/ca"
	"github.com/adamscao/pkiserver/internal/db/repository"
	"github.com/adamscao/pkiserver/internal/models"
)

// AdminHandler handles administrative operations. Routes using it sit
// behind the admin token middleware, outside the session flow, so that
// the first user can be created before anyone can log in.
type AdminHandler struct {
	manager   *ca.Manager
	userRepo  *repository.UserRepository
	certRepo  *repository.CertRepository
	auditRepo *repository.AuditRepository
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(manager *ca.Manager, userRepo *repository.UserRepository, certRepo *repository.CertRepository, auditRepo *repository.AuditRepository) *AdminHandler {
	return &AdminHandler{
		manager:   manager,
		userRepo:  userRepo,
		certRepo:  certRepo,
		auditRepo: auditRepo,
	}
}

// CreateUserRequest represents a user creation request
type CreateUserRequest struct {
	Username string `json:"username" binding:"required"`
	Email    string `json:"email"`
	Password string `json:"password" binding:"required"`
	IsAdmin  bool   `json:"is_admin"`
}

// CreateUserResponse represents a user creation response
type CreateUserResponse struct {
	Status string `json:"status"`
	UserID int64  `json:"user_id"`
}

// CreateUser creates a new user account. MFA enrollment happens on the
// user's first login, not here; handing out pre-provisioned TOTP
// secrets would defeat the possession proof.
// POST /v1/admin/users
func (h *AdminHandler) CreateUser(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	if existing, _ := h.userRepo.GetByUsername(req.Username); existing != nil {
		RespondError(c, http.StatusConflict, "user_exists", "User already exists")
		return
	}

	passwordHash, err := auth.HashPassword(req.Password)
	if err != nil {
		log.Error().Err(err).Msg("failed to hash password")
		RespondError(c, http.StatusInternalServerError, "internal_error", "Failed to hash password")
		return
	}

	user := &models.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: passwordHash,
		IsActive:     true,
		IsAdmin:      req.IsAdmin,
	}
	if err := h.userRepo.Create(user); err != nil {
		log.Error().Err(err).Msg("failed to create user")
		RespondError(c, http.StatusInternalServerError, "database_error", "Failed to create user")
		return
	}

	h.auditRepo.Create(&models.AuditLog{
		Action:    models.ActionAdminCreateUser,
		Username:  req.Username,
		ClientIP:  GetClientIP(c),
		UserAgent: c.GetHeader("User-Agent"),
		Success:   true,
	})

	c.JSON(http.StatusOK, CreateUserResponse{
		Status: "ok",
		UserID: user.ID,
	})
}

// UserSummary is the admin-facing view of a user account.
type UserSummary struct {
	ID            int64     `json:"id"`
	Username      string    `json:"username"`
	Email         string    `json:"email,omitempty"`
	IsActive      bool      `json:"is_active"`
	IsAdmin       bool      `json:"is_admin"`
	MFAConfigured bool      `json:"mfa_configured"`
	CreatedAt     time.Time `json:"created_at"`
}

// ListUsers lists all user accounts.
// GET /v1/admin/users
func (h *AdminHandler) ListUsers(c *gin.Context) {
	users, err := h.userRepo.List()
	if err != nil {
		log.Error().Err(err).Msg("failed to list users")
		RespondError(c, http.StatusInternalServerError, "database_error", "Failed to list users")
		return
	}

	out := make([]UserSummary, 0, len(users))
	for _, u := range users {
		out = append(out, UserSummary{
			ID:            u.ID,
			Username:      u.Username,
			Email:         u.Email,
			IsActive:      u.IsActive,
			IsAdmin:       u.IsAdmin,
			MFAConfigured: u.MFAConfigured(),
			CreatedAt:     u.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"users": out})
}

// SetUserActiveRequest toggles an account.
type SetUserActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// SetUserActive enables or disables an account. Disabling also revokes
// the user's live certificates so the proxy stops accepting them after
// the next CRL rebuild, and mTLS lookups reject them immediately.
// POST /v1/admin/users/:username/active
func (h *AdminHandler) SetUserActive(c *gin.Context) {
	var req SetUserActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	user, err := h.userRepo.GetByUsername(c.Param("username"))
	if err != nil {
		RespondError(c, http.StatusNotFound, "not_found", "Unknown user")
		return
	}

	if err := h.userRepo.SetActive(user.ID, *req.Active); err != nil {
		log.Error().Err(err).Msg("failed to update user")
		RespondError(c, http.StatusInternalServerError, "database_error", "Failed to update user")
		return
	}

	if !*req.Active {
		certs, err := h.certRepo.ListByUser(user.ID)
		if err == nil {
			for _, cert := range certs {
				if cert.Revoked || time.Now().After(cert.NotAfter) {
					continue
				}
				if err := h.manager.Revoke(cert, models.ReasonCessationOfOperation, "admin"); err != nil {
					log.Error().Err(err).Str("serial", cert.SerialNumber).Msg("failed to revoke certificate for disabled user")
				}
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListAuditLogs returns recent audit entries, optionally filtered.
// GET /v1/admin/audit
func (h *AdminHandler) ListAuditLogs(c *gin.Context) {
	logs, err := h.auditRepo.List(c.Query("username"), c.Query("action"), 200)
	if err != nil {
		log.Error().Err(err).Msg("failed to list audit logs")
		RespondError(c, http.StatusInternalServerError, "database_error", "Failed to list audit logs")
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": logs})
}
