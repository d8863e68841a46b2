package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/adamscao/pkiserver/internal/api/middleware"
	"github.com/adamscao/pkiserver/internal/ca"
	"github.com/adamscao/pkiserver/internal/db/repository"
	"github.com/adamscao/pkiserver/internal/models"
)

// CertHandler exposes the certificate lifecycle over HTTP. Every route
// here sits behind the MFA gate; the handler only has to decide whose
// certificates the caller may touch.
type CertHandler struct {
	manager   *ca.Manager
	certRepo  *repository.CertRepository
	auditRepo *repository.AuditRepository
}

// NewCertHandler creates a new certificate handler.
func NewCertHandler(manager *ca.Manager, certRepo *repository.CertRepository, auditRepo *repository.AuditRepository) *CertHandler {
	return &CertHandler{
		manager:   manager,
		certRepo:  certRepo,
		auditRepo: auditRepo,
	}
}

func (h *CertHandler) currentUser(c *gin.Context) (*models.User, bool) {
	v, ok := c.Get(middleware.ContextUser)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthenticated", "Authentication required")
		return nil, false
	}
	return v.(*models.User), true
}

// CertificateResponse is the wire form of an issued certificate.
// PrivateKeyPEM is present only on issuance and renewal responses;
// the plaintext key is never retrievable afterwards.
type CertificateResponse struct {
	SerialNumber   string     `json:"serial_number"`
	SubjectDN      string     `json:"subject_dn"`
	CertType       string     `json:"cert_type"`
	CertificatePEM string     `json:"certificate_pem"`
	PrivateKeyPEM  string     `json:"private_key_pem,omitempty"`
	NotBefore      time.Time  `json:"not_before"`
	NotAfter       time.Time  `json:"not_after"`
	Revoked        bool       `json:"revoked"`
	RevocationDate *time.Time `json:"revocation_date,omitempty"`
	Reason         string     `json:"revocation_reason,omitempty"`
}

func certResponse(cert *models.Certificate, keyPEM string) CertificateResponse {
	return CertificateResponse{
		SerialNumber:   cert.SerialNumber,
		SubjectDN:      cert.SubjectDN,
		CertType:       cert.CertType,
		CertificatePEM: cert.CertificatePEM,
		PrivateKeyPEM:  keyPEM,
		NotBefore:      cert.NotBefore,
		NotAfter:       cert.NotAfter,
		Revoked:        cert.Revoked,
		RevocationDate: cert.RevocationDate,
		Reason:         cert.RevocationReason,
	}
}

// IssueRequest represents a certificate issue request.
type IssueRequest struct {
	ValidityDays int `json:"validity_days"`
}

// IssueCertificate issues a new client certificate for the caller.
// POST /v1/certs/issue
func (h *CertHandler) IssueCertificate(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	// An empty body is fine; everything is defaulted.
	var req IssueRequest
	c.ShouldBindJSON(&req)

	issued, err := h.manager.IssueLeaf(ca.IssueParams{
		User:         user,
		CertType:     models.CertTypeUser,
		ValidityDays: req.ValidityDays,
	})
	if err != nil {
		log.Error().Err(err).Str("username", user.Username).Msg("certificate issuance failed")
		RespondError(c, http.StatusInternalServerError, "issuance_error", "Failed to issue certificate")
		return
	}

	h.logCertAction(c, models.ActionCertIssue, user.Username, issued.Certificate.SerialNumber)

	c.JSON(http.StatusOK, certResponse(issued.Certificate, issued.PrivateKeyPEM))
}

// RenewRequest represents a certificate renewal request.
type RenewRequest struct {
	SerialNumber string `json:"serial_number"`
	ValidityDays int    `json:"validity_days"`
}

// RenewCertificate issues a replacement for the caller's current
// certificate. The old one stays usable until it expires but is marked
// superseded, so it can never be renewed again.
// POST /v1/certs/renew
func (h *CertHandler) RenewCertificate(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	var req RenewRequest
	c.ShouldBindJSON(&req)

	var old *models.Certificate
	var err error
	if req.SerialNumber != "" {
		old, err = h.certRepo.GetBySerial(req.SerialNumber)
		if err == nil && (old.UserID == nil || *old.UserID != user.ID) {
			RespondError(c, http.StatusForbidden, "forbidden", "Certificate belongs to another user")
			return
		}
	} else {
		old, err = h.certRepo.GetCurrentForUser(user.ID)
	}
	if err != nil {
		RespondError(c, http.StatusNotFound, "not_found", "No certificate to renew")
		return
	}

	issued, err := h.manager.Renew(old, req.ValidityDays)
	if err != nil {
		if errors.Is(err, ca.ErrNotRenewable) {
			RespondError(c, http.StatusConflict, "not_renewable", "Certificate is revoked or superseded")
			return
		}
		log.Error().Err(err).Str("serial", old.SerialNumber).Msg("certificate renewal failed")
		RespondError(c, http.StatusInternalServerError, "renewal_error", "Failed to renew certificate")
		return
	}

	h.logCertAction(c, models.ActionCertRenew, user.Username, issued.Certificate.SerialNumber)

	c.JSON(http.StatusOK, certResponse(issued.Certificate, issued.PrivateKeyPEM))
}

// RevokeRequest represents a revocation request.
type RevokeRequest struct {
	SerialNumber string `json:"serial_number" binding:"required"`
	Reason       string `json:"reason"`
}

// RevokeCertificate revokes one of the caller's certificates. Admins
// may revoke any certificate. Revocation is immediate and permanent;
// the next CRL rebuild publishes it.
// POST /v1/certs/revoke
func (h *CertHandler) RevokeCertificate(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	var req RevokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = models.ReasonUnspecified
	}

	cert, err := h.certRepo.GetBySerial(req.SerialNumber)
	if err != nil {
		RespondError(c, http.StatusNotFound, "not_found", "Unknown certificate serial")
		return
	}
	if !user.IsAdmin && (cert.UserID == nil || *cert.UserID != user.ID) {
		RespondError(c, http.StatusForbidden, "forbidden", "Certificate belongs to another user")
		return
	}

	if err := h.manager.Revoke(cert, req.Reason, user.Username); err != nil {
		if errors.Is(err, ca.ErrAlreadyRevoked) {
			RespondError(c, http.StatusConflict, "already_revoked", "Certificate is already revoked")
			return
		}
		RespondError(c, http.StatusBadRequest, "invalid_reason", err.Error())
		return
	}

	h.logCertAction(c, models.ActionCertRevoke, user.Username, cert.SerialNumber)

	c.JSON(http.StatusOK, certResponse(cert, ""))
}

// ListCertificates lists the caller's certificates, newest first.
// GET /v1/certs
func (h *CertHandler) ListCertificates(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	certs, err := h.certRepo.ListByUser(user.ID)
	if err != nil {
		log.Error().Err(err).Msg("failed to list certificates")
		RespondError(c, http.StatusInternalServerError, "database_error", "Failed to list certificates")
		return
	}

	out := make([]CertificateResponse, 0, len(certs))
	for _, cert := range certs {
		out = append(out, certResponse(cert, ""))
	}
	c.JSON(http.StatusOK, gin.H{"certificates": out})
}

// BundleRequest carries the password protecting a PKCS#12 download.
type BundleRequest struct {
	Password string `json:"password"`
}

// DownloadBundle returns one of the caller's certificates as a
// PKCS#12 bundle containing the leaf, its private key and the CA
// certificate. Only possible for user certificates whose key the
// server stored at issuance.
// POST /v1/certs/:serial/bundle
func (h *CertHandler) DownloadBundle(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	var req BundleRequest
	c.ShouldBindJSON(&req)

	cert, err := h.certRepo.GetBySerial(c.Param("serial"))
	if err != nil {
		RespondError(c, http.StatusNotFound, "not_found", "Unknown certificate serial")
		return
	}
	if cert.UserID == nil || *cert.UserID != user.ID {
		RespondError(c, http.StatusForbidden, "forbidden", "Certificate belongs to another user")
		return
	}

	data, err := h.manager.ExportPKCS12(cert, req.Password)
	if err != nil {
		log.Error().Err(err).Str("serial", cert.SerialNumber).Msg("PKCS#12 export failed")
		RespondError(c, http.StatusInternalServerError, "bundle_error", "Failed to build PKCS#12 bundle")
		return
	}

	filename := fmt.Sprintf("%s-%s.p12", user.Username, cert.SerialNumber)
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, "application/x-pkcs12", data)
}

func (h *CertHandler) logCertAction(c *gin.Context, action, username, serial string) {
	details, _ := json.Marshal(map[string]string{"serial": serial})
	h.auditRepo.Create(&models.AuditLog{
		Action:    action,
		Username:  username,
		ClientIP:  GetClientIP(c),
		UserAgent: c.GetHeader("User-Agent"),
		Success:   true,
		Details:   string(details),
	})
}
