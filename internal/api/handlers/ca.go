package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/adamscao/pkiserver/internal/ca"
)

// CAHandler serves public trust material: the CA certificate and the
// current CRL. These endpoints are unauthenticated so that proxies and
// clients can fetch them before any certificate exists.
type CAHandler struct {
	manager *ca.Manager
}

// NewCAHandler creates a new CA handler.
func NewCAHandler(manager *ca.Manager) *CAHandler {
	return &CAHandler{manager: manager}
}

// GetCACertificate returns the CA certificate in PEM form.
// GET /v1/ca/certificate
func (h *CAHandler) GetCACertificate(c *gin.Context) {
	c.Data(http.StatusOK, "application/x-pem-file", []byte(h.manager.CACertificatePEM()))
}

// GetCRL returns the latest certificate revocation list in PEM form.
// GET /v1/ca/crl
func (h *CAHandler) GetCRL(c *gin.Context) {
	snapshot, err := h.manager.LatestCRL()
	if err != nil {
		log.Error().Err(err).Msg("failed to load CRL")
		RespondError(c, http.StatusInternalServerError, "crl_error", "Failed to load CRL")
		return
	}
	c.Data(http.StatusOK, "application/x-pem-file", []byte(snapshot.CRLPEM))
}
