package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/adamscao/pkiserver/internal/session"
)

// Paths reachable without a verified second factor. Everything needed
// to log in, complete MFA, or fetch public trust material stays open,
// and admin routes carry their own deployment-token auth; all other
// routes require a verified session.
var mfaExemptPrefixes = []string{
	"/health",
	"/v1/auth/login",
	"/v1/auth/logout",
	"/v1/auth/whoami",
	"/v1/auth/mfa/",
	"/v1/ca/",
	"/v1/admin/",
	"/static/",
}

// MFAGate blocks access to protected routes until the session has a
// verified second factor. Unauthenticated requests get 401; sessions
// stuck in an MFA state get 403 with a redirect hint telling the
// client which step of the state machine to resume.
func MFAGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, prefix := range mfaExemptPrefixes {
			if strings.HasPrefix(c.Request.URL.Path, prefix) {
				c.Next()
				return
			}
		}

		v, ok := c.Get(ContextSession)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": "authentication required",
			})
			return
		}
		sess := v.(*session.Session)

		if sess.MFASetupRequired {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":    "mfa_setup_required",
				"message":  "two-factor authentication must be configured",
				"redirect": "/setup-mfa",
			})
			return
		}

		if !sess.MFAVerified {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":    "mfa_required",
				"message":  "two-factor verification required",
				"redirect": "/mfa-challenge",
			})
			return
		}

		c.Next()
	}
}
