package handlers

import (
	"github.com/gin-gonic/gin"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error    string      `json:"error"`
	Message  string      `json:"message"`
	Redirect string      `json:"redirect,omitempty"`
	Details  interface{} `json:"details,omitempty"`
}

// RespondError sends an error response
func RespondError(c *gin.Context, statusCode int, errorCode string, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}

// RespondErrorRedirect sends an error response with a redirect hint so
// the caller can resume the right step of the authentication state
// machine instead of restarting from zero.
func RespondErrorRedirect(c *gin.Context, statusCode int, errorCode, message, redirect string) {
	c.JSON(statusCode, ErrorResponse{
		Error:    errorCode,
		Message:  message,
		Redirect: redirect,
	})
}

// GetClientIP gets the real client IP address
func GetClientIP(c *gin.Context) string {
	// Try X-Forwarded-For header first (for proxied requests)
	if ip := c.GetHeader("X-Forwarded-For"); ip != "" {
		return ip
	}

	// Try X-Real-IP header
	if ip := c.GetHeader("X-Real-IP"); ip != "" {
		return ip
	}

	// Fall back to RemoteAddr
	return c.ClientIP()
}
