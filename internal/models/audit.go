package models

import "time"

// AuditLog represents an audit log entry
type AuditLog struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Username  string    `json:"username,omitempty"`
	ClientIP  string    `json:"client_ip"`
	UserAgent string    `json:"user_agent,omitempty"`
	Success   bool      `json:"success"`
	ErrorMsg  string    `json:"error_msg,omitempty"`
	Details   string    `json:"details,omitempty"` // JSON
}

// Audit action constants
const (
	ActionCABootstrap     = "ca_bootstrap"
	ActionCertIssue       = "cert_issue"
	ActionCertRenew       = "cert_renew"
	ActionCertRevoke      = "cert_revoke"
	ActionCRLRebuild      = "crl_rebuild"
	ActionLogin           = "login"
	ActionLogout          = "logout"
	ActionMTLSAuth        = "mtls_auth"
	ActionMFASetup        = "mfa_setup"
	ActionMFAVerify       = "mfa_verify"
	ActionAuthFailed      = "auth_failed"
	ActionAdminCreateUser = "admin_create_user"
)
