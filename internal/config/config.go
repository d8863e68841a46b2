package config

import (
	"fmt"
	"time"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	CA         CAConfig         `yaml:"ca"`
	CRL        CRLConfig        `yaml:"crl"`
	Session    SessionConfig    `yaml:"session"`
	MFA        MFAConfig        `yaml:"mfa"`
	Token      TokenConfig      `yaml:"token"`
	Admin      AdminConfig      `yaml:"admin"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Logging    LoggingConfig    `yaml:"logging"`
	Rotation   RotationConfig   `yaml:"rotation"`
	Export     ExportConfig     `yaml:"export"`
}

// ServerConfig contains server configuration
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DatabaseConfig contains database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// CAConfig contains certificate authority configuration
type CAConfig struct {
	Name             string `yaml:"name"`
	ValidityDays     int    `yaml:"validity_days"`
	KeyAlgorithm     string `yaml:"key_algorithm"`
	KeyBits          int    `yaml:"key_bits"`
	LeafValidityDays int    `yaml:"leaf_validity_days"`
	LeafAlgorithm    string `yaml:"leaf_algorithm"`
	LeafKeyBits      int    `yaml:"leaf_key_bits"`
}

// CRLConfig contains revocation list configuration
type CRLConfig struct {
	ValidityDays int `yaml:"validity_days"`
}

// SessionConfig contains session store configuration
type SessionConfig struct {
	TTL           string `yaml:"ttl"`
	PendingMFATTL string `yaml:"pending_mfa_ttl"`
}

// MFAConfig contains second-factor configuration
type MFAConfig struct {
	Issuer string `yaml:"issuer"`
	Skew   uint   `yaml:"skew"`
}

// TokenConfig contains bearer token configuration
type TokenConfig struct {
	Validity string `yaml:"validity"`
}

// AdminConfig contains admin configuration
type AdminConfig struct {
	Token string `yaml:"token"`
}

// EncryptionConfig contains at-rest encryption configuration
type EncryptionConfig struct {
	Key string `yaml:"key"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RotationConfig contains background rotation job configuration
type RotationConfig struct {
	Enabled             bool   `yaml:"enabled"`
	RenewWithinDays     int    `yaml:"renew_within_days"`
	RenewCheckInterval  string `yaml:"renew_check_interval"`
	CRLRebuildInterval  string `yaml:"crl_rebuild_interval"`
	ExpireCheckInterval string `yaml:"expire_check_interval"`
}

// ExportConfig contains filesystem artifact paths for the reverse proxy
type ExportConfig struct {
	CACertPath string `yaml:"ca_cert_path"`
	CRLPath    string `yaml:"crl_path"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Server validation
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}

	// Database validation
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	// CA validation
	if c.CA.Name == "" {
		return fmt.Errorf("ca.name is required")
	}
	if c.CA.ValidityDays <= 0 {
		return fmt.Errorf("ca.validity_days must be positive")
	}
	if c.CA.LeafValidityDays <= 0 {
		return fmt.Errorf("ca.leaf_validity_days must be positive")
	}
	switch c.CA.KeyAlgorithm {
	case "rsa":
		switch c.CA.KeyBits {
		case 2048, 3072, 4096:
		default:
			return fmt.Errorf("ca.key_bits must be 2048, 3072 or 4096 for rsa")
		}
	case "ecdsa-p256":
	default:
		return fmt.Errorf("ca.key_algorithm must be 'rsa' or 'ecdsa-p256'")
	}
	switch c.CA.LeafAlgorithm {
	case "rsa":
		switch c.CA.LeafKeyBits {
		case 2048, 3072, 4096:
		default:
			return fmt.Errorf("ca.leaf_key_bits must be 2048, 3072 or 4096 for rsa")
		}
	case "ecdsa-p256":
	default:
		return fmt.Errorf("ca.leaf_algorithm must be 'rsa' or 'ecdsa-p256'")
	}

	// CRL validation
	if c.CRL.ValidityDays <= 0 {
		return fmt.Errorf("crl.validity_days must be positive")
	}

	// Session validation
	if _, err := time.ParseDuration(c.Session.TTL); err != nil {
		return fmt.Errorf("session.ttl is invalid: %w", err)
	}
	if _, err := time.ParseDuration(c.Session.PendingMFATTL); err != nil {
		return fmt.Errorf("session.pending_mfa_ttl is invalid: %w", err)
	}

	// Token validation
	if _, err := parseDuration(c.Token.Validity); err != nil {
		return fmt.Errorf("token.validity is invalid: %w", err)
	}

	// Admin validation
	if c.Admin.Token == "" {
		return fmt.Errorf("admin.token is required")
	}

	// Encryption validation
	if len(c.Encryption.Key) != 64 { // 32 bytes = 64 hex chars
		return fmt.Errorf("encryption.key must be 64 hex characters (32 bytes)")
	}

	// Logging validation
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be 'json' or 'text'")
	}

	// Rotation validation
	if c.Rotation.Enabled {
		if c.Rotation.RenewWithinDays <= 0 {
			return fmt.Errorf("rotation.renew_within_days must be positive")
		}
		// A renewal window at or above the leaf lifetime would put every
		// freshly renewed certificate straight back inside the window,
		// and the renew loop would mint certificates on every tick.
		if c.Rotation.RenewWithinDays >= c.CA.LeafValidityDays {
			return fmt.Errorf("rotation.renew_within_days must be less than ca.leaf_validity_days")
		}
		for name, value := range map[string]string{
			"rotation.renew_check_interval":  c.Rotation.RenewCheckInterval,
			"rotation.crl_rebuild_interval":  c.Rotation.CRLRebuildInterval,
			"rotation.expire_check_interval": c.Rotation.ExpireCheckInterval,
		} {
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("%s is invalid: %w", name, err)
			}
		}
	}

	return nil
}

// GetSessionTTL returns the session lifetime as time.Duration
func (c *Config) GetSessionTTL() time.Duration {
	d, _ := time.ParseDuration(c.Session.TTL)
	return d
}

// GetPendingMFATTL returns the staged-secret lifetime as time.Duration
func (c *Config) GetPendingMFATTL() time.Duration {
	d, _ := time.ParseDuration(c.Session.PendingMFATTL)
	return d
}

// GetTokenValidity returns the bearer token validity as time.Duration
func (c *Config) GetTokenValidity() time.Duration {
	d, _ := parseDuration(c.Token.Validity)
	return d
}

// GetRenewCheckInterval returns the renewal job interval
func (c *Config) GetRenewCheckInterval() time.Duration {
	d, _ := time.ParseDuration(c.Rotation.RenewCheckInterval)
	return d
}

// GetCRLRebuildInterval returns the CRL rebuild job interval
func (c *Config) GetCRLRebuildInterval() time.Duration {
	d, _ := time.ParseDuration(c.Rotation.CRLRebuildInterval)
	return d
}

// GetExpireCheckInterval returns the expiry sweep job interval
func (c *Config) GetExpireCheckInterval() time.Duration {
	d, _ := time.ParseDuration(c.Rotation.ExpireCheckInterval)
	return d
}

// parseDuration parses duration with support for days (e.g., "90d")
func parseDuration(s string) (time.Duration, error) {
	// Handle "d" suffix for days
	if len(s) > 1 && s[len(s)-1] == 'd' {
		days := s[:len(s)-1]
		var d int
		if _, err := fmt.Sscanf(days, "%d", &d); err != nil {
			return 0, err
		}
		return time.Duration(d) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
