package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
server:
  listen_addr: "127.0.0.1:8443"
database:
  path: "/var/lib/pkiserver/pki.db"
ca:
  name: "Chain of Custody CA"
  validity_days: 3650
  key_algorithm: "ecdsa-p256"
  leaf_validity_days: 90
  leaf_algorithm: "ecdsa-p256"
crl:
  validity_days: 7
session:
  ttl: "12h"
  pending_mfa_ttl: "10m"
mfa:
  issuer: "Internal-PKI"
  skew: 1
token:
  validity: "30d"
admin:
  token: "deployment-token"
encryption:
  key: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
logging:
  level: "info"
  format: "json"
rotation:
  enabled: true
  renew_within_days: 30
  renew_check_interval: "1h"
  crl_rebuild_interval: "6h"
  expire_check_interval: "1h"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Valid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8443", cfg.Server.ListenAddr)
	assert.Equal(t, "Chain of Custody CA", cfg.CA.Name)
	assert.Equal(t, 90, cfg.CA.LeafValidityDays)
	assert.Equal(t, uint(1), cfg.MFA.Skew)
	assert.Equal(t, 12*time.Hour, cfg.GetSessionTTL())
	assert.Equal(t, 10*time.Minute, cfg.GetPendingMFATTL())
	assert.Equal(t, 30*24*time.Hour, cfg.GetTokenValidity())
	assert.Equal(t, 6*time.Hour, cfg.GetCRLRebuildInterval())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate_Failures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing listen addr", func(c *Config) { c.Server.ListenAddr = "" }},
		{"missing ca name", func(c *Config) { c.CA.Name = "" }},
		{"bad ca algorithm", func(c *Config) { c.CA.KeyAlgorithm = "ed25519" }},
		{"weak rsa leaf", func(c *Config) { c.CA.LeafAlgorithm = "rsa"; c.CA.LeafKeyBits = 1024 }},
		{"zero crl validity", func(c *Config) { c.CRL.ValidityDays = 0 }},
		{"bad session ttl", func(c *Config) { c.Session.TTL = "soon" }},
		{"missing admin token", func(c *Config) { c.Admin.Token = "" }},
		{"short encryption key", func(c *Config) { c.Encryption.Key = "abcd" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"rotation without window", func(c *Config) { c.Rotation.RenewWithinDays = 0 }},
		{"renewal window swallows leaf lifetime", func(c *Config) { c.Rotation.RenewWithinDays = c.CA.LeafValidityDays }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, validYAML))
			require.NoError(t, err)
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadWithEnv_Overrides(t *testing.T) {
	t.Setenv("PKISERVER_DB_PATH", "/tmp/override.db")
	t.Setenv("PKISERVER_ADMIN_TOKEN", "env-token")

	cfg, err := LoadWithEnv(writeConfig(t, validYAML))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
	assert.Equal(t, "env-token", cfg.Admin.Token)
}

func TestParseDuration_Days(t *testing.T) {
	d, err := parseDuration("90d")
	require.NoError(t, err)
	assert.Equal(t, 90*24*time.Hour, d)

	d, err = parseDuration("12h")
	require.NoError(t, err)
	assert.Equal(t, 12*time.Hour, d)

	_, err = parseDuration("ninety days")
	require.Error(t, err)
}
