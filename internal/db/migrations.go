package db

import (
	"database/sql"
	"fmt"
)

// RunMigrations executes all database migrations
func RunMigrations(db *DB) error {
	// Check if schema_version table exists
	var tableExists bool
	err := db.QueryRow(`
		SELECT COUNT(*) > 0
		FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("failed to check schema_version table: %w", err)
	}

	if !tableExists {
		// First time initialization
		if err := initializeSchema(db); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
		return nil
	}

	// Get current version
	var currentVersion int
	err = db.QueryRow(`
		SELECT version FROM schema_version
		ORDER BY applied_at DESC LIMIT 1
	`).Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	// Apply migrations if needed
	// Currently only version 1 exists
	if currentVersion < 1 {
		return fmt.Errorf("invalid schema version: %d", currentVersion)
	}

	return nil
}

// initializeSchema creates all tables for a new database
func initializeSchema(db *DB) error {
	tx, err := db.BeginTx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	statements := []string{
		schemaVersionTable,
		usersTable,
		usersIndexes,
		certificateAuthoritiesTable,
		certificateAuthoritiesIndexes,
		certificatesTable,
		certificatesIndexes,
		revocationRecordsTable,
		revocationRecordsIndexes,
		crlSnapshotsTable,
		crlSnapshotsIndexes,
		apiTokensTable,
		apiTokensIndexes,
		auditLogsTable,
		auditLogsIndexes,
		`INSERT INTO schema_version (version) VALUES (1)`,
	}

	for _, stmt := range statements {
		if err := execSQL(tx, stmt); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// execSQL executes a SQL statement
func execSQL(tx *sql.Tx, query string) error {
	_, err := tx.Exec(query)
	return err
}

// Schema definitions
const (
	schemaVersionTable = `
CREATE TABLE schema_version (
    version INTEGER NOT NULL,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

	usersTable = `
CREATE TABLE users (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    username      TEXT NOT NULL UNIQUE,
    email         TEXT NOT NULL DEFAULT '',
    password_hash TEXT NOT NULL,
    totp_secret   TEXT NOT NULL DEFAULT '',
    is_active     INTEGER NOT NULL DEFAULT 1,
    is_admin      INTEGER NOT NULL DEFAULT 0,
    created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

	usersIndexes = `
CREATE INDEX idx_users_username ON users(username);
CREATE INDEX idx_users_is_active ON users(is_active)`

	certificateAuthoritiesTable = `
CREATE TABLE certificate_authorities (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    name          TEXT NOT NULL,
    certificate   TEXT NOT NULL,
    private_key   TEXT NOT NULL,
    serial_number INTEGER NOT NULL DEFAULT 1000,
    is_active     INTEGER NOT NULL DEFAULT 1,
    valid_from    DATETIME NOT NULL,
    valid_until   DATETIME NOT NULL,
    created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

	certificateAuthoritiesIndexes = `
CREATE INDEX idx_cas_name ON certificate_authorities(name);
CREATE INDEX idx_cas_is_active ON certificate_authorities(is_active)`

	certificatesTable = `
CREATE TABLE certificates (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    ca_id             INTEGER NOT NULL,
    user_id           INTEGER,
    cert_type         TEXT NOT NULL DEFAULT 'user',
    serial_number     TEXT NOT NULL,
    certificate       TEXT NOT NULL,
    private_key       TEXT,
    certificate_hash  TEXT NOT NULL,
    subject_dn        TEXT NOT NULL,
    issuer_dn         TEXT NOT NULL,
    not_before        DATETIME NOT NULL,
    not_after         DATETIME NOT NULL,
    revoked           INTEGER NOT NULL DEFAULT 0,
    revocation_date   DATETIME,
    revocation_reason TEXT NOT NULL DEFAULT '',
    created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    UNIQUE (ca_id, serial_number),
    FOREIGN KEY (ca_id) REFERENCES certificate_authorities(id),
    FOREIGN KEY (user_id) REFERENCES users(id)
)`

	certificatesIndexes = `
CREATE INDEX idx_certs_serial ON certificates(serial_number);
CREATE INDEX idx_certs_user_revoked ON certificates(user_id, revoked);
CREATE INDEX idx_certs_not_after ON certificates(not_after);
CREATE INDEX idx_certs_ca_id ON certificates(ca_id)`

	revocationRecordsTable = `
CREATE TABLE revocation_records (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    certificate_id INTEGER NOT NULL,
    reason         TEXT NOT NULL,
    revoked_by     TEXT NOT NULL,
    created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    FOREIGN KEY (certificate_id) REFERENCES certificates(id)
)`

	revocationRecordsIndexes = `
CREATE INDEX idx_revocations_cert_id ON revocation_records(certificate_id)`

	crlSnapshotsTable = `
CREATE TABLE crl_snapshots (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    ca_id       INTEGER NOT NULL,
    crl_pem     TEXT NOT NULL,
    crl_number  INTEGER NOT NULL,
    this_update DATETIME NOT NULL,
    next_update DATETIME NOT NULL,
    created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    FOREIGN KEY (ca_id) REFERENCES certificate_authorities(id)
)`

	crlSnapshotsIndexes = `
CREATE INDEX idx_crls_ca_id ON crl_snapshots(ca_id);
CREATE INDEX idx_crls_created_at ON crl_snapshots(created_at)`

	apiTokensTable = `
CREATE TABLE api_tokens (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id         INTEGER NOT NULL,
    token_hash      TEXT NOT NULL UNIQUE,
    auth_method     TEXT NOT NULL,
    mfa_verified_at DATETIME NOT NULL,
    created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    expires_at      DATETIME NOT NULL,
    last_used_at    DATETIME,

    FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
)`

	apiTokensIndexes = `
CREATE INDEX idx_tokens_user_id ON api_tokens(user_id);
CREATE INDEX idx_tokens_hash ON api_tokens(token_hash);
CREATE INDEX idx_tokens_expires_at ON api_tokens(expires_at)`

	auditLogsTable = `
CREATE TABLE audit_logs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    action      TEXT NOT NULL,
    username    TEXT,
    client_ip   TEXT NOT NULL,
    user_agent  TEXT,
    success     INTEGER NOT NULL,
    error_msg   TEXT,
    details     TEXT
)`

	auditLogsIndexes = `
CREATE INDEX idx_audit_timestamp ON audit_logs(timestamp);
CREATE INDEX idx_audit_action ON audit_logs(action);
CREATE INDEX idx_audit_username ON audit_logs(username);
CREATE INDEX idx_audit_success ON audit_logs(success)`
)
