package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/adamscao/pkiserver/internal/models"
)

const auditColumns = "id, timestamp, action, username, client_ip, user_agent, success, error_msg, details"

// AuditRepository handles audit log data access
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create creates a new audit log entry
func (r *AuditRepository) Create(log *models.AuditLog) error {
	query := `
		INSERT INTO audit_logs (action, username, client_ip, user_agent, success, error_msg, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	success := 0
	if log.Success {
		success = 1
	}

	result, err := r.db.Exec(query,
		log.Action,
		log.Username,
		log.ClientIP,
		log.UserAgent,
		success,
		log.ErrorMsg,
		log.Details,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	log.ID = id
	log.Timestamp = time.Now()

	return nil
}

// List lists audit logs with optional filters
func (r *AuditRepository) List(username string, action string, limit int) ([]*models.AuditLog, error) {
	query := "SELECT " + auditColumns + " FROM audit_logs WHERE 1=1"
	args := []interface{}{}

	if username != "" {
		query += " AND username = ?"
		args = append(args, username)
	}

	if action != "" {
		query += " AND action = ?"
		args = append(args, action)
	}

	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	return scanAuditRows(rows)
}

// ListFailedAuth lists failed authentication attempts since the given time.
func (r *AuditRepository) ListFailedAuth(since time.Time, limit int) ([]*models.AuditLog, error) {
	query := `
		SELECT ` + auditColumns + `
		FROM audit_logs
		WHERE action = ? AND success = 0 AND timestamp >= ?
		ORDER BY timestamp DESC
		LIMIT ?
	`

	rows, err := r.db.Query(query, models.ActionAuthFailed, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed auth: %w", err)
	}
	defer rows.Close()

	return scanAuditRows(rows)
}

// DeleteOld deletes audit logs older than the given date
func (r *AuditRepository) DeleteOld(before time.Time) (int64, error) {
	result, err := r.db.Exec("DELETE FROM audit_logs WHERE timestamp < ?", before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old audit logs: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return count, nil
}

func scanAuditRows(rows *sql.Rows) ([]*models.AuditLog, error) {
	var logs []*models.AuditLog

	for rows.Next() {
		log := &models.AuditLog{}
		var success int
		var username, userAgent, errorMsg, details sql.NullString

		err := rows.Scan(
			&log.ID,
			&log.Timestamp,
			&log.Action,
			&username,
			&log.ClientIP,
			&userAgent,
			&success,
			&errorMsg,
			&details,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}

		log.Success = success == 1
		log.Username = username.String
		log.UserAgent = userAgent.String
		log.ErrorMsg = errorMsg.String
		log.Details = details.String

		logs = append(logs, log)
	}

	return logs, rows.Err()
}
