package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/adamscao/pkiserver/internal/models"
)

// UserRepository handles user data access
type UserRepository struct {
	db *sql.DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `
	id, username, email, password_hash, totp_secret, is_active, is_admin, created_at, updated_at
`

// Create creates a new user
func (r *UserRepository) Create(user *models.User) error {
	query := `
		INSERT INTO users (username, email, password_hash, totp_secret, is_active, is_admin)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.Exec(query,
		user.Username,
		user.Email,
		user.PasswordHash,
		user.TOTPSecret,
		user.IsActive,
		user.IsAdmin,
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	user.ID = id
	user.CreatedAt = time.Now()
	user.UpdatedAt = time.Now()

	return nil
}

// GetByUsername retrieves a user by username
func (r *UserRepository) GetByUsername(username string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE username = ?`
	return r.scanOne(r.db.QueryRow(query, username))
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(id int64) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ?`
	return r.scanOne(r.db.QueryRow(query, id))
}

// SetTOTPSecret persists a confirmed TOTP secret for a user.
// Called only after the user has proven possession of the secret; the
// pending secret lives in session state until then.
func (r *UserRepository) SetTOTPSecret(userID int64, secret string) error {
	query := `
		UPDATE users
		SET totp_secret = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	if _, err := r.db.Exec(query, secret, userID); err != nil {
		return fmt.Errorf("failed to set TOTP secret: %w", err)
	}
	return nil
}

// SetActive enables or disables a user account.
func (r *UserRepository) SetActive(userID int64, active bool) error {
	query := `
		UPDATE users
		SET is_active = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	if _, err := r.db.Exec(query, active, userID); err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

// List lists all users
func (r *UserRepository) List() ([]*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users ORDER BY created_at DESC`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*models.User

	for rows.Next() {
		user := &models.User{}
		var isActive, isAdmin int

		err := rows.Scan(
			&user.ID,
			&user.Username,
			&user.Email,
			&user.PasswordHash,
			&user.TOTPSecret,
			&isActive,
			&isAdmin,
			&user.CreatedAt,
			&user.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}

		user.IsActive = isActive == 1
		user.IsAdmin = isAdmin == 1
		users = append(users, user)
	}

	return users, rows.Err()
}

func (r *UserRepository) scanOne(row *sql.Row) (*models.User, error) {
	user := &models.User{}
	var isActive, isAdmin int

	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.PasswordHash,
		&user.TOTPSecret,
		&isActive,
		&isAdmin,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	user.IsActive = isActive == 1
	user.IsAdmin = isAdmin == 1

	return user, nil
}
