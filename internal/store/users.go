package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time check to verify that PostgresUserStore implements UserRepository.
var _ UserRepository = (*PostgresUserStore)(nil)

// User mirrors the 'users' table. The personalisation layer only needs
// identity and the active/staff flags; authentication lives elsewhere.
type User struct {
	ID        int64
	Username  string
	IsActive  bool
	IsStaff   bool
	CreatedAt time.Time
}

// UserRepository defines the interface for user lookups.
type UserRepository interface {
	// GetUser loads one user by ID.
	GetUser(ctx context.Context, id int64) (*User, error)

	// GetUserByUsername loads one user by username.
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// ListActive pages through active, non-staff users ordered by ID.
	// afterID is the exclusive lower bound for keyset pagination.
	ListActive(ctx context.Context, afterID int64, limit int) ([]*User, error)
}

// PostgresUserStore is the implementation of UserRepository backed by
// PostgreSQL.
type PostgresUserStore struct {
	db *pgxpool.Pool
}

// NewPostgresUserStore creates a new repository instance with the given
// connection pool.
func NewPostgresUserStore(db *pgxpool.Pool) *PostgresUserStore {
	if db == nil {
		panic("store: database pool cannot be nil")
	}
	return &PostgresUserStore{db: db}
}

const userColumns = `id, username, is_active, is_staff, created_at`

// GetUser loads one user by ID.
func (s *PostgresUserStore) GetUser(ctx context.Context, id int64) (*User, error) {
	return s.one(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetUserByUsername loads one user by username.
func (s *PostgresUserStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.one(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
}

func (s *PostgresUserStore) one(ctx context.Context, query string, arg any) (*User, error) {
	var u User
	err := s.db.QueryRow(ctx, query, arg).
		Scan(&u.ID, &u.Username, &u.IsActive, &u.IsStaff, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &u, nil
}

// ListActive pages through active, non-staff users with keyset pagination.
// Staff accounts are skipped so editors previewing variants never pollute
// population results.
func (s *PostgresUserStore) ListActive(ctx context.Context, afterID int64, limit int) ([]*User, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE is_active AND NOT is_staff AND id > $1
		ORDER BY id ASC
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}
	defer rows.Close()

	users := make([]*User, 0, limit)
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.IsActive, &u.IsStaff, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}
