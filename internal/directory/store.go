// Package directory is the platform's user directory as the messenger sees
// it: profiles stored in PostgreSQL, the role rules deciding who may message
// whom, and the hook that copies a profile into the chat backend before the
// first channel with that user is created.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/referly/messenger/internal/chat"
)

// ErrUserNotFound is returned when no profile exists for an id.
var ErrUserNotFound = errors.New("directory: user not found")

// Store reads and writes profiles in the users table.
type Store struct {
	db *sql.DB
}

// NewStore creates a store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const userColumns = `id, display_name, avatar_url, role, company, job_title, email, phone, linkedin_url`

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (chat.User, error) {
	var u chat.User
	err := row.Scan(&u.ID, &u.DisplayName, &u.AvatarURL, &u.Role, &u.Company, &u.JobTitle, &u.Email, &u.Phone, &u.LinkedInURL)
	return u, err
}

// Get loads one profile.
func (s *Store) Get(ctx context.Context, id string) (chat.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	u, err := scanUser(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return chat.User{}, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	if err != nil {
		return chat.User{}, fmt.Errorf("directory: get %s: %w", id, err)
	}
	return u, nil
}

// ListByRoles returns every profile whose role is in roles, except
// excludeID, ordered by display name.
func (s *Store) ListByRoles(ctx context.Context, roles []string, excludeID string) ([]chat.User, error) {
	query := `SELECT ` + userColumns + `
		FROM users
		WHERE role = ANY($1) AND id <> $2
		ORDER BY display_name, id`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(roles), excludeID)
	if err != nil {
		return nil, fmt.Errorf("directory: list: %w", err)
	}
	defer rows.Close()

	var users []chat.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("directory: list scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("directory: list: %w", err)
	}
	return users, nil
}

// Upsert inserts or updates a profile.
func (s *Store) Upsert(ctx context.Context, u chat.User) error {
	const query = `
		INSERT INTO users (id, display_name, avatar_url, role, company, job_title, email, phone, linkedin_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			avatar_url   = EXCLUDED.avatar_url,
			role         = EXCLUDED.role,
			company      = EXCLUDED.company,
			job_title    = EXCLUDED.job_title,
			email        = EXCLUDED.email,
			phone        = EXCLUDED.phone,
			linkedin_url = EXCLUDED.linkedin_url,
			updated_at   = NOW()`

	_, err := s.db.ExecContext(ctx, query,
		u.ID, u.DisplayName, u.AvatarURL, u.Role, u.Company, u.JobTitle, u.Email, u.Phone, u.LinkedInURL)
	if err != nil {
		return fmt.Errorf("directory: upsert %s: %w", u.ID, err)
	}
	return nil
}
