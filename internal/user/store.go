package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

const upsertUserQuery = `
	INSERT INTO users (id, email, display_name, image_url)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (email) DO UPDATE
	SET display_name = EXCLUDED.display_name,
	    image_url    = COALESCE(EXCLUDED.image_url, users.image_url)
	RETURNING id, email, display_name, image_url, created_at, last_seen_at`

// Upsert inserts the user or, when the email is already known, refreshes the
// profile fields. The existing id wins on conflict so references stay stable.
func (s *Store) Upsert(ctx context.Context, id, email, displayName string, imageURL *string) (*User, error) {
	var u User
	if err := s.db.GetContext(ctx, &u, upsertUserQuery, id, email, displayName, imageURL); err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return &u, nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u,
		`SELECT id, email, display_name, image_url, created_at, last_seen_at FROM users WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	return &u, nil
}

// CountByIDs reports how many of the given ids exist. Used to validate
// conversation member lists in one round trip.
func (s *Store) CountByIDs(ctx context.Context, ids []string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM users WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

// TouchLastSeen records the disconnect time. Missing rows are ignored: the
// user may have been synced on another instance and raced a delete, and
// last-seen is advisory.
func (s *Store) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_seen_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to update last seen for %s: %w", id, err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	return nil
}

// IsNotFound reports whether a store error means the row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
