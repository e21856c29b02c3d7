package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/searle-dev/anywork/internal/db/dialect"
	"github.com/searle-dev/anywork/internal/task/models"
)

// Session operations

// CreateSession creates a session row. Creation is idempotent: inserting an
// id that already exists is a no-op, so concurrent first-tasks for the same
// session never fail.
func (r *Repository) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.LastActive.IsZero() {
		session.LastActive = now
	}

	var title sql.NullString
	if session.Title != nil {
		title = sql.NullString{String: *session.Title, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO sessions (id, channel_type, title, created_at, last_active)
		VALUES (?, ?, ?, ?, ?) `+dialect.InsertIgnore(r.db.DriverName(), "id")),
		session.ID, session.ChannelType, title, session.CreatedAt, session.LastActive)
	return err
}

// GetSession retrieves a session by ID
func (r *Repository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	session := &models.Session{}
	var title sql.NullString
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, channel_type, title, created_at, last_active
		FROM sessions WHERE id = ?
	`), id).Scan(&session.ID, &session.ChannelType, &title, &session.CreatedAt, &session.LastActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session not found: %s", id)
		}
		return nil, err
	}
	if title.Valid {
		session.Title = &title.String
	}
	return session, nil
}

// ListSessions returns all sessions, most recently active first.
func (r *Repository) ListSessions(ctx context.Context) ([]*models.Session, error) {
	rows, err := r.ro.QueryContext(ctx, `
		SELECT id, channel_type, title, created_at, last_active
		FROM sessions ORDER BY last_active DESC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Session
	for rows.Next() {
		session := &models.Session{}
		var title sql.NullString
		if err := rows.Scan(&session.ID, &session.ChannelType, &title, &session.CreatedAt, &session.LastActive); err != nil {
			return nil, err
		}
		if title.Valid {
			session.Title = &title.String
		}
		result = append(result, session)
	}
	return result, rows.Err()
}

// UpdateSessionTitle sets the session title.
func (r *Repository) UpdateSessionTitle(ctx context.Context, id, title string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE sessions SET title = ? WHERE id = ?
	`), title, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("session not found: %s", id)
	}
	return nil
}

// TouchSession bumps last_active to now.
func (r *Repository) TouchSession(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE sessions SET last_active = ? WHERE id = ?
	`), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("session not found: %s", id)
	}
	return nil
}

// DeleteSession removes a session. Tasks and task logs go with it via the
// foreign-key cascade.
func (r *Repository) DeleteSession(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("session not found: %s", id)
	}
	return nil
}
