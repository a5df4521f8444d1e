package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wa-gateway/backend/internal/model"
)

// SessionRepository persists the last known snapshot of each session so
// operators can inspect state across restarts.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, state, identity_id, identity_name, phone, last_error_cause,
		last_error_reason, last_error_at, reconnect_attempts, created_at, updated_at`

// Upsert inserts a session row or replaces the existing one.
func (r *SessionRepository) Upsert(ctx context.Context, s *model.Session) error {
	var identityID, identityName, phone sql.NullString
	if s.Identity != nil {
		identityID = sql.NullString{String: s.Identity.ID, Valid: true}
		identityName = sql.NullString{String: s.Identity.Name, Valid: s.Identity.Name != ""}
		phone = sql.NullString{String: s.Identity.Phone, Valid: s.Identity.Phone != ""}
	}

	var cause, reason sql.NullString
	var errAt sql.NullTime
	if s.LastError != nil {
		cause = sql.NullString{String: s.LastError.Cause, Valid: true}
		reason = sql.NullString{String: s.LastError.Reason, Valid: s.LastError.Reason != ""}
		errAt = sql.NullTime{Time: s.LastError.At, Valid: true}
	}

	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			identity_id = excluded.identity_id,
			identity_name = excluded.identity_name,
			phone = excluded.phone,
			last_error_cause = excluded.last_error_cause,
			last_error_reason = excluded.last_error_reason,
			last_error_at = excluded.last_error_at,
			reconnect_attempts = excluded.reconnect_attempts,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		s.ID,
		s.State,
		identityID,
		identityName,
		phone,
		cause,
		reason,
		errAt,
		s.ReconnectAttempts,
		s.CreatedAt,
		s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	s := &model.Session{}
	var identityID, identityName, phone sql.NullString
	var cause, reason sql.NullString
	var errAt sql.NullTime

	err := row.Scan(
		&s.ID,
		&s.State,
		&identityID,
		&identityName,
		&phone,
		&cause,
		&reason,
		&errAt,
		&s.ReconnectAttempts,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if identityID.Valid {
		s.Identity = &model.Identity{ID: identityID.String, Name: identityName.String, Phone: phone.String}
	}
	if cause.Valid {
		s.LastError = &model.Failure{Cause: cause.String, Reason: reason.String, At: errAt.Time}
	}
	return s, nil
}

// GetByID retrieves a session by its ID.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	s, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// List retrieves every stored session, newest first.
func (r *SessionRepository) List(ctx context.Context) ([]*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// Delete removes a session from the database.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM sessions WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}

	return nil
}

// UpdateState records a state change without touching identity fields.
func (r *SessionRepository) UpdateState(ctx context.Context, id string, state model.SessionState) error {
	query := `
		UPDATE sessions
		SET state = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query, state, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update session state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}

	return nil
}

// MarkAllClosed flips every non-closed row to closed. Called on startup,
// since no connection survives a process restart.
func (r *SessionRepository) MarkAllClosed(ctx context.Context) (int64, error) {
	query := `UPDATE sessions SET state = ?, updated_at = ? WHERE state != ?`

	result, err := r.db.ExecContext(ctx, query, model.StateClosed, time.Now(), model.StateClosed)
	if err != nil {
		return 0, fmt.Errorf("failed to close stale sessions: %w", err)
	}
	return result.RowsAffected()
}

// CountByState returns the number of stored sessions in the given state.
func (r *SessionRepository) CountByState(ctx context.Context, state model.SessionState) (int, error) {
	query := `SELECT COUNT(*) FROM sessions WHERE state = ?`

	var count int
	if err := r.db.QueryRowContext(ctx, query, state).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}

	return count, nil
}

// Exists checks if a session exists.
func (r *SessionRepository) Exists(ctx context.Context, id string) (bool, error) {
	query := `SELECT 1 FROM sessions WHERE id = ? LIMIT 1`

	var exists int
	err := r.db.QueryRowContext(ctx, query, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check session existence: %w", err)
	}

	return true, nil
}
