package authstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore keeps credential records in the auth_records table.
type SQLiteStore struct {
	db     *sql.DB
	sealer *Sealer
}

// NewSQLiteStore wraps a database that has been migrated by db.InitDB.
func NewSQLiteStore(db *sql.DB, sealer *Sealer) *SQLiteStore {
	return &SQLiteStore{db: db, sealer: sealer}
}

// Read returns the record at key or ErrNotFound.
func (s *SQLiteStore) Read(ctx context.Context, key Key) ([]byte, error) {
	query := `SELECT data FROM auth_records WHERE session_id = ? AND category = ? AND record_id = ?`

	var data []byte
	err := s.db.QueryRowContext(ctx, query, key.SessionID, key.Category, key.ID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return decode(s.sealer, data)
}

// Write upserts the record at key.
func (s *SQLiteStore) Write(ctx context.Context, key Key, data []byte) error {
	b, err := encode(s.sealer, data)
	if err != nil {
		return &PersistenceError{Op: "seal", Key: key, Err: err}
	}

	query := `
		INSERT INTO auth_records (session_id, category, record_id, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, category, record_id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, key.SessionID, key.Category, key.ID, b, time.Now()); err != nil {
		return &PersistenceError{Op: "write", Key: key, Err: err}
	}
	return nil
}

// Remove deletes the record at key.
func (s *SQLiteStore) Remove(ctx context.Context, key Key) error {
	query := `DELETE FROM auth_records WHERE session_id = ? AND category = ? AND record_id = ?`
	if _, err := s.db.ExecContext(ctx, query, key.SessionID, key.Category, key.ID); err != nil {
		return &PersistenceError{Op: "remove", Key: key, Err: err}
	}
	return nil
}

// Exists reports whether a usable credentials record is stored.
func (s *SQLiteStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	_, err := s.Read(ctx, CredsKey(sessionID))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns the ids of sessions with a credentials record.
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	query := `SELECT session_id FROM auth_records WHERE category = ? ORDER BY session_id`

	rows, err := s.db.QueryContext(ctx, query, CategoryCreds)
	if err != nil {
		return nil, fmt.Errorf("failed to list auth records: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan auth record: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating auth records: %w", err)
	}
	return ids, nil
}

// RemoveAll deletes every record of sessionID.
func (s *SQLiteStore) RemoveAll(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM auth_records WHERE session_id = ?`, sessionID); err != nil {
		return &PersistenceError{Op: "remove_all", Key: CredsKey(sessionID), Err: err}
	}
	return nil
}
