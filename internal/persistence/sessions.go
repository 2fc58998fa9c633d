package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SessionFor returns the persisted agent session id for a group, or ""
// when the group has not run yet (first invocation starts cold).
func (s *Store) SessionFor(ctx context.Context, groupFolder string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id FROM sessions WHERE group_folder = ?;
	`, groupFolder).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session for %s: %w", groupFolder, err)
	}
	return id, nil
}

// SaveSession persists the session id returned by a container run so the next
// invocation for the same group resumes the same reasoning session.
func (s *Store) SaveSession(ctx context.Context, groupFolder, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (group_folder, session_id)
		VALUES (?, ?)
		ON CONFLICT(group_folder) DO UPDATE SET
			session_id = excluded.session_id,
			updated_at = CURRENT_TIMESTAMP;
	`, groupFolder, sessionID)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// SeenIdempotencyKey reports whether an ext_call idempotency key was already
// executed, returning the recorded result for replay.
func (s *Store) SeenIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
	var result string
	err := s.db.QueryRowContext(ctx, `
		SELECT result_json FROM idempotency_keys WHERE key = ?;
	`, key).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("idempotency lookup: %w", err)
	}
	return result, true, nil
}

// RecordIdempotencyKey stores the result of an executed ext_call so retried
// writes of the same logical action do not double-execute.
func (s *Store) RecordIdempotencyKey(ctx context.Context, key, envelopeType, resultJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, envelope_type, result_json)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO NOTHING;
	`, key, envelopeType, resultJSON)
	if err != nil {
		return fmt.Errorf("record idempotency key: %w", err)
	}
	return nil
}
