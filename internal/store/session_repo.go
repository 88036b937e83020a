package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/skald-rpg/engine/internal/domain"
)

// SessionState is the per-session header row: scene, clock, and the last
// assigned event sequence number.
type SessionState struct {
	SessionID     string
	ModuleID      string
	SceneID       string
	SceneSummary  string
	ClockMin      int64
	Weather       string
	LastEventSeq  int64
	UpdatedAtUnix int64
}

// SessionRepo handles persistence for session header rows.
type SessionRepo struct{}

// CreateTx inserts a new session within an existing transaction.
func (r *SessionRepo) CreateTx(ctx context.Context, tx *sql.Tx, s SessionState) error {
	const q = `INSERT INTO sessions (session_id, module_id, scene_id, scene_summary, clock_min, weather, last_event_seq, updated_at_unix)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, q,
		s.SessionID, s.ModuleID, s.SceneID, s.SceneSummary,
		s.ClockMin, s.Weather, s.LastEventSeq, s.UpdatedAtUnix,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// UpdateTx rewrites the mutable session fields within a transaction.
func (r *SessionRepo) UpdateTx(ctx context.Context, tx *sql.Tx, s SessionState) error {
	const q = `UPDATE sessions SET
		scene_id = ?,
		scene_summary = ?,
		clock_min = ?,
		weather = ?,
		last_event_seq = ?,
		updated_at_unix = ?
	WHERE session_id = ?`

	res, err := tx.ExecContext(ctx, q,
		s.SceneID, s.SceneSummary, s.ClockMin, s.Weather,
		s.LastEventSeq, s.UpdatedAtUnix, s.SessionID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// GetByID retrieves a session header by its ID.
func (r *SessionRepo) GetByID(ctx context.Context, db *sql.DB, sessionID string) (*SessionState, error) {
	const q = `SELECT session_id, module_id, scene_id, scene_summary, clock_min, weather, last_event_seq, updated_at_unix
FROM sessions WHERE session_id = ?`

	row := db.QueryRowContext(ctx, q, sessionID)

	var s SessionState
	err := row.Scan(&s.SessionID, &s.ModuleID, &s.SceneID, &s.SceneSummary,
		&s.ClockMin, &s.Weather, &s.LastEventSeq, &s.UpdatedAtUnix)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrSessionNotFound
		}
		return nil, domain.WrapEngineError(domain.ErrStoreQuery.Code, "get session", err)
	}
	return &s, nil
}
