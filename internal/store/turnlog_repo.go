package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/skald-rpg/engine/internal/domain"
)

// TurnLogRecord is an operator-facing audit row for a terminal turn. It is
// not part of canonical world state and is not an event.
type TurnLogRecord struct {
	TurnID    string
	SessionID string
	Status    domain.TurnStatus
	Category  string // e.g. "guard_reject", "budget_exceeded", "commit_validation"
	CreatedAt int64
}

// TurnLogRepo handles persistence for the turn audit log.
type TurnLogRepo struct{}

// Record inserts a turn log row. Duplicate turn ids are ignored so a
// retried turn does not fail on its audit trail.
func (r *TurnLogRepo) Record(ctx context.Context, db *sql.DB, rec TurnLogRecord) error {
	const q = `INSERT OR IGNORE INTO turn_log (turn_id, session_id, status, category, created_at)
VALUES (?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, q, rec.TurnID, rec.SessionID, string(rec.Status), rec.Category, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("record turn log: %w", err)
	}
	return nil
}

// ListBySession returns the turn log for a session, oldest first.
func (r *TurnLogRepo) ListBySession(ctx context.Context, db *sql.DB, sessionID string) ([]TurnLogRecord, error) {
	const q = `SELECT turn_id, session_id, status, category, created_at
FROM turn_log WHERE session_id = ? ORDER BY created_at ASC, turn_id ASC`

	rows, err := db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list turn log: %w", err)
	}
	defer rows.Close()

	var recs []TurnLogRecord
	for rows.Next() {
		var rec TurnLogRecord
		var status string
		if err := rows.Scan(&rec.TurnID, &rec.SessionID, &status, &rec.Category, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn log: %w", err)
		}
		rec.Status = domain.TurnStatus(status)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
