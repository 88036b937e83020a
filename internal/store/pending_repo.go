package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/skald-rpg/engine/internal/domain"
)

// PendingRepo handles persistence for pending actions. A session has at
// most one pending action (turns are strictly sequential), enforced by a
// UNIQUE constraint on session_id.
type PendingRepo struct{}

// CreateTx inserts a pending action within a transaction.
func (r *PendingRepo) CreateTx(ctx context.Context, tx *sql.Tx, p domain.PendingAction) error {
	prompt, err := json.Marshal(p.Prompt)
	if err != nil {
		return fmt.Errorf("marshal prompt: %w", err)
	}

	const q = `INSERT INTO pending_actions (pending_id, session_id, turn_id, agent, original_input, prompt_json, created_at_unix, expires_at_unix)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, q,
		p.ID, p.SessionID, p.TurnID, p.Agent, p.OriginalInput,
		string(prompt), p.CreatedAtUnix, p.ExpiresAtUnix,
	)
	if err != nil {
		return fmt.Errorf("create pending action: %w", err)
	}
	return nil
}

// Create inserts a pending action outside any transaction.
func (r *PendingRepo) Create(ctx context.Context, db *sql.DB, p domain.PendingAction) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := r.CreateTx(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

// GetBySession returns the session's pending action, or ErrPendingNotFound.
func (r *PendingRepo) GetBySession(ctx context.Context, db *sql.DB, sessionID string) (*domain.PendingAction, error) {
	const q = `SELECT pending_id, session_id, turn_id, agent, original_input, prompt_json, created_at_unix, expires_at_unix
FROM pending_actions WHERE session_id = ?`

	row := db.QueryRowContext(ctx, q, sessionID)

	var p domain.PendingAction
	var prompt string
	err := row.Scan(&p.ID, &p.SessionID, &p.TurnID, &p.Agent, &p.OriginalInput,
		&prompt, &p.CreatedAtUnix, &p.ExpiresAtUnix)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrPendingNotFound
		}
		return nil, fmt.Errorf("get pending action: %w", err)
	}
	if err := json.Unmarshal([]byte(prompt), &p.Prompt); err != nil {
		return nil, fmt.Errorf("unmarshal prompt: %w", err)
	}
	return &p, nil
}

// Delete removes a pending action by id.
func (r *PendingRepo) Delete(ctx context.Context, db *sql.DB, pendingID string) error {
	const q = `DELETE FROM pending_actions WHERE pending_id = ?`
	_, err := db.ExecContext(ctx, q, pendingID)
	if err != nil {
		return fmt.Errorf("delete pending action: %w", err)
	}
	return nil
}

// DeleteExpired removes all pending actions that expired before nowUnix and
// returns the deleted rows.
func (r *PendingRepo) DeleteExpired(ctx context.Context, db *sql.DB, nowUnix int64) ([]domain.PendingAction, error) {
	const sel = `SELECT pending_id, session_id, turn_id, agent, original_input, prompt_json, created_at_unix, expires_at_unix
FROM pending_actions WHERE expires_at_unix > 0 AND expires_at_unix < ?`

	rows, err := db.QueryContext(ctx, sel, nowUnix)
	if err != nil {
		return nil, fmt.Errorf("list expired pending actions: %w", err)
	}
	var expired []domain.PendingAction
	for rows.Next() {
		var p domain.PendingAction
		var prompt string
		if err := rows.Scan(&p.ID, &p.SessionID, &p.TurnID, &p.Agent, &p.OriginalInput,
			&prompt, &p.CreatedAtUnix, &p.ExpiresAtUnix); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired pending action: %w", err)
		}
		if err := json.Unmarshal([]byte(prompt), &p.Prompt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("unmarshal prompt: %w", err)
		}
		expired = append(expired, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	const del = `DELETE FROM pending_actions WHERE expires_at_unix > 0 AND expires_at_unix < ?`
	if _, err := db.ExecContext(ctx, del, nowUnix); err != nil {
		return nil, fmt.Errorf("delete expired pending actions: %w", err)
	}
	return expired, nil
}
