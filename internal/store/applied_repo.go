package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/skald-rpg/engine/internal/domain"
)

// AppliedRepo is the idempotency ledger: one row per committed turn id,
// holding the serialized CommitResult so a retried commit can return the
// prior result without reapplying anything.
type AppliedRepo struct{}

// RecordTx inserts the applied-turn row within the commit transaction.
func (r *AppliedRepo) RecordTx(ctx context.Context, tx *sql.Tx, sessionID string, result domain.CommitResult, committedAt int64) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal commit result: %w", err)
	}

	const q = `INSERT INTO applied_turns (turn_id, session_id, result_json, committed_at)
VALUES (?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, q, result.TurnID, sessionID, string(payload), committedAt)
	if err != nil {
		return fmt.Errorf("record applied turn: %w", err)
	}
	return nil
}

// Get returns the recorded result for a turn id, or nil if the turn has
// not been applied.
func (r *AppliedRepo) Get(ctx context.Context, db *sql.DB, turnID string) (*domain.CommitResult, error) {
	const q = `SELECT result_json FROM applied_turns WHERE turn_id = ?`

	var payload string
	err := db.QueryRowContext(ctx, q, turnID).Scan(&payload)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get applied turn: %w", err)
	}

	var result domain.CommitResult
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("unmarshal commit result: %w", err)
	}
	return &result, nil
}

// Has reports whether a turn id has been applied.
func (r *AppliedRepo) Has(ctx context.Context, db *sql.DB, turnID string) (bool, error) {
	result, err := r.Get(ctx, db, turnID)
	if err != nil {
		return false, err
	}
	return result != nil, nil
}
