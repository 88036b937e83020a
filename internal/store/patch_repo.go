package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/skald-rpg/engine/internal/domain"
)

// PatchRepo handles persistence for applied module patches.
type PatchRepo struct{}

// InsertTx records an applied patch within the commit transaction.
func (r *PatchRepo) InsertTx(ctx context.Context, tx *sql.Tx, sessionID, turnID string, p domain.ModulePatch, createdAt int64) error {
	const q = `INSERT INTO module_patches (patch_id, session_id, turn_id, kind, name, description, scene_id, power, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, q,
		p.ID, sessionID, turnID, p.Kind, p.Name, p.Description, p.SceneID, p.Power, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert module patch: %w", err)
	}
	return nil
}

// UsedPower returns the total power of patches already applied to a session.
func (r *PatchRepo) UsedPower(ctx context.Context, db *sql.DB, sessionID string) (int, error) {
	const q = `SELECT COALESCE(SUM(power), 0) FROM module_patches WHERE session_id = ?`
	var total int
	if err := db.QueryRowContext(ctx, q, sessionID).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum patch power: %w", err)
	}
	return total, nil
}

// ListBySession returns applied patches in application order.
func (r *PatchRepo) ListBySession(ctx context.Context, db *sql.DB, sessionID string) ([]domain.ModulePatch, error) {
	const q = `SELECT patch_id, kind, name, description, scene_id, power
FROM module_patches WHERE session_id = ? ORDER BY created_at ASC, patch_id ASC`

	rows, err := db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list module patches: %w", err)
	}
	defer rows.Close()

	var patches []domain.ModulePatch
	for rows.Next() {
		var p domain.ModulePatch
		if err := rows.Scan(&p.ID, &p.Kind, &p.Name, &p.Description, &p.SceneID, &p.Power); err != nil {
			return nil, fmt.Errorf("scan module patch: %w", err)
		}
		patches = append(patches, p)
	}
	return patches, rows.Err()
}
