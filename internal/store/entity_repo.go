package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/skald-rpg/engine/internal/domain"
)

// EntityRepo handles persistence for world entities.
type EntityRepo struct{}

// UpsertTx inserts or replaces an entity within a transaction.
func (r *EntityRepo) UpsertTx(ctx context.Context, tx *sql.Tx, sessionID string, e domain.Entity) error {
	stats, err := json.Marshal(e.Stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}

	const q = `INSERT INTO entities (session_id, entity_id, name, kind, location, hp, stats_json, notes)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id, entity_id) DO UPDATE SET
	name = excluded.name,
	kind = excluded.kind,
	location = excluded.location,
	hp = excluded.hp,
	stats_json = excluded.stats_json,
	notes = excluded.notes`

	_, err = tx.ExecContext(ctx, q,
		sessionID, e.ID, e.Name, e.Kind, e.Location, e.HP, string(stats), e.Notes,
	)
	if err != nil {
		return fmt.Errorf("upsert entity: %w", err)
	}
	return nil
}

// DeleteTx removes an entity within a transaction.
func (r *EntityRepo) DeleteTx(ctx context.Context, tx *sql.Tx, sessionID, entityID string) error {
	const q = `DELETE FROM entities WHERE session_id = ? AND entity_id = ?`
	_, err := tx.ExecContext(ctx, q, sessionID, entityID)
	if err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	return nil
}

// GetByID retrieves one entity.
func (r *EntityRepo) GetByID(ctx context.Context, db *sql.DB, sessionID, entityID string) (*domain.Entity, error) {
	return getEntity(ctx, db.QueryRowContext, sessionID, entityID)
}

// GetByIDTx retrieves one entity within a transaction.
func (r *EntityRepo) GetByIDTx(ctx context.Context, tx *sql.Tx, sessionID, entityID string) (*domain.Entity, error) {
	return getEntity(ctx, tx.QueryRowContext, sessionID, entityID)
}

func getEntity(ctx context.Context, queryRow func(ctx context.Context, query string, args ...any) *sql.Row, sessionID, entityID string) (*domain.Entity, error) {
	const q = `SELECT entity_id, name, kind, location, hp, stats_json, notes
FROM entities WHERE session_id = ? AND entity_id = ?`

	row := queryRow(ctx, q, sessionID, entityID)
	e, err := scanEntity(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrUnknownEntity
		}
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

// ListBySession returns all entities for a session ordered by id.
func (r *EntityRepo) ListBySession(ctx context.Context, db *sql.DB, sessionID string) ([]domain.Entity, error) {
	const q = `SELECT entity_id, name, kind, location, hp, stats_json, notes
FROM entities WHERE session_id = ? ORDER BY entity_id ASC`

	rows, err := db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var entities []domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		entities = append(entities, *e)
	}
	return entities, rows.Err()
}

func scanEntity(scan func(dest ...any) error) (*domain.Entity, error) {
	var e domain.Entity
	var stats string
	if err := scan(&e.ID, &e.Name, &e.Kind, &e.Location, &e.HP, &stats, &e.Notes); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stats), &e.Stats); err != nil {
		return nil, fmt.Errorf("unmarshal stats: %w", err)
	}
	return &e, nil
}
