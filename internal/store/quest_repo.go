package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/skald-rpg/engine/internal/domain"
)

// QuestRepo handles persistence for quests and their objectives.
type QuestRepo struct{}

// UpsertTx inserts or replaces a quest within a transaction.
func (r *QuestRepo) UpsertTx(ctx context.Context, tx *sql.Tx, sessionID string, q domain.Quest) error {
	objectives, err := json.Marshal(q.Objectives)
	if err != nil {
		return fmt.Errorf("marshal objectives: %w", err)
	}

	const stmt = `INSERT INTO quests (session_id, quest_id, name, status, objectives_json)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(session_id, quest_id) DO UPDATE SET
	name = excluded.name,
	status = excluded.status,
	objectives_json = excluded.objectives_json`

	_, err = tx.ExecContext(ctx, stmt, sessionID, q.ID, q.Name, q.Status, string(objectives))
	if err != nil {
		return fmt.Errorf("upsert quest: %w", err)
	}
	return nil
}

// GetByID retrieves one quest.
func (r *QuestRepo) GetByID(ctx context.Context, db *sql.DB, sessionID, questID string) (*domain.Quest, error) {
	return getQuest(ctx, db.QueryRowContext, sessionID, questID)
}

// GetByIDTx retrieves one quest within a transaction.
func (r *QuestRepo) GetByIDTx(ctx context.Context, tx *sql.Tx, sessionID, questID string) (*domain.Quest, error) {
	return getQuest(ctx, tx.QueryRowContext, sessionID, questID)
}

func getQuest(ctx context.Context, queryRow func(ctx context.Context, query string, args ...any) *sql.Row, sessionID, questID string) (*domain.Quest, error) {
	const q = `SELECT quest_id, name, status, objectives_json
FROM quests WHERE session_id = ? AND quest_id = ?`

	row := queryRow(ctx, q, sessionID, questID)
	quest, err := scanQuest(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrUnknownQuest
		}
		return nil, fmt.Errorf("get quest: %w", err)
	}
	return quest, nil
}

// ListBySession returns all quests for a session ordered by id.
func (r *QuestRepo) ListBySession(ctx context.Context, db *sql.DB, sessionID string) ([]domain.Quest, error) {
	const q = `SELECT quest_id, name, status, objectives_json
FROM quests WHERE session_id = ? ORDER BY quest_id ASC`

	rows, err := db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list quests: %w", err)
	}
	defer rows.Close()

	var quests []domain.Quest
	for rows.Next() {
		quest, err := scanQuest(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan quest: %w", err)
		}
		quests = append(quests, *quest)
	}
	return quests, rows.Err()
}

func scanQuest(scan func(dest ...any) error) (*domain.Quest, error) {
	var q domain.Quest
	var objectives string
	if err := scan(&q.ID, &q.Name, &q.Status, &objectives); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(objectives), &q.Objectives); err != nil {
		return nil, fmt.Errorf("unmarshal objectives: %w", err)
	}
	return &q, nil
}
