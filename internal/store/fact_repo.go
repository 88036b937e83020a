package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/skald-rpg/engine/internal/domain"
)

// FactRepo handles persistence for the fact index. Facts are append-only:
// contradicted facts are marked superseded, never updated in place.
type FactRepo struct{}

// Insert adds a new fact. Facts without citations are rejected.
func (r *FactRepo) Insert(ctx context.Context, db *sql.DB, f domain.Fact) error {
	if len(f.Citations) == 0 {
		return domain.ErrFactNoCitation
	}

	tags, err := json.Marshal(emptyIfNil(f.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	refs, err := json.Marshal(emptyIfNil(f.EntityRefs))
	if err != nil {
		return fmt.Errorf("marshal entity refs: %w", err)
	}
	citations, err := json.Marshal(f.Citations)
	if err != nil {
		return fmt.Errorf("marshal citations: %w", err)
	}

	const q = `INSERT INTO facts (fact_id, session_id, text, tags_json, entity_refs_json, quest_id, citations_json, superseded_by, created_at_unix)
VALUES (?, ?, ?, ?, ?, ?, ?, '', ?)`
	_, err = db.ExecContext(ctx, q,
		f.ID, f.SessionID, f.Text, string(tags), string(refs),
		f.QuestID, string(citations), f.CreatedAtUnix,
	)
	if err != nil {
		return fmt.Errorf("insert fact: %w", err)
	}
	return nil
}

// MarkSuperseded records that an old fact was replaced by a newer one.
// This is the only write ever made to an existing fact row.
func (r *FactRepo) MarkSuperseded(ctx context.Context, db *sql.DB, factID, supersededBy string) error {
	const q = `UPDATE facts SET superseded_by = ? WHERE fact_id = ? AND superseded_by = ''`
	_, err := db.ExecContext(ctx, q, supersededBy, factID)
	if err != nil {
		return fmt.Errorf("mark fact superseded: %w", err)
	}
	return nil
}

// ListActive returns all non-superseded facts for a session.
func (r *FactRepo) ListActive(ctx context.Context, db *sql.DB, sessionID string) ([]domain.Fact, error) {
	const q = `SELECT fact_id, session_id, text, tags_json, entity_refs_json, quest_id, citations_json, superseded_by, created_at_unix
FROM facts WHERE session_id = ? AND superseded_by = '' ORDER BY created_at_unix ASC, fact_id ASC`

	rows, err := db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	var facts []domain.Fact
	for rows.Next() {
		f, err := scanFact(rows.Scan)
		if err != nil {
			return nil, err
		}
		facts = append(facts, *f)
	}
	return facts, rows.Err()
}

func scanFact(scan func(dest ...any) error) (*domain.Fact, error) {
	var f domain.Fact
	var tags, refs, citations string
	if err := scan(&f.ID, &f.SessionID, &f.Text, &tags, &refs, &f.QuestID,
		&citations, &f.SupersededBy, &f.CreatedAtUnix); err != nil {
		return nil, fmt.Errorf("scan fact: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &f.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	if err := json.Unmarshal([]byte(refs), &f.EntityRefs); err != nil {
		return nil, fmt.Errorf("unmarshal entity refs: %w", err)
	}
	if err := json.Unmarshal([]byte(citations), &f.Citations); err != nil {
		return nil, fmt.Errorf("unmarshal citations: %w", err)
	}
	return &f, nil
}
