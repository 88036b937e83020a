package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/skald-rpg/engine/internal/domain"
)

// EventRepo handles persistence for the append-only event log.
type EventRepo struct{}

// AppendTx inserts an event within an existing transaction. The caller is
// responsible for assigning a monotonic SeqNo; UNIQUE(session_id, seq_no)
// rejects duplicates.
func (r *EventRepo) AppendTx(ctx context.Context, tx *sql.Tx, event domain.Event) (int64, error) {
	refs, err := json.Marshal(emptyIfNil(event.EntityRefs))
	if err != nil {
		return 0, fmt.Errorf("marshal entity refs: %w", err)
	}
	parents, err := json.Marshal(emptyIfNilInt64(event.ParentIDs))
	if err != nil {
		return 0, fmt.Errorf("marshal parent ids: %w", err)
	}

	payload := event.PayloadJSON
	if payload == "" {
		payload = "{}"
	}

	const q = `INSERT INTO events (session_id, turn_id, seq_no, event_type, entity_refs_json, payload_json, parent_ids_json, durable, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, q,
		event.SessionID,
		event.TurnID,
		event.SeqNo,
		event.Type,
		string(refs),
		payload,
		string(parents),
		boolToInt(event.Durable),
		event.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return 0, domain.ErrDuplicateEvent
		}
		return 0, fmt.Errorf("append event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event insert id: %w", err)
	}
	return id, nil
}

// ListBySession returns events with sequence numbers greater than sinceSeq,
// ordered by sequence number ascending.
func (r *EventRepo) ListBySession(ctx context.Context, db *sql.DB, sessionID string, sinceSeq int64) ([]domain.Event, error) {
	const q = `SELECT id, session_id, turn_id, seq_no, event_type, entity_refs_json, payload_json, parent_ids_json, durable, created_at
FROM events
WHERE session_id = ? AND seq_no > ?
ORDER BY seq_no ASC`

	rows, err := db.QueryContext(ctx, q, sessionID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ListRecent returns the most recent limit events in ascending sequence order.
func (r *EventRepo) ListRecent(ctx context.Context, db *sql.DB, sessionID string, limit int) ([]domain.Event, error) {
	const q = `SELECT id, session_id, turn_id, seq_no, event_type, entity_refs_json, payload_json, parent_ids_json, durable, created_at
FROM (
	SELECT * FROM events WHERE session_id = ? ORDER BY seq_no DESC LIMIT ?
) ORDER BY seq_no ASC`

	rows, err := db.QueryContext(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ListByTurn returns the events a single turn committed, in sequence order.
func (r *EventRepo) ListByTurn(ctx context.Context, db *sql.DB, turnID string) ([]domain.Event, error) {
	const q = `SELECT id, session_id, turn_id, seq_no, event_type, entity_refs_json, payload_json, parent_ids_json, durable, created_at
FROM events WHERE turn_id = ? ORDER BY seq_no ASC`

	rows, err := db.QueryContext(ctx, q, turnID)
	if err != nil {
		return nil, fmt.Errorf("list turn events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// CountBySession returns the number of events logged for a session.
func (r *EventRepo) CountBySession(ctx context.Context, db *sql.DB, sessionID string) (int64, error) {
	const q = `SELECT COUNT(*) FROM events WHERE session_id = ?`
	var n int64
	if err := db.QueryRowContext(ctx, q, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func collectEvents(rows *sql.Rows) ([]domain.Event, error) {
	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		var refs, parents string
		var durable int
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TurnID, &e.SeqNo, &e.Type,
			&refs, &e.PayloadJSON, &parents, &durable, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(refs), &e.EntityRefs); err != nil {
			return nil, fmt.Errorf("unmarshal entity refs: %w", err)
		}
		if err := json.Unmarshal([]byte(parents), &e.ParentIDs); err != nil {
			return nil, fmt.Errorf("unmarshal parent ids: %w", err)
		}
		e.Durable = durable != 0
		events = append(events, e)
	}
	return events, rows.Err()
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyIfNilInt64(s []int64) []int64 {
	if s == nil {
		return []int64{}
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
