// Package store provides SQLite-backed persistence for the Skald engine:
// canonical world state, the append-only event log, the applied-turn
// idempotency ledger, pending actions, and the fact index.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/skald-rpg/engine/internal/domain"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id      TEXT PRIMARY KEY,
	module_id       TEXT NOT NULL DEFAULT '',
	scene_id        TEXT NOT NULL DEFAULT '',
	scene_summary   TEXT NOT NULL DEFAULT '',
	clock_min       INTEGER NOT NULL DEFAULT 0,
	weather         TEXT NOT NULL DEFAULT '',
	last_event_seq  INTEGER NOT NULL DEFAULT 0,
	updated_at_unix INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS entities (
	session_id TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	kind       TEXT NOT NULL DEFAULT 'npc',
	location   TEXT NOT NULL DEFAULT '',
	hp         INTEGER NOT NULL DEFAULT 0,
	stats_json TEXT NOT NULL DEFAULT '{}',
	notes      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (session_id, entity_id)
);

CREATE TABLE IF NOT EXISTS quests (
	session_id      TEXT NOT NULL,
	quest_id        TEXT NOT NULL,
	name            TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'open',
	objectives_json TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (session_id, quest_id)
);

CREATE TABLE IF NOT EXISTS events (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id       TEXT NOT NULL,
	turn_id          TEXT NOT NULL,
	seq_no           INTEGER NOT NULL,
	event_type       TEXT NOT NULL,
	entity_refs_json TEXT NOT NULL DEFAULT '[]',
	payload_json     TEXT NOT NULL DEFAULT '{}',
	parent_ids_json  TEXT NOT NULL DEFAULT '[]',
	durable          INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	UNIQUE(session_id, seq_no)
);
CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, seq_no);
CREATE INDEX IF NOT EXISTS idx_events_turn ON events(turn_id);

CREATE TABLE IF NOT EXISTS pending_actions (
	pending_id      TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL UNIQUE,
	turn_id         TEXT NOT NULL,
	agent           TEXT NOT NULL DEFAULT '',
	original_input  TEXT NOT NULL DEFAULT '',
	prompt_json     TEXT NOT NULL DEFAULT '{}',
	created_at_unix INTEGER NOT NULL DEFAULT 0,
	expires_at_unix INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS applied_turns (
	turn_id      TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL,
	result_json  TEXT NOT NULL DEFAULT '{}',
	committed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_applied_session ON applied_turns(session_id);

CREATE TABLE IF NOT EXISTS facts (
	fact_id          TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL,
	text             TEXT NOT NULL,
	tags_json        TEXT NOT NULL DEFAULT '[]',
	entity_refs_json TEXT NOT NULL DEFAULT '[]',
	quest_id         TEXT NOT NULL DEFAULT '',
	citations_json   TEXT NOT NULL DEFAULT '[]',
	superseded_by    TEXT NOT NULL DEFAULT '',
	created_at_unix  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_facts_session ON facts(session_id);

CREATE TABLE IF NOT EXISTS module_patches (
	patch_id    TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	turn_id     TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	scene_id    TEXT NOT NULL DEFAULT '',
	power       INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, patch_id)
);

CREATE TABLE IF NOT EXISTS turn_log (
	turn_id    TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	status     TEXT NOT NULL,
	category   TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_turn_log_session ON turn_log(session_id);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreInit.Code, "open database", err)
	}

	// Limit connections to 1 for SQLite (WAL allows concurrent reads but single writer).
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, domain.WrapEngineError(domain.ErrStoreInit.Code, "migrate schema", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}
