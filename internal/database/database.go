// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

var memSeq uint64

// DB wraps the engine-owned SQLite database. All durable scheduling
// state (cooldowns, rate actions, run state, run history) lives here.
type DB struct {
	conn *sql.DB
}

// New opens (creating if needed) the database at path and applies the
// schema. SQLite serializes writes; a single connection avoids
// SQLITE_BUSY churn under the engine's low write volume.
func New(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(context.Background()); err != nil {
		conn.Close()
		return nil, err
	}

	log.Debug().Str("path", path).Msg("database ready")
	return db, nil
}

// NewInMemory opens a fresh in-memory database with the schema applied.
// Used by tests. Each call gets its own database; the unique name keeps
// shared-cache handles from colliding across callers.
func NewInMemory() (*DB, error) {
	dsn := fmt.Sprintf("file:mem%d?mode=memory&cache=shared", atomic.AddUint64(&memSeq, 1))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(context.Background()); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Conn exposes the underlying handle; it satisfies dbinterface.Querier.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

func (db *DB) Close() error {
	return db.conn.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS cooldown (
    app_type      TEXT    NOT NULL,
    instance_id   INTEGER NOT NULL,
    item_key      TEXT    NOT NULL,
    title         TEXT,
    last_action_at TEXT   NOT NULL,
    attempt_count INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (app_type, instance_id, item_key)
);

CREATE TABLE IF NOT EXISTS rate_action (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    app_type    TEXT    NOT NULL,
    instance_id INTEGER NOT NULL,
    acted_at    TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_action_window
    ON rate_action (app_type, instance_id, acted_at);

CREATE TABLE IF NOT EXISTS run_state (
    app_type     TEXT    NOT NULL,
    instance_id  INTEGER NOT NULL,
    last_run_at  TEXT,
    next_due_at  TEXT,
    PRIMARY KEY (app_type, instance_id)
);

CREATE TABLE IF NOT EXISTS instance_run (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    app_type     TEXT    NOT NULL,
    instance_id  INTEGER NOT NULL,
    instance_name TEXT,
    started_at   TEXT    NOT NULL,
    finished_at  TEXT,
    status       TEXT    NOT NULL,
    stats_json   TEXT
);
CREATE INDEX IF NOT EXISTS idx_instance_run_lookup
    ON instance_run (app_type, instance_id, id DESC);

CREATE TABLE IF NOT EXISTS search_action (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    app_type     TEXT    NOT NULL,
    instance_id  INTEGER NOT NULL,
    instance_name TEXT,
    item_key     TEXT,
    title        TEXT    NOT NULL,
    occurred_at  TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_search_action_lookup
    ON search_action (app_type, instance_id, id DESC);
`

func (db *DB) migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
