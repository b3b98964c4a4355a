// Package persistence is the single-writer embedded relational store: a
// WAL-mode sqlite database holding signals, their incremental enrichment
// context, a lossless raw wallet-order table, a generic JSON cache, and an
// FTS5 search index kept in sync by triggers. Multiple concurrent readers
// are permitted under WAL; all writes go through one *Store.
//
// Grounded on the teacher's internal/store/store.go (crash-safe, single
// directory, one struct owning all persistence), generalized from JSON
// files to a real relational schema now that modernc.org/sqlite gives the
// writer actual transactional semantics instead of atomic-rename-per-file.
package persistence

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store owns the single writer connection to the signals database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the sqlite database at path, applies the
// WAL/NORMAL-sync/mmap/page-cache pragmas spec.md §4.4 calls for, and runs
// schema migration. path may be ":memory:" for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persistence: open %s: %w", path, err)
	}
	// Single writer: sqlite serializes writers anyway, but the teacher's own
	// store.go is explicit about single-writer intent, and WAL readers don't
	// need more than one write connection either.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-65536", // 64MiB page cache
		"PRAGMA mmap_size=268435456",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("persistence: apply pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS signals (
	signal_id       TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	market_slug     TEXT NOT NULL,
	confidence      REAL NOT NULL,
	risk_level      TEXT NOT NULL,
	source          TEXT NOT NULL,
	detected_at     INTEGER NOT NULL, -- unix nanos
	context_version INTEGER NOT NULL DEFAULT 0,
	wallet_address  TEXT,
	wallet_tier     TEXT,
	order_hash      TEXT,
	tx_hash         TEXT,
	token_id        TEXT,
	size_usd        REAL,
	price           REAL,
	deviation_abs   REAL,
	dominant_side   TEXT,
	window_close_at INTEGER,
	cluster_size    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_signals_detected_at ON signals(detected_at DESC, signal_id DESC);

CREATE TABLE IF NOT EXISTS signal_context (
	signal_id       TEXT PRIMARY KEY REFERENCES signals(signal_id),
	context_version INTEGER NOT NULL,
	status          TEXT NOT NULL,
	payload_json    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS raw_wallet_orders (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	order_hash  TEXT NOT NULL,
	wallet      TEXT NOT NULL,
	token_id    TEXT NOT NULL,
	side        TEXT NOT NULL,
	price       REAL NOT NULL,
	size_usd    REAL NOT NULL,
	observed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_raw_wallet_orders_observed_at ON raw_wallet_orders(observed_at);

CREATE TABLE IF NOT EXISTS json_cache (
	cache_key  TEXT PRIMARY KEY,
	value_json TEXT NOT NULL,
	expires_at INTEGER NOT NULL -- unix nanos; 0 means no expiry
);

CREATE TABLE IF NOT EXISTS search_content (
	signal_id TEXT PRIMARY KEY REFERENCES signals(signal_id),
	body      TEXT NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS search_fts USING fts5(
	signal_id UNINDEXED,
	body,
	content='search_content',
	content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS search_content_ai AFTER INSERT ON search_content BEGIN
	INSERT INTO search_fts(rowid, signal_id, body) VALUES (new.rowid, new.signal_id, new.body);
END;
CREATE TRIGGER IF NOT EXISTS search_content_ad AFTER DELETE ON search_content BEGIN
	INSERT INTO search_fts(search_fts, rowid, signal_id, body) VALUES ('delete', old.rowid, old.signal_id, old.body);
END;
CREATE TRIGGER IF NOT EXISTS search_content_au AFTER UPDATE ON search_content BEGIN
	INSERT INTO search_fts(search_fts, rowid, signal_id, body) VALUES ('delete', old.rowid, old.signal_id, old.body);
	INSERT INTO search_fts(rowid, signal_id, body) VALUES (new.rowid, new.signal_id, new.body);
END;

CREATE TABLE IF NOT EXISTS backfill_cursor (
	id               INTEGER PRIMARY KEY CHECK (id = 1),
	before_detected_at INTEGER NOT NULL,
	before_id        TEXT NOT NULL,
	done             INTEGER NOT NULL DEFAULT 0
);
`

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("persistence: migrate schema: %w", err)
	}
	return nil
}
