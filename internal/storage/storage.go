// Package storage provides persistent storage using SQLite: accounts with
// their per-stream cursors, import sessions, the content-addressed raw
// record sink, and transfer links.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides persistent storage for the chainledger daemon.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string `yaml:"data_dir"`
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "chainledger.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- User-registered data sources
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		source TEXT NOT NULL,
		identifier TEXT NOT NULL,
		csv_directories TEXT,

		-- Provider pin for blockchain accounts
		preferred_provider TEXT,

		-- Stream type -> cursor state, round-tripped verbatim
		last_cursor TEXT,

		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_source ON accounts(source);

	-- One row per runner invocation against an account
	CREATE TABLE IF NOT EXISTS import_sessions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'started',

		transactions_imported INTEGER NOT NULL DEFAULT 0,
		transactions_skipped INTEGER NOT NULL DEFAULT 0,

		started_at INTEGER NOT NULL,
		completed_at INTEGER,

		error_message TEXT,
		metadata TEXT,

		FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_account ON import_sessions(account_id, status);
	CREATE INDEX IF NOT EXISTS idx_sessions_started ON import_sessions(started_at);

	-- Content-addressed raw record sink
	CREATE TABLE IF NOT EXISTS raw_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		source TEXT NOT NULL,
		session_id TEXT NOT NULL,

		content_hash TEXT NOT NULL,
		stream_type TEXT NOT NULL,
		payload BLOB NOT NULL,

		-- pending, processed, failed
		status TEXT NOT NULL DEFAULT 'pending',

		created_at INTEGER NOT NULL,

		UNIQUE(account_id, source, content_hash),
		FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_raw_records_session ON raw_records(session_id);
	CREATE INDEX IF NOT EXISTS idx_raw_records_stream ON raw_records(account_id, stream_type);
	CREATE INDEX IF NOT EXISTS idx_raw_records_status ON raw_records(status);

	-- Matched withdrawal/deposit pairs
	CREATE TABLE IF NOT EXISTS transaction_links (
		id TEXT PRIMARY KEY,
		source_transaction_id TEXT NOT NULL,
		target_transaction_id TEXT NOT NULL,
		asset_symbol TEXT NOT NULL,

		-- Decimal strings; never floats
		source_amount TEXT NOT NULL,
		target_amount TEXT NOT NULL,

		link_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'suggested',

		reviewed_by TEXT,
		reviewed_at INTEGER,
		metadata TEXT,

		created_at INTEGER NOT NULL,

		UNIQUE(source_transaction_id, target_transaction_id, asset_symbol)
	);

	CREATE INDEX IF NOT EXISTS idx_links_target ON transaction_links(target_transaction_id);
	CREATE INDEX IF NOT EXISTS idx_links_status ON transaction_links(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
