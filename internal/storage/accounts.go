// Package storage - Account storage operations.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chainledger/chainledger/internal/ledger"
)

// Account errors
var (
	ErrAccountNotFound = errors.New("account not found")
)

// CreateAccount creates a new account.
func (s *Storage) CreateAccount(a *ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirs, err := json.Marshal(a.CSVDirectories)
	if err != nil {
		return fmt.Errorf("failed to marshal csv directories: %w", err)
	}
	cursor, err := marshalCursors(a.LastCursor)
	if err != nil {
		return err
	}

	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.Exec(`
		INSERT INTO accounts (id, kind, source, identifier, csv_directories, preferred_provider, last_cursor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Kind, a.Source, a.Identifier, string(dirs), a.PreferredProvider, cursor, createdAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetAccount retrieves an account by ID.
func (s *Storage) GetAccount(id string) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, kind, source, identifier, csv_directories, preferred_provider, last_cursor, created_at
		FROM accounts WHERE id = ?
	`, id)
	return scanAccount(row)
}

// ListAccounts returns all accounts.
func (s *Storage) ListAccounts() ([]*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, kind, source, identifier, csv_directories, preferred_provider, last_cursor, created_at
		FROM accounts ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// DeleteAccount deletes an account. Sessions and raw records cascade.
func (s *Storage) DeleteAccount(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec("DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdateCursor persists a single stream's cursor for an account.
func (s *Storage) UpdateCursor(accountID, streamType string, cursor ledger.CursorState) error {
	return s.UpdateCursors(accountID, map[string]ledger.CursorState{streamType: cursor})
}

// UpdateCursors merges cursor updates for several streams in one write.
func (s *Storage) UpdateCursors(accountID string, updates map[string]ledger.CursorState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin cursor update: %w", err)
	}
	defer tx.Rollback()

	if err := updateCursorsTx(tx, accountID, updates); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cursor update: %w", err)
	}
	return nil
}

// updateCursorsTx merges cursor updates inside an open transaction.
func updateCursorsTx(tx *sql.Tx, accountID string, updates map[string]ledger.CursorState) error {
	var raw sql.NullString
	err := tx.QueryRow("SELECT last_cursor FROM accounts WHERE id = ?", accountID).Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read cursor: %w", err)
	}

	cursors, err := unmarshalCursors(raw.String)
	if err != nil {
		return err
	}
	for stream, cur := range updates {
		cursors[stream] = cur
	}

	merged, err := marshalCursors(cursors)
	if err != nil {
		return err
	}
	if _, err := tx.Exec("UPDATE accounts SET last_cursor = ? WHERE id = ?", merged, accountID); err != nil {
		return fmt.Errorf("failed to write cursor: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*ledger.Account, error) {
	var a ledger.Account
	var dirs, preferred, cursor sql.NullString
	var createdAt int64

	err := row.Scan(&a.ID, &a.Kind, &a.Source, &a.Identifier, &dirs, &preferred, &cursor, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	if dirs.Valid && dirs.String != "" {
		if err := json.Unmarshal([]byte(dirs.String), &a.CSVDirectories); err != nil {
			return nil, fmt.Errorf("failed to parse csv directories: %w", err)
		}
	}
	if preferred.Valid {
		a.PreferredProvider = preferred.String
	}
	a.LastCursor, err = unmarshalCursors(cursor.String)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = time.Unix(createdAt, 0)
	return &a, nil
}

func marshalCursors(cursors map[string]ledger.CursorState) (string, error) {
	if len(cursors) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(cursors)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cursors: %w", err)
	}
	return string(data), nil
}

func unmarshalCursors(raw string) (map[string]ledger.CursorState, error) {
	cursors := make(map[string]ledger.CursorState)
	if raw == "" {
		return cursors, nil
	}
	if err := json.Unmarshal([]byte(raw), &cursors); err != nil {
		return nil, fmt.Errorf("failed to parse cursors: %w", err)
	}
	return cursors, nil
}
