package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chainledger/chainledger/internal/ledger"
)

// Session errors
var (
	ErrSessionNotFound  = errors.New("import session not found")
	ErrSessionActive    = errors.New("account already has an incomplete import session")
	ErrSessionFinalized = errors.New("import session already finalized")
)

// CreateSession starts a new import session for an account. At most one
// incomplete session may exist per account; callers resume that one
// instead of opening a second.
func (s *Storage) CreateSession(accountID string) (*ledger.ImportSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing string
	err := s.db.QueryRow(`
		SELECT id FROM import_sessions
		WHERE account_id = ? AND status = ?
		LIMIT 1
	`, accountID, ledger.SessionStarted).Scan(&existing)
	if err == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionActive, existing)
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to check active sessions: %w", err)
	}

	session := &ledger.ImportSession{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Status:    ledger.SessionStarted,
		StartedAt: time.Now(),
	}

	_, err = s.db.Exec(`
		INSERT INTO import_sessions (id, account_id, status, started_at)
		VALUES (?, ?, ?, ?)
	`, session.ID, session.AccountID, session.Status, session.StartedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// GetSession retrieves a session by ID.
func (s *Storage) GetSession(id string) (*ledger.ImportSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, account_id, status, transactions_imported, transactions_skipped,
		       started_at, completed_at, error_message, metadata
		FROM import_sessions WHERE id = ?
	`, id)
	return scanSession(row)
}

// FindLatestIncomplete returns the account's started session, or nil when
// no session is in flight.
func (s *Storage) FindLatestIncomplete(accountID string) (*ledger.ImportSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, account_id, status, transactions_imported, transactions_skipped,
		       started_at, completed_at, error_message, metadata
		FROM import_sessions
		WHERE account_id = ? AND status = ?
		ORDER BY started_at DESC LIMIT 1
	`, accountID, ledger.SessionStarted)
	session, err := scanSession(row)
	if err == ErrSessionNotFound {
		return nil, nil
	}
	return session, err
}

// ListSessions returns an account's sessions, newest first.
func (s *Storage) ListSessions(accountID string, limit int) ([]*ledger.ImportSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, account_id, status, transactions_imported, transactions_skipped,
		       started_at, completed_at, error_message, metadata
		FROM import_sessions
		WHERE account_id = ?
		ORDER BY started_at DESC LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*ledger.ImportSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// FinalizeSession marks a session completed or failed. A session that has
// already reached a terminal status stays there.
func (s *Storage) FinalizeSession(id string, status ledger.SessionStatus, errMsg string, metadata map[string]interface{}) error {
	if status != ledger.SessionCompleted && status != ledger.SessionFailed {
		return fmt.Errorf("invalid terminal status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var meta interface{}
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal session metadata: %w", err)
		}
		meta = string(data)
	}

	result, err := s.db.Exec(`
		UPDATE import_sessions
		SET status = ?, completed_at = ?, error_message = ?, metadata = COALESCE(?, metadata)
		WHERE id = ? AND status = ?
	`, status, time.Now().Unix(), nullableString(errMsg), meta, id, ledger.SessionStarted)
	if err != nil {
		return fmt.Errorf("failed to finalize session: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		var current string
		err := s.db.QueryRow("SELECT status FROM import_sessions WHERE id = ?", id).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read session status: %w", err)
		}
		return fmt.Errorf("%w: status is %s", ErrSessionFinalized, current)
	}
	return nil
}

func scanSession(row rowScanner) (*ledger.ImportSession, error) {
	var session ledger.ImportSession
	var startedAt int64
	var completedAt sql.NullInt64
	var errMsg, meta sql.NullString

	err := row.Scan(&session.ID, &session.AccountID, &session.Status,
		&session.TransactionsImported, &session.TransactionsSkipped,
		&startedAt, &completedAt, &errMsg, &meta)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	session.StartedAt = time.Unix(startedAt, 0)
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		session.CompletedAt = &t
	}
	if errMsg.Valid {
		session.Error = errMsg.String
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &session.Metadata); err != nil {
			return nil, fmt.Errorf("failed to parse session metadata: %w", err)
		}
	}
	return &session, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
