package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/chainledger/chainledger/internal/ledger"
)

// SaveResult reports what a sink write actually changed.
type SaveResult struct {
	Inserted int64
	Skipped  int64
}

// SaveBatch writes raw records into the sink. Records whose content hash
// already exists for (account, source) are skipped, not overwritten, so
// overlapping re-imports are safe.
func (s *Storage) SaveBatch(account *ledger.Account, sessionID string, records []ledger.RawRecord) (*SaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin batch save: %w", err)
	}
	defer tx.Rollback()

	result, err := saveBatchTx(tx, account, sessionID, records)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch save: %w", err)
	}
	return result, nil
}

// SaveBatchWithCursor persists a batch, advances the account's cursors,
// and bumps the session counters in a single transaction. Either all of
// it lands or none of it does, so a crash can never record a cursor past
// unsaved data.
func (s *Storage) SaveBatchWithCursor(account *ledger.Account, sessionID string, records []ledger.RawRecord, cursorUpdates map[string]ledger.CursorState) (*SaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin batch save: %w", err)
	}
	defer tx.Rollback()

	result, err := saveBatchTx(tx, account, sessionID, records)
	if err != nil {
		return nil, err
	}

	if len(cursorUpdates) > 0 {
		if err := updateCursorsTx(tx, account.ID, cursorUpdates); err != nil {
			return nil, err
		}
	}

	_, err = tx.Exec(`
		UPDATE import_sessions
		SET transactions_imported = transactions_imported + ?,
		    transactions_skipped = transactions_skipped + ?
		WHERE id = ?
	`, result.Inserted, result.Skipped, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to update session counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch save: %w", err)
	}
	return result, nil
}

func saveBatchTx(tx *sql.Tx, account *ledger.Account, sessionID string, records []ledger.RawRecord) (*SaveResult, error) {
	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO raw_records
			(account_id, source, session_id, content_hash, stream_type, payload, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare record insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	result := &SaveResult{}
	for _, rec := range records {
		status := rec.Status
		if status == "" {
			status = ledger.RecordPending
		}
		res, err := stmt.Exec(account.ID, account.Source, sessionID,
			rec.ContentHash, rec.StreamType, []byte(rec.Payload), status, now)
		if err != nil {
			return nil, fmt.Errorf("failed to save record %s: %w", rec.ContentHash, err)
		}
		rows, _ := res.RowsAffected()
		if rows > 0 {
			result.Inserted++
		} else {
			result.Skipped++
		}
	}
	return result, nil
}

// CountByStreamType returns how many records the sink holds per stream
// type for an account.
func (s *Storage) CountByStreamType(accountID string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT stream_type, COUNT(*) FROM raw_records
		WHERE account_id = ?
		GROUP BY stream_type
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var stream string
		var n int64
		if err := rows.Scan(&stream, &n); err != nil {
			return nil, fmt.Errorf("failed to scan record count: %w", err)
		}
		counts[stream] = n
	}
	return counts, rows.Err()
}

// GetSessionRecords returns the raw records saved under a session.
func (s *Storage) GetSessionRecords(sessionID string) ([]ledger.RawRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT session_id, content_hash, stream_type, payload, status
		FROM raw_records
		WHERE session_id = ?
		ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session records: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// GetPendingRecords returns an account's unprocessed records, oldest
// first, for the processing stage.
func (s *Storage) GetPendingRecords(accountID string, limit int) ([]ledger.RawRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(`
		SELECT session_id, content_hash, stream_type, payload, status
		FROM raw_records
		WHERE account_id = ? AND status = ?
		ORDER BY id ASC LIMIT ?
	`, accountID, ledger.RecordPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending records: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// MarkRecordsProcessed flips records to a terminal processing status.
func (s *Storage) MarkRecordsProcessed(accountID string, contentHashes []string, status ledger.RecordStatus) error {
	if len(contentHashes) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin status update: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		UPDATE raw_records SET status = ?
		WHERE account_id = ? AND content_hash = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare status update: %w", err)
	}
	defer stmt.Close()

	for _, hash := range contentHashes {
		if _, err := stmt.Exec(status, accountID, hash); err != nil {
			return fmt.Errorf("failed to update record %s: %w", hash, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit status update: %w", err)
	}
	return nil
}

func collectRecords(rows *sql.Rows) ([]ledger.RawRecord, error) {
	var records []ledger.RawRecord
	for rows.Next() {
		var rec ledger.RawRecord
		var payload []byte
		if err := rows.Scan(&rec.SessionID, &rec.ContentHash, &rec.StreamType, &payload, &rec.Status); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.Payload = payload
		records = append(records, rec)
	}
	return records, rows.Err()
}
