package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chainledger/chainledger/internal/ledger"
	"github.com/chainledger/chainledger/pkg/money"
)

// Link errors
var (
	ErrLinkNotFound = errors.New("transaction link not found")
)

// SaveLink upserts a transfer link. The (source, target, asset) triple is
// the identity: writing it again replaces the stored suggestion, which is
// how a re-run of the matcher updates confidence metadata.
func (s *Storage) SaveLink(link *ledger.TransactionLink) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if link.ID == "" {
		link.ID = uuid.New().String()
	}

	var meta interface{}
	if len(link.Metadata) > 0 {
		data, err := json.Marshal(link.Metadata)
		if err != nil {
			return "", fmt.Errorf("failed to marshal link metadata: %w", err)
		}
		meta = string(data)
	}

	var reviewedAt interface{}
	if link.ReviewedAt != nil {
		reviewedAt = link.ReviewedAt.Unix()
	}

	_, err := s.db.Exec(`
		INSERT INTO transaction_links
			(id, source_transaction_id, target_transaction_id, asset_symbol,
			 source_amount, target_amount, link_type, status, reviewed_by, reviewed_at, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_transaction_id, target_transaction_id, asset_symbol) DO UPDATE SET
			source_amount = excluded.source_amount,
			target_amount = excluded.target_amount,
			link_type = excluded.link_type,
			status = excluded.status,
			reviewed_by = excluded.reviewed_by,
			reviewed_at = excluded.reviewed_at,
			metadata = excluded.metadata
	`, link.ID, link.SourceTransactionID, link.TargetTransactionID, link.AssetSymbol,
		link.SourceAmount.String(), link.TargetAmount.String(), link.Type, link.Status,
		nullableString(link.ReviewedBy), reviewedAt, meta, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("failed to save link: %w", err)
	}
	return link.ID, nil
}

// GetLink retrieves a link by ID.
func (s *Storage) GetLink(id string) (*ledger.TransactionLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, source_transaction_id, target_transaction_id, asset_symbol,
		       source_amount, target_amount, link_type, status, reviewed_by, reviewed_at, metadata
		FROM transaction_links WHERE id = ?
	`, id)
	return scanLink(row)
}

// ListLinks returns links, optionally filtered by status.
func (s *Storage) ListLinks(status ledger.LinkStatus) ([]*ledger.TransactionLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, source_transaction_id, target_transaction_id, asset_symbol,
		       source_amount, target_amount, link_type, status, reviewed_by, reviewed_at, metadata
		FROM transaction_links`
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	defer rows.Close()

	var links []*ledger.TransactionLink
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// ConfirmLink marks a suggested link confirmed by a reviewer.
func (s *Storage) ConfirmLink(id, reviewer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE transaction_links
		SET status = ?, reviewed_by = ?, reviewed_at = ?
		WHERE id = ?
	`, ledger.LinkConfirmed, reviewer, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to confirm link: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrLinkNotFound
	}
	return nil
}

// DeleteLink removes a link.
func (s *Storage) DeleteLink(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec("DELETE FROM transaction_links WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete link: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrLinkNotFound
	}
	return nil
}

func scanLink(row rowScanner) (*ledger.TransactionLink, error) {
	var link ledger.TransactionLink
	var srcAmount, dstAmount string
	var reviewedBy, meta sql.NullString
	var reviewedAt sql.NullInt64

	err := row.Scan(&link.ID, &link.SourceTransactionID, &link.TargetTransactionID, &link.AssetSymbol,
		&srcAmount, &dstAmount, &link.Type, &link.Status, &reviewedBy, &reviewedAt, &meta)
	if err == sql.ErrNoRows {
		return nil, ErrLinkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan link: %w", err)
	}

	link.SourceAmount, err = money.Parse(srcAmount)
	if err != nil {
		return nil, fmt.Errorf("failed to parse source amount: %w", err)
	}
	link.TargetAmount, err = money.Parse(dstAmount)
	if err != nil {
		return nil, fmt.Errorf("failed to parse target amount: %w", err)
	}
	if reviewedBy.Valid {
		link.ReviewedBy = reviewedBy.String
	}
	if reviewedAt.Valid {
		t := time.Unix(reviewedAt.Int64, 0)
		link.ReviewedAt = &t
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &link.Metadata); err != nil {
			return nil, fmt.Errorf("failed to parse link metadata: %w", err)
		}
	}
	return &link, nil
}
