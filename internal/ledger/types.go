// Package ledger defines the core data model shared by the import runner,
// the provider manager, and the matching engine.
package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AccountKind represents the kind of data source behind an account.
type AccountKind string

const (
	AccountKindBlockchain  AccountKind = "blockchain"
	AccountKindExchangeAPI AccountKind = "exchange-api"
	AccountKindExchangeCSV AccountKind = "exchange-csv"
)

// Account is a user-owned data source: a wallet address, an exchange API
// credential handle, or a set of CSV export directories.
type Account struct {
	ID         string
	Kind       AccountKind
	Source     string // adapter name, e.g. "bitcoin", "kraken"
	Identifier string // wallet address or API key handle

	// CSVDirectories lists export directories for exchange-csv accounts.
	CSVDirectories []string

	// PreferredProvider pins blockchain imports to a named provider.
	PreferredProvider string

	// LastCursor maps stream type to its durable resumption cursor.
	// Mutated only by the import runner while a session is active.
	LastCursor map[string]CursorState

	CreatedAt time.Time
}

// CursorState is an adapter-defined resumption token. The runner never
// interprets Primary; it is round-tripped verbatim. TotalFetched is
// monotone within a stream and is the only field the core reads.
type CursorState struct {
	Primary           string `json:"primary"`
	LastTransactionID string `json:"lastTransactionId,omitempty"`
	TotalFetched      int64  `json:"totalFetched"`
}

// SessionStatus is the lifecycle state of an import session.
type SessionStatus string

const (
	SessionStarted   SessionStatus = "started"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// ImportSession is one run of the import runner against one account.
// At most one incomplete session exists per account at any time.
type ImportSession struct {
	ID                   string
	AccountID            string
	Status               SessionStatus
	TransactionsImported int64
	TransactionsSkipped  int64
	StartedAt            time.Time
	CompletedAt          *time.Time
	Error                string
	Metadata             map[string]interface{}
}

// RecordStatus is the processing state of a raw record.
type RecordStatus string

const (
	RecordPending   RecordStatus = "pending"
	RecordProcessed RecordStatus = "processed"
	RecordFailed    RecordStatus = "failed"
)

// RawRecord is one external record as produced by a provider or export.
// ContentHash is adapter-computed and unique within (account, source).
type RawRecord struct {
	SessionID   string
	ContentHash string
	StreamType  string
	Payload     json.RawMessage
	Status      RecordStatus
}

// Batch is one yield from an adapter's streaming importer.
type Batch struct {
	RawTransactions []RawRecord
	StreamType      string
	Cursor          CursorState
	IsComplete      bool
	Warnings        []string

	// CursorUpdates lets exchange importers advance several streams in
	// one yield; keys are stream types.
	CursorUpdates map[string]CursorState
}

// BatchResult is one item of an importer's stream: a batch or an error.
type BatchResult struct {
	Batch *Batch
	Err   error
}

// PartialImportError is raised by exchange importers when one item fails
// validation mid-stream. It carries everything that validated before the
// offending item so the runner can persist the partial progress.
type PartialImportError struct {
	Validated     []RawRecord
	FailedItem    json.RawMessage
	CursorUpdates map[string]CursorState
	Reason        string
}

func (e *PartialImportError) Error() string {
	return fmt.Sprintf("partial import: %s (%d records validated before failure; re-run to resume past the fix)",
		e.Reason, len(e.Validated))
}

// Direction is the sign of a movement relative to the account.
type Direction string

const (
	DirectionIn      Direction = "in"
	DirectionOut     Direction = "out"
	DirectionNeutral Direction = "neutral"
)

// BlockchainAssetID builds a canonical asset id for an on-chain asset.
// Native assets use the chain's ticker as the contract slot.
func BlockchainAssetID(chain, contractOrNative string) string {
	return "blockchain:" + strings.ToLower(chain) + ":" + strings.ToLower(contractOrNative)
}

// ExchangeAssetID builds a canonical asset id for an exchange-held asset.
func ExchangeAssetID(exchange, ticker string) string {
	return "exchange:" + strings.ToLower(exchange) + ":" + strings.ToLower(ticker)
}
