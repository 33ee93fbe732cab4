// Package kraken integrates the Kraken exchange API: a multi-stream
// streaming importer over an injected API client and a processor for
// ledger, trade and deposit records.
package kraken

import (
	"context"
	"encoding/json"

	"github.com/chainledger/chainledger/internal/registry"
)

// Stream types the Kraken API produces, each with its own cursor.
const (
	StreamLedger  = "ledger"
	StreamTrade   = "trade"
	StreamDeposit = "deposit"
)

// streams is the import order. Deposits come last so a withdrawal's
// ledger entry is always on disk before its matching deposit record.
var streams = []string{StreamLedger, StreamTrade, StreamDeposit}

// Page is one cursor-bounded slice of a stream.
type Page struct {
	Records []json.RawMessage
	Cursor  string
	Done    bool
}

// Client fetches one page of a stream past a cursor. Implementations
// wrap the authenticated Kraken REST API.
type Client interface {
	Fetch(ctx context.Context, stream, cursor string) (*Page, error)
}

// Adapter implements registry.ExchangeAdapter for Kraken.
type Adapter struct {
	client Client
}

// New creates the Kraken adapter around an API client.
func New(client Client) *Adapter {
	return &Adapter{client: client}
}

// Name returns the adapter name.
func (a *Adapter) Name() string {
	return "kraken"
}

// CreateImporter builds the streaming importer.
func (a *Adapter) CreateImporter() registry.Importer {
	return &Importer{client: a.client}
}

// CreateProcessor builds the raw-record processor.
func (a *Adapter) CreateProcessor() registry.Processor {
	return &Processor{}
}

var _ registry.ExchangeAdapter = (*Adapter)(nil)
