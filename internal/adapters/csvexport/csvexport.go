// Package csvexport integrates exchange CSV exports: a streaming
// importer that walks export directories with per-file offset cursors,
// and a processor for the parsed rows.
package csvexport

import (
	"github.com/chainledger/chainledger/internal/registry"
)

// Columns every export row must carry, in header order.
var requiredColumns = []string{"timestamp", "type", "asset", "amount"}

// Adapter implements registry.ExchangeAdapter over CSV export files.
// The exchange name scopes asset ids and the sink dedupe key, so the
// same adapter serves any exchange whose exports use the common layout.
type Adapter struct {
	exchange string
}

// New creates a CSV adapter for one exchange's exports.
func New(exchange string) *Adapter {
	return &Adapter{exchange: exchange}
}

// Name returns the adapter name.
func (a *Adapter) Name() string {
	return a.exchange
}

// CreateImporter builds the directory-walking importer.
func (a *Adapter) CreateImporter() registry.Importer {
	return &Importer{exchange: a.exchange}
}

// CreateProcessor builds the row processor.
func (a *Adapter) CreateProcessor() registry.Processor {
	return &Processor{exchange: a.exchange}
}

var _ registry.ExchangeAdapter = (*Adapter)(nil)
