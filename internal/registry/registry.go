// Package registry maps source names to adapter factories. It is
// populated once at startup and read-only afterwards; lookups are
// case-insensitive.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/chainledger/chainledger/internal/ledger"
	"github.com/chainledger/chainledger/internal/provider"
)

// ErrUnknownAdapter reports a source name no adapter registered for.
var ErrUnknownAdapter = errors.New("unknown adapter")

// ChainModel distinguishes how a chain accounts for value.
type ChainModel string

const (
	ChainModelUTXO    ChainModel = "utxo"
	ChainModelAccount ChainModel = "account-based"
)

// ImportParams carries the per-account inputs an importer needs.
type ImportParams struct {
	Address        string
	CSVDirectories []string

	// Cursor maps stream type to the last durable cursor. An importer
	// must yield only records strictly beyond it.
	Cursor map[string]ledger.CursorState

	// ProviderName pins blockchain importers to a named provider.
	ProviderName string
}

// Importer streams raw records in resumable batches. The returned
// channel is closed when the stream ends; a BatchResult with Err set is
// the stream's terminal item unless the error is a PartialImportError.
type Importer interface {
	ImportStreaming(ctx context.Context, params ImportParams) <-chan ledger.BatchResult
}

// Processor turns raw records into universal transactions. Pure and
// deterministic over its inputs; no I/O.
type Processor interface {
	Process(account *ledger.Account, records []ledger.RawRecord) ([]*ledger.UniversalTransaction, error)
}

// BlockchainAdapter integrates one chain.
type BlockchainAdapter interface {
	Name() string
	ChainModel() ChainModel

	// CaseSensitiveAddresses reports whether address comparison must
	// preserve case (base58 chains) or may fold it (hex, bech32).
	CaseSensitiveAddresses() bool

	// NormalizeAddress validates and canonicalizes a wallet address.
	NormalizeAddress(addr string) (string, error)

	CreateImporter(pm *provider.Manager, preferredProvider string) Importer
	CreateProcessor() Processor
}

// ExchangeAdapter integrates one exchange, either via its API or via
// CSV exports.
type ExchangeAdapter interface {
	Name() string
	CreateImporter() Importer
	CreateProcessor() Processor
}

// Registry holds the adapter tables.
type Registry struct {
	mu          sync.RWMutex
	blockchains map[string]BlockchainAdapter
	exchanges   map[string]ExchangeAdapter
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		blockchains: make(map[string]BlockchainAdapter),
		exchanges:   make(map[string]ExchangeAdapter),
	}
}

// RegisterBlockchain adds a chain adapter.
func (r *Registry) RegisterBlockchain(a BlockchainAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blockchains[strings.ToLower(a.Name())] = a
}

// RegisterExchange adds an exchange adapter.
func (r *Registry) RegisterExchange(a ExchangeAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exchanges[strings.ToLower(a.Name())] = a
}

// Blockchain looks up a chain adapter by name.
func (r *Registry) Blockchain(name string) (BlockchainAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.blockchains[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: blockchain %q", ErrUnknownAdapter, name)
	}
	return a, nil
}

// Exchange looks up an exchange adapter by name.
func (r *Registry) Exchange(name string) (ExchangeAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.exchanges[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: exchange %q", ErrUnknownAdapter, name)
	}
	return a, nil
}

// Blockchains lists the registered chain names, sorted.
func (r *Registry) Blockchains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.blockchains))
	for name := range r.blockchains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Exchanges lists the registered exchange names, sorted.
func (r *Registry) Exchanges() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.exchanges))
	for name := range r.exchanges {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
