// Package bitcoin integrates the Bitcoin chain: address validation via
// btcutil, a provider-backed streaming importer, and a processor that
// projects esplora-shaped transactions into universal transactions.
package bitcoin

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/chainledger/chainledger/internal/provider"
	"github.com/chainledger/chainledger/internal/registry"
)

// Adapter implements registry.BlockchainAdapter for Bitcoin mainnet.
type Adapter struct {
	params *chaincfg.Params
}

// New creates the Bitcoin adapter.
func New() *Adapter {
	return &Adapter{params: &chaincfg.MainNetParams}
}

// Name returns the adapter name.
func (a *Adapter) Name() string {
	return "bitcoin"
}

// ChainModel reports Bitcoin's UTXO accounting model.
func (a *Adapter) ChainModel() registry.ChainModel {
	return registry.ChainModelUTXO
}

// CaseSensitiveAddresses reports false: bech32 addresses are defined
// case-insensitive and legacy addresses are canonicalized on decode.
func (a *Adapter) CaseSensitiveAddresses() bool {
	return false
}

// NormalizeAddress validates a Bitcoin address and returns its canonical
// encoding.
func (a *Adapter) NormalizeAddress(addr string) (string, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return "", fmt.Errorf("empty address")
	}
	decoded, err := btcutil.DecodeAddress(trimmed, a.params)
	if err != nil {
		return "", fmt.Errorf("invalid bitcoin address %q: %w", trimmed, err)
	}
	if !decoded.IsForNet(a.params) {
		return "", fmt.Errorf("address %q is not a mainnet address", trimmed)
	}
	return decoded.EncodeAddress(), nil
}

// CreateImporter builds a provider-backed streaming importer.
func (a *Adapter) CreateImporter(pm *provider.Manager, preferredProvider string) registry.Importer {
	return &Importer{
		providers: pm,
		preferred: preferredProvider,
	}
}

// CreateProcessor builds the raw-record processor.
func (a *Adapter) CreateProcessor() registry.Processor {
	return &Processor{}
}

var _ registry.BlockchainAdapter = (*Adapter)(nil)
