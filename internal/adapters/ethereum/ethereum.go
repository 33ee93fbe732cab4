// Package ethereum integrates EVM mainnet: hex-address validation, a
// three-stream provider-backed importer (normal, internal, token), and a
// processor for etherscan-shaped records.
package ethereum

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainledger/chainledger/internal/provider"
	"github.com/chainledger/chainledger/internal/registry"
)

// Stream types an Ethereum address produces, each with its own cursor.
const (
	StreamNormal   = "normal"
	StreamInternal = "internal"
	StreamToken    = "token"
)

// Adapter implements registry.BlockchainAdapter for Ethereum.
type Adapter struct{}

// New creates the Ethereum adapter.
func New() *Adapter {
	return &Adapter{}
}

// Name returns the adapter name.
func (a *Adapter) Name() string {
	return "ethereum"
}

// ChainModel reports the account-based model.
func (a *Adapter) ChainModel() registry.ChainModel {
	return registry.ChainModelAccount
}

// CaseSensitiveAddresses reports false: hex addresses compare folded.
func (a *Adapter) CaseSensitiveAddresses() bool {
	return false
}

// NormalizeAddress validates a hex address and lowercases it.
func (a *Adapter) NormalizeAddress(addr string) (string, error) {
	trimmed := strings.TrimSpace(addr)
	if !common.IsHexAddress(trimmed) {
		return "", fmt.Errorf("invalid ethereum address %q", addr)
	}
	return strings.ToLower(common.HexToAddress(trimmed).Hex()), nil
}

// CreateImporter builds the three-stream importer.
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
