// Package provider multiplexes per-chain explorer providers behind a single
// virtual provider with rate limiting, circuit breaking, and capability
// routing. Providers are read-only data sources - no keys, no signing.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Operation identifies one capability a provider may support.
type Operation string

const (
	OpGetAddressTransactions         Operation = "getAddressTransactions"
	OpGetAddressInternalTransactions Operation = "getAddressInternalTransactions"
	OpGetAddressTokenTransactions    Operation = "getAddressTokenTransactions"
	OpGetAddressBalances             Operation = "getAddressBalances"
	OpGetBlockByHeight               Operation = "getBlockByHeight"
)

// Capabilities is the set of operations a provider supports.
type Capabilities struct {
	SupportedOperations map[Operation]bool
}

// NewCapabilities builds a capability set from a list of operations.
func NewCapabilities(ops ...Operation) Capabilities {
	m := make(map[Operation]bool, len(ops))
	for _, op := range ops {
		m[op] = true
	}
	return Capabilities{SupportedOperations: m}
}

// Supports reports whether the capability set contains op.
func (c Capabilities) Supports(op Operation) bool {
	return c.SupportedOperations[op]
}

// Call is one logical request routed through the manager.
type Call struct {
	Type    Operation
	Address string
	// StartKey is the opaque paging key (cursor primary); providers
	// return records strictly after it.
	StartKey string
	Limit    int
	Height   int64
}

// Result carries a provider's raw response. Records are opaque to the
// manager; adapters hash and wrap them.
type Result struct {
	Records []json.RawMessage
	NextKey string
	Done    bool
	Payload json.RawMessage // balances / block payloads
}

// Provider is one implementation of a chain's explorer or RPC API.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	Execute(ctx context.Context, call Call) (*Result, error)
	IsHealthy(ctx context.Context) (bool, error)
}

// ErrorKind is the failure taxonomy exposed to the import runner.
type ErrorKind string

const (
	KindNoCapableProvider ErrorKind = "no-capable-provider"
	KindRateLimited       ErrorKind = "rate-limited"
	KindCircuitOpen       ErrorKind = "provider-circuit-open"
	KindTransient         ErrorKind = "provider-transient"
	KindNonRetryable      ErrorKind = "provider-nonretryable"
	KindUnknownAdapter    ErrorKind = "unknown-adapter"
)

// Error is a classified provider failure.
type Error struct {
	Kind     ErrorKind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	if e.Provider == "" {
		if e.Err == nil {
			return string(e.Kind)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Err == nil {
		return fmt.Sprintf("%s (%s)", e.Kind, e.Provider)
	}
	return fmt.Sprintf("%s (%s): %v", e.Kind, e.Provider, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind and the failing provider's name.
func NewError(kind ErrorKind, providerName string, err error) *Error {
	return &Error{Kind: kind, Provider: providerName, Err: err}
}

// KindOf extracts the error kind, or "" for unclassified errors.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsTransient reports whether a failure should trigger failover to the
// next candidate instead of bubbling immediately.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited, KindCircuitOpen:
		return true
	}
	return false
}
