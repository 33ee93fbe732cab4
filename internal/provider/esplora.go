package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// esploraPageSize is the fixed page size of the esplora chain-txs endpoint.
const esploraPageSize = 25

// EsploraProvider serves UTXO-chain operations from an Esplora-compatible
// API (blockstream.info, mempool.space, self-hosted instances).
type EsploraProvider struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

// NewEsploraProvider creates an Esplora provider.
func NewEsploraProvider(name, baseURL string) *EsploraProvider {
	return &EsploraProvider{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Name returns the configured provider name.
func (p *EsploraProvider) Name() string {
	return p.name
}

// Capabilities returns the operations this API can serve.
func (p *EsploraProvider) Capabilities() Capabilities {
	return NewCapabilities(
		OpGetAddressTransactions,
		OpGetAddressBalances,
		OpGetBlockByHeight,
	)
}

// IsHealthy probes the tip-height endpoint.
func (p *EsploraProvider) IsHealthy(ctx context.Context) (bool, error) {
	var height json.Number
	if err := p.get(ctx, "/blocks/tip/height", &height); err != nil {
		return false, err
	}
	return true, nil
}

// Execute serves one routed call.
func (p *EsploraProvider) Execute(ctx context.Context, call Call) (*Result, error) {
	switch call.Type {
	case OpGetAddressTransactions:
		return p.addressTransactions(ctx, call)
	case OpGetAddressBalances:
		return p.addressBalances(ctx, call)
	case OpGetBlockByHeight:
		return p.blockByHeight(ctx, call)
	default:
		return nil, NewError(KindNonRetryable, p.name, fmt.Errorf("unsupported operation %s", call.Type))
	}
}

// addressTransactions pages confirmed transactions for an address.
// The paging key is the last seen txid; esplora returns the next page
// strictly after it.
func (p *EsploraProvider) addressTransactions(ctx context.Context, call Call) (*Result, error) {
	path := "/address/" + call.Address + "/txs/chain"
	if call.StartKey != "" {
		path += "/" + call.StartKey
	}

	var txs []json.RawMessage
	if err := p.get(ctx, path, &txs); err != nil {
		return nil, err
	}

	res := &Result{Records: txs, Done: len(txs) < esploraPageSize}
	if len(txs) > 0 {
		var last struct {
			TxID string `json:"txid"`
		}
		if err := json.Unmarshal(txs[len(txs)-1], &last); err != nil {
			return nil, NewError(KindNonRetryable, p.name, fmt.Errorf("malformed tx record: %w", err))
		}
		res.NextKey = last.TxID
	}
	return res, nil
}

func (p *EsploraProvider) addressBalances(ctx context.Context, call Call) (*Result, error) {
	var payload json.RawMessage
	if err := p.get(ctx, "/address/"+call.Address, &payload); err != nil {
		return nil, err
	}
	return &Result{Payload: payload, Done: true}, nil
}

func (p *EsploraProvider) blockByHeight(ctx context.Context, call Call) (*Result, error) {
	var hash string
	if err := p.get(ctx, fmt.Sprintf("/block-height/%d", call.Height), &hash); err != nil {
		return nil, err
	}
	var payload json.RawMessage
	if err := p.get(ctx, "/block/"+strings.Trim(hash, "\"\n"), &payload); err != nil {
		return nil, err
	}
	return &Result{Payload: payload, Done: true}, nil
}

// get performs a GET request and decodes the JSON response, classifying
// HTTP failures into the provider error taxonomy.
func (p *EsploraProvider) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+path, nil)
	if err != nil {
		return NewError(KindNonRetryable, p.name, err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return NewError(KindTransient, p.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewError(KindTransient, p.name, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return NewError(KindRateLimited, p.name, fmt.Errorf("status 429"))
	case resp.StatusCode >= 500:
		return NewError(KindTransient, p.name, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return NewError(KindNonRetryable, p.name, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	// Esplora returns some values as bare text (tip height, block hash).
	if s, ok := result.(*string); ok {
		*s = strings.TrimSpace(string(body))
		return nil
	}
	if err := json.Unmarshal(body, result); err != nil {
		// Bare-number endpoints also decode into json.Number targets.
		if n, ok := result.(*json.Number); ok {
			*n = json.Number(strings.TrimSpace(string(body)))
			return nil
		}
		return NewError(KindNonRetryable, p.name, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

var _ Provider = (*EsploraProvider)(nil)
