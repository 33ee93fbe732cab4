package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// etherscanPageSize is the offset parameter sent on list actions.
const etherscanPageSize = 1000

// EtherscanProvider serves account-chain operations from an
// Etherscan-compatible explorer API (etherscan.io, blockscout instances).
type EtherscanProvider struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewEtherscanProvider creates an Etherscan-style provider.
func NewEtherscanProvider(name, baseURL, apiKey string) *EtherscanProvider {
	return &EtherscanProvider{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Name returns the configured provider name.
func (p *EtherscanProvider) Name() string {
	return p.name
}

// Capabilities returns the operations this API can serve.
func (p *EtherscanProvider) Capabilities() Capabilities {
	return NewCapabilities(
		OpGetAddressTransactions,
		OpGetAddressInternalTransactions,
		OpGetAddressTokenTransactions,
		OpGetAddressBalances,
	)
}

// IsHealthy probes the block-number proxy action.
func (p *EtherscanProvider) IsHealthy(ctx context.Context) (bool, error) {
	q := url.Values{"module": {"proxy"}, "action": {"eth_blockNumber"}}
	var raw json.RawMessage
	if err := p.get(ctx, q, &raw); err != nil {
		return false, err
	}
	return true, nil
}

// Execute serves one routed call.
func (p *EtherscanProvider) Execute(ctx context.Context, call Call) (*Result, error) {
	switch call.Type {
	case OpGetAddressTransactions:
		return p.list(ctx, "txlist", call)
	case OpGetAddressInternalTransactions:
		return p.list(ctx, "txlistinternal", call)
	case OpGetAddressTokenTransactions:
		return p.list(ctx, "tokentx", call)
	case OpGetAddressBalances:
		return p.balance(ctx, call)
	default:
		return nil, NewError(KindNonRetryable, p.name, fmt.Errorf("unsupported operation %s", call.Type))
	}
}

// list pages an account action. The paging key is a block number; the
// next page starts at the block after the last record's.
func (p *EtherscanProvider) list(ctx context.Context, action string, call Call) (*Result, error) {
	startBlock := "0"
	if call.StartKey != "" {
		startBlock = call.StartKey
	}
	limit := call.Limit
	if limit <= 0 {
		limit = etherscanPageSize
	}

	q := url.Values{
		"module":     {"account"},
		"action":     {action},
		"address":    {call.Address},
		"startblock": {startBlock},
		"endblock":   {"99999999"},
		"page":       {"1"},
		"offset":     {strconv.Itoa(limit)},
		"sort":       {"asc"},
	}

	var records []json.RawMessage
	if err := p.get(ctx, q, &records); err != nil {
		return nil, err
	}

	res := &Result{Records: records, Done: len(records) < limit}
	if len(records) > 0 {
		var last struct {
			BlockNumber string `json:"blockNumber"`
		}
		if err := json.Unmarshal(records[len(records)-1], &last); err != nil {
			return nil, NewError(KindNonRetryable, p.name, fmt.Errorf("malformed record: %w", err))
		}
		n, err := strconv.ParseInt(last.BlockNumber, 10, 64)
		if err != nil {
			return nil, NewError(KindNonRetryable, p.name, fmt.Errorf("malformed block number %q", last.BlockNumber))
		}
		res.NextKey = strconv.FormatInt(n+1, 10)
	}
	return res, nil
}

func (p *EtherscanProvider) balance(ctx context.Context, call Call) (*Result, error) {
	q := url.Values{
		"module":  {"account"},
		"action":  {"balance"},
		"address": {call.Address},
		"tag":     {"latest"},
	}
	var payload json.RawMessage
	if err := p.get(ctx, q, &payload); err != nil {
		return nil, err
	}
	return &Result{Payload: payload, Done: true}, nil
}

// get performs an API request, unwrapping the etherscan envelope and
// classifying failures. "No transactions found" decodes as an empty list.
func (p *EtherscanProvider) get(ctx context.Context, q url.Values, result interface{}) error {
	if p.apiKey != "" {
		q.Set("apikey", p.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+"/api?"+q.Encode(), nil)
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
		return NewError(KindNonRetryable, p.name, fmt.Errorf("status %d", resp.StatusCode))
	}

	var envelope struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return NewError(KindNonRetryable, p.name, fmt.Errorf("decode envelope: %w", err))
	}

	if envelope.Status == "0" {
		msg := strings.ToLower(envelope.Message)
		switch {
		case strings.Contains(msg, "no transactions found"):
			envelope.Result = json.RawMessage("[]")
		case strings.Contains(msg, "rate limit"):
			return NewError(KindRateLimited, p.name, fmt.Errorf("%s", envelope.Message))
		default:
			return NewError(KindNonRetryable, p.name, fmt.Errorf("%s", envelope.Message))
		}
	}

	if err := json.Unmarshal(envelope.Result, result); err != nil {
		return NewError(KindNonRetryable, p.name, fmt.Errorf("decode result: %w", err))
	}
	return nil
}

var _ Provider = (*EtherscanProvider)(nil)
