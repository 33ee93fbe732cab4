package ethereum

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chainledger/chainledger/internal/ledger"
	"github.com/chainledger/chainledger/internal/provider"
	"github.com/chainledger/chainledger/internal/registry"
)

// streamOps maps each stream to the provider operation that serves it.
var streamOps = []struct {
	stream string
	op     provider.Operation
}{
	{StreamNormal, provider.OpGetAddressTransactions},
	{StreamInternal, provider.OpGetAddressInternalTransactions},
	{StreamToken, provider.OpGetAddressTokenTransactions},
}

// Importer pages the three Ethereum streams in sequence, each resuming
// from its own block-number cursor.
type Importer struct {
	providers *provider.Manager
	preferred string
}

// ImportStreaming drains normal, internal, then token transfers. Each
// stream pages independently; a failure in one stream ends the whole
// run so no later stream's cursor can outpace an earlier failure.
func (i *Importer) ImportStreaming(ctx context.Context, params registry.ImportParams) <-chan ledger.BatchResult {
	out := make(chan ledger.BatchResult)

	go func() {
		defer close(out)

		preferred := params.ProviderName
		if preferred == "" {
			preferred = i.preferred
		}

		for _, s := range streamOps {
			if !i.drainStream(ctx, out, params, s.stream, s.op, preferred) {
				return
			}
		}
	}()

	return out
}

func (i *Importer) drainStream(ctx context.Context, out chan<- ledger.BatchResult, params registry.ImportParams, stream string, op provider.Operation, preferred string) bool {
	cursor := params.Cursor[stream]

	for {
		res, err := i.providers.ExecutePreferred(ctx, "ethereum", preferred, provider.Call{
			Type:     op,
			Address:  params.Address,
			StartKey: cursor.Primary,
		})
		if err != nil {
			yield(ctx, out, ledger.BatchResult{Err: fmt.Errorf("ethereum %s import for %s: %w", stream, params.Address, err)})
			return false
		}

		page := res.Data
		records := make([]ledger.RawRecord, 0, len(page.Records))
		lastTxID := cursor.LastTransactionID
		for _, raw := range page.Records {
			hash, err := ContentHash(stream, raw)
			if err != nil {
				yield(ctx, out, ledger.BatchResult{Err: err})
				return false
			}
			records = append(records, ledger.RawRecord{
				ContentHash: hash,
				StreamType:  stream,
				Payload:     raw,
				Status:      ledger.RecordPending,
			})
			lastTxID = hash
		}

		next := cursor.Primary
		if page.NextKey != "" {
			next = page.NextKey
		}
		cursor = ledger.CursorState{
			Primary:           next,
			LastTransactionID: lastTxID,
			TotalFetched:      cursor.TotalFetched + int64(len(records)),
		}

		if !yield(ctx, out, ledger.BatchResult{Batch: &ledger.Batch{
			RawTransactions: records,
			StreamType:      stream,
			Cursor:          cursor,
			IsComplete:      page.Done,
		}}) {
			return false
		}
		if page.Done {
			return true
		}
	}
}

func yield(ctx context.Context, out chan<- ledger.BatchResult, r ledger.BatchResult) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

// ContentHash derives the sink dedupe key for one etherscan record. A
// token transfer shares its transaction hash with sibling transfers, so
// the key folds in the fields that distinguish one transfer within a
// transaction.
func ContentHash(stream string, raw json.RawMessage) (string, error) {
	var rec struct {
		Hash            string `json:"hash"`
		From            string `json:"from"`
		To              string `json:"to"`
		Value           string `json:"value"`
		ContractAddress string `json:"contractAddress"`
		TraceID         string `json:"traceId"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", fmt.Errorf("malformed ethereum record: %w", err)
	}
	if rec.Hash == "" {
		return "", fmt.Errorf("ethereum record missing hash")
	}

	key := strings.Join([]string{
		"ethereum", stream, strings.ToLower(rec.Hash),
		strings.ToLower(rec.From), strings.ToLower(rec.To),
		rec.Value, strings.ToLower(rec.ContractAddress), rec.TraceID,
	}, "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:]), nil
}

var _ registry.Importer = (*Importer)(nil)
