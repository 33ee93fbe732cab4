package bitcoin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/chainledger/chainledger/internal/ledger"
	"github.com/chainledger/chainledger/internal/provider"
	"github.com/chainledger/chainledger/internal/registry"
)

// StreamTransactions is the single stream a Bitcoin address produces.
const StreamTransactions = "transactions"

// Importer pages address transactions through the provider manager and
// streams them as resumable batches.
type Importer struct {
	providers *provider.Manager
	preferred string
}

// ImportStreaming yields confirmed address transactions beyond the
// stream's cursor, one provider page per batch. The cursor's primary key
// is the last seen txid; the provider pages strictly past it.
func (i *Importer) ImportStreaming(ctx context.Context, params registry.ImportParams) <-chan ledger.BatchResult {
	out := make(chan ledger.BatchResult)

	go func() {
		defer close(out)

		cursor := params.Cursor[StreamTransactions]
		preferred := params.ProviderName
		if preferred == "" {
			preferred = i.preferred
		}

		for {
			res, err := i.providers.ExecutePreferred(ctx, "bitcoin", preferred, provider.Call{
				Type:     provider.OpGetAddressTransactions,
				Address:  params.Address,
				StartKey: cursor.Primary,
			})
			if err != nil {
				yield(ctx, out, ledger.BatchResult{Err: fmt.Errorf("bitcoin import for %s: %w", params.Address, err)})
				return
			}

			page := res.Data
			records := make([]ledger.RawRecord, 0, len(page.Records))
			lastTxID := cursor.LastTransactionID
			for _, raw := range page.Records {
				txid, err := extractTxID(raw)
				if err != nil {
					yield(ctx, out, ledger.BatchResult{Err: err})
					return
				}
				records = append(records, ledger.RawRecord{
					ContentHash: ContentHash(txid),
					StreamType:  StreamTransactions,
					Payload:     raw,
					Status:      ledger.RecordPending,
				})
				lastTxID = txid
			}

			cursor = ledger.CursorState{
				Primary:           page.NextKey,
				LastTransactionID: lastTxID,
				TotalFetched:      cursor.TotalFetched + int64(len(records)),
			}
			if page.NextKey == "" {
				cursor.Primary = lastTxID
			}

			if !yield(ctx, out, ledger.BatchResult{Batch: &ledger.Batch{
				RawTransactions: records,
				StreamType:      StreamTransactions,
				Cursor:          cursor,
				IsComplete:      page.Done,
			}}) {
				return
			}
			if page.Done {
				return
			}
		}
	}()

	return out
}

// yield sends a result unless the context is cancelled first.
func yield(ctx context.Context, out chan<- ledger.BatchResult, r ledger.BatchResult) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

// ContentHash derives the sink dedupe key for a Bitcoin transaction.
func ContentHash(txid string) string {
	sum := sha256.Sum256([]byte("bitcoin:" + txid))
	return hex.EncodeToString(sum[:])
}

func extractTxID(raw json.RawMessage) (string, error) {
	var tx struct {
		TxID string `json:"txid"`
	}
	if err := json.Unmarshal(raw, &tx); err != nil {
		return "", fmt.Errorf("malformed bitcoin transaction: %w", err)
	}
	if tx.TxID == "" {
		return "", fmt.Errorf("bitcoin transaction missing txid")
	}
	return tx.TxID, nil
}

var _ registry.Importer = (*Importer)(nil)
