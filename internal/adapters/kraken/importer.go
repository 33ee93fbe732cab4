package kraken

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/chainledger/chainledger/internal/ledger"
	"github.com/chainledger/chainledger/internal/registry"
)

// Importer drains the Kraken streams in order. Records are validated as
// they arrive; an invalid record raises a PartialImportError carrying
// everything that validated before it plus the last-good cursors, so the
// runner can persist the partial progress.
type Importer struct {
	client Client
}

// ImportStreaming yields one batch per API page.
func (i *Importer) ImportStreaming(ctx context.Context, params registry.ImportParams) <-chan ledger.BatchResult {
	out := make(chan ledger.BatchResult)

	go func() {
		defer close(out)

		// lastGood tracks the most recent committed-worthy cursor per
		// stream for the partial-error payload.
		lastGood := make(map[string]ledger.CursorState)
		for stream, cur := range params.Cursor {
			lastGood[stream] = cur
		}

		for _, stream := range streams {
			cursor := params.Cursor[stream]
			for {
				page, err := i.client.Fetch(ctx, stream, cursor.Primary)
				if err != nil {
					yield(ctx, out, ledger.BatchResult{Err: fmt.Errorf("kraken %s fetch: %w", stream, err)})
					return
				}

				records := make([]ledger.RawRecord, 0, len(page.Records))
				lastRefID := cursor.LastTransactionID
				for _, raw := range page.Records {
					refID, err := validate(raw)
					if err != nil {
						yield(ctx, out, ledger.BatchResult{Err: &ledger.PartialImportError{
							Validated:     records,
							FailedItem:    raw,
							CursorUpdates: snapshot(lastGood),
							Reason:        fmt.Sprintf("kraken %s record invalid: %v", stream, err),
						}})
						return
					}
					records = append(records, ledger.RawRecord{
						ContentHash: ContentHash(stream, refID),
						StreamType:  stream,
						Payload:     raw,
						Status:      ledger.RecordPending,
					})
					lastRefID = refID
				}

				cursor = ledger.CursorState{
					Primary:           page.Cursor,
					LastTransactionID: lastRefID,
					TotalFetched:      cursor.TotalFetched + int64(len(records)),
				}
				lastGood[stream] = cursor

				if !yield(ctx, out, ledger.BatchResult{Batch: &ledger.Batch{
					RawTransactions: records,
					StreamType:      stream,
					Cursor:          cursor,
					IsComplete:      page.Done,
					CursorUpdates:   map[string]ledger.CursorState{stream: cursor},
				}}) {
					return
				}
				if page.Done {
					break
				}
			}
		}
	}()

	return out
}

func yield(ctx context.Context, out chan<- ledger.BatchResult, r ledger.BatchResult) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

// validate checks the fields every Kraken record must carry and returns
// its reference id.
func validate(raw json.RawMessage) (string, error) {
	var rec struct {
		RefID  string      `json:"refid"`
		Time   json.Number `json:"time"`
		Amount string      `json:"amount"`
		Asset  string      `json:"asset"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", fmt.Errorf("malformed record: %w", err)
	}
	switch {
	case rec.RefID == "":
		return "", fmt.Errorf("missing refid")
	case rec.Time == "":
		return "", fmt.Errorf("missing time")
	case rec.Amount == "":
		return "", fmt.Errorf("missing amount")
	case rec.Asset == "":
		return "", fmt.Errorf("missing asset")
	}
	return rec.RefID, nil
}

// ContentHash derives the sink dedupe key for one Kraken record.
func ContentHash(stream, refID string) string {
	sum := sha256.Sum256([]byte("kraken|" + stream + "|" + refID))
	return hex.EncodeToString(sum[:])
}

func snapshot(cursors map[string]ledger.CursorState) map[string]ledger.CursorState {
	out := make(map[string]ledger.CursorState, len(cursors))
	for k, v := range cursors {
		out[k] = v
	}
	return out
}

var _ registry.Importer = (*Importer)(nil)
