package csvexport

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chainledger/chainledger/internal/ledger"
	"github.com/chainledger/chainledger/internal/registry"
	"github.com/chainledger/chainledger/pkg/money"
)

// Processor projects stored CSV rows into universal transactions.
type Processor struct {
	exchange string
}

// Process converts rows into movements. The row's type decides the
// direction; withdrawal rows carry destination evidence for matching.
func (p *Processor) Process(account *ledger.Account, records []ledger.RawRecord) ([]*ledger.UniversalTransaction, error) {
	var txs []*ledger.UniversalTransaction
	for _, rec := range records {
		var r row
		if err := json.Unmarshal(rec.Payload, &r); err != nil {
			return nil, fmt.Errorf("failed to decode row %s: %w", rec.ContentHash, err)
		}

		ts, err := parseTimestamp(r.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("row %s: %w", rec.ContentHash, err)
		}
		amount, err := money.Parse(r.Amount)
		if err != nil {
			return nil, fmt.Errorf("row %s: bad amount %q", rec.ContentHash, r.Amount)
		}

		direction := directionFor(r.Type, amount)
		ticker := strings.ToUpper(r.Asset)

		ut := &ledger.UniversalTransaction{
			ID:         account.ID + ":" + rec.ContentHash,
			AccountID:  account.ID,
			Source:     p.exchange,
			SourceKind: ledger.AccountKindExchangeCSV,
			Timestamp:  ts,
			TxHash:     r.TxID,
		}
		mv := ledger.Movement{
			TransactionID: ut.ID,
			Source:        p.exchange,
			SourceKind:    ledger.AccountKindExchangeCSV,
			AssetID:       ledger.ExchangeAssetID(p.exchange, ticker),
			AssetSymbol:   ticker,
			Amount:        money.Abs(amount),
			Direction:     direction,
			Timestamp:     ts,
			TxHash:        r.TxID,
		}
		switch direction {
		case ledger.DirectionOut:
			mv.ToAddress = r.Address
		case ledger.DirectionIn:
			mv.FromAddress = r.Address
		}
		ut.Movements = append(ut.Movements, mv)

		if r.Fee != "" {
			if fee, err := money.Parse(r.Fee); err == nil && !money.IsZero(fee) {
				ut.Fees = append(ut.Fees, ledger.Movement{
					TransactionID: ut.ID,
					Source:        p.exchange,
					SourceKind:    ledger.AccountKindExchangeCSV,
					AssetID:       ledger.ExchangeAssetID(p.exchange, ticker),
					AssetSymbol:   ticker,
					Amount:        money.Abs(fee),
					Direction:     ledger.DirectionOut,
					Timestamp:     ts,
				})
			}
		}
		txs = append(txs, ut)
	}
	return txs, nil
}

func directionFor(typ string, amount money.Amount) ledger.Direction {
	switch strings.ToLower(typ) {
	case "withdrawal", "withdraw", "send":
		return ledger.DirectionOut
	case "deposit", "receive":
		return ledger.DirectionIn
	}
	if money.IsZero(amount) {
		return ledger.DirectionNeutral
	}
	if money.IsPositive(amount) {
		return ledger.DirectionIn
	}
	return ledger.DirectionOut
}

// parseTimestamp accepts the formats exchange exports commonly use.
var timestampFormats = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampFormats {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

var _ registry.Processor = (*Processor)(nil)
