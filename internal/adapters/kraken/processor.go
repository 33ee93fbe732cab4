package kraken

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chainledger/chainledger/internal/ledger"
	"github.com/chainledger/chainledger/internal/registry"
	"github.com/chainledger/chainledger/pkg/money"
)

// assetAliases maps Kraken's legacy asset codes to plain tickers.
var assetAliases = map[string]string{
	"XXBT": "BTC", "XBT": "BTC",
	"XETH": "ETH",
	"XXRP": "XRP",
	"XLTC": "LTC",
	"XXLM": "XLM",
	"ZUSD": "USD", "ZEUR": "EUR", "ZGBP": "GBP", "ZCAD": "CAD", "ZJPY": "JPY",
}

// NormalizeAsset maps a Kraken asset code to its plain ticker.
func NormalizeAsset(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if ticker, ok := assetAliases[code]; ok {
		return ticker
	}
	return code
}

// krakenLedgerEntry mirrors one row of the Ledgers endpoint. Deposit
// rows reuse the shape with extra transfer detail.
type krakenLedgerEntry struct {
	RefID  string      `json:"refid"`
	Time   json.Number `json:"time"`
	Type   string      `json:"type"` // deposit, withdrawal, trade, transfer
	Asset  string      `json:"asset"`
	Amount string      `json:"amount"`
	Fee    string      `json:"fee"`
	TxID   string      `json:"txid"`    // on-chain hash when known
	Info   string      `json:"info"`    // destination address when known
}

// Processor projects stored Kraken records into universal transactions.
type Processor struct{}

// Process converts raw records into movements. The amount's sign gives
// the direction; withdrawals carry the on-chain hash and destination
// address when Kraken reports them, which is what hash matching keys on.
func (p *Processor) Process(account *ledger.Account, records []ledger.RawRecord) ([]*ledger.UniversalTransaction, error) {
	var txs []*ledger.UniversalTransaction
	for _, rec := range records {
		var entry krakenLedgerEntry
		if err := json.Unmarshal(rec.Payload, &entry); err != nil {
			return nil, fmt.Errorf("failed to decode record %s: %w", rec.ContentHash, err)
		}

		amount, err := money.Parse(entry.Amount)
		if err != nil {
			return nil, fmt.Errorf("record %s: bad amount %q", rec.ContentHash, entry.Amount)
		}
		tsFloat, err := entry.Time.Float64()
		if err != nil {
			return nil, fmt.Errorf("record %s: bad time %q", rec.ContentHash, entry.Time)
		}
		ts := time.Unix(int64(tsFloat), 0).UTC()

		ticker := NormalizeAsset(entry.Asset)
		direction := ledger.DirectionIn
		if money.IsZero(amount) {
			direction = ledger.DirectionNeutral
		} else if !money.IsPositive(amount) {
			direction = ledger.DirectionOut
			amount = money.Abs(amount)
		}

		ut := &ledger.UniversalTransaction{
			ID:         account.ID + ":" + rec.ContentHash,
			AccountID:  account.ID,
			Source:     "kraken",
			SourceKind: account.Kind,
			Timestamp:  ts,
			TxHash:     entry.TxID,
		}

		mv := ledger.Movement{
			TransactionID: ut.ID,
			Source:        "kraken",
			SourceKind:    account.Kind,
			AssetID:       ledger.ExchangeAssetID("kraken", ticker),
			AssetSymbol:   ticker,
			Amount:        amount,
			Direction:     direction,
			Timestamp:     ts,
			TxHash:        entry.TxID,
		}
		switch entry.Type {
		case "withdrawal":
			mv.ToAddress = entry.Info
		case "deposit":
			mv.FromAddress = entry.Info
		}
		ut.Movements = append(ut.Movements, mv)

		if fee, err := money.Parse(entry.Fee); err == nil && !money.IsZero(fee) {
			ut.Fees = append(ut.Fees, ledger.Movement{
				TransactionID: ut.ID,
				Source:        "kraken",
				SourceKind:    account.Kind,
				AssetID:       ledger.ExchangeAssetID("kraken", ticker),
				AssetSymbol:   ticker,
				Amount:        money.Abs(fee),
				Direction:     ledger.DirectionOut,
				Timestamp:     ts,
			})
		}
		txs = append(txs, ut)
	}
	return txs, nil
}

var _ registry.Processor = (*Processor)(nil)
