package bitcoin

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chainledger/chainledger/internal/ledger"
	"github.com/chainledger/chainledger/internal/registry"
	"github.com/chainledger/chainledger/pkg/money"
)

// satoshisPerBTC converts esplora's integer satoshi values.
var satoshisPerBTC = money.MustParse("100000000")

// esploraTx mirrors the esplora transaction shape the importer stores.
type esploraTx struct {
	TxID string `json:"txid"`
	Fee  int64  `json:"fee"`
	Vin  []struct {
		Prevout struct {
			ScriptPubKeyAddress string `json:"scriptpubkey_address"`
			Value               int64  `json:"value"`
		} `json:"prevout"`
	} `json:"vin"`
	Vout []struct {
		ScriptPubKeyAddress string `json:"scriptpubkey_address"`
		Value               int64  `json:"value"`
	} `json:"vout"`
	Status struct {
		Confirmed bool  `json:"confirmed"`
		BlockTime int64 `json:"block_time"`
	} `json:"status"`
}

// Processor projects stored esplora transactions into universal
// transactions relative to the account's address.
type Processor struct{}

// Process converts raw records into movements. For a UTXO chain the
// wallet's net position decides direction: inputs spent from the address
// make an outflow (change deducted, fee carried separately), outputs to
// the address with no spent inputs make an inflow.
func (p *Processor) Process(account *ledger.Account, records []ledger.RawRecord) ([]*ledger.UniversalTransaction, error) {
	address := account.Identifier
	assetID := ledger.BlockchainAssetID("bitcoin", "btc")

	var txs []*ledger.UniversalTransaction
	for _, rec := range records {
		var tx esploraTx
		if err := json.Unmarshal(rec.Payload, &tx); err != nil {
			return nil, fmt.Errorf("failed to decode transaction %s: %w", rec.ContentHash, err)
		}

		var spent, received int64
		for _, in := range tx.Vin {
			if in.Prevout.ScriptPubKeyAddress == address {
				spent += in.Prevout.Value
			}
		}
		for _, out := range tx.Vout {
			if out.ScriptPubKeyAddress == address {
				received += out.Value
			}
		}
		if spent == 0 && received == 0 {
			continue
		}

		ts := time.Unix(tx.Status.BlockTime, 0).UTC()
		ut := &ledger.UniversalTransaction{
			ID:         account.ID + ":" + tx.TxID,
			AccountID:  account.ID,
			Source:     "bitcoin",
			SourceKind: ledger.AccountKindBlockchain,
			Timestamp:  ts,
			TxHash:     tx.TxID,
		}

		if spent > 0 {
			// Net outflow excludes change back to the address and the
			// network fee; the fee is its own movement.
			net := spent - received - tx.Fee
			if net < 0 {
				net = 0
			}
			ut.Movements = append(ut.Movements, ledger.Movement{
				TransactionID: ut.ID,
				Source:        "bitcoin",
				SourceKind:    ledger.AccountKindBlockchain,
				AssetID:       assetID,
				AssetSymbol:   "BTC",
				Amount:        satsToBTC(net),
				GrossAmount:   satsToBTC(spent - received),
				FeeSubtracted: true,
				Direction:     ledger.DirectionOut,
				Timestamp:     ts,
				FromAddress:   address,
				ToAddress:     firstForeignOutput(&tx, address),
				TxHash:        tx.TxID,
			})
			if tx.Fee > 0 {
				ut.Fees = append(ut.Fees, ledger.Movement{
					TransactionID: ut.ID,
					Source:        "bitcoin",
					SourceKind:    ledger.AccountKindBlockchain,
					AssetID:       assetID,
					AssetSymbol:   "BTC",
					Amount:        satsToBTC(tx.Fee),
					Direction:     ledger.DirectionOut,
					Timestamp:     ts,
					TxHash:        tx.TxID,
				})
			}
		} else {
			ut.Movements = append(ut.Movements, ledger.Movement{
				TransactionID: ut.ID,
				Source:        "bitcoin",
				SourceKind:    ledger.AccountKindBlockchain,
				AssetID:       assetID,
				AssetSymbol:   "BTC",
				Amount:        satsToBTC(received),
				Direction:     ledger.DirectionIn,
				Timestamp:     ts,
				ToAddress:     address,
				TxHash:        tx.TxID,
			})
		}
		txs = append(txs, ut)
	}
	return txs, nil
}

func satsToBTC(sats int64) money.Amount {
	return money.Div(money.FromInt(sats), satoshisPerBTC)
}

// firstForeignOutput picks the first output that is not change back to
// the wallet, as the outflow's destination address.
func firstForeignOutput(tx *esploraTx, address string) string {
	for _, out := range tx.Vout {
		if out.ScriptPubKeyAddress != "" && out.ScriptPubKeyAddress != address {
			return out.ScriptPubKeyAddress
		}
	}
	return ""
}

var _ registry.Processor = (*Processor)(nil)
