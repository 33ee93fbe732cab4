package ethereum

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chainledger/chainledger/internal/ledger"
	"github.com/chainledger/chainledger/internal/registry"
	"github.com/chainledger/chainledger/pkg/money"
)

// etherscanRecord covers the fields shared by the normal, internal and
// token list actions.
type etherscanRecord struct {
	Hash            string `json:"hash"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	TimeStamp       string `json:"timeStamp"`
	GasUsed         string `json:"gasUsed"`
	GasPrice        string `json:"gasPrice"`
	IsError         string `json:"isError"`
	ContractAddress string `json:"contractAddress"`
	TokenSymbol     string `json:"tokenSymbol"`
	TokenDecimal    string `json:"tokenDecimal"`
}

// Processor projects stored etherscan records into universal
// transactions relative to the account's address.
type Processor struct{}

// Process converts raw records into movements. Failed transactions
// still burn gas, so an errored outgoing transaction yields only its
// fee movement.
func (p *Processor) Process(account *ledger.Account, records []ledger.RawRecord) ([]*ledger.UniversalTransaction, error) {
	address := strings.ToLower(account.Identifier)

	var txs []*ledger.UniversalTransaction
	for _, rec := range records {
		var r etherscanRecord
		if err := json.Unmarshal(rec.Payload, &r); err != nil {
			return nil, fmt.Errorf("failed to decode record %s: %w", rec.ContentHash, err)
		}

		tsSec, err := strconv.ParseInt(r.TimeStamp, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("record %s: bad timestamp %q", rec.ContentHash, r.TimeStamp)
		}
		ts := time.Unix(tsSec, 0).UTC()

		outgoing := strings.EqualFold(r.From, address)
		incoming := strings.EqualFold(r.To, address)
		if !outgoing && !incoming {
			continue
		}

		assetID, symbol, amount, err := assetAndAmount(rec.StreamType, &r)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", rec.ContentHash, err)
		}

		ut := &ledger.UniversalTransaction{
			ID:         account.ID + ":" + rec.ContentHash,
			AccountID:  account.ID,
			Source:     "ethereum",
			SourceKind: ledger.AccountKindBlockchain,
			Timestamp:  ts,
			TxHash:     strings.ToLower(r.Hash),
		}

		failed := r.IsError == "1"
		if !failed && !money.IsZero(amount) {
			direction := ledger.DirectionIn
			if outgoing {
				direction = ledger.DirectionOut
			}
			ut.Movements = append(ut.Movements, ledger.Movement{
				TransactionID: ut.ID,
				Source:        "ethereum",
				SourceKind:    ledger.AccountKindBlockchain,
				AssetID:       assetID,
				AssetSymbol:   symbol,
				Amount:        amount,
				Direction:     direction,
				Timestamp:     ts,
				FromAddress:   strings.ToLower(r.From),
				ToAddress:     strings.ToLower(r.To),
				TxHash:        ut.TxHash,
			})
		}

		// Gas is paid by the sender on the normal stream only; internal
		// and token records duplicate the carrying transaction's gas.
		if outgoing && rec.StreamType == StreamNormal {
			if fee := gasFee(&r); !money.IsZero(fee) {
				ut.Fees = append(ut.Fees, ledger.Movement{
					TransactionID: ut.ID,
					Source:        "ethereum",
					SourceKind:    ledger.AccountKindBlockchain,
					AssetID:       ledger.BlockchainAssetID("ethereum", "eth"),
					AssetSymbol:   "ETH",
					Amount:        fee,
					Direction:     ledger.DirectionOut,
					Timestamp:     ts,
					TxHash:        ut.TxHash,
				})
			}
		}

		if len(ut.Movements) == 0 && len(ut.Fees) == 0 {
			continue
		}
		txs = append(txs, ut)
	}
	return txs, nil
}

func assetAndAmount(stream string, r *etherscanRecord) (assetID, symbol string, amount money.Amount, err error) {
	switch stream {
	case StreamToken:
		decimals := 18
		if r.TokenDecimal != "" {
			decimals, err = strconv.Atoi(r.TokenDecimal)
			if err != nil {
				return "", "", money.Amount{}, fmt.Errorf("bad token decimals %q", r.TokenDecimal)
			}
		}
		amount, err = scaleDown(r.Value, decimals)
		if err != nil {
			return "", "", money.Amount{}, err
		}
		symbol = strings.ToUpper(r.TokenSymbol)
		return ledger.BlockchainAssetID("ethereum", r.ContractAddress), symbol, amount, nil
	default:
		amount, err = scaleDown(r.Value, 18)
		if err != nil {
			return "", "", money.Amount{}, err
		}
		return ledger.BlockchainAssetID("ethereum", "eth"), "ETH", amount, nil
	}
}

// scaleDown converts a base-unit integer string by the asset's decimals.
func scaleDown(value string, decimals int) (money.Amount, error) {
	if value == "" {
		value = "0"
	}
	v, err := money.Parse(value)
	if err != nil {
		return money.Amount{}, fmt.Errorf("bad value %q: %w", value, err)
	}
	divisor, err := money.Parse("1" + strings.Repeat("0", decimals))
	if err != nil {
		return money.Amount{}, err
	}
	return money.Div(v, divisor), nil
}

func gasFee(r *etherscanRecord) money.Amount {
	used, err := money.Parse(r.GasUsed)
	if err != nil {
		return money.Amount{}
	}
	price, err := money.Parse(r.GasPrice)
	if err != nil {
		return money.Amount{}
	}
	wei := money.Mul(used, price)
	fee, _ := scaleDown(wei.String(), 18)
	return fee
}

var _ registry.Processor = (*Processor)(nil)
