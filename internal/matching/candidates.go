// Package matching correlates outgoing movements in one source with
// incoming movements in another and scores the pairs into transfer
// links.
package matching

import (
	"sort"
	"strings"
	"time"

	"github.com/chainledger/chainledger/internal/ledger"
	"github.com/chainledger/chainledger/pkg/money"
)

// Candidate is one directional movement prepared for matching.
type Candidate struct {
	// ID is (originating transaction, direction, asset).
	ID                       string
	OriginatingTransactionID string
	AccountID                string
	Source                   string
	SourceKind               ledger.AccountKind
	AssetID                  string
	AssetSymbol              string
	Amount                   money.Amount
	Direction                ledger.Direction
	Timestamp                time.Time
	FromAddress              string
	ToAddress                string
	TxHash                   string
}

// BuildCandidates explodes universal transactions into source (outflow)
// and target (inflow) candidates. Neutral movements are discarded.
// Blockchain outflows are adjusted for grouped transactions before they
// are offered as sources.
func BuildCandidates(txs []*ledger.UniversalTransaction) (sources, targets []Candidate) {
	var rawSources []Candidate
	for _, tx := range txs {
		for _, c := range explode(tx) {
			switch c.Direction {
			case ledger.DirectionOut:
				rawSources = append(rawSources, c)
			case ledger.DirectionIn:
				targets = append(targets, c)
			}
		}
	}
	sources = adjustOutflows(rawSources, txs)
	return sources, targets
}

// explode aggregates a transaction's movements into one candidate per
// (direction, asset) pair.
func explode(tx *ledger.UniversalTransaction) []Candidate {
	type key struct {
		direction ledger.Direction
		asset     string
	}
	byKey := make(map[key]*Candidate)
	var order []key

	for _, mv := range tx.Movements {
		if mv.Direction == ledger.DirectionNeutral {
			continue
		}
		symbol := strings.ToUpper(mv.AssetSymbol)
		k := key{mv.Direction, symbol}
		if c, ok := byKey[k]; ok {
			c.Amount = money.Add(c.Amount, mv.Net())
			continue
		}
		byKey[k] = &Candidate{
			ID:                       tx.ID + "|" + string(mv.Direction) + "|" + symbol,
			OriginatingTransactionID: tx.ID,
			AccountID:                tx.AccountID,
			Source:                   tx.Source,
			SourceKind:               tx.SourceKind,
			AssetID:                  mv.AssetID,
			AssetSymbol:              symbol,
			Amount:                   mv.Net(),
			Direction:                mv.Direction,
			Timestamp:                mv.Timestamp,
			FromAddress:              mv.FromAddress,
			ToAddress:                mv.ToAddress,
			TxHash:                   firstNonEmpty(mv.TxHash, tx.TxHash),
		}
		order = append(order, k)
	}

	out := make([]Candidate, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	return out
}

// adjustOutflows applies grouped-transaction adjustment to blockchain
// sources: bundled change outputs and repeated network fees would
// otherwise inflate the outflow offered for matching.
func adjustOutflows(sources []Candidate, txs []*ledger.UniversalTransaction) []Candidate {
	type groupKey struct {
		hash  string
		asset string
	}

	groups := make(map[groupKey][]int)
	var order []groupKey
	for idx, c := range sources {
		if c.SourceKind != ledger.AccountKindBlockchain || c.TxHash == "" {
			continue
		}
		k := groupKey{strings.ToLower(c.TxHash), c.AssetSymbol}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], idx)
	}

	adjusted := make(map[int]Candidate)
	dropped := make(map[int]bool)
	for _, k := range order {
		idxs := groups[k]
		inflowSum, hasInflows := groupInflowSum(txs, k.hash, k.asset)

		// A lone outflow with no sibling inflows needs no adjustment.
		if len(idxs) == 1 && !hasInflows {
			continue
		}

		outflowSum := money.Amount{}
		feeSubtracted := true
		for _, idx := range idxs {
			outflowSum = money.Add(outflowSum, sources[idx].Amount)
			if gross := grossFor(txs, sources[idx]); gross {
				feeSubtracted = false
			}
		}
		if !feeSubtracted {
			outflowSum = money.Sub(outflowSum, groupFeeSum(txs, k.hash, k.asset))
		}

		amount := money.Sub(outflowSum, inflowSum)
		if !money.IsPositive(amount) {
			for _, idx := range idxs {
				dropped[idx] = true
			}
			continue
		}

		// Collapse the group onto the outflow with the smallest
		// originating transaction id; siblings are dropped.
		rep := idxs[0]
		for _, idx := range idxs[1:] {
			if sources[idx].OriginatingTransactionID < sources[rep].OriginatingTransactionID {
				rep = idx
			}
		}
		c := sources[rep]
		c.Amount = amount
		adjusted[rep] = c
		for _, idx := range idxs {
			if idx != rep {
				dropped[idx] = true
			}
		}
	}

	out := make([]Candidate, 0, len(sources))
	for idx, c := range sources {
		if dropped[idx] {
			continue
		}
		if a, ok := adjusted[idx]; ok {
			out = append(out, a)
			continue
		}
		out = append(out, c)
	}
	return out
}

// groupInflowSum sums inflow movements sharing the group's hash/asset
// across all transactions.
func groupInflowSum(txs []*ledger.UniversalTransaction, hash, asset string) (money.Amount, bool) {
	sum := money.Amount{}
	found := false
	for _, tx := range txs {
		for _, mv := range tx.Movements {
			if mv.Direction != ledger.DirectionIn {
				continue
			}
			if strings.ToLower(firstNonEmpty(mv.TxHash, tx.TxHash)) != hash {
				continue
			}
			if strings.ToUpper(mv.AssetSymbol) != asset {
				continue
			}
			sum = money.Add(sum, mv.Net())
			found = true
		}
	}
	return sum, found
}

// groupFeeSum sums the group's network fees with identical repeated fee
// entries deduplicated, so a fee the adapter copied onto each bundled
// transaction counts once.
func groupFeeSum(txs []*ledger.UniversalTransaction, hash, asset string) money.Amount {
	var fees []money.Amount
	for _, tx := range txs {
		for _, fee := range tx.Fees {
			if strings.ToLower(firstNonEmpty(fee.TxHash, tx.TxHash)) != hash {
				continue
			}
			if strings.ToUpper(fee.AssetSymbol) != asset {
				continue
			}
			fees = append(fees, money.Abs(fee.Net()))
		}
	}

	sort.Slice(fees, func(i, j int) bool { return money.LessThan(fees[i], fees[j]) })
	sum := money.Amount{}
	for i, f := range fees {
		if i > 0 && money.Equal(f, fees[i-1]) {
			continue
		}
		sum = money.Add(sum, f)
	}
	return sum
}

// grossFor reports whether a candidate's underlying movements still
// carry the network fee (no FeeSubtracted flag set).
func grossFor(txs []*ledger.UniversalTransaction, c Candidate) bool {
	for _, tx := range txs {
		if tx.ID != c.OriginatingTransactionID {
			continue
		}
		for _, mv := range tx.Movements {
			if mv.Direction == ledger.DirectionOut && strings.ToUpper(mv.AssetSymbol) == c.AssetSymbol && !mv.FeeSubtracted {
				return true
			}
		}
	}
	return false
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
