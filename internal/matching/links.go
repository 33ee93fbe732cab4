package matching

import (
	"fmt"
	"time"

	"github.com/chainledger/chainledger/internal/ledger"
	"github.com/chainledger/chainledger/pkg/money"
)

// maxVariancePct is the hard bound on how much of a transfer may go
// missing between source and target.
const maxVariancePct = 10.0

// DeduplicateAndConfirm filters scored matches by the configured
// thresholds, keeps each target's best source, and splits the survivors
// into auto-confirmed and suggested.
func (e *Engine) DeduplicateAndConfirm(matches []PotentialMatch) (confirmed, suggested []PotentialMatch) {
	best := make(map[string]PotentialMatch)
	var order []string

	for _, m := range matches {
		if m.Confidence < e.cfg.MinConfidence {
			continue
		}
		// Hash-confirmed pairs carry their own amount bound (the
		// hash-excess rule at link creation); heuristic pairs must be
		// near-exact in amount.
		if !m.HashMatched() && m.Criteria.AmountSimilarity < e.cfg.MinAmountSimilarity {
			continue
		}

		key := m.Target.OriginatingTransactionID
		prev, seen := best[key]
		if !seen {
			order = append(order, key)
			best[key] = m
			continue
		}
		// Last write wins on ties, so a later equal-confidence source
		// replaces an earlier one.
		if m.Confidence >= prev.Confidence {
			best[key] = m
		}
	}

	for _, key := range order {
		m := best[key]
		if m.Confidence >= e.cfg.AutoConfirmThreshold {
			confirmed = append(confirmed, m)
		} else {
			suggested = append(suggested, m)
		}
	}
	return confirmed, suggested
}

// CreateTransactionLink validates a surviving match and builds the link
// row to persist. Validation failures return an error; the match is
// dropped, never silently adjusted.
func (e *Engine) CreateTransactionLink(m PotentialMatch, status ledger.LinkStatus) (*ledger.TransactionLink, error) {
	source := m.Source.Amount
	target := m.Target.Amount

	if !money.IsPositive(source) {
		return nil, fmt.Errorf("cannot link %s: missing movement data (source amount %s)", m.Source.ID, source)
	}
	if !money.IsPositive(target) {
		return nil, fmt.Errorf("cannot link %s: invalid transaction data (target amount %s)", m.Target.ID, target)
	}

	metadata := map[string]interface{}{
		"confidence": m.Confidence,
	}

	if money.GreaterThan(target, source) {
		excess := money.Sub(target, source)
		excessPct := money.Float(money.Mul(money.Div(excess, source), money.FromInt(100)))
		if !m.HashMatched() || excessPct > e.cfg.MaxHashExcessPct {
			return nil, fmt.Errorf("target amount %s exceeds source %s by %.2f%% without hash confirmation within %.2f%%",
				target, source, excessPct, e.cfg.MaxHashExcessPct)
		}
		metadata["targetExcessAllowed"] = true
		metadata["targetExcessPct"] = excessPct
	}

	variance := money.Sub(source, target)
	if !money.IsPositive(variance) {
		variance = money.Amount{}
	}
	variancePct := money.Mul(money.Div(variance, source), money.FromInt(100))
	if money.Float(variancePct) > maxVariancePct {
		return nil, fmt.Errorf("amount variance %s%% exceeds 10%% threshold for %s -> %s",
			money.ToFixed(variancePct, 2), m.Source.ID, m.Target.ID)
	}

	metadata["variance"] = variance.String()
	metadata["variancePct"] = money.ToFixed(variancePct, 2)
	metadata["impliedFee"] = variance.String()
	if m.Criteria.HashMatch != nil {
		metadata["hashMatch"] = *m.Criteria.HashMatch
	}

	link := &ledger.TransactionLink{
		SourceTransactionID: m.Source.OriginatingTransactionID,
		TargetTransactionID: m.Target.OriginatingTransactionID,
		AssetSymbol:         m.Source.AssetSymbol,
		SourceAmount:        source,
		TargetAmount:        target,
		Type:                m.LinkType,
		Status:              status,
		Metadata:            metadata,
	}
	if status == ledger.LinkConfirmed {
		now := time.Now()
		link.ReviewedBy = ledger.AutoReviewer
		link.ReviewedAt = &now
	}
	return link, nil
}
