package matching

import (
	"time"

	"github.com/chainledger/chainledger/internal/ledger"
	"github.com/chainledger/chainledger/pkg/helpers"
	"github.com/chainledger/chainledger/pkg/logging"
	"github.com/chainledger/chainledger/pkg/money"
)

// Confidence weights. Asset identity anchors the score, amount
// similarity dominates, timing and evidence bonuses fill the rest.
const (
	weightAsset     = 0.30
	weightAmount    = 0.40
	weightTiming    = 0.20
	weightAddress   = 0.10
	weightProximity = 0.10

	// Heuristic confidence stays strictly below 1.0; only a hash match
	// reaches it.
	maxHeuristicConfidence = 0.99

	// amountTolerance is the relative band around exact equality that
	// still counts as a near-perfect amount match.
	amountTolerance = 0.0005
)

// Config holds matching thresholds.
type Config struct {
	MinConfidence         float64 `yaml:"min_confidence"`
	AutoConfirmThreshold  float64 `yaml:"auto_confirm_threshold"`
	MinAmountSimilarity   float64 `yaml:"min_amount_similarity"`
	TimeWindowHours       int     `yaml:"time_window_hours"`
	CloseTimingBonusHours int     `yaml:"close_timing_bonus_hours"`

	// MaxHashExcessPct bounds how far a hash-confirmed target may
	// exceed its source (fee-credit and rounding cases).
	MaxHashExcessPct float64 `yaml:"max_hash_excess_pct"`
}

// DefaultConfig returns the default matching thresholds.
func DefaultConfig() Config {
	return Config{
		MinConfidence:         0.75,
		AutoConfirmThreshold:  0.95,
		MinAmountSimilarity:   0.95,
		TimeWindowHours:       48,
		CloseTimingBonusHours: 1,
		MaxHashExcessPct:      1.0,
	}
}

// MatchCriteria records the per-pair evidence behind a score. The
// pointer fields are tri-state: nil means the evidence was unavailable.
type MatchCriteria struct {
	AssetMatch       bool
	AmountSimilarity float64
	TimingValid      bool
	TimingGapHours   float64
	AddressMatch     *bool
	HashMatch        *bool
}

// PotentialMatch is a scored (source, target) pair.
type PotentialMatch struct {
	Source     Candidate
	Target     Candidate
	Criteria   MatchCriteria
	Confidence float64
	LinkType   ledger.LinkType
}

// HashMatched reports whether the pair matched on transaction hash.
func (m *PotentialMatch) HashMatched() bool {
	return m.Criteria.HashMatch != nil && *m.Criteria.HashMatch
}

// Engine scores candidate pairs into potential matches.
type Engine struct {
	cfg Config
	log *logging.Logger
}

// NewEngine creates a matching engine.
func NewEngine(cfg Config, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.GetDefault()
	}
	return &Engine{cfg: cfg, log: log.Component("matching")}
}

// FindPotentialMatches scores every eligible (source, target) pair.
// Hash evidence is tried first; pairs it cannot settle fall back to
// heuristic scoring, which requires a valid timing window.
func (e *Engine) FindPotentialMatches(sources, targets []Candidate) []PotentialMatch {
	var matches []PotentialMatch
	for _, src := range sources {
		hashTarget, hashOK := e.resolveHashMatch(src, targets)

		for _, dst := range targets {
			if dst.AssetSymbol != src.AssetSymbol {
				continue
			}
			if dst.OriginatingTransactionID == src.OriginatingTransactionID {
				continue
			}

			if hashOK && dst.ID == hashTarget.ID {
				yes := true
				matches = append(matches, PotentialMatch{
					Source: src,
					Target: dst,
					Criteria: MatchCriteria{
						AssetMatch:       true,
						AmountSimilarity: e.amountSimilarity(src.Amount, dst.Amount),
						TimingValid:      e.timingValid(src, dst),
						TimingGapHours:   gapHours(src, dst),
						AddressMatch:     addressMatch(src, dst),
						HashMatch:        &yes,
					},
					Confidence: 1.0,
					LinkType:   ledger.LinkTypeFor(src.SourceKind, dst.SourceKind),
				})
				continue
			}

			if m, ok := e.scoreHeuristic(src, dst); ok {
				matches = append(matches, m)
			}
		}
	}
	return matches
}

// scoreHeuristic computes the weighted confidence for one pair.
func (e *Engine) scoreHeuristic(src, dst Candidate) (PotentialMatch, bool) {
	if !e.timingValid(src, dst) {
		return PotentialMatch{}, false
	}
	addr := addressMatch(src, dst)
	if addr != nil && !*addr {
		// Both sides carry addresses and they disagree.
		return PotentialMatch{}, false
	}

	similarity := e.amountSimilarity(src.Amount, dst.Amount)
	gap := gapHours(src, dst)

	confidence := weightAsset + weightAmount*similarity + weightTiming
	if addr != nil && *addr {
		confidence += weightAddress
	}
	if gap <= float64(e.cfg.CloseTimingBonusHours) {
		confidence += weightProximity
	}
	if confidence > maxHeuristicConfidence {
		confidence = maxHeuristicConfidence
	}

	// A pair scored heuristically did not match by hash, even when the
	// hash path was attempted and abandoned.
	var hashMatch *bool
	if src.TxHash != "" && dst.TxHash != "" {
		no := false
		hashMatch = &no
	}

	return PotentialMatch{
		Source: src,
		Target: dst,
		Criteria: MatchCriteria{
			AssetMatch:       true,
			AmountSimilarity: similarity,
			TimingValid:      true,
			TimingGapHours:   gap,
			AddressMatch:     addr,
			HashMatch:        hashMatch,
		},
		Confidence: confidence,
		LinkType:   ledger.LinkTypeFor(src.SourceKind, dst.SourceKind),
	}, true
}

// resolveHashMatch applies the hash-match rules for one source and
// returns the single eligible target, if any.
func (e *Engine) resolveHashMatch(src Candidate, targets []Candidate) (Candidate, bool) {
	if src.TxHash == "" {
		return Candidate{}, false
	}
	srcSuffix := helpers.HashSuffix(src.TxHash)

	var eligible []Candidate
	sum := money.Amount{}
	for _, dst := range targets {
		if dst.TxHash == "" || dst.AssetSymbol != src.AssetSymbol {
			continue
		}
		if !helpers.HashesEqual(src.TxHash, dst.TxHash) {
			continue
		}
		// When both sides carry a log-index suffix the suffixes must
		// agree, or two outputs of one batched transfer mis-pair.
		if s := helpers.HashSuffix(dst.TxHash); srcSuffix != "" && s != "" && s != srcSuffix {
			continue
		}
		// Self-targets share the on-chain event, not a transfer.
		if dst.OriginatingTransactionID == src.OriginatingTransactionID {
			continue
		}
		sum = money.Add(sum, dst.Amount)
		eligible = append(eligible, dst)
	}
	if len(eligible) == 0 {
		return Candidate{}, false
	}

	// Hash equality between two on-chain records is the same event,
	// not a transfer between accounts.
	if src.SourceKind == ledger.AccountKindBlockchain {
		for _, dst := range eligible {
			if dst.SourceKind == ledger.AccountKindBlockchain {
				return Candidate{}, false
			}
		}
	}

	// Multiple outputs of one transaction must not sum past the source.
	if money.GreaterThan(sum, src.Amount) && len(eligible) > 1 {
		return Candidate{}, false
	}

	// Only an unambiguous target matches by hash; the rest fall back to
	// heuristic scoring.
	if len(eligible) == 1 {
		return eligible[0], true
	}
	return Candidate{}, false
}

// amountSimilarity treats the source as the intended gross outflow and
// the target as what arrived. Money cannot appear from nowhere, so a
// larger target scores zero outside the rounding tolerance.
func (e *Engine) amountSimilarity(source, target money.Amount) float64 {
	if !money.IsPositive(source) || !money.IsPositive(target) {
		return 0
	}
	if money.Equal(source, target) {
		return 1
	}

	diff := money.Abs(money.Sub(source, target))
	relative := money.Float(money.Div(diff, source))
	if relative <= amountTolerance {
		return 0.98
	}
	if money.GreaterThan(target, source) {
		return 0
	}

	sim := money.Float(money.Div(target, source))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

func (e *Engine) timingValid(src, dst Candidate) bool {
	if dst.Timestamp.Before(src.Timestamp) {
		return false
	}
	window := time.Duration(e.cfg.TimeWindowHours) * time.Hour
	return dst.Timestamp.Sub(src.Timestamp) <= window
}

func gapHours(src, dst Candidate) float64 {
	return dst.Timestamp.Sub(src.Timestamp).Hours()
}

// addressMatch is tri-state: nil when either side lacks an address.
func addressMatch(src, dst Candidate) *bool {
	if src.ToAddress == "" || (dst.FromAddress == "" && dst.ToAddress == "") {
		return nil
	}
	match := helpers.AddressesEqual(src.ToAddress, dst.FromAddress) ||
		helpers.AddressesEqual(src.ToAddress, dst.ToAddress)
	return &match
}
