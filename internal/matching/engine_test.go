package matching

import (
	"strings"
	"testing"
	"time"

	"github.com/chainledger/chainledger/internal/ledger"
	"github.com/chainledger/chainledger/pkg/money"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func source(id, asset, amount string, at time.Time) Candidate {
	return Candidate{
		ID:                       id + "|out|" + asset,
		OriginatingTransactionID: id,
		Source:                   "kraken",
		SourceKind:               ledger.AccountKindExchangeAPI,
		AssetSymbol:              asset,
		Amount:                   money.MustParse(amount),
		Direction:                ledger.DirectionOut,
		Timestamp:                at,
	}
}

func target(id, asset, amount string, at time.Time) Candidate {
	return Candidate{
		ID:                       id + "|in|" + asset,
		OriginatingTransactionID: id,
		Source:                   "bitcoin",
		SourceKind:               ledger.AccountKindBlockchain,
		AssetSymbol:              asset,
		Amount:                   money.MustParse(amount),
		Direction:                ledger.DirectionIn,
		Timestamp:                at,
	}
}

func defaultEngine() *Engine {
	return NewEngine(DefaultConfig(), nil)
}

func TestExchangeToBlockchainAutoConfirm(t *testing.T) {
	e := defaultEngine()
	src := source("w1", "BTC", "1.0", t0)
	dst := target("d1", "BTC", "0.9995", t0.Add(time.Hour))

	matches := e.FindPotentialMatches([]Candidate{src}, []Candidate{dst})
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}
	m := matches[0]
	if m.LinkType != ledger.LinkExchangeToBlockchain {
		t.Errorf("LinkType = %s", m.LinkType)
	}
	if m.Confidence < 0.95 {
		t.Errorf("Confidence = %.4f, want >= 0.95", m.Confidence)
	}

	confirmed, suggested := e.DeduplicateAndConfirm(matches)
	if len(confirmed) != 1 || len(suggested) != 0 {
		t.Fatalf("confirmed=%d suggested=%d, want 1/0", len(confirmed), len(suggested))
	}

	link, err := e.CreateTransactionLink(confirmed[0], ledger.LinkConfirmed)
	if err != nil {
		t.Fatalf("CreateTransactionLink() error = %v", err)
	}
	if link.ReviewedBy != ledger.AutoReviewer || link.ReviewedAt == nil {
		t.Errorf("auto-confirmed link = %+v", link)
	}
	if link.Metadata["variance"] != "0.0005" {
		t.Errorf("variance = %v, want 0.0005", link.Metadata["variance"])
	}
	if link.Metadata["variancePct"] != "0.05" {
		t.Errorf("variancePct = %v, want 0.05", link.Metadata["variancePct"])
	}
	if link.Metadata["impliedFee"] != "0.0005" {
		t.Errorf("impliedFee = %v, want 0.0005", link.Metadata["impliedFee"])
	}
}

func TestHashMatchTrumpsImperfectAmount(t *testing.T) {
	e := defaultEngine()
	src := source("w1", "BTC", "1.0", t0)
	src.TxHash = "0xabc123"

	hashed := target("d1", "BTC", "0.95", t0.Add(10*time.Minute))
	hashed.TxHash = "0xabc123"
	exact := target("d2", "BTC", "1.00", t0.Add(5*time.Minute))

	matches := e.FindPotentialMatches([]Candidate{src}, []Candidate{hashed, exact})
	if len(matches) < 2 {
		t.Fatalf("matches = %d, want both targets scored", len(matches))
	}

	var best PotentialMatch
	for _, m := range matches {
		if m.Confidence > best.Confidence {
			best = m
		}
	}
	if best.Confidence != 1.0 {
		t.Errorf("best confidence = %.4f, want 1.0", best.Confidence)
	}
	if best.Target.OriginatingTransactionID != "d1" {
		t.Errorf("best target = %s, want the hash-carrying d1", best.Target.OriginatingTransactionID)
	}
	if !best.HashMatched() {
		t.Error("best match should be hash-matched")
	}
}

func TestTimingRejection(t *testing.T) {
	e := defaultEngine()
	src := source("w1", "BTC", "1.0", t0.Add(2*time.Hour)) // 14:00
	dst := target("d1", "BTC", "1.0", t0)                  // 12:00, earlier

	if matches := e.FindPotentialMatches([]Candidate{src}, []Candidate{dst}); len(matches) != 0 {
		t.Errorf("matches = %d, want 0 (deposit precedes withdrawal)", len(matches))
	}

	// Outside the 48h window is equally invalid
	late := target("d2", "BTC", "1.0", t0.Add(49*time.Hour))
	src2 := source("w2", "BTC", "1.0", t0)
	if matches := e.FindPotentialMatches([]Candidate{src2}, []Candidate{late}); len(matches) != 0 {
		t.Errorf("matches = %d, want 0 (outside window)", len(matches))
	}
}

func TestExcessiveVarianceRejectedAtLinkCreation(t *testing.T) {
	e := defaultEngine()
	src := source("w1", "ETH", "1.0", t0)
	dst := target("d1", "ETH", "0.85", t0.Add(time.Hour))

	matches := e.FindPotentialMatches([]Candidate{src}, []Candidate{dst})
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want the candidate computed", len(matches))
	}

	_, err := e.CreateTransactionLink(matches[0], ledger.LinkSuggested)
	if err == nil {
		t.Fatal("15% variance must be rejected")
	}
	if !strings.Contains(err.Error(), "exceeds 10% threshold") {
		t.Errorf("error %q should name the threshold", err)
	}
	if !strings.Contains(err.Error(), "15.00%") {
		t.Errorf("error %q should carry the variance percentage", err)
	}
}

func TestHashAmbiguityFallsBackToHeuristics(t *testing.T) {
	e := defaultEngine()
	src := source("w1", "ETH", "1.0", t0)
	src.TxHash = "0xabc123"

	d1 := target("d1", "ETH", "0.4", t0.Add(time.Minute))
	d1.TxHash = "0xabc123-819"
	d2 := target("d2", "ETH", "0.4", t0.Add(time.Minute))
	d2.TxHash = "0xabc123-820"

	matches := e.FindPotentialMatches([]Candidate{src}, []Candidate{d1, d2})
	if len(matches) == 0 {
		t.Fatal("heuristic matches should still exist")
	}
	for _, m := range matches {
		if m.Confidence >= 1.0 {
			t.Errorf("confidence = %.4f for %s, hash path must be disabled", m.Confidence, m.Target.ID)
		}
		if m.HashMatched() {
			t.Errorf("hashMatch = true for %s, want false", m.Target.ID)
		}
	}
}

func TestHashSuffixDisambiguation(t *testing.T) {
	e := defaultEngine()
	src := source("w1", "ETH", "1.0", t0)
	src.TxHash = "0xabc123-819"

	d1 := target("d1", "ETH", "0.4", t0.Add(time.Minute))
	d1.TxHash = "0xabc123-819"
	d2 := target("d2", "ETH", "0.4", t0.Add(time.Minute))
	d2.TxHash = "0xabc123-820"

	matches := e.FindPotentialMatches([]Candidate{src}, []Candidate{d1, d2})
	var perfect []PotentialMatch
	for _, m := range matches {
		if m.Confidence == 1.0 {
			perfect = append(perfect, m)
		}
	}
	if len(perfect) != 1 || perfect[0].Target.OriginatingTransactionID != "d1" {
		t.Errorf("perfect matches = %+v, want exactly d1 via suffix disambiguation", perfect)
	}
}

func TestBlockchainToBlockchainHashExcluded(t *testing.T) {
	e := defaultEngine()
	src := target("a", "BTC", "1.0", t0) // blockchain kind
	src.Direction = ledger.DirectionOut
	src.ID = "a|out|BTC"
	src.TxHash = "f00d"

	dst := target("b", "BTC", "1.0", t0.Add(time.Minute))
	dst.TxHash = "f00d"

	matches := e.FindPotentialMatches([]Candidate{src}, []Candidate{dst})
	for _, m := range matches {
		if m.HashMatched() {
			t.Errorf("blockchain-to-blockchain pair matched by hash: %+v", m)
		}
		if m.Confidence >= 1.0 {
			t.Errorf("confidence = %.4f, want < 1.0", m.Confidence)
		}
	}
}

func TestMultiOutputSumAbortsHashPath(t *testing.T) {
	e := defaultEngine()
	src := source("w1", "ETH", "1.0", t0)
	src.TxHash = "0xabc123"

	// Two hash-sharing targets summing past the source
	d1 := target("d1", "ETH", "0.7", t0.Add(time.Minute))
	d1.TxHash = "0xabc123"
	d2 := target("d2", "ETH", "0.7", t0.Add(time.Minute))
	d2.TxHash = "0xabc123"

	matches := e.FindPotentialMatches([]Candidate{src}, []Candidate{d1, d2})
	for _, m := range matches {
		if m.Confidence >= 1.0 {
			t.Errorf("confidence = %.4f, hash path should have aborted", m.Confidence)
		}
	}
}

func TestAddressDisagreementRejects(t *testing.T) {
	e := defaultEngine()
	src := source("w1", "BTC", "1.0", t0)
	src.ToAddress = "bc1qdest"
	dst := target("d1", "BTC", "1.0", t0.Add(time.Minute))
	dst.FromAddress = "bc1qelsewhere"
	dst.ToAddress = "bc1qsomeoneelse"

	if matches := e.FindPotentialMatches([]Candidate{src}, []Candidate{dst}); len(matches) != 0 {
		t.Errorf("matches = %d, want 0 on address disagreement", len(matches))
	}
}

func TestAddressAgreementAddsBonus(t *testing.T) {
	e := defaultEngine()
	src := source("w1", "BTC", "1.0", t0)
	dst := target("d1", "BTC", "0.999", t0.Add(2*time.Hour)) // no proximity bonus

	plain := e.FindPotentialMatches([]Candidate{src}, []Candidate{dst})

	src.ToAddress = "BC1QDEST"
	dst.ToAddress = "bc1qdest" // case-insensitive
	withAddr := e.FindPotentialMatches([]Candidate{src}, []Candidate{dst})

	if len(plain) != 1 || len(withAddr) != 1 {
		t.Fatalf("matches = %d/%d, want 1/1", len(plain), len(withAddr))
	}
	if withAddr[0].Confidence <= plain[0].Confidence {
		t.Errorf("address agreement should raise confidence: %.4f vs %.4f",
			withAddr[0].Confidence, plain[0].Confidence)
	}
}

func TestDeduplicationKeepsBestSourcePerTarget(t *testing.T) {
	e := defaultEngine()
	best := source("w1", "BTC", "1.0", t0.Add(30*time.Minute))
	worse := source("w2", "BTC", "1.0", t0.Add(-40*time.Hour))
	dst := target("d1", "BTC", "0.9995", t0.Add(time.Hour))

	matches := e.FindPotentialMatches([]Candidate{best, worse}, []Candidate{dst})
	confirmed, suggested := e.DeduplicateAndConfirm(matches)

	total := len(confirmed) + len(suggested)
	if total != 1 {
		t.Fatalf("links = %d, want each target in at most one link", total)
	}
	var kept PotentialMatch
	if len(confirmed) == 1 {
		kept = confirmed[0]
	} else {
		kept = suggested[0]
	}
	if kept.Source.OriginatingTransactionID != "w1" {
		t.Errorf("kept source = %s, want the higher-confidence w1", kept.Source.OriginatingTransactionID)
	}
}

func TestDeduplicationFiltersLowSimilarity(t *testing.T) {
	e := defaultEngine()
	src := source("w1", "BTC", "1.0", t0)
	dst := target("d1", "BTC", "0.90", t0.Add(time.Minute)) // sim 0.90 < 0.95

	matches := e.FindPotentialMatches([]Candidate{src}, []Candidate{dst})
	confirmed, suggested := e.DeduplicateAndConfirm(matches)
	if len(confirmed)+len(suggested) != 0 {
		t.Errorf("links = %d, want 0 below the amount-similarity floor", len(confirmed)+len(suggested))
	}
}

func TestHashExcessWithinOnePercentAllowed(t *testing.T) {
	e := defaultEngine()
	src := source("w1", "ETH", "1.0", t0)
	src.TxHash = "0xfeed01"
	dst := target("d1", "ETH", "1.008", t0.Add(time.Minute)) // +0.8%
	dst.TxHash = "0xfeed01"

	matches := e.FindPotentialMatches([]Candidate{src}, []Candidate{dst})
	confirmed, _ := e.DeduplicateAndConfirm(matches)
	if len(confirmed) != 1 {
		t.Fatalf("confirmed = %d, want 1", len(confirmed))
	}

	link, err := e.CreateTransactionLink(confirmed[0], ledger.LinkConfirmed)
	if err != nil {
		t.Fatalf("CreateTransactionLink() error = %v", err)
	}
	if link.Metadata["targetExcessAllowed"] != true {
		t.Errorf("metadata = %v, want targetExcessAllowed", link.Metadata)
	}

	// Without hash confirmation the same excess is rejected
	noHash := matches[0]
	noHash.Criteria.HashMatch = nil
	if _, err := e.CreateTransactionLink(noHash, ledger.LinkSuggested); err == nil {
		t.Error("excess without hash confirmation must be rejected")
	}
}

func TestLinkRejectsNonPositiveAmounts(t *testing.T) {
	e := defaultEngine()
	m := PotentialMatch{
		Source:   source("w1", "BTC", "0", t0),
		Target:   target("d1", "BTC", "1", t0.Add(time.Minute)),
		LinkType: ledger.LinkExchangeToBlockchain,
	}
	if _, err := e.CreateTransactionLink(m, ledger.LinkSuggested); err == nil || !strings.Contains(err.Error(), "missing movement data") {
		t.Errorf("zero source error = %v", err)
	}

	m.Source = source("w1", "BTC", "1", t0)
	m.Target = target("d1", "BTC", "0", t0.Add(time.Minute))
	if _, err := e.CreateTransactionLink(m, ledger.LinkSuggested); err == nil || !strings.Contains(err.Error(), "invalid transaction data") {
		t.Errorf("zero target error = %v", err)
	}
}

func TestPersistedLinkBounds(t *testing.T) {
	// For every link that validates, target <= source * 1.01 and the
	// timing order holds.
	e := defaultEngine()
	src := source("w1", "BTC", "1.0", t0)
	src.TxHash = "0xaa"
	onePct := money.Mul(src.Amount, money.MustParse("1.01"))

	amounts := []string{"0.95", "0.999", "1.0", "1.005", "1.02", "1.2"}
	for _, amt := range amounts {
		dst := target("d-"+amt, "BTC", amt, t0.Add(time.Minute))
		dst.TxHash = "0xaa"
		matches := e.FindPotentialMatches([]Candidate{src}, []Candidate{dst})
		for _, m := range matches {
			link, err := e.CreateTransactionLink(m, ledger.LinkSuggested)
			if err != nil {
				continue
			}
			if money.GreaterThan(link.TargetAmount, onePct) {
				t.Errorf("persisted target %s exceeds source*1.01", link.TargetAmount)
			}
		}
	}
}

func TestAmountToleranceMapsToHighSimilarity(t *testing.T) {
	e := defaultEngine()

	// Within 0.05% of equality, even a slightly larger target scores high
	sim := e.amountSimilarity(money.MustParse("1.0"), money.MustParse("1.0004"))
	if sim < 0.98 {
		t.Errorf("similarity = %.4f, want >= 0.98 within tolerance", sim)
	}
	// Beyond the tolerance a larger target scores zero
	if sim := e.amountSimilarity(money.MustParse("1.0"), money.MustParse("1.01")); sim != 0 {
		t.Errorf("similarity = %.4f, want 0 for larger target", sim)
	}
	if sim := e.amountSimilarity(money.MustParse("1.0"), money.MustParse("0.5")); sim != 0.5 {
		t.Errorf("similarity = %.4f, want 0.5", sim)
	}
}
