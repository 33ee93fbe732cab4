package matching

import (
	"testing"

	"github.com/chainledger/chainledger/internal/ledger"
	"github.com/chainledger/chainledger/pkg/money"
)

func chainTx(id, hash string, movements []ledger.Movement, fees []ledger.Movement) *ledger.UniversalTransaction {
	return &ledger.UniversalTransaction{
		ID:         id,
		AccountID:  "acc-1",
		Source:     "bitcoin",
		SourceKind: ledger.AccountKindBlockchain,
		Timestamp:  t0,
		TxHash:     hash,
		Movements:  movements,
		Fees:       fees,
	}
}

func movement(dir ledger.Direction, asset, amount, hash string) ledger.Movement {
	return ledger.Movement{
		Direction:   dir,
		AssetSymbol: asset,
		AssetID:     "blockchain:bitcoin:" + asset,
		Amount:      money.MustParse(amount),
		Timestamp:   t0,
		TxHash:      hash,
	}
}

func TestExplodeAggregatesByDirectionAndAsset(t *testing.T) {
	tx := &ledger.UniversalTransaction{
		ID:         "tx1",
		SourceKind: ledger.AccountKindExchangeAPI,
		Timestamp:  t0,
		Movements: []ledger.Movement{
			movement(ledger.DirectionOut, "BTC", "0.3", ""),
			movement(ledger.DirectionOut, "BTC", "0.2", ""),
			movement(ledger.DirectionIn, "USD", "100", ""),
			movement(ledger.DirectionNeutral, "EUR", "5", ""),
		},
	}

	sources, targets := BuildCandidates([]*ledger.UniversalTransaction{tx})
	if len(sources) != 1 || len(targets) != 1 {
		t.Fatalf("sources=%d targets=%d, want 1/1", len(sources), len(targets))
	}
	if !money.Equal(sources[0].Amount, money.MustParse("0.5")) {
		t.Errorf("aggregated outflow = %s, want 0.5", sources[0].Amount)
	}
	if sources[0].ID != "tx1|out|BTC" {
		t.Errorf("candidate id = %s", sources[0].ID)
	}
}

func TestAdjustmentSkipsLoneOutflow(t *testing.T) {
	tx := chainTx("tx1", "aaa", []ledger.Movement{
		movement(ledger.DirectionOut, "BTC", "0.6", "aaa"),
	}, nil)

	sources, _ := BuildCandidates([]*ledger.UniversalTransaction{tx})
	if len(sources) != 1 || !money.Equal(sources[0].Amount, money.MustParse("0.6")) {
		t.Errorf("sources = %+v, want the unadjusted 0.6 outflow", sources)
	}
}

func TestAdjustmentSubtractsGroupInflows(t *testing.T) {
	// Change output recorded as a sibling inflow of the same hash
	out := chainTx("tx1", "bbb", []ledger.Movement{
		movement(ledger.DirectionOut, "BTC", "1.0", "bbb"),
	}, nil)
	change := chainTx("tx2", "bbb", []ledger.Movement{
		movement(ledger.DirectionIn, "BTC", "0.4", "bbb"),
	}, nil)

	sources, _ := BuildCandidates([]*ledger.UniversalTransaction{out, change})
	if len(sources) != 1 {
		t.Fatalf("sources = %d, want 1", len(sources))
	}
	if !money.Equal(sources[0].Amount, money.MustParse("0.6")) {
		t.Errorf("adjusted amount = %s, want 0.6", sources[0].Amount)
	}
}

func TestAdjustmentDropsNonPositive(t *testing.T) {
	out := chainTx("tx1", "ccc", []ledger.Movement{
		movement(ledger.DirectionOut, "BTC", "0.4", "ccc"),
	}, nil)
	bigger := chainTx("tx2", "ccc", []ledger.Movement{
		movement(ledger.DirectionIn, "BTC", "0.5", "ccc"),
	}, nil)

	sources, _ := BuildCandidates([]*ledger.UniversalTransaction{out, bigger})
	if len(sources) != 0 {
		t.Errorf("sources = %+v, want non-positive adjustment dropped", sources)
	}
}

func TestAdjustmentCollapsesMultipleOutflows(t *testing.T) {
	o2 := chainTx("tx-b", "ddd", []ledger.Movement{
		movement(ledger.DirectionOut, "BTC", "0.3", "ddd"),
	}, nil)
	o1 := chainTx("tx-a", "ddd", []ledger.Movement{
		movement(ledger.DirectionOut, "BTC", "0.5", "ddd"),
	}, nil)

	sources, _ := BuildCandidates([]*ledger.UniversalTransaction{o2, o1})
	if len(sources) != 1 {
		t.Fatalf("sources = %d, want the group collapsed to one", len(sources))
	}
	if sources[0].OriginatingTransactionID != "tx-a" {
		t.Errorf("representative = %s, want the smallest id tx-a", sources[0].OriginatingTransactionID)
	}
	if !money.Equal(sources[0].Amount, money.MustParse("0.8")) {
		t.Errorf("amount = %s, want 0.8", sources[0].Amount)
	}
}

func TestAdjustmentDeduplicatesRepeatedFees(t *testing.T) {
	// Two bundled gross outflows each carrying a copy of the same fee
	fee := movement(ledger.DirectionOut, "BTC", "0.001", "eee")
	gross1 := movement(ledger.DirectionOut, "BTC", "0.5", "eee")
	gross2 := movement(ledger.DirectionOut, "BTC", "0.3", "eee")

	o1 := chainTx("tx-a", "eee", []ledger.Movement{gross1}, []ledger.Movement{fee})
	o2 := chainTx("tx-b", "eee", []ledger.Movement{gross2}, []ledger.Movement{fee})

	sources, _ := BuildCandidates([]*ledger.UniversalTransaction{o1, o2})
	if len(sources) != 1 {
		t.Fatalf("sources = %d, want 1", len(sources))
	}
	// 0.5 + 0.3 - one deduplicated 0.001 fee
	if !money.Equal(sources[0].Amount, money.MustParse("0.799")) {
		t.Errorf("amount = %s, want 0.799", sources[0].Amount)
	}
}

func TestExchangeOutflowsAreNotAdjusted(t *testing.T) {
	tx := &ledger.UniversalTransaction{
		ID:         "tx1",
		Source:     "kraken",
		SourceKind: ledger.AccountKindExchangeAPI,
		Timestamp:  t0,
		TxHash:     "shared",
		Movements: []ledger.Movement{
			movement(ledger.DirectionOut, "BTC", "1.0", "shared"),
			movement(ledger.DirectionIn, "BTC", "0.2", "shared"),
		},
	}

	sources, targets := BuildCandidates([]*ledger.UniversalTransaction{tx})
	if len(sources) != 1 || !money.Equal(sources[0].Amount, money.MustParse("1.0")) {
		t.Errorf("exchange outflow must stay gross: %+v", sources)
	}
	if len(targets) != 1 {
		t.Errorf("targets = %d", len(targets))
	}
}

func TestNetPrefersNetAmount(t *testing.T) {
	mv := ledger.Movement{
		Amount:        money.MustParse("0.9"),
		GrossAmount:   money.MustParse("1.0"),
		FeeSubtracted: true,
	}
	if !money.Equal(mv.Net(), money.MustParse("0.9")) {
		t.Errorf("Net() = %s, want the net amount", mv.Net())
	}

	grossOnly := ledger.Movement{GrossAmount: money.MustParse("1.0")}
	if !money.Equal(grossOnly.Net(), money.MustParse("1.0")) {
		t.Errorf("Net() = %s, want gross fallback", grossOnly.Net())
	}
}
