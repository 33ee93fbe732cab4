package kraken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/chainledger/chainledger/internal/ledger"
	"github.com/chainledger/chainledger/internal/registry"
	"github.com/chainledger/chainledger/pkg/money"
)

// scriptedClient serves canned pages keyed by stream.
type scriptedClient struct {
	pages map[string][]*Page
	calls map[string]int
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{pages: make(map[string][]*Page), calls: make(map[string]int)}
}

func (c *scriptedClient) add(stream string, done bool, cursor string, records ...string) {
	page := &Page{Cursor: cursor, Done: done}
	for _, r := range records {
		page.Records = append(page.Records, json.RawMessage(r))
	}
	c.pages[stream] = append(c.pages[stream], page)
}

func (c *scriptedClient) Fetch(ctx context.Context, stream, cursor string) (*Page, error) {
	idx := c.calls[stream]
	c.calls[stream]++
	if idx >= len(c.pages[stream]) {
		return nil, fmt.Errorf("unscripted page %d for %s", idx, stream)
	}
	return c.pages[stream][idx], nil
}

func entry(refid, typ, asset, amount string) string {
	return fmt.Sprintf(`{"refid":%q,"time":1704110400,"type":%q,"asset":%q,"amount":%q,"fee":"0"}`,
		refid, typ, asset, amount)
}

func TestImporterDrainsStreamsInOrder(t *testing.T) {
	c := newScriptedClient()
	c.add(StreamLedger, false, "l-1", entry("L1", "withdrawal", "XXBT", "-1.0"))
	c.add(StreamLedger, true, "l-2", entry("L2", "trade", "ZUSD", "100"))
	c.add(StreamTrade, true, "t-1", entry("T1", "trade", "XXBT", "0.5"))
	c.add(StreamDeposit, true, "d-1")

	imp := New(c).CreateImporter()
	var got []string
	cursors := make(map[string]ledger.CursorState)
	for res := range imp.ImportStreaming(context.Background(), registry.ImportParams{}) {
		if res.Err != nil {
			t.Fatalf("stream error: %v", res.Err)
		}
		got = append(got, res.Batch.StreamType)
		for stream, cur := range res.Batch.CursorUpdates {
			cursors[stream] = cur
		}
	}

	want := []string{StreamLedger, StreamLedger, StreamTrade, StreamDeposit}
	if len(got) != len(want) {
		t.Fatalf("batches = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("batch %d stream = %s, want %s", i, got[i], want[i])
		}
	}
	if cursors[StreamLedger].Primary != "l-2" || cursors[StreamLedger].TotalFetched != 2 {
		t.Errorf("ledger cursor = %+v", cursors[StreamLedger])
	}
	if cursors[StreamTrade].LastTransactionID != "T1" {
		t.Errorf("trade cursor = %+v", cursors[StreamTrade])
	}
}

func TestImporterPartialImportError(t *testing.T) {
	c := newScriptedClient()
	c.add(StreamLedger, true, "l-1", entry("L1", "trade", "XXBT", "1"))
	// Second trade record is missing its amount
	c.add(StreamTrade, true, "t-1",
		entry("T1", "trade", "XXBT", "0.5"),
		`{"refid":"T2","time":1704110400,"type":"trade","asset":"XXBT"}`)

	imp := New(c).CreateImporter()
	var partial *ledger.PartialImportError
	var batches int
	for res := range imp.ImportStreaming(context.Background(), registry.ImportParams{}) {
		if res.Err != nil {
			if !errors.As(res.Err, &partial) {
				t.Fatalf("stream error: %v", res.Err)
			}
			continue
		}
		batches++
	}

	if partial == nil {
		t.Fatal("expected PartialImportError")
	}
	if batches != 1 {
		t.Errorf("batches before failure = %d, want 1", batches)
	}
	if len(partial.Validated) != 1 || partial.Validated[0].ContentHash != ContentHash(StreamTrade, "T1") {
		t.Errorf("Validated = %+v, want the one good trade record", partial.Validated)
	}
	if partial.CursorUpdates[StreamLedger].Primary != "l-1" {
		t.Errorf("CursorUpdates[ledger] = %+v, want last-good ledger cursor", partial.CursorUpdates[StreamLedger])
	}
	if _, ok := partial.CursorUpdates[StreamTrade]; ok {
		t.Error("trade cursor must not advance past the failing page")
	}
	if partial.FailedItem == nil {
		t.Error("FailedItem not carried")
	}
}

func TestNormalizeAsset(t *testing.T) {
	tests := map[string]string{
		"XXBT": "BTC",
		"xbt":  "BTC",
		"ZUSD": "USD",
		"SOL":  "SOL",
		" ada": "ADA",
	}
	for code, want := range tests {
		if got := NormalizeAsset(code); got != want {
			t.Errorf("NormalizeAsset(%q) = %s, want %s", code, got, want)
		}
	}
}

func TestProcessorWithdrawal(t *testing.T) {
	account := &ledger.Account{ID: "acc-k", Source: "kraken", Kind: ledger.AccountKindExchangeAPI}
	payload := `{
		"refid": "W1", "time": 1704110400, "type": "withdrawal",
		"asset": "XXBT", "amount": "-1.0005", "fee": "0.0005",
		"txid": "0xabc123", "info": "bc1qdest"
	}`

	txs, err := (&Processor{}).Process(account, []ledger.RawRecord{{
		ContentHash: ContentHash(StreamLedger, "W1"),
		StreamType:  StreamLedger,
		Payload:     json.RawMessage(payload),
	}})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	mv := txs[0].Movements[0]
	if mv.Direction != ledger.DirectionOut {
		t.Errorf("Direction = %s, want out", mv.Direction)
	}
	if !money.Equal(mv.Amount, money.MustParse("1.0005")) {
		t.Errorf("Amount = %s, want 1.0005 (absolute value)", mv.Amount)
	}
	if mv.AssetSymbol != "BTC" || mv.AssetID != "exchange:kraken:btc" {
		t.Errorf("asset = %s / %s", mv.AssetSymbol, mv.AssetID)
	}
	if mv.ToAddress != "bc1qdest" || mv.TxHash != "0xabc123" {
		t.Errorf("withdrawal evidence = %s / %s", mv.ToAddress, mv.TxHash)
	}
	if len(txs[0].Fees) != 1 || !money.Equal(txs[0].Fees[0].Amount, money.MustParse("0.0005")) {
		t.Errorf("Fees = %+v", txs[0].Fees)
	}
}

func TestProcessorDeposit(t *testing.T) {
	account := &ledger.Account{ID: "acc-k", Source: "kraken", Kind: ledger.AccountKindExchangeAPI}
	payload := `{"refid":"D1","time":1704110400,"type":"deposit","asset":"XETH","amount":"2.5","fee":"0","info":"0xsender"}`

	txs, err := (&Processor{}).Process(account, []ledger.RawRecord{{
		ContentHash: ContentHash(StreamDeposit, "D1"),
		StreamType:  StreamDeposit,
		Payload:     json.RawMessage(payload),
	}})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	mv := txs[0].Movements[0]
	if mv.Direction != ledger.DirectionIn {
		t.Errorf("Direction = %s, want in", mv.Direction)
	}
	if mv.FromAddress != "0xsender" {
		t.Errorf("FromAddress = %s", mv.FromAddress)
	}
	if len(txs[0].Fees) != 0 {
		t.Errorf("zero fee must not produce a movement, got %+v", txs[0].Fees)
	}
}
