package storage

import (
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/chainledger/chainledger/internal/ledger"
	"github.com/chainledger/chainledger/pkg/money"
)

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "chainledger-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	s, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testAccount(id string) *ledger.Account {
	return &ledger.Account{
		ID:         id,
		Kind:       ledger.AccountKindBlockchain,
		Source:     "bitcoin",
		Identifier: "bc1qtestaddress",
	}
}

func TestAccountRoundTrip(t *testing.T) {
	s := setupTestStorage(t)

	a := testAccount("acc-1")
	a.PreferredProvider = "mempool"
	a.CSVDirectories = []string{"/exports/kraken"}
	if err := s.CreateAccount(a); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}

	got, err := s.GetAccount("acc-1")
	if err != nil {
		t.Fatalf("GetAccount() error = %v", err)
	}
	if got.Kind != ledger.AccountKindBlockchain || got.Source != "bitcoin" {
		t.Errorf("got %+v", got)
	}
	if got.PreferredProvider != "mempool" {
		t.Errorf("PreferredProvider = %s, want mempool", got.PreferredProvider)
	}
	if len(got.CSVDirectories) != 1 || got.CSVDirectories[0] != "/exports/kraken" {
		t.Errorf("CSVDirectories = %v", got.CSVDirectories)
	}
	if got.LastCursor == nil || len(got.LastCursor) != 0 {
		t.Errorf("new account cursor = %v, want empty map", got.LastCursor)
	}
}

func TestGetAccountNotFound(t *testing.T) {
	s := setupTestStorage(t)

	_, err := s.GetAccount("missing")
	if !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("error = %v, want ErrAccountNotFound", err)
	}
}

func TestCursorRoundTripsVerbatim(t *testing.T) {
	s := setupTestStorage(t)

	a := testAccount("acc-1")
	if err := s.CreateAccount(a); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}

	cur := ledger.CursorState{
		Primary:           `{"blockHeight":123456,"page":7}`,
		LastTransactionID: "abc123",
		TotalFetched:      42,
	}
	if err := s.UpdateCursor("acc-1", "transactions", cur); err != nil {
		t.Fatalf("UpdateCursor() error = %v", err)
	}

	got, err := s.GetAccount("acc-1")
	if err != nil {
		t.Fatalf("GetAccount() error = %v", err)
	}
	if got.LastCursor["transactions"] != cur {
		t.Errorf("cursor = %+v, want %+v", got.LastCursor["transactions"], cur)
	}
}

func TestUpdateCursorsMergesStreams(t *testing.T) {
	s := setupTestStorage(t)

	if err := s.CreateAccount(testAccount("acc-1")); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	if err := s.UpdateCursor("acc-1", "ledger", ledger.CursorState{Primary: "l-1", TotalFetched: 10}); err != nil {
		t.Fatalf("UpdateCursor() error = %v", err)
	}
	if err := s.UpdateCursors("acc-1", map[string]ledger.CursorState{
		"trades": {Primary: "t-1", TotalFetched: 5},
	}); err != nil {
		t.Fatalf("UpdateCursors() error = %v", err)
	}

	got, _ := s.GetAccount("acc-1")
	if len(got.LastCursor) != 2 {
		t.Fatalf("cursor streams = %d, want 2 (merge must not drop existing streams)", len(got.LastCursor))
	}
	if got.LastCursor["ledger"].TotalFetched != 10 {
		t.Errorf("ledger cursor = %+v", got.LastCursor["ledger"])
	}
}

func TestSessionSingleFlight(t *testing.T) {
	s := setupTestStorage(t)
	if err := s.CreateAccount(testAccount("acc-1")); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}

	first, err := s.CreateSession("acc-1")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	if _, err := s.CreateSession("acc-1"); !errors.Is(err, ErrSessionActive) {
		t.Errorf("second CreateSession error = %v, want ErrSessionActive", err)
	}

	found, err := s.FindLatestIncomplete("acc-1")
	if err != nil {
		t.Fatalf("FindLatestIncomplete() error = %v", err)
	}
	if found == nil || found.ID != first.ID {
		t.Errorf("FindLatestIncomplete = %+v, want session %s", found, first.ID)
	}

	if err := s.FinalizeSession(first.ID, ledger.SessionCompleted, "", nil); err != nil {
		t.Fatalf("FinalizeSession() error = %v", err)
	}

	// Terminal sessions free the slot
	if _, err := s.CreateSession("acc-1"); err != nil {
		t.Errorf("CreateSession after finalize error = %v", err)
	}
}

func TestFinalizeSessionNoRevival(t *testing.T) {
	s := setupTestStorage(t)
	if err := s.CreateAccount(testAccount("acc-1")); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	session, _ := s.CreateSession("acc-1")

	if err := s.FinalizeSession(session.ID, ledger.SessionCompleted, "", nil); err != nil {
		t.Fatalf("FinalizeSession() error = %v", err)
	}
	err := s.FinalizeSession(session.ID, ledger.SessionFailed, "late failure", nil)
	if !errors.Is(err, ErrSessionFinalized) {
		t.Errorf("re-finalize error = %v, want ErrSessionFinalized", err)
	}

	got, _ := s.GetSession(session.ID)
	if got.Status != ledger.SessionCompleted {
		t.Errorf("status = %s, want completed to stick", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
}

func TestFinalizeSessionFailedKeepsError(t *testing.T) {
	s := setupTestStorage(t)
	if err := s.CreateAccount(testAccount("acc-1")); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	session, _ := s.CreateSession("acc-1")

	meta := map[string]interface{}{"warnings": []interface{}{"bad row 3"}}
	if err := s.FinalizeSession(session.ID, ledger.SessionFailed, "validation failed", meta); err != nil {
		t.Fatalf("FinalizeSession() error = %v", err)
	}

	got, _ := s.GetSession(session.ID)
	if got.Error != "validation failed" {
		t.Errorf("Error = %q", got.Error)
	}
	if got.Metadata == nil || got.Metadata["warnings"] == nil {
		t.Errorf("Metadata = %v, want warnings preserved", got.Metadata)
	}
}

func makeRecords(sessionID string, hashes ...string) []ledger.RawRecord {
	records := make([]ledger.RawRecord, 0, len(hashes))
	for _, h := range hashes {
		records = append(records, ledger.RawRecord{
			SessionID:   sessionID,
			ContentHash: h,
			StreamType:  "transactions",
			Payload:     json.RawMessage(`{"txid":"` + h + `"}`),
		})
	}
	return records
}

func TestSaveBatchIdempotent(t *testing.T) {
	s := setupTestStorage(t)
	a := testAccount("acc-1")
	if err := s.CreateAccount(a); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	session, _ := s.CreateSession("acc-1")

	first, err := s.SaveBatch(a, session.ID, makeRecords(session.ID, "h1", "h2", "h3"))
	if err != nil {
		t.Fatalf("SaveBatch() error = %v", err)
	}
	if first.Inserted != 3 || first.Skipped != 0 {
		t.Errorf("first save = %+v, want 3 inserted", first)
	}

	// Overlapping re-import: h2 and h3 already present
	second, err := s.SaveBatch(a, session.ID, makeRecords(session.ID, "h2", "h3", "h4"))
	if err != nil {
		t.Fatalf("SaveBatch() error = %v", err)
	}
	if second.Inserted != 1 || second.Skipped != 2 {
		t.Errorf("second save = %+v, want 1 inserted 2 skipped", second)
	}

	counts, err := s.CountByStreamType("acc-1")
	if err != nil {
		t.Fatalf("CountByStreamType() error = %v", err)
	}
	if counts["transactions"] != 4 {
		t.Errorf("transactions count = %d, want 4", counts["transactions"])
	}
}

func TestSaveBatchWithCursorAtomic(t *testing.T) {
	s := setupTestStorage(t)
	a := testAccount("acc-1")
	if err := s.CreateAccount(a); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	session, _ := s.CreateSession("acc-1")

	result, err := s.SaveBatchWithCursor(a, session.ID,
		makeRecords(session.ID, "h1", "h2"),
		map[string]ledger.CursorState{"transactions": {Primary: "page-2", TotalFetched: 2}})
	if err != nil {
		t.Fatalf("SaveBatchWithCursor() error = %v", err)
	}
	if result.Inserted != 2 {
		t.Errorf("Inserted = %d, want 2", result.Inserted)
	}

	got, _ := s.GetAccount("acc-1")
	if got.LastCursor["transactions"].Primary != "page-2" {
		t.Errorf("cursor = %+v, want page-2", got.LastCursor["transactions"])
	}

	updated, _ := s.GetSession(session.ID)
	if updated.TransactionsImported != 2 {
		t.Errorf("TransactionsImported = %d, want 2", updated.TransactionsImported)
	}

	// Re-saving the same batch counts as skipped, not imported
	if _, err := s.SaveBatchWithCursor(a, session.ID,
		makeRecords(session.ID, "h1", "h2"),
		map[string]ledger.CursorState{"transactions": {Primary: "page-3", TotalFetched: 2}}); err != nil {
		t.Fatalf("SaveBatchWithCursor() replay error = %v", err)
	}
	updated, _ = s.GetSession(session.ID)
	if updated.TransactionsImported != 2 || updated.TransactionsSkipped != 2 {
		t.Errorf("counters = %d imported %d skipped, want 2/2",
			updated.TransactionsImported, updated.TransactionsSkipped)
	}
}

func TestMarkRecordsProcessed(t *testing.T) {
	s := setupTestStorage(t)
	a := testAccount("acc-1")
	if err := s.CreateAccount(a); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	session, _ := s.CreateSession("acc-1")
	if _, err := s.SaveBatch(a, session.ID, makeRecords(session.ID, "h1", "h2")); err != nil {
		t.Fatalf("SaveBatch() error = %v", err)
	}

	if err := s.MarkRecordsProcessed("acc-1", []string{"h1"}, ledger.RecordProcessed); err != nil {
		t.Fatalf("MarkRecordsProcessed() error = %v", err)
	}

	pending, err := s.GetPendingRecords("acc-1", 0)
	if err != nil {
		t.Fatalf("GetPendingRecords() error = %v", err)
	}
	if len(pending) != 1 || pending[0].ContentHash != "h2" {
		t.Errorf("pending = %+v, want only h2", pending)
	}
}

func TestDeleteAccountCascades(t *testing.T) {
	s := setupTestStorage(t)
	a := testAccount("acc-1")
	if err := s.CreateAccount(a); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	session, _ := s.CreateSession("acc-1")
	if _, err := s.SaveBatch(a, session.ID, makeRecords(session.ID, "h1")); err != nil {
		t.Fatalf("SaveBatch() error = %v", err)
	}

	if err := s.DeleteAccount("acc-1"); err != nil {
		t.Fatalf("DeleteAccount() error = %v", err)
	}
	if _, err := s.GetSession(session.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("session survived cascade: %v", err)
	}
	records, _ := s.GetSessionRecords(session.ID)
	if len(records) != 0 {
		t.Errorf("records survived cascade: %d", len(records))
	}
}

func TestLinkRoundTrip(t *testing.T) {
	s := setupTestStorage(t)

	link := &ledger.TransactionLink{
		SourceTransactionID: "tx-src",
		TargetTransactionID: "tx-dst",
		AssetSymbol:         "BTC",
		SourceAmount:        money.MustParse("0.5"),
		TargetAmount:        money.MustParse("0.4995"),
		Type:                ledger.LinkExchangeToBlockchain,
		Status:              ledger.LinkSuggested,
		Metadata:            map[string]interface{}{"confidence": 0.97},
	}
	id, err := s.SaveLink(link)
	if err != nil {
		t.Fatalf("SaveLink() error = %v", err)
	}

	got, err := s.GetLink(id)
	if err != nil {
		t.Fatalf("GetLink() error = %v", err)
	}
	if !money.Equal(got.TargetAmount, money.MustParse("0.4995")) {
		t.Errorf("TargetAmount = %s", got.TargetAmount)
	}
	if got.Status != ledger.LinkSuggested {
		t.Errorf("Status = %s", got.Status)
	}

	// Re-saving the same pair upserts rather than duplicating
	link.Status = ledger.LinkConfirmed
	link.ReviewedBy = ledger.AutoReviewer
	if _, err := s.SaveLink(link); err != nil {
		t.Fatalf("SaveLink() upsert error = %v", err)
	}
	links, err := s.ListLinks("")
	if err != nil {
		t.Fatalf("ListLinks() error = %v", err)
	}
	if len(links) != 1 {
		t.Fatalf("links = %d, want 1 after upsert", len(links))
	}
	if links[0].Status != ledger.LinkConfirmed || links[0].ReviewedBy != ledger.AutoReviewer {
		t.Errorf("upserted link = %+v", links[0])
	}
}

func TestConfirmLink(t *testing.T) {
	s := setupTestStorage(t)

	id, err := s.SaveLink(&ledger.TransactionLink{
		SourceTransactionID: "tx-a",
		TargetTransactionID: "tx-b",
		AssetSymbol:         "ETH",
		SourceAmount:        money.MustParse("1"),
		TargetAmount:        money.MustParse("1"),
		Type:                ledger.LinkBlockchainToExchange,
		Status:              ledger.LinkSuggested,
	})
	if err != nil {
		t.Fatalf("SaveLink() error = %v", err)
	}

	if err := s.ConfirmLink(id, "alice"); err != nil {
		t.Fatalf("ConfirmLink() error = %v", err)
	}
	got, _ := s.GetLink(id)
	if got.Status != ledger.LinkConfirmed || got.ReviewedBy != "alice" || got.ReviewedAt == nil {
		t.Errorf("confirmed link = %+v", got)
	}

	if err := s.ConfirmLink("missing", "alice"); !errors.Is(err, ErrLinkNotFound) {
		t.Errorf("ConfirmLink missing = %v, want ErrLinkNotFound", err)
	}
}
