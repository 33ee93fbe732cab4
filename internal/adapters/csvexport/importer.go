package csvexport

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/chainledger/chainledger/internal/ledger"
	"github.com/chainledger/chainledger/internal/registry"
)

// row is the canonical form a CSV row is stored in.
type row struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Fee       string `json:"fee,omitempty"`
	TxID      string `json:"txid,omitempty"`
	Address   string `json:"address,omitempty"`
}

// Importer streams rows from *.csv files under the account's export
// directories. Each file is its own stream; the cursor's primary key is
// the count of rows already ingested from that file, so re-exported
// files that only grow are resumed, not re-read.
type Importer struct {
	exchange string
}

// ImportStreaming yields one batch per file holding its unread rows.
func (i *Importer) ImportStreaming(ctx context.Context, params registry.ImportParams) <-chan ledger.BatchResult {
	out := make(chan ledger.BatchResult)

	go func() {
		defer close(out)

		files, err := listExports(params.CSVDirectories)
		if err != nil {
			yield(ctx, out, ledger.BatchResult{Err: err})
			return
		}

		for idx, path := range files {
			stream := filepath.Base(path)
			cursor := params.Cursor[stream]

			rows, warnings, err := readRows(path, cursorOffset(cursor))
			if err != nil {
				yield(ctx, out, ledger.BatchResult{Err: err})
				return
			}

			records := make([]ledger.RawRecord, 0, len(rows))
			for _, r := range rows {
				payload, err := json.Marshal(r)
				if err != nil {
					yield(ctx, out, ledger.BatchResult{Err: fmt.Errorf("failed to encode row: %w", err)})
					return
				}
				records = append(records, ledger.RawRecord{
					ContentHash: i.contentHash(r),
					StreamType:  stream,
					Payload:     payload,
					Status:      ledger.RecordPending,
				})
			}

			newOffset := cursorOffset(cursor) + len(rows)
			next := ledger.CursorState{
				Primary:      strconv.Itoa(newOffset),
				TotalFetched: cursor.TotalFetched + int64(len(records)),
			}

			if !yield(ctx, out, ledger.BatchResult{Batch: &ledger.Batch{
				RawTransactions: records,
				StreamType:      stream,
				Cursor:          next,
				IsComplete:      idx == len(files)-1,
				Warnings:        warnings,
			}}) {
				return
			}
		}
	}()

	return out
}

func yield(ctx context.Context, out chan<- ledger.BatchResult, r ledger.BatchResult) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

func (i *Importer) contentHash(r row) string {
	key := strings.Join([]string{i.exchange, r.Timestamp, r.Type, r.Asset, r.Amount, r.Fee, r.TxID, r.Address}, "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func cursorOffset(cursor ledger.CursorState) int {
	if cursor.Primary == "" {
		return 0
	}
	n, err := strconv.Atoi(cursor.Primary)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// listExports collects *.csv files across the directories, sorted for a
// deterministic stream order.
func listExports(dirs []string) ([]string, error) {
	var files []string
	for _, dir := range dirs {
		matches, err := filepath.Glob(filepath.Join(dir, "*.csv"))
		if err != nil {
			return nil, fmt.Errorf("failed to list exports in %s: %w", dir, err)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("no csv exports found under %s", strings.Join(dirs, ", "))
	}
	return files, nil
}

// readRows parses a file and returns the rows past the offset. Rows
// missing required columns become warnings, not records.
func readRows(path string, offset int) ([]row, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range requiredColumns {
		if _, ok := cols[required]; !ok {
			return nil, nil, fmt.Errorf("%s: missing column %q", path, required)
		}
	}

	var rows []row
	var warnings []string
	line := 0
	for {
		fields, err := reader.Read()
		if err != nil {
			break
		}
		line++
		if line <= offset {
			continue
		}

		get := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(fields) {
				return ""
			}
			return strings.TrimSpace(fields[i])
		}
		r := row{
			Timestamp: get("timestamp"),
			Type:      get("type"),
			Asset:     get("asset"),
			Amount:    get("amount"),
			Fee:       get("fee"),
			TxID:      get("txid"),
			Address:   get("address"),
		}
		if r.Timestamp == "" || r.Asset == "" || r.Amount == "" {
			warnings = append(warnings, fmt.Sprintf("%s row %d: incomplete row", filepath.Base(path), line+1))
			continue
		}
		rows = append(rows, r)
	}
	return rows, warnings, nil
}

var _ registry.Importer = (*Importer)(nil)
