// Package importer drives a source's streaming batch iterator: each
// yielded batch is persisted together with its advancing cursor, so a
// crashed or cancelled run resumes exactly where the last durable
// cursor left off.
package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainledger/chainledger/internal/events"
	"github.com/chainledger/chainledger/internal/ledger"
	"github.com/chainledger/chainledger/internal/provider"
	"github.com/chainledger/chainledger/internal/registry"
	"github.com/chainledger/chainledger/internal/storage"
	"github.com/chainledger/chainledger/pkg/logging"
)

// Config holds runner tuning.
type Config struct {
	BatchSaveTimeoutMs        int `yaml:"batch_save_timeout_ms"`
	CancellationGracePeriodMs int `yaml:"cancellation_grace_period_ms"`
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{
		BatchSaveTimeoutMs:        30000,
		CancellationGracePeriodMs: 5000,
	}
}

// CancellationGracePeriod is how long shutdown waits for in-flight
// imports to reach a clean batch boundary.
func (c Config) CancellationGracePeriod() time.Duration {
	if c.CancellationGracePeriodMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.CancellationGracePeriodMs) * time.Millisecond
}

func (c Config) batchSaveTimeout() time.Duration {
	if c.BatchSaveTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.BatchSaveTimeoutMs) * time.Millisecond
}

// Runner errors
var (
	ErrInvalidAccountInput = errors.New("invalid account input")
)

// Runner executes streaming imports against registered accounts.
type Runner struct {
	store     *storage.Storage
	registry  *registry.Registry
	providers *provider.Manager
	bus       *events.Bus
	cfg       Config
	log       *logging.Logger
}

// NewRunner creates an import runner.
func NewRunner(store *storage.Storage, reg *registry.Registry, providers *provider.Manager, bus *events.Bus, cfg Config, log *logging.Logger) *Runner {
	if bus == nil {
		bus = events.NewBus()
	}
	if log == nil {
		log = logging.GetDefault()
	}
	return &Runner{
		store:     store,
		registry:  reg,
		providers: providers,
		bus:       bus,
		cfg:       cfg,
		log:       log.Component("importer"),
	}
}

// ImportFromSource runs one full import for the account: pre-flight
// validation, session bookkeeping, the batch loop, and finalization.
// The returned session reflects the terminal state.
func (r *Runner) ImportFromSource(ctx context.Context, account *ledger.Account) (*ledger.ImportSession, error) {
	imp, params, err := r.preflight(account)
	if err != nil {
		return nil, err
	}

	session, resumed, err := r.openSession(account.ID)
	if err != nil {
		return nil, err
	}
	log := r.log.With("account", account.ID, "source", account.Source, "session", session.ID)
	if resumed {
		log.Info("resuming incomplete import session")
	} else {
		log.Info("starting import session")
	}
	r.publish(events.TopicSessionStarted, session, account, nil)

	// The stream gets its own cancellable context so an early exit from
	// the batch loop (warnings, partial import) releases the producer
	// goroutine instead of leaving it parked on its yield.
	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()

	params.Cursor = account.LastCursor
	result := r.drain(streamCtx, account, session, imp.ImportStreaming(streamCtx, *params), log)

	final, loadErr := r.store.GetSession(session.ID)
	if loadErr != nil {
		return nil, fmt.Errorf("failed to reload session: %w", loadErr)
	}
	return final, result
}

// preflight resolves the adapter and validates account input before any
// session state is touched.
func (r *Runner) preflight(account *ledger.Account) (registry.Importer, *registry.ImportParams, error) {
	params := &registry.ImportParams{
		CSVDirectories: account.CSVDirectories,
		ProviderName:   account.PreferredProvider,
	}

	switch account.Kind {
	case ledger.AccountKindBlockchain:
		adapter, err := r.registry.Blockchain(account.Source)
		if err != nil {
			return nil, nil, err
		}
		normalized, err := adapter.NormalizeAddress(account.Identifier)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidAccountInput, err)
		}
		params.Address = normalized
		return adapter.CreateImporter(r.providers, account.PreferredProvider), params, nil

	case ledger.AccountKindExchangeAPI, ledger.AccountKindExchangeCSV:
		adapter, err := r.registry.Exchange(account.Source)
		if err != nil {
			return nil, nil, err
		}
		if account.Kind == ledger.AccountKindExchangeCSV && len(account.CSVDirectories) == 0 {
			return nil, nil, fmt.Errorf("%w: csv account without export directories", ErrInvalidAccountInput)
		}
		return adapter.CreateImporter(), params, nil

	default:
		return nil, nil, fmt.Errorf("%w: unsupported account kind %q", ErrInvalidAccountInput, account.Kind)
	}
}

// openSession resumes the account's incomplete session or starts a new
// one. The one-incomplete-session invariant makes imports single-flight
// per account.
func (r *Runner) openSession(accountID string) (*ledger.ImportSession, bool, error) {
	existing, err := r.store.FindLatestIncomplete(accountID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, true, nil
	}
	session, err := r.store.CreateSession(accountID)
	if err != nil {
		return nil, false, err
	}
	return session, false, nil
}

// drain consumes the importer's stream strictly in yield order.
func (r *Runner) drain(ctx context.Context, account *ledger.Account, session *ledger.ImportSession, stream <-chan ledger.BatchResult, log *logging.Logger) error {
	for res := range stream {
		if res.Err != nil {
			var partial *ledger.PartialImportError
			if errors.As(res.Err, &partial) {
				return r.failPartial(account, session, partial, log)
			}
			return r.fail(account, session, res.Err.Error(), nil, res.Err)
		}

		batch := res.Batch
		if len(batch.Warnings) > 0 {
			return r.failWarnings(account, session, batch, log)
		}

		saved, err := r.saveBatch(account, session, batch)
		if err != nil {
			return r.fail(account, session, fmt.Sprintf("batch save failed: %v", err), nil, err)
		}

		// Keep the in-memory cursor map current for observability.
		if account.LastCursor == nil {
			account.LastCursor = make(map[string]ledger.CursorState)
		}
		for st, cur := range cursorUpdates(batch) {
			account.LastCursor[st] = cur
		}

		r.bus.Publish(events.Event{
			Topic:     events.TopicBatchSaved,
			SessionID: session.ID,
			AccountID: account.ID,
			Source:    account.Source,
			Counts: map[string]int64{
				"inserted":     saved.Inserted,
				"skipped":      saved.Skipped,
				"totalFetched": batch.Cursor.TotalFetched,
			},
			Metadata: map[string]interface{}{"streamType": batch.StreamType},
		})
		log.Debug("batch saved", "stream", batch.StreamType,
			"inserted", saved.Inserted, "skipped", saved.Skipped,
			"totalFetched", batch.Cursor.TotalFetched)

		if batch.IsComplete {
			log.Info("stream complete", "stream", batch.StreamType, "totalFetched", batch.Cursor.TotalFetched)
		}
	}

	if err := ctx.Err(); err != nil {
		reason := "cancelled"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		return r.fail(account, session, reason, nil, fmt.Errorf("import %s: %w", reason, err))
	}

	if err := r.store.FinalizeSession(session.ID, ledger.SessionCompleted, "", nil); err != nil {
		return fmt.Errorf("failed to finalize session: %w", err)
	}
	log.Info("import session completed")
	r.publish(events.TopicSessionCompleted, session, account, nil)
	return nil
}

// cursorUpdates merges a batch's own cursor with any extra per-stream
// updates it carries.
func cursorUpdates(batch *ledger.Batch) map[string]ledger.CursorState {
	updates := map[string]ledger.CursorState{batch.StreamType: batch.Cursor}
	for stream, cur := range batch.CursorUpdates {
		updates[stream] = cur
	}
	return updates
}

// saveBatch persists records, cursors and session counters atomically,
// bounded by the configured save timeout. A timed-out write may still
// land; the sink's content-hash idempotence absorbs the re-run.
func (r *Runner) saveBatch(account *ledger.Account, session *ledger.ImportSession, batch *ledger.Batch) (*storage.SaveResult, error) {
	type outcome struct {
		result *storage.SaveResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := r.store.SaveBatchWithCursor(account, session.ID, batch.RawTransactions, cursorUpdates(batch))
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-time.After(r.cfg.batchSaveTimeout()):
		return nil, fmt.Errorf("batch save timed out after %s", r.cfg.batchSaveTimeout())
	}
}

// failWarnings treats a warning-carrying batch as a hard failure:
// partial or ambiguous data must not be silently processed downstream.
func (r *Runner) failWarnings(account *ledger.Account, session *ledger.ImportSession, batch *ledger.Batch, log *logging.Logger) error {
	for _, w := range batch.Warnings {
		log.Warn("import warning", "stream", batch.StreamType, "warning", w)
		r.bus.Publish(events.Event{
			Topic:     events.TopicImportWarning,
			SessionID: session.ID,
			AccountID: account.ID,
			Source:    account.Source,
			Metadata:  map[string]interface{}{"streamType": batch.StreamType, "warning": w},
		})
	}

	msg := fmt.Sprintf("import aborted: %d warning(s) on stream %s", len(batch.Warnings), batch.StreamType)
	err := errors.New(msg)
	return r.fail(account, session, msg, map[string]interface{}{"warnings": batch.Warnings}, err)
}

// failPartial persists everything that validated before the offending
// item along with the last-good cursors, then fails the session with an
// actionable error.
func (r *Runner) failPartial(account *ledger.Account, session *ledger.ImportSession, partial *ledger.PartialImportError, log *logging.Logger) error {
	if len(partial.Validated) > 0 || len(partial.CursorUpdates) > 0 {
		saved, err := r.store.SaveBatchWithCursor(account, session.ID, partial.Validated, partial.CursorUpdates)
		if err != nil {
			return r.fail(account, session, fmt.Sprintf("partial save failed: %v", err), nil, err)
		}
		log.Warn("persisted partial import progress",
			"validated", len(partial.Validated), "inserted", saved.Inserted)
		for stream, cur := range partial.CursorUpdates {
			if account.LastCursor == nil {
				account.LastCursor = make(map[string]ledger.CursorState)
			}
			account.LastCursor[stream] = cur
		}
	}

	meta := map[string]interface{}{"reason": partial.Reason}
	if len(partial.FailedItem) > 0 {
		meta["failedItem"] = string(partial.FailedItem)
	}
	return r.fail(account, session, partial.Reason, meta, partial)
}

// fail finalizes the session as failed and returns the original error.
func (r *Runner) fail(account *ledger.Account, session *ledger.ImportSession, msg string, metadata map[string]interface{}, cause error) error {
	if err := r.store.FinalizeSession(session.ID, ledger.SessionFailed, msg, metadata); err != nil {
		r.log.Error("failed to finalize session", "session", session.ID, "error", err)
	}
	r.publish(events.TopicSessionFailed, session, account, map[string]interface{}{"error": msg})
	return cause
}

func (r *Runner) publish(topic events.Topic, session *ledger.ImportSession, account *ledger.Account, metadata map[string]interface{}) {
	r.bus.Publish(events.Event{
		Topic:     topic,
		SessionID: session.ID,
		AccountID: account.ID,
		Source:    account.Source,
		Metadata:  metadata,
	})
}
