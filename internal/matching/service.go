package matching

import (
	"fmt"

	"github.com/chainledger/chainledger/internal/ledger"
	"github.com/chainledger/chainledger/internal/registry"
	"github.com/chainledger/chainledger/internal/storage"
	"github.com/chainledger/chainledger/pkg/logging"
)

// Service runs the matching pipeline over ingested records: process
// pending raw records into universal transactions, build candidates,
// score, and persist the surviving links.
type Service struct {
	store    *storage.Storage
	registry *registry.Registry
	engine   *Engine
	log      *logging.Logger
}

// NewService creates the matching service.
func NewService(store *storage.Storage, reg *registry.Registry, cfg Config, log *logging.Logger) *Service {
	if log == nil {
		log = logging.GetDefault()
	}
	return &Service{
		store:    store,
		registry: reg,
		engine:   NewEngine(cfg, log),
		log:      log.Component("matcher"),
	}
}

// RunResult summarizes one matching pass.
type RunResult struct {
	Transactions int
	Matches      int
	Confirmed    int
	Suggested    int
	Rejected     int
}

// Run matches across every account's processed view of the ledger.
// The pass reads a stable snapshot; it never runs concurrently with an
// active import of the same account.
func (s *Service) Run() (*RunResult, error) {
	accounts, err := s.store.ListAccounts()
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	var txs []*ledger.UniversalTransaction
	processed := make(map[string][]string)
	for _, account := range accounts {
		accountTxs, hashes, err := s.processAccount(account)
		if err != nil {
			return nil, err
		}
		txs = append(txs, accountTxs...)
		processed[account.ID] = hashes
	}

	sources, targets := BuildCandidates(txs)
	matches := s.engine.FindPotentialMatches(sources, targets)
	confirmed, suggested := s.engine.DeduplicateAndConfirm(matches)

	result := &RunResult{Transactions: len(txs), Matches: len(matches)}
	result.Confirmed = s.persist(confirmed, ledger.LinkConfirmed, result)
	result.Suggested = s.persist(suggested, ledger.LinkSuggested, result)

	for accountID, hashes := range processed {
		if err := s.store.MarkRecordsProcessed(accountID, hashes, ledger.RecordProcessed); err != nil {
			return nil, fmt.Errorf("failed to mark records processed: %w", err)
		}
	}

	s.log.Info("matching pass complete",
		"transactions", result.Transactions, "matches", result.Matches,
		"confirmed", result.Confirmed, "suggested", result.Suggested,
		"rejected", result.Rejected)
	return result, nil
}

// processAccount turns an account's pending records into universal
// transactions via its registered processor.
func (s *Service) processAccount(account *ledger.Account) ([]*ledger.UniversalTransaction, []string, error) {
	records, err := s.store.GetPendingRecords(account.ID, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load records for %s: %w", account.ID, err)
	}
	if len(records) == 0 {
		return nil, nil, nil
	}

	processor, err := s.processorFor(account)
	if err != nil {
		return nil, nil, err
	}

	txs, err := processor.Process(account, records)
	if err != nil {
		return nil, nil, fmt.Errorf("processing %s failed: %w", account.ID, err)
	}

	hashes := make([]string, 0, len(records))
	for _, rec := range records {
		hashes = append(hashes, rec.ContentHash)
	}
	return txs, hashes, nil
}

func (s *Service) processorFor(account *ledger.Account) (registry.Processor, error) {
	if account.Kind == ledger.AccountKindBlockchain {
		adapter, err := s.registry.Blockchain(account.Source)
		if err != nil {
			return nil, err
		}
		return adapter.CreateProcessor(), nil
	}
	adapter, err := s.registry.Exchange(account.Source)
	if err != nil {
		return nil, err
	}
	return adapter.CreateProcessor(), nil
}

// persist validates and saves one partition of surviving matches.
// Validation rejections drop the match with a logged reason.
func (s *Service) persist(matches []PotentialMatch, status ledger.LinkStatus, result *RunResult) int {
	saved := 0
	for _, m := range matches {
		link, err := s.engine.CreateTransactionLink(m, status)
		if err != nil {
			s.log.Warn("match rejected", "source", m.Source.ID, "target", m.Target.ID, "reason", err)
			result.Rejected++
			continue
		}
		if _, err := s.store.SaveLink(link); err != nil {
			s.log.Error("failed to save link", "source", m.Source.ID, "target", m.Target.ID, "error", err)
			result.Rejected++
			continue
		}
		saved++
	}
	return saved
}
