package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chainledger/chainledger/internal/ledger"
	"github.com/chainledger/chainledger/pkg/money"
)

// nodeStatus returns daemon-level status.
func (s *Server) nodeStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	accounts, err := s.store.ListAccounts()
	if err != nil {
		return nil, err
	}

	wsClients := 0
	if s.wsHub != nil {
		wsClients = s.wsHub.ClientCount()
	}

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"accounts":       len(accounts),
		"blockchains":    s.registry.Blockchains(),
		"exchanges":      s.registry.Exchanges(),
		"ws_clients":     wsClients,
	}, nil
}

// AccountInfo is the wire representation of an account.
type AccountInfo struct {
	ID                string                        `json:"id"`
	Kind              string                        `json:"kind"`
	Source            string                        `json:"source"`
	Identifier        string                        `json:"identifier,omitempty"`
	CSVDirectories    []string                      `json:"csv_directories,omitempty"`
	PreferredProvider string                        `json:"preferred_provider,omitempty"`
	LastCursor        map[string]ledger.CursorState `json:"last_cursor,omitempty"`
	CreatedAt         int64                         `json:"created_at"`
}

func accountToInfo(a *ledger.Account) AccountInfo {
	return AccountInfo{
		ID:                a.ID,
		Kind:              string(a.Kind),
		Source:            a.Source,
		Identifier:        a.Identifier,
		CSVDirectories:    a.CSVDirectories,
		PreferredProvider: a.PreferredProvider,
		LastCursor:        a.LastCursor,
		CreatedAt:         a.CreatedAt.Unix(),
	}
}

// AccountsCreateParams are the parameters for accounts_create.
type AccountsCreateParams struct {
	ID                string   `json:"id,omitempty"`
	Kind              string   `json:"kind"`
	Source            string   `json:"source"`
	Identifier        string   `json:"identifier,omitempty"`
	CSVDirectories    []string `json:"csv_directories,omitempty"`
	PreferredProvider string   `json:"preferred_provider,omitempty"`
}

// accountsCreate registers a new account. Blockchain identifiers are
// validated and canonicalized through the chain adapter before the
// account is stored.
func (s *Server) accountsCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p AccountsCreateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	kind := ledger.AccountKind(p.Kind)
	switch kind {
	case ledger.AccountKindBlockchain:
		adapter, err := s.registry.Blockchain(p.Source)
		if err != nil {
			return nil, err
		}
		normalized, err := adapter.NormalizeAddress(p.Identifier)
		if err != nil {
			return nil, fmt.Errorf("invalid address for %s: %w", p.Source, err)
		}
		p.Identifier = normalized
	case ledger.AccountKindExchangeAPI, ledger.AccountKindExchangeCSV:
		if _, err := s.registry.Exchange(p.Source); err != nil {
			return nil, err
		}
		if kind == ledger.AccountKindExchangeCSV && len(p.CSVDirectories) == 0 {
			return nil, fmt.Errorf("exchange-csv account requires csv_directories")
		}
	default:
		return nil, fmt.Errorf("unknown account kind %q", p.Kind)
	}

	account := &ledger.Account{
		ID:                p.ID,
		Kind:              kind,
		Source:            p.Source,
		Identifier:        p.Identifier,
		CSVDirectories:    p.CSVDirectories,
		PreferredProvider: p.PreferredProvider,
		CreatedAt:         time.Now(),
	}
	if account.ID == "" {
		account.ID = uuid.New().String()
	}

	if err := s.store.CreateAccount(account); err != nil {
		return nil, err
	}

	s.log.Info("Account created", "id", account.ID, "kind", account.Kind, "source", account.Source)
	return accountToInfo(account), nil
}

func (s *Server) accountsList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	accounts, err := s.store.ListAccounts()
	if err != nil {
		return nil, err
	}
	infos := make([]AccountInfo, 0, len(accounts))
	for _, a := range accounts {
		infos = append(infos, accountToInfo(a))
	}
	return infos, nil
}

// idParams is the common {id} parameter shape.
type idParams struct {
	ID string `json:"id"`
}

func (s *Server) accountsGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p idParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	account, err := s.store.GetAccount(p.ID)
	if err != nil {
		return nil, err
	}
	return accountToInfo(account), nil
}

func (s *Server) accountsDelete(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p idParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if err := s.store.DeleteAccount(p.ID); err != nil {
		return nil, err
	}
	return map[string]bool{"deleted": true}, nil
}

// SessionInfo is the wire representation of an import session.
type SessionInfo struct {
	ID                   string                 `json:"id"`
	AccountID            string                 `json:"account_id"`
	Status               string                 `json:"status"`
	TransactionsImported int64                  `json:"transactions_imported"`
	TransactionsSkipped  int64                  `json:"transactions_skipped"`
	StartedAt            int64                  `json:"started_at"`
	CompletedAt          *int64                 `json:"completed_at,omitempty"`
	Error                string                 `json:"error,omitempty"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
}

func sessionToInfo(sess *ledger.ImportSession) SessionInfo {
	info := SessionInfo{
		ID:                   sess.ID,
		AccountID:            sess.AccountID,
		Status:               string(sess.Status),
		TransactionsImported: sess.TransactionsImported,
		TransactionsSkipped:  sess.TransactionsSkipped,
		StartedAt:            sess.StartedAt.Unix(),
		Error:                sess.Error,
		Metadata:             sess.Metadata,
	}
	if sess.CompletedAt != nil {
		t := sess.CompletedAt.Unix()
		info.CompletedAt = &t
	}
	return info
}

// ImportRunParams are the parameters for import_run.
type ImportRunParams struct {
	AccountID string `json:"account_id"`
}

// importRun executes a full streaming import for one account. The call
// blocks until the session reaches a terminal state; progress events
// stream over the WebSocket feed meanwhile.
func (s *Server) importRun(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ImportRunParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	account, err := s.store.GetAccount(p.AccountID)
	if err != nil {
		return nil, err
	}

	session, err := s.runner.ImportFromSource(ctx, account)
	if session == nil && err != nil {
		return nil, err
	}

	info := sessionToInfo(session)
	if err != nil {
		// The session itself records the failure; surface both.
		info.Error = err.Error()
	}
	return info, nil
}

// ImportSessionsParams are the parameters for import_sessions.
type ImportSessionsParams struct {
	AccountID string `json:"account_id"`
	Limit     int    `json:"limit,omitempty"`
}

func (s *Server) importSessions(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ImportSessionsParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	sessions, err := s.store.ListSessions(p.AccountID, p.Limit)
	if err != nil {
		return nil, err
	}
	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sessionToInfo(sess))
	}
	return infos, nil
}

// importCounts returns per-stream record counts for an account.
func (s *Server) importCounts(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ImportRunParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return s.store.CountByStreamType(p.AccountID)
}

// matchRun executes one matching pass over all accounts.
func (s *Server) matchRun(ctx context.Context, params json.RawMessage) (interface{}, error) {
	result, err := s.matcher.Run()
	if err != nil {
		return nil, err
	}
	return map[string]int{
		"transactions": result.Transactions,
		"matches":      result.Matches,
		"confirmed":    result.Confirmed,
		"suggested":    result.Suggested,
		"rejected":     result.Rejected,
	}, nil
}

// LinkInfo is the wire representation of a transaction link.
type LinkInfo struct {
	ID                  string                 `json:"id"`
	SourceTransactionID string                 `json:"source_transaction_id"`
	TargetTransactionID string                 `json:"target_transaction_id"`
	AssetSymbol         string                 `json:"asset_symbol"`
	SourceAmount        string                 `json:"source_amount"`
	TargetAmount        string                 `json:"target_amount"`
	Type                string                 `json:"type"`
	Status              string                 `json:"status"`
	ReviewedBy          string                 `json:"reviewed_by,omitempty"`
	ReviewedAt          *int64                 `json:"reviewed_at,omitempty"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
}

func linkToInfo(l *ledger.TransactionLink) LinkInfo {
	info := LinkInfo{
		ID:                  l.ID,
		SourceTransactionID: l.SourceTransactionID,
		TargetTransactionID: l.TargetTransactionID,
		AssetSymbol:         l.AssetSymbol,
		SourceAmount:        money.ToFixed(l.SourceAmount, 8),
		TargetAmount:        money.ToFixed(l.TargetAmount, 8),
		Type:                string(l.Type),
		Status:              string(l.Status),
		ReviewedBy:          l.ReviewedBy,
		Metadata:            l.Metadata,
	}
	if l.ReviewedAt != nil {
		t := l.ReviewedAt.Unix()
		info.ReviewedAt = &t
	}
	return info
}

// LinksListParams are the parameters for links_list.
type LinksListParams struct {
	Status string `json:"status,omitempty"`
}

func (s *Server) linksList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p LinksListParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}
	links, err := s.store.ListLinks(ledger.LinkStatus(p.Status))
	if err != nil {
		return nil, err
	}
	infos := make([]LinkInfo, 0, len(links))
	for _, l := range links {
		infos = append(infos, linkToInfo(l))
	}
	return infos, nil
}

func (s *Server) linksGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p idParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	link, err := s.store.GetLink(p.ID)
	if err != nil {
		return nil, err
	}
	return linkToInfo(link), nil
}

// LinksConfirmParams are the parameters for links_confirm.
type LinksConfirmParams struct {
	ID       string `json:"id"`
	Reviewer string `json:"reviewer,omitempty"`
}

func (s *Server) linksConfirm(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p LinksConfirmParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	reviewer := p.Reviewer
	if reviewer == "" {
		reviewer = "manual"
	}
	if err := s.store.ConfirmLink(p.ID, reviewer); err != nil {
		return nil, err
	}
	link, err := s.store.GetLink(p.ID)
	if err != nil {
		return nil, err
	}
	return linkToInfo(link), nil
}

func (s *Server) linksDelete(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p idParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if err := s.store.DeleteLink(p.ID); err != nil {
		return nil, err
	}
	return map[string]bool{"deleted": true}, nil
}

// ProvidersListParams are the parameters for providers_list.
type ProvidersListParams struct {
	Chain string `json:"chain"`
}

func (s *Server) providersList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ProvidersListParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return s.providers.Providers(p.Chain), nil
}

// adaptersList returns the registered blockchain and exchange adapters.
func (s *Server) adaptersList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return map[string][]string{
		"blockchains": s.registry.Blockchains(),
		"exchanges":   s.registry.Exchanges(),
	}, nil
}
