package ledger

import (
	"time"

	"github.com/chainledger/chainledger/pkg/money"
)

// Movement is a directional asset change extracted from a universal
// transaction. Amount is the net amount (network fee already subtracted
// when FeeSubtracted is set); GrossAmount keeps the pre-fee figure.
type Movement struct {
	TransactionID string
	Source        string
	SourceKind    AccountKind
	AssetID       string
	AssetSymbol   string
	Amount        money.Amount
	GrossAmount   money.Amount
	FeeSubtracted bool
	Direction     Direction
	Timestamp     time.Time
	FromAddress   string
	ToAddress     string
	TxHash        string
}

// Net returns the movement's effective amount: the net amount when set,
// otherwise the gross amount.
func (m Movement) Net() money.Amount {
	if !money.IsZero(m.Amount) || money.IsZero(m.GrossAmount) {
		return m.Amount
	}
	return m.GrossAmount
}

// UniversalTransaction is the normalized, processor-produced record the
// matching engine consumes. Fees lists on-chain fees separately so
// grouped-transaction adjustment can deduplicate them.
type UniversalTransaction struct {
	ID         string
	AccountID  string
	Source     string
	SourceKind AccountKind
	Timestamp  time.Time
	TxHash     string
	Movements  []Movement
	Fees       []Movement
}

// LinkType classifies a transfer link by the kinds of its endpoints.
type LinkType string

const (
	LinkExchangeToBlockchain   LinkType = "exchange_to_blockchain"
	LinkBlockchainToExchange   LinkType = "blockchain_to_exchange"
	LinkBlockchainToBlockchain LinkType = "blockchain_to_blockchain"
	LinkExchangeToExchange     LinkType = "exchange_to_exchange"
)

// LinkTypeFor derives the link type from the two endpoint kinds.
func LinkTypeFor(source, target AccountKind) LinkType {
	srcChain := source == AccountKindBlockchain
	dstChain := target == AccountKindBlockchain
	switch {
	case !srcChain && dstChain:
		return LinkExchangeToBlockchain
	case srcChain && !dstChain:
		return LinkBlockchainToExchange
	case srcChain && dstChain:
		return LinkBlockchainToBlockchain
	default:
		return LinkExchangeToExchange
	}
}

// LinkStatus is the review state of a transfer link.
type LinkStatus string

const (
	LinkSuggested LinkStatus = "suggested"
	LinkConfirmed LinkStatus = "confirmed"
)

// AutoReviewer tags links confirmed by the engine rather than a user.
const AutoReviewer = "auto"

// TransactionLink is the persisted result of a confirmed or suggested
// match between a withdrawal and a deposit.
type TransactionLink struct {
	ID                  string
	SourceTransactionID string
	TargetTransactionID string
	AssetSymbol         string
	SourceAmount        money.Amount
	TargetAmount        money.Amount
	Type                LinkType
	Status              LinkStatus
	ReviewedBy          string
	ReviewedAt          *time.Time
	Metadata            map[string]interface{}
}
