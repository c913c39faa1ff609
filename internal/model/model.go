// Package model defines the core domain types shared across the market engine.
// Money and quantities are shopspring/decimal values, never float64.
//
// These are plain value objects. Nothing here holds references to other
// entities; relations are expressed by id and resolved through the store.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketType is the kind of proposition a market prices.
type MarketType string

const (
	MarketBinary      MarketType = "binary"
	MarketCategorical MarketType = "categorical"
	MarketScalar      MarketType = "scalar"
)

// Valid reports whether t is a known market type.
func (t MarketType) Valid() bool {
	switch t {
	case MarketBinary, MarketCategorical, MarketScalar:
		return true
	}
	return false
}

// MarketStatus is a state of the market lifecycle.
type MarketStatus string

const (
	StatusDraft     MarketStatus = "draft"
	StatusOpen      MarketStatus = "open"
	StatusClosed    MarketStatus = "closed"
	StatusResolved  MarketStatus = "resolved"
	StatusCancelled MarketStatus = "cancelled"
)

// Terminal reports whether no transition may leave s.
func (s MarketStatus) Terminal() bool {
	return s == StatusResolved || s == StatusCancelled
}

// TransactionType classifies a balance-affecting event.
type TransactionType string

const (
	TxBuy    TransactionType = "buy"
	TxSell   TransactionType = "sell"
	TxPayout TransactionType = "payout"
	TxRefund TransactionType = "refund"
)

// Action is the side of a trade request.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// Valid reports whether a is buy or sell.
func (a Action) Valid() bool {
	return a == ActionBuy || a == ActionSell
}

// Market is one proposition traded against the LMSR market maker.
// Seq is the last sequence number handed out for this market's
// Transaction and PriceHistory rows.
type Market struct {
	ID                string          `json:"id" db:"id"`
	Title             string          `json:"title" db:"title"`
	Type              MarketType      `json:"market_type" db:"market_type"`
	Status            MarketStatus    `json:"status" db:"status"`
	B                 decimal.Decimal `json:"liquidity_param" db:"b"` // LMSR liquidity parameter
	StartAt           time.Time       `json:"start_at" db:"start_at"`
	EndAt             time.Time       `json:"end_at" db:"end_at"`
	ResolutionDate    *time.Time      `json:"resolution_date,omitempty" db:"resolution_date"`
	ResolvedOutcomeID *string         `json:"resolved_outcome_id,omitempty" db:"resolved_outcome_id"`
	ResolvedAt        *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
	CancelledAt       *time.Time      `json:"cancelled_at,omitempty" db:"cancelled_at"`
	Seq               int64           `json:"seq" db:"seq"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// Outcome is one possible answer of a market. Quantity is the LMSR state
// variable q_i and only moves through executed trades.
type Outcome struct {
	ID       string          `json:"id" db:"id"`
	MarketID string          `json:"market_id" db:"market_id"`
	Name     string          `json:"name" db:"name"`
	Index    int             `json:"index" db:"idx"`
	Quantity decimal.Decimal `json:"quantity" db:"quantity"`
}

// Position is a user's holding in one outcome of one market. Zero-quantity
// positions are kept for audit.
type Position struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	OutcomeID string          `json:"outcome_id" db:"outcome_id"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`
	TotalCost decimal.Decimal `json:"total_cost" db:"total_cost"` // signed cost basis
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Transaction is an immutable record of a balance change.
// Once created, these are never modified or deleted.
type Transaction struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	MarketID     string          `json:"market_id" db:"market_id"`
	OutcomeID    string          `json:"outcome_id" db:"outcome_id"`
	Type         TransactionType `json:"type" db:"type"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`           // signed: +buy, -sell
	Cost         decimal.Decimal `json:"cost" db:"cost"`                   // signed: negative means funds returned
	BalanceAfter decimal.Decimal `json:"balance_after" db:"balance_after"` // user balance after this event
	Sequence     int64           `json:"sequence" db:"sequence"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// PriceHistory is the probability of one outcome right after the event
// with the given market sequence.
type PriceHistory struct {
	MarketID    string          `json:"market_id" db:"market_id"`
	OutcomeID   string          `json:"outcome_id" db:"outcome_id"`
	Sequence    int64           `json:"sequence" db:"sequence"`
	Probability decimal.Decimal `json:"probability" db:"probability"`
	RecordedAt  time.Time       `json:"recorded_at" db:"recorded_at"`
}

// User is the balance handle of a participant. Identity lives elsewhere.
type User struct {
	ID        string          `json:"id" db:"id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// PayoutPerShare is what one share of the winning outcome pays on
// resolution. Estimates quote potential payouts with the same figure.
var PayoutPerShare = decimal.NewFromInt(1)

// Quantities returns the outcome quantity vector ordered as given.
func Quantities(outcomes []Outcome) []decimal.Decimal {
	q := make([]decimal.Decimal, len(outcomes))
	for i, o := range outcomes {
		q[i] = o.Quantity
	}
	return q
}

// IndexOf returns the position of outcomeID in outcomes, or -1.
func IndexOf(outcomes []Outcome, outcomeID string) int {
	for i, o := range outcomes {
		if o.ID == outcomeID {
			return i
		}
	}
	return -1
}
