// Package events carries notifications about committed market changes to
// interested listeners. Delivery is best-effort: the ledger is the source of
// truth and a lost event never affects it.
package events

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crowdodds/market-engine/internal/model"
)

// Type names what happened.
type Type string

const (
	TradeExecuted   Type = "trade_executed"
	MarketOpened    Type = "market_opened"
	MarketClosed    Type = "market_closed"
	MarketResolved  Type = "market_resolved"
	MarketCancelled Type = "market_cancelled"
)

// Event is emitted after a commit. Probabilities are keyed by outcome id.
type Event struct {
	Type          Type                       `json:"type"`
	MarketID      string                     `json:"market_id"`
	OutcomeID     string                     `json:"outcome_id,omitempty"`
	TransactionID string                     `json:"transaction_id,omitempty"`
	Probabilities map[string]decimal.Decimal `json:"probabilities,omitempty"`
	Status        model.MarketStatus         `json:"status,omitempty"`
	Sequence      int64                      `json:"sequence,omitempty"`
	At            time.Time                  `json:"at"`
}

// ProbabilityMap pairs outcomes with probabilities computed in the same order.
func ProbabilityMap(outcomes []model.Outcome, probs []decimal.Decimal) map[string]decimal.Decimal {
	if len(probs) != len(outcomes) {
		return nil
	}
	out := make(map[string]decimal.Decimal, len(outcomes))
	for i, o := range outcomes {
		out[o.ID] = probs[i]
	}
	return out
}

// Publisher delivers events. Publish must not block the caller for long and
// never reports failure; publishers count their own drops.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Multi fans an event out to several publishers in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) {
	for _, p := range m {
		p.Publish(ctx, ev)
	}
}

// Func adapts a function to Publisher.
type Func func(ctx context.Context, ev Event)

func (f Func) Publish(ctx context.Context, ev Event) { f(ctx, ev) }
