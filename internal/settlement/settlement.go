// Package settlement resolves and cancels markets. Each operation is one
// critical section: every payout or refund and the status change commit
// together, or nothing does.
package settlement

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/crowdodds/market-engine/internal/apperr"
	"github.com/crowdodds/market-engine/internal/events"
	"github.com/crowdodds/market-engine/internal/ledger"
	"github.com/crowdodds/market-engine/internal/lifecycle"
	"github.com/crowdodds/market-engine/internal/metrics"
	"github.com/crowdodds/market-engine/internal/model"
)

// Result is the committed outcome of a settlement.
type Result struct {
	Market       model.Market        `json:"market"`
	Transactions []model.Transaction `json:"transactions"`
	Total        decimal.Decimal     `json:"total"`
}

// Engine settles markets through the ledger.
type Engine struct {
	ledger *ledger.Ledger
	pub    events.Publisher
	logger *slog.Logger
}

// NewEngine creates a settlement Engine.
func NewEngine(lg *ledger.Ledger, pub events.Publisher, logger *slog.Logger) *Engine {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		ledger: lg,
		pub:    pub,
		logger: logger.With("component", "settlement"),
	}
}

// Resolve settles a CLOSED market in favour of winningOutcomeID. Every
// position in the winning outcome is paid quantity × model.PayoutPerShare.
// Losing positions get no Transaction.
func (e *Engine) Resolve(ctx context.Context, marketID, winningOutcomeID string) (*Result, error) {
	var res Result
	var from model.MarketStatus
	var probs map[string]decimal.Decimal
	err := e.ledger.Atomic(ctx, marketID, func(tx *ledger.Tx) error {
		res = Result{Total: decimal.Zero}
		m, read, err := lifecycle.Refresh(tx)
		if err != nil {
			return err
		}
		from = read
		if !lifecycle.CanTransition(m.Status, model.StatusResolved) {
			return apperr.ErrInvalidStateTransition.
				With("market_id", marketID).
				With("from", m.Status).
				With("to", model.StatusResolved)
		}

		outcomes, err := tx.Outcomes()
		if err != nil {
			return err
		}
		if model.IndexOf(outcomes, winningOutcomeID) < 0 {
			return apperr.Newf(apperr.CodeNotFound, "outcome %s not found in market %s", winningOutcomeID, marketID)
		}

		positions, err := tx.Store().ListPositionsByMarket(tx.Context(), marketID)
		if err != nil {
			return err
		}
		for _, pos := range positions {
			if pos.OutcomeID != winningOutcomeID || !pos.Quantity.IsPositive() {
				continue
			}
			amount := pos.Quantity.Mul(model.PayoutPerShare)
			tr, err := tx.ApplyPayout(pos, amount)
			if err != nil {
				return err
			}
			res.Transactions = append(res.Transactions, *tr)
			res.Total = res.Total.Add(amount)
		}

		if err := lifecycle.Transition(m, model.StatusResolved, tx.Now()); err != nil {
			return err
		}
		winner := winningOutcomeID
		m.ResolvedOutcomeID = &winner
		tx.MarkDirty()

		probs = make(map[string]decimal.Decimal, len(outcomes))
		for _, o := range outcomes {
			probs[o.ID] = decimal.Zero
		}
		probs[winningOutcomeID] = decimal.NewFromInt(1)
		res.Market = *m
		return nil
	})
	if err != nil {
		return nil, err
	}

	lifecycle.Observe(from, model.StatusResolved)
	metrics.Settlements.WithLabelValues(string(model.TxPayout)).Add(float64(len(res.Transactions)))
	e.logger.Info("market resolved",
		"market", marketID,
		"winner", winningOutcomeID,
		"payouts", len(res.Transactions),
		"total", res.Total,
	)
	e.pub.Publish(ctx, events.Event{
		Type:          events.MarketResolved,
		MarketID:      marketID,
		OutcomeID:     winningOutcomeID,
		Probabilities: probs,
		Status:        res.Market.Status,
		Sequence:      res.Market.Seq,
		At:            res.Market.UpdatedAt,
	})
	return &res, nil
}

// Cancel voids a DRAFT, OPEN or CLOSED market and refunds every position
// its net cost basis. Positions whose basis is zero or negative (sold for
// more than they cost) get no refund and nothing is clawed back, so such a
// position records no refund transaction. Result.Total is the sum refunded.
func (e *Engine) Cancel(ctx context.Context, marketID string) (*Result, error) {
	var res Result
	var from model.MarketStatus
	err := e.ledger.Atomic(ctx, marketID, func(tx *ledger.Tx) error {
		res = Result{Total: decimal.Zero}
		m, read, err := lifecycle.Refresh(tx)
		if err != nil {
			return err
		}
		from = read
		if !lifecycle.CanTransition(m.Status, model.StatusCancelled) {
			return apperr.ErrInvalidStateTransition.
				With("market_id", marketID).
				With("from", m.Status).
				With("to", model.StatusCancelled)
		}

		positions, err := tx.Store().ListPositionsByMarket(tx.Context(), marketID)
		if err != nil {
			return err
		}
		for _, pos := range positions {
			if !pos.TotalCost.IsPositive() {
				continue
			}
			tr, err := tx.ApplyRefund(pos, pos.TotalCost)
			if err != nil {
				return err
			}
			res.Transactions = append(res.Transactions, *tr)
			res.Total = res.Total.Add(pos.TotalCost)
		}

		if err := lifecycle.Transition(m, model.StatusCancelled, tx.Now()); err != nil {
			return err
		}
		tx.MarkDirty()
		res.Market = *m
		return nil
	})
	if err != nil {
		return nil, err
	}

	lifecycle.Observe(from, model.StatusCancelled)
	metrics.Settlements.WithLabelValues(string(model.TxRefund)).Add(float64(len(res.Transactions)))
	e.logger.Info("market cancelled",
		"market", marketID,
		"refunds", len(res.Transactions),
		"total", res.Total,
	)
	e.pub.Publish(ctx, events.Event{
		Type:     events.MarketCancelled,
		MarketID: marketID,
		Status:   res.Market.Status,
		Sequence: res.Market.Seq,
		At:       res.Market.UpdatedAt,
	})
	return &res, nil
}
