// Package trade prices and executes trades against LMSR markets.
//
// Estimate is read-only and may be called at will. Execute re-reads the
// market inside its critical section and recomputes everything, so an
// earlier estimate is never trusted.
package trade

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crowdodds/market-engine/internal/apperr"
	"github.com/crowdodds/market-engine/internal/events"
	"github.com/crowdodds/market-engine/internal/ledger"
	"github.com/crowdodds/market-engine/internal/lifecycle"
	"github.com/crowdodds/market-engine/internal/lmsr"
	"github.com/crowdodds/market-engine/internal/metrics"
	"github.com/crowdodds/market-engine/internal/model"
	"github.com/crowdodds/market-engine/internal/store"
)

// Request identifies one trade. Quantity is always positive; Action picks
// the direction.
type Request struct {
	UserID    string          `json:"user_id"`
	MarketID  string          `json:"market_id"`
	OutcomeID string          `json:"outcome_id"`
	Action    model.Action    `json:"action"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// EstimateResult is a quote. When Executable is false, Reason and Code say
// which validation would reject the trade; the priced fields are filled in
// as far as the market state allows.
type EstimateResult struct {
	MarketID        string                     `json:"market_id"`
	OutcomeID       string                     `json:"outcome_id"`
	Action          model.Action               `json:"action"`
	Quantity        decimal.Decimal            `json:"quantity"`
	Cost            decimal.Decimal            `json:"cost"`
	AveragePrice    decimal.Decimal            `json:"average_price"`
	NewProbability  decimal.Decimal            `json:"new_probability"`
	Probabilities   map[string]decimal.Decimal `json:"probabilities,omitempty"`
	PotentialPayout decimal.Decimal            `json:"potential_payout"`
	Executable      bool                       `json:"executable"`
	Reason          string                     `json:"reason,omitempty"`
	Code            apperr.Code                `json:"error_code,omitempty"`
}

// TradeResult is what an executed trade committed.
type TradeResult struct {
	TransactionID  string                     `json:"transaction_id"`
	MarketID       string                     `json:"market_id"`
	OutcomeID      string                     `json:"outcome_id"`
	Action         model.Action               `json:"action"`
	Quantity       decimal.Decimal            `json:"quantity"`
	Cost           decimal.Decimal            `json:"cost"`
	AveragePrice   decimal.Decimal            `json:"average_price"`
	NewBalance     decimal.Decimal            `json:"new_balance"`
	NewProbability decimal.Decimal            `json:"new_probability"`
	Probabilities  map[string]decimal.Decimal `json:"probabilities"`
	Position       decimal.Decimal            `json:"position"`
	Sequence       int64                      `json:"sequence"`
	ExecutedAt     time.Time                  `json:"executed_at"`
}

// Executor is the single entry point for trades.
type Executor struct {
	ledger  *ledger.Ledger
	pub     events.Publisher
	logger  *slog.Logger
	minUnit decimal.Decimal
}

// NewExecutor creates an Executor. minUnit is the smallest tradable
// quantity; every quantity must be a whole multiple of it.
func NewExecutor(lg *ledger.Ledger, pub events.Publisher, logger *slog.Logger, minUnit decimal.Decimal) *Executor {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if !minUnit.IsPositive() {
		minUnit = decimal.NewFromInt(1)
	}
	return &Executor{
		ledger:  lg,
		pub:     pub,
		logger:  logger.With("component", "trade"),
		minUnit: minUnit,
	}
}

// MinUnit returns the smallest tradable quantity.
func (e *Executor) MinUnit() decimal.Decimal { return e.minUnit }

// snapshot is the state a trade is validated against. balance and holding
// are nil when no user is known.
type snapshot struct {
	market   *model.Market
	outcomes []model.Outcome
	balance  *decimal.Decimal
	holding  *decimal.Decimal
}

// quote is a priced trade.
type quote struct {
	idx      int
	delta    decimal.Decimal
	cost     decimal.Decimal
	avgPrice decimal.Decimal
	probs    []decimal.Decimal
}

// price runs the trade validations in their fixed order against s. It
// returns the quote computed so far together with the first failure.
func (e *Executor) price(s snapshot, req Request) (*quote, error) {
	q := &quote{idx: -1}

	if s.market.Status != model.StatusOpen {
		return q, apperr.ErrMarketNotOpen.
			With("market_id", s.market.ID).
			With("status", s.market.Status)
	}
	if !req.Action.Valid() {
		return q, apperr.Newf(apperr.CodeValidation, "action must be %q or %q", model.ActionBuy, model.ActionSell).
			With("action", req.Action)
	}
	if !req.Quantity.IsPositive() || !req.Quantity.Mod(e.minUnit).IsZero() {
		return q, apperr.ErrInvalidQuantity.
			With("quantity", req.Quantity).
			With("min_unit", e.minUnit)
	}
	q.idx = model.IndexOf(s.outcomes, req.OutcomeID)
	if q.idx < 0 {
		return q, apperr.Newf(apperr.CodeNotFound, "outcome %s not found in market %s", req.OutcomeID, s.market.ID)
	}

	q.delta = req.Quantity
	if req.Action == model.ActionSell {
		q.delta = req.Quantity.Neg()
		if s.holding != nil && s.holding.LessThan(req.Quantity) {
			return q, apperr.ErrInsufficientPosition.
				With("required", req.Quantity).
				With("available", *s.holding)
		}
	}

	mm, err := lmsr.NewMarketMaker(s.market.B)
	if err != nil {
		return q, apperr.Wrap(apperr.CodeComputationError, "invalid liquidity parameter", err)
	}
	qs := model.Quantities(s.outcomes)
	q.cost, err = mm.TradeCost(qs, q.idx, q.delta)
	if err != nil {
		return q, apperr.Wrap(apperr.CodeComputationError, "trade cost computation failed", err)
	}
	q.avgPrice, err = mm.FillPrice(qs, q.idx, q.delta)
	if err != nil {
		return q, apperr.Wrap(apperr.CodeComputationError, "fill price computation failed", err)
	}

	if req.Action == model.ActionBuy && s.balance != nil && s.balance.LessThan(q.cost) {
		return q, apperr.ErrInsufficientBalance.
			With("required", q.cost).
			With("available", *s.balance)
	}

	if err := mm.ValidateTrade(qs, q.idx, q.delta); err != nil {
		if errors.Is(err, lmsr.ErrPriceBoundExceeded) {
			return q, apperr.ErrPriceBoundaryExceeded.
				With("outcome_id", req.OutcomeID).
				With("min", lmsr.MinPrice).
				With("max", lmsr.MaxPrice)
		}
		return q, apperr.Wrap(apperr.CodeComputationError, "price check failed", err)
	}

	qs[q.idx] = qs[q.idx].Add(q.delta)
	q.probs, err = mm.Probabilities(qs)
	if err != nil {
		return q, apperr.Wrap(apperr.CodeComputationError, "probability computation failed", err)
	}
	return q, nil
}

// Estimate prices a trade without changing anything. The call itself only
// fails when the market cannot be read; validation failures come back as
// Executable=false. UserID is optional and enables balance and position
// checks.
func (e *Executor) Estimate(ctx context.Context, req Request) (*EstimateResult, error) {
	st := e.ledger.Store()
	m, err := st.GetMarket(ctx, req.MarketID)
	if err != nil {
		return nil, readErr(err, "market", req.MarketID)
	}
	lifecycle.Advance(m, e.ledger.Now())
	outcomes, err := st.GetOutcomes(ctx, req.MarketID)
	if err != nil {
		return nil, readErr(err, "outcomes of market", req.MarketID)
	}

	s := snapshot{market: m, outcomes: outcomes}
	if req.UserID != "" {
		u, err := st.GetUser(ctx, req.UserID)
		if err != nil {
			return nil, readErr(err, "user", req.UserID)
		}
		s.balance = &u.Balance
		held := decimal.Zero
		p, err := st.GetPosition(ctx, req.UserID, req.MarketID, req.OutcomeID)
		switch {
		case err == nil:
			held = p.Quantity
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
		s.holding = &held
	}

	res := &EstimateResult{
		MarketID:  req.MarketID,
		OutcomeID: req.OutcomeID,
		Action:    req.Action,
		Quantity:  req.Quantity,
	}
	q, verr := e.price(s, req)
	res.Cost = q.cost
	res.AveragePrice = q.avgPrice
	if q.probs != nil {
		res.Probabilities = events.ProbabilityMap(outcomes, q.probs)
		res.NewProbability = q.probs[q.idx]
	}
	after := q.delta
	if s.holding != nil {
		after = s.holding.Add(q.delta)
	}
	if after.IsPositive() {
		res.PotentialPayout = after.Mul(model.PayoutPerShare)
	}

	if verr != nil {
		ae, ok := apperr.As(verr)
		if !ok {
			return nil, verr
		}
		res.Reason = ae.Message
		res.Code = ae.Code
		return res, nil
	}
	res.Executable = true
	return res, nil
}

// Execute validates and commits a trade in the market's critical section.
// A validation failure is final for this call; only commit conflicts are
// retried, by the ledger.
func (e *Executor) Execute(ctx context.Context, req Request) (*TradeResult, error) {
	start := time.Now()
	if req.UserID == "" {
		return nil, apperr.New(apperr.CodeValidation, "user id is required")
	}

	var (
		rec      *ledger.TradeReceipt
		q        *quote
		outcomes []model.Outcome
	)
	err := e.ledger.Atomic(ctx, req.MarketID, func(tx *ledger.Tx) error {
		m, _, err := lifecycle.Refresh(tx)
		if err != nil {
			return err
		}
		outcomes, err = tx.Outcomes()
		if err != nil {
			return err
		}

		s := snapshot{market: m, outcomes: outcomes}
		if m.Status == model.StatusOpen {
			u, err := tx.User(req.UserID)
			if err != nil {
				return err
			}
			pos, err := tx.Position(req.UserID, req.OutcomeID)
			if err != nil {
				return err
			}
			s.balance, s.holding = &u.Balance, &pos.Quantity
		}

		q, err = e.price(s, req)
		if err != nil {
			return err
		}
		rec, err = tx.ApplyTrade(ledger.TradeParams{
			UserID:    req.UserID,
			OutcomeID: req.OutcomeID,
			Quantity:  q.delta,
			Cost:      q.cost,
		})
		return err
	})
	if err != nil {
		code := apperr.CodeOf(err)
		if code == "" {
			code = "INTERNAL"
		}
		metrics.TradeRejections.WithLabelValues(string(code)).Inc()
		e.logger.Info("trade rejected",
			"user", req.UserID,
			"market", req.MarketID,
			"outcome", req.OutcomeID,
			"action", req.Action,
			"quantity", req.Quantity,
			"err", err,
		)
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(req.Action)).Inc()
	metrics.TradeLatency.WithLabelValues(string(req.Action)).Observe(time.Since(start).Seconds())

	probs := events.ProbabilityMap(rec.Outcomes, rec.Probabilities)
	res := &TradeResult{
		TransactionID:  rec.Transaction.ID,
		MarketID:       req.MarketID,
		OutcomeID:      req.OutcomeID,
		Action:         req.Action,
		Quantity:       req.Quantity,
		Cost:           rec.Transaction.Cost,
		AveragePrice:   q.avgPrice,
		NewBalance:     rec.Balance,
		NewProbability: rec.Probabilities[q.idx],
		Probabilities:  probs,
		Position:       rec.Position.Quantity,
		Sequence:       rec.Transaction.Sequence,
		ExecutedAt:     rec.Transaction.CreatedAt,
	}

	e.logger.Info("trade executed",
		"tx", res.TransactionID,
		"user", req.UserID,
		"market", req.MarketID,
		"outcome", req.OutcomeID,
		"action", req.Action,
		"quantity", req.Quantity,
		"cost", res.Cost,
		"balance", res.NewBalance,
		"seq", res.Sequence,
	)
	e.pub.Publish(ctx, events.Event{
		Type:          events.TradeExecuted,
		MarketID:      req.MarketID,
		OutcomeID:     req.OutcomeID,
		TransactionID: res.TransactionID,
		Probabilities: probs,
		Status:        model.StatusOpen,
		Sequence:      res.Sequence,
		At:            res.ExecutedAt,
	})
	return res, nil
}

// SharesForBudget returns the largest multiple of the minimum unit of
// outcomeID that budget buys at current prices. The result is not checked
// against price bounds; Estimate it before executing.
func (e *Executor) SharesForBudget(ctx context.Context, marketID, outcomeID string, budget decimal.Decimal) (decimal.Decimal, error) {
	if !budget.IsPositive() {
		return decimal.Zero, apperr.New(apperr.CodeValidation, "budget must be positive").With("budget", budget)
	}
	st := e.ledger.Store()
	m, err := st.GetMarket(ctx, marketID)
	if err != nil {
		return decimal.Zero, readErr(err, "market", marketID)
	}
	outcomes, err := st.GetOutcomes(ctx, marketID)
	if err != nil {
		return decimal.Zero, readErr(err, "outcomes of market", marketID)
	}
	idx := model.IndexOf(outcomes, outcomeID)
	if idx < 0 {
		return decimal.Zero, apperr.Newf(apperr.CodeNotFound, "outcome %s not found in market %s", outcomeID, marketID)
	}
	mm, err := lmsr.NewMarketMaker(m.B)
	if err != nil {
		return decimal.Zero, apperr.Wrap(apperr.CodeComputationError, "invalid liquidity parameter", err)
	}
	shares, err := mm.SharesForCost(model.Quantities(outcomes), idx, budget, e.minUnit)
	if err != nil {
		return decimal.Zero, apperr.Wrap(apperr.CodeComputationError, "share search failed", err)
	}
	return shares, nil
}

func readErr(err error, kind, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.Newf(apperr.CodeNotFound, "%s %s not found", kind, id)
	}
	return err
}
