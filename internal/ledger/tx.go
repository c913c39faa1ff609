package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/crowdodds/market-engine/internal/apperr"
	"github.com/crowdodds/market-engine/internal/lmsr"
	"github.com/crowdodds/market-engine/internal/model"
	"github.com/crowdodds/market-engine/internal/store"
)

// Tx is the view of one market inside its critical section. The market and
// its outcomes are loaded once and kept as working copies; the market row is
// written back when the section ends if it changed.
type Tx struct {
	ctx      context.Context
	st       store.Tx
	marketID string
	now      time.Time

	market   *model.Market
	outcomes []model.Outcome
	dirty    bool
}

// Context returns the section's context. It is not cancelled with the
// caller's context.
func (t *Tx) Context() context.Context { return t.ctx }

// Now is the timestamp every row written by this section carries.
func (t *Tx) Now() time.Time { return t.now }

// Store exposes the transactional reader.
func (t *Tx) Store() store.Tx { return t.st }

// Market returns the working copy of the section's market. Callers that
// change it must call MarkDirty.
func (t *Tx) Market() (*model.Market, error) {
	if t.market != nil {
		return t.market, nil
	}
	m, err := t.st.GetMarket(t.ctx, t.marketID)
	if err != nil {
		return nil, notFound(err, "market", t.marketID)
	}
	t.market = m
	return m, nil
}

// MarkDirty schedules the working market for write-back.
func (t *Tx) MarkDirty() { t.dirty = true }

// Outcomes returns the working outcome list ordered by index.
func (t *Tx) Outcomes() ([]model.Outcome, error) {
	if t.outcomes != nil {
		return t.outcomes, nil
	}
	oc, err := t.st.GetOutcomes(t.ctx, t.marketID)
	if err != nil {
		return nil, notFound(err, "outcomes of market", t.marketID)
	}
	t.outcomes = oc
	return oc, nil
}

// MarketMaker builds the pricing model for the section's market.
func (t *Tx) MarketMaker() (*lmsr.MarketMaker, error) {
	m, err := t.Market()
	if err != nil {
		return nil, err
	}
	mm, err := lmsr.NewMarketMaker(m.B)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeComputationError, "invalid liquidity parameter", err).
			With("market_id", m.ID)
	}
	return mm, nil
}

// User reads a user row (locked for update where the store supports it).
func (t *Tx) User(id string) (*model.User, error) {
	u, err := t.st.GetUser(t.ctx, id)
	if err != nil {
		return nil, notFound(err, "user", id)
	}
	return u, nil
}

// Position returns the user's position in an outcome of this market, or a
// fresh zero position that has not been saved yet.
func (t *Tx) Position(userID, outcomeID string) (*model.Position, error) {
	p, err := t.st.GetPosition(t.ctx, userID, t.marketID, outcomeID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return &model.Position{
		ID:        uuid.New().String(),
		UserID:    userID,
		MarketID:  t.marketID,
		OutcomeID: outcomeID,
		Quantity:  decimal.Zero,
		TotalCost: decimal.Zero,
		CreatedAt: t.now,
		UpdatedAt: t.now,
	}, nil
}

// TradeParams describes one trade. Quantity is signed (+buy, -sell) and
// Cost is the signed amount the caller computed for it.
type TradeParams struct {
	UserID    string
	OutcomeID string
	Quantity  decimal.Decimal
	Cost      decimal.Decimal
}

// TradeReceipt is what ApplyTrade wrote.
type TradeReceipt struct {
	Transaction   model.Transaction
	Position      model.Position
	Balance       decimal.Decimal
	Outcomes      []model.Outcome
	Probabilities []decimal.Decimal
}

// ApplyTrade debits or credits the user by p.Cost, moves the outcome
// quantity and the user's position by p.Quantity, appends one Transaction
// and one PriceHistory row per outcome, all at the next market sequence.
func (t *Tx) ApplyTrade(p TradeParams) (*TradeReceipt, error) {
	m, err := t.Market()
	if err != nil {
		return nil, err
	}
	if m.Status != model.StatusOpen {
		return nil, apperr.ErrMarketNotOpen.With("status", m.Status)
	}
	if p.Quantity.IsZero() {
		return nil, apperr.ErrInvalidQuantity.With("quantity", p.Quantity)
	}

	outcomes, err := t.Outcomes()
	if err != nil {
		return nil, err
	}
	idx := model.IndexOf(outcomes, p.OutcomeID)
	if idx < 0 {
		return nil, apperr.Newf(apperr.CodeNotFound, "outcome %s not found in market %s", p.OutcomeID, m.ID)
	}

	user, err := t.User(p.UserID)
	if err != nil {
		return nil, err
	}
	newBalance := user.Balance.Sub(p.Cost)
	if newBalance.IsNegative() {
		return nil, apperr.ErrInsufficientBalance.
			With("required", p.Cost).
			With("available", user.Balance)
	}

	pos, err := t.Position(p.UserID, p.OutcomeID)
	if err != nil {
		return nil, err
	}
	newQty := pos.Quantity.Add(p.Quantity)
	if newQty.IsNegative() {
		return nil, apperr.ErrInsufficientPosition.
			With("required", p.Quantity.Abs()).
			With("available", pos.Quantity)
	}

	mm, err := t.MarketMaker()
	if err != nil {
		return nil, err
	}
	q := model.Quantities(outcomes)
	q[idx] = q[idx].Add(p.Quantity)
	if err := mm.ValidateState(q); err != nil {
		if errors.Is(err, lmsr.ErrPriceBoundExceeded) {
			return nil, apperr.ErrPriceBoundaryExceeded.With("outcome_id", p.OutcomeID)
		}
		return nil, apperr.Wrap(apperr.CodeComputationError, "price check failed", err)
	}
	probs, err := mm.Probabilities(q)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeComputationError, "probability computation failed", err)
	}

	if err := t.st.UpdateOutcomeQuantity(t.ctx, p.OutcomeID, q[idx]); err != nil {
		return nil, err
	}
	if err := t.st.UpdateUserBalance(t.ctx, p.UserID, newBalance); err != nil {
		return nil, err
	}

	pos.Quantity = newQty
	pos.TotalCost = pos.TotalCost.Add(p.Cost)
	pos.UpdatedAt = t.now
	if err := t.st.UpsertPosition(t.ctx, pos); err != nil {
		return nil, err
	}

	txType := model.TxBuy
	if p.Quantity.IsNegative() {
		txType = model.TxSell
	}
	seq, err := t.nextSeq()
	if err != nil {
		return nil, err
	}
	tr := model.Transaction{
		ID:           uuid.New().String(),
		UserID:       p.UserID,
		MarketID:     m.ID,
		OutcomeID:    p.OutcomeID,
		Type:         txType,
		Quantity:     p.Quantity,
		Cost:         p.Cost,
		BalanceAfter: newBalance,
		Sequence:     seq,
		CreatedAt:    t.now,
	}
	if err := t.st.AppendTransaction(t.ctx, &tr); err != nil {
		return nil, err
	}

	outcomes[idx].Quantity = q[idx]
	if err := t.appendHistory(seq, outcomes, probs); err != nil {
		return nil, err
	}

	return &TradeReceipt{
		Transaction:   tr,
		Position:      *pos,
		Balance:       newBalance,
		Outcomes:      append([]model.Outcome(nil), outcomes...),
		Probabilities: probs,
	}, nil
}

// ApplyPayout credits amount to the position's owner and records a payout.
// Outcome quantities are not touched.
func (t *Tx) ApplyPayout(pos model.Position, amount decimal.Decimal) (*model.Transaction, error) {
	return t.credit(pos, amount, model.TxPayout)
}

// ApplyRefund credits amount to the position's owner and records a refund.
// Outcome quantities are not touched.
func (t *Tx) ApplyRefund(pos model.Position, amount decimal.Decimal) (*model.Transaction, error) {
	return t.credit(pos, amount, model.TxRefund)
}

func (t *Tx) credit(pos model.Position, amount decimal.Decimal, typ model.TransactionType) (*model.Transaction, error) {
	if !amount.IsPositive() {
		return nil, apperr.Newf(apperr.CodeValidation, "%s amount must be positive", typ).
			With("amount", amount)
	}
	if pos.MarketID != t.marketID {
		return nil, apperr.Newf(apperr.CodeValidation, "position %s belongs to market %s", pos.ID, pos.MarketID)
	}
	seq, err := t.nextSeq()
	if err != nil {
		return nil, err
	}

	user, err := t.User(pos.UserID)
	if err != nil {
		return nil, err
	}
	balance := user.Balance.Add(amount)
	if err := t.st.UpdateUserBalance(t.ctx, pos.UserID, balance); err != nil {
		return nil, err
	}

	tr := model.Transaction{
		ID:           uuid.New().String(),
		UserID:       pos.UserID,
		MarketID:     t.marketID,
		OutcomeID:    pos.OutcomeID,
		Type:         typ,
		Quantity:     pos.Quantity,
		Cost:         amount.Neg(),
		BalanceAfter: balance,
		Sequence:     seq,
		CreatedAt:    t.now,
	}
	if err := t.st.AppendTransaction(t.ctx, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

// RecordSnapshot appends the current probabilities of every outcome at a
// new sequence. Used for lifecycle events such as opening a market.
func (t *Tx) RecordSnapshot() (int64, []decimal.Decimal, error) {
	outcomes, err := t.Outcomes()
	if err != nil {
		return 0, nil, err
	}
	mm, err := t.MarketMaker()
	if err != nil {
		return 0, nil, err
	}
	probs, err := mm.Probabilities(model.Quantities(outcomes))
	if err != nil {
		return 0, nil, apperr.Wrap(apperr.CodeComputationError, "probability computation failed", err)
	}
	seq, err := t.nextSeq()
	if err != nil {
		return 0, nil, err
	}
	if err := t.appendHistory(seq, outcomes, probs); err != nil {
		return 0, nil, err
	}
	return seq, probs, nil
}

func (t *Tx) appendHistory(seq int64, outcomes []model.Outcome, probs []decimal.Decimal) error {
	rows := make([]model.PriceHistory, len(outcomes))
	for i, o := range outcomes {
		rows[i] = model.PriceHistory{
			MarketID:    t.marketID,
			OutcomeID:   o.ID,
			Sequence:    seq,
			Probability: probs[i],
			RecordedAt:  t.now,
		}
	}
	return t.st.AppendPriceHistory(t.ctx, rows)
}

// nextSeq hands out the next market sequence number, loading the market
// if nothing in the section has yet.
func (t *Tx) nextSeq() (int64, error) {
	m, err := t.Market()
	if err != nil {
		return 0, err
	}
	m.Seq++
	t.dirty = true
	return m.Seq, nil
}

func (t *Tx) flush() error {
	if !t.dirty || t.market == nil {
		return nil
	}
	t.market.UpdatedAt = t.now
	return t.st.UpdateMarket(t.ctx, t.market)
}

// notFound turns store.ErrNotFound into the NOT_FOUND engine error.
func notFound(err error, kind, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.Newf(apperr.CodeNotFound, "%s %s not found", kind, id)
	}
	return fmt.Errorf("load %s %s: %w", kind, id, err)
}
