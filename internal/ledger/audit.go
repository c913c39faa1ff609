package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/crowdodds/market-engine/internal/lmsr"
	"github.com/crowdodds/market-engine/internal/model"
	"github.com/crowdodds/market-engine/internal/store"
)

var probabilitySumTolerance = decimal.New(1, -6)

// Audit re-derives a market's state from its logs and reports every
// inconsistency it finds. A nil result means:
//   - reported probabilities sum to one and, while open, stay inside bounds
//   - no position and no holder balance is negative
//   - each outcome quantity equals the net traded quantity on it
//   - each position equals its holder's net traded quantity
//   - sequences are unique and each trade has one history row per outcome
func Audit(ctx context.Context, r store.Reader, marketID string) error {
	m, err := r.GetMarket(ctx, marketID)
	if err != nil {
		return err
	}
	outcomes, err := r.GetOutcomes(ctx, marketID)
	if err != nil {
		return err
	}
	txs, err := r.ListTransactionsByMarket(ctx, marketID)
	if err != nil {
		return err
	}
	history, err := r.ListPriceHistory(ctx, marketID)
	if err != nil {
		return err
	}
	positions, err := r.ListPositionsByMarket(ctx, marketID)
	if err != nil {
		return err
	}

	var errs []error
	mm, err := lmsr.NewMarketMaker(m.B)
	if err != nil {
		return err
	}
	q := model.Quantities(outcomes)
	probs, err := mm.Probabilities(q)
	if err != nil {
		errs = append(errs, fmt.Errorf("probabilities: %w", err))
	} else {
		sum := decimal.Zero
		for _, p := range probs {
			sum = sum.Add(p)
		}
		if sum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(probabilitySumTolerance) {
			errs = append(errs, fmt.Errorf("probabilities sum to %s", sum))
		}
	}
	if m.Status == model.StatusOpen {
		if err := mm.ValidateState(q); err != nil {
			errs = append(errs, fmt.Errorf("open market out of bounds: %w", err))
		}
	}

	type holding struct{ user, outcome string }
	netOutcome := make(map[string]decimal.Decimal)
	netHolding := make(map[holding]decimal.Decimal)
	tradeSeqs := make(map[int64]bool)
	seen := make(map[int64]bool, len(txs))
	for _, tr := range txs {
		if seen[tr.Sequence] {
			errs = append(errs, fmt.Errorf("sequence %d used twice", tr.Sequence))
		}
		seen[tr.Sequence] = true
		if tr.Sequence > m.Seq {
			errs = append(errs, fmt.Errorf("sequence %d beyond market seq %d", tr.Sequence, m.Seq))
		}
		if tr.Type != model.TxBuy && tr.Type != model.TxSell {
			continue
		}
		tradeSeqs[tr.Sequence] = true
		netOutcome[tr.OutcomeID] = netOutcome[tr.OutcomeID].Add(tr.Quantity)
		h := holding{tr.UserID, tr.OutcomeID}
		netHolding[h] = netHolding[h].Add(tr.Quantity)
	}

	for _, o := range outcomes {
		if !o.Quantity.Equal(netOutcome[o.ID]) {
			errs = append(errs, fmt.Errorf("outcome %s quantity %s, trades net %s", o.ID, o.Quantity, netOutcome[o.ID]))
		}
	}

	users := make(map[string]bool)
	for _, p := range positions {
		if p.Quantity.IsNegative() {
			errs = append(errs, fmt.Errorf("position %s negative: %s", p.ID, p.Quantity))
		}
		if net := netHolding[holding{p.UserID, p.OutcomeID}]; !p.Quantity.Equal(net) {
			errs = append(errs, fmt.Errorf("position %s quantity %s, trades net %s", p.ID, p.Quantity, net))
		}
		users[p.UserID] = true
	}
	for id := range users {
		u, err := r.GetUser(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if u.Balance.IsNegative() {
			errs = append(errs, fmt.Errorf("user %s balance negative: %s", id, u.Balance))
		}
	}

	rows := make(map[int64]int)
	for _, h := range history {
		rows[h.Sequence]++
	}
	for seq := range tradeSeqs {
		if rows[seq] != len(outcomes) {
			errs = append(errs, fmt.Errorf("sequence %d has %d history rows, want %d", seq, rows[seq], len(outcomes)))
		}
	}

	return errors.Join(errs...)
}
