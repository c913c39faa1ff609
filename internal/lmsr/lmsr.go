// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for markets with two or more outcomes.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(n))
//   - Continuous pricing with infinite liquidity
//   - Path-independent cost function
//
// Money and quantities are shopspring/decimal values, never float64.
// Internal transcendental math uses the log-sum-exp trick for numerical
// stability, with results immediately converted to decimal and rounded
// half-even to PriceScale places.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidLiquidity is returned when b <= 0.
	ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive")

	// ErrTooFewOutcomes is returned for quantity vectors with fewer than two entries.
	ErrTooFewOutcomes = errors.New("lmsr: market must have at least 2 outcomes")

	// ErrOutcomeIndex is returned when an outcome index is out of range.
	ErrOutcomeIndex = errors.New("lmsr: outcome index out of range")

	// ErrNonFinite is returned when an intermediate result is NaN or infinite.
	ErrNonFinite = errors.New("lmsr: non-finite intermediate result")

	// ErrPriceBoundExceeded is returned when a trade would push any
	// outcome's probability beyond [MinPrice, MaxPrice].
	ErrPriceBoundExceeded = errors.New("lmsr: trade would push price beyond allowed bounds")

	// MinPrice is the lowest allowed probability.
	MinPrice = decimal.RequireFromString("0.001")

	// MaxPrice is the highest allowed probability.
	MaxPrice = decimal.RequireFromString("0.999")

	// PriceScale is the number of decimal places for price/cost rounding.
	PriceScale int32 = 8
)

var (
	minPriceF = MinPrice.InexactFloat64()
	maxPriceF = MaxPrice.InexactFloat64()
)

// MarketMaker implements the LMSR cost function over a quantity vector.
// It holds no market state; quantity vectors are passed in.
type MarketMaker struct {
	b  decimal.Decimal
	bf float64
}

// NewMarketMaker creates a new LMSR market maker with the given liquidity
// parameter b. Higher b → more liquidity, lower price impact per trade.
func NewMarketMaker(b decimal.Decimal) (*MarketMaker, error) {
	if b.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidLiquidity
	}
	bf := b.InexactFloat64()
	if math.IsInf(bf, 0) || math.IsNaN(bf) {
		return nil, ErrInvalidLiquidity
	}
	return &MarketMaker{b: b, bf: bf}, nil
}

// B returns the liquidity parameter.
func (m *MarketMaker) B() decimal.Decimal {
	return m.b
}

// logSumExp computes ln(Σ exp(x_i)) using the log-sum-exp trick to prevent
// floating-point overflow. Without this trick, exp(x) overflows float64
// when x > ~709.
//
// Algorithm: LSE(x) = max(x) + ln(Σ exp(x_i - max(x)))
// Since (x_i - max(x)) <= 0, all exp arguments are in [0, 1].
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// scaled converts q to q_i / b in float64.
func (m *MarketMaker) scaled(q []decimal.Decimal) ([]float64, error) {
	if len(q) < 2 {
		return nil, ErrTooFewOutcomes
	}
	xs := make([]float64, len(q))
	for i, qi := range q {
		x := qi.InexactFloat64() / m.bf
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, ErrNonFinite
		}
		xs[i] = x
	}
	return xs, nil
}

// toDecimal rounds a finite float half-even to PriceScale places.
func toDecimal(f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, ErrNonFinite
	}
	return decimal.NewFromFloat(f).RoundBank(PriceScale), nil
}

// Cost computes the LMSR cost function:
//
//	C(q) = b * ln(Σ exp(q_i / b))
//
// Uses logSumExp internally for numerical stability.
func (m *MarketMaker) Cost(q []decimal.Decimal) (decimal.Decimal, error) {
	xs, err := m.scaled(q)
	if err != nil {
		return decimal.Zero, err
	}
	return toDecimal(m.bf * logSumExp(xs))
}

// RawProbabilities returns the unclamped softmax of q/b. These are the
// values the bound check runs against.
func (m *MarketMaker) RawProbabilities(q []decimal.Decimal) ([]float64, error) {
	xs, err := m.scaled(q)
	if err != nil {
		return nil, err
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	probs := make([]float64, len(xs))
	var sum float64
	for i, x := range xs {
		probs[i] = math.Exp(x - maxVal)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
		if math.IsNaN(probs[i]) {
			return nil, ErrNonFinite
		}
	}
	return probs, nil
}

// Probabilities computes the instantaneous price (probability) of every
// outcome:
//
//	p_i = exp(q_i / b) / Σ exp(q_j / b)
//
// Each result is clamped to [MinPrice, MaxPrice] for reporting. The clamp
// is never fed back into q.
func (m *MarketMaker) Probabilities(q []decimal.Decimal) ([]decimal.Decimal, error) {
	raw, err := m.RawProbabilities(q)
	if err != nil {
		return nil, err
	}
	out := make([]decimal.Decimal, len(raw))
	for i, p := range raw {
		d, err := toDecimal(p)
		if err != nil {
			return nil, err
		}
		out[i] = Clamp(d)
	}
	return out, nil
}

// Probability returns the clamped probability of outcome i.
func (m *MarketMaker) Probability(q []decimal.Decimal, i int) (decimal.Decimal, error) {
	if i < 0 || i >= len(q) {
		return decimal.Zero, ErrOutcomeIndex
	}
	probs, err := m.Probabilities(q)
	if err != nil {
		return decimal.Zero, err
	}
	return probs[i], nil
}

// Clamp bounds a probability to [MinPrice, MaxPrice].
func Clamp(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(MinPrice) {
		return MinPrice
	}
	if p.GreaterThan(MaxPrice) {
		return MaxPrice
	}
	return p
}

// shifted returns a copy of q with q_i moved by delta.
func shifted(q []decimal.Decimal, i int, delta decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, len(q))
	copy(out, q)
	out[i] = out[i].Add(delta)
	return out
}

// TradeCost computes the cost to change outcome i's quantity by delta:
//
//	cost = C(q with q_i += delta) - C(q)
//
// Positive delta = buying (positive cost to trader).
// Negative delta = selling (negative cost = payout to trader).
func (m *MarketMaker) TradeCost(q []decimal.Decimal, i int, delta decimal.Decimal) (decimal.Decimal, error) {
	if i < 0 || i >= len(q) {
		return decimal.Zero, ErrOutcomeIndex
	}
	if delta.IsZero() {
		return decimal.Zero, nil
	}
	before, err := m.Cost(q)
	if err != nil {
		return decimal.Zero, err
	}
	after, err := m.Cost(shifted(q, i, delta))
	if err != nil {
		return decimal.Zero, err
	}
	return after.Sub(before), nil
}

// FillPrice returns the average execution price per share for a trade.
//
//	fillPrice = cost / delta
//
// Positive for both buys (cost>0, delta>0) and sells (cost<0, delta<0).
func (m *MarketMaker) FillPrice(q []decimal.Decimal, i int, delta decimal.Decimal) (decimal.Decimal, error) {
	if delta.IsZero() {
		return m.Probability(q, i)
	}
	cost, err := m.TradeCost(q, i, delta)
	if err != nil {
		return decimal.Zero, err
	}
	return cost.Div(delta).RoundBank(PriceScale), nil
}

// ValidateTrade checks whether moving outcome i by delta keeps every
// outcome's unclamped probability within [MinPrice, MaxPrice].
func (m *MarketMaker) ValidateTrade(q []decimal.Decimal, i int, delta decimal.Decimal) error {
	if i < 0 || i >= len(q) {
		return ErrOutcomeIndex
	}
	return m.ValidateState(shifted(q, i, delta))
}

// WouldExceedBounds reports whether moving outcome i by delta would push
// any probability outside [MinPrice, MaxPrice]. A bad index counts as
// exceeding.
func (m *MarketMaker) WouldExceedBounds(q []decimal.Decimal, i int, delta decimal.Decimal) bool {
	return m.ValidateTrade(q, i, delta) != nil
}

// ValidateState checks that every probability implied by q lies within
// [MinPrice, MaxPrice].
func (m *MarketMaker) ValidateState(q []decimal.Decimal) error {
	probs, err := m.RawProbabilities(q)
	if err != nil {
		return err
	}
	for _, p := range probs {
		if p < minPriceF || p > maxPriceF {
			return ErrPriceBoundExceeded
		}
	}
	return nil
}

// SharesForCost finds, by bisection, the largest number of shares of
// outcome i (rounded down to a multiple of unit) whose trade cost does not
// exceed budget. Returns zero when not even one unit is affordable.
func (m *MarketMaker) SharesForCost(q []decimal.Decimal, i int, budget, unit decimal.Decimal) (decimal.Decimal, error) {
	if i < 0 || i >= len(q) {
		return decimal.Zero, ErrOutcomeIndex
	}
	if budget.LessThanOrEqual(decimal.Zero) || unit.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, nil
	}

	costOf := func(units int64) (decimal.Decimal, error) {
		return m.TradeCost(q, i, unit.Mul(decimal.NewFromInt(units)))
	}

	// Each share costs at least its current price, so budget/price/unit
	// bounds the search from above. Grow hi until it is unaffordable.
	var lo, hi int64 = 0, 1
	for {
		c, err := costOf(hi)
		if err != nil {
			return decimal.Zero, err
		}
		if c.GreaterThan(budget) {
			break
		}
		lo = hi
		if hi > math.MaxInt64/2 {
			break
		}
		hi *= 2
	}

	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		c, err := costOf(mid)
		if err != nil {
			return decimal.Zero, err
		}
		if c.GreaterThan(budget) {
			hi = mid
		} else {
			lo = mid
		}
	}
	return unit.Mul(decimal.NewFromInt(lo)), nil
}

// MaxLoss returns the maximum possible loss for the market maker: b * ln(n).
func (m *MarketMaker) MaxLoss(n int) decimal.Decimal {
	if n < 2 {
		return decimal.Zero
	}
	loss := m.bf * math.Log(float64(n))
	return decimal.NewFromFloat(loss).RoundBank(PriceScale)
}
