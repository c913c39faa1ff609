package trade_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crowdodds/market-engine/internal/apperr"
	"github.com/crowdodds/market-engine/internal/events"
	"github.com/crowdodds/market-engine/internal/ledger"
	"github.com/crowdodds/market-engine/internal/model"
	"github.com/crowdodds/market-engine/internal/store"
	"github.com/crowdodds/market-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Publish(_ context.Context, ev events.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

type env struct {
	exec *trade.Executor
	ms   *store.MemoryStore
	rec  *recorder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ms := store.NewMemoryStore()
	ctx := context.Background()
	for id, bal := range map[string]float64{"alice": 1000, "bob": 5} {
		if err := ms.CreateUser(ctx, &model.User{ID: id, Balance: d(bal)}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 10; i++ {
		if err := ms.CreateUser(ctx, &model.User{ID: fmt.Sprintf("u%d", i), Balance: d(1000)}); err != nil {
			t.Fatal(err)
		}
	}
	rec := &recorder{}
	lg := ledger.New(ms, nil, ledger.WithClock(func() time.Time { return now }))
	return &env{exec: trade.NewExecutor(lg, rec, nil, decimal.NewFromInt(1)), ms: ms, rec: rec}
}

// market seeds a binary market with b=100. qYes preloads the yes quantity.
func (e *env) market(t *testing.T, id string, status model.MarketStatus, start, end time.Time, qYes float64) {
	t.Helper()
	m := &model.Market{
		ID: id, Type: model.MarketBinary, Status: status, B: d(100),
		StartAt: start, EndAt: end, CreatedAt: now,
	}
	outcomes := []model.Outcome{
		{ID: "yes", MarketID: id, Name: "Yes", Index: 0, Quantity: d(qYes)},
		{ID: "no", MarketID: id, Name: "No", Index: 1},
	}
	if err := e.ms.CreateMarket(context.Background(), m, outcomes); err != nil {
		t.Fatal(err)
	}
}

func (e *env) openMarket(t *testing.T, id string) {
	e.market(t, id, model.StatusOpen, now.Add(-time.Hour), now.Add(time.Hour), 0)
}

func buy(user string, qty float64) trade.Request {
	return trade.Request{UserID: user, MarketID: "m1", OutcomeID: "yes", Action: model.ActionBuy, Quantity: d(qty)}
}

func sell(user string, qty float64) trade.Request {
	r := buy(user, qty)
	r.Action = model.ActionSell
	return r
}

func TestExecute_BuyScenario(t *testing.T) {
	e := newEnv(t)
	e.openMarket(t, "m1")

	res, err := e.exec.Execute(context.Background(), buy("alice", 10))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Cost.Equal(d(5.12494795)) {
		t.Errorf("cost = %s, want 5.12494795", res.Cost)
	}
	if !res.NewBalance.Equal(d(994.87505205)) {
		t.Errorf("balance = %s, want 994.87505205", res.NewBalance)
	}
	if !res.NewProbability.Equal(d(0.52497919)) {
		t.Errorf("p(yes) = %s, want 0.52497919", res.NewProbability)
	}
	if !res.Probabilities["no"].Equal(d(0.47502081)) {
		t.Errorf("p(no) = %s, want 0.47502081", res.Probabilities["no"])
	}
	if res.Sequence != 1 || res.TransactionID == "" || !res.Position.Equal(d(10)) {
		t.Errorf("unexpected result %+v", res)
	}

	if len(e.rec.evs) != 1 {
		t.Fatalf("events = %d, want 1", len(e.rec.evs))
	}
	ev := e.rec.evs[0]
	if ev.Type != events.TradeExecuted || ev.TransactionID != res.TransactionID || ev.OutcomeID != "yes" {
		t.Errorf("unexpected event %+v", ev)
	}
	if err := ledger.Audit(context.Background(), e.ms, "m1"); err != nil {
		t.Error(err)
	}
}

func TestExecute_RoundTrip(t *testing.T) {
	e := newEnv(t)
	e.openMarket(t, "m1")
	ctx := context.Background()

	b, err := e.exec.Execute(ctx, buy("alice", 25))
	if err != nil {
		t.Fatal(err)
	}
	s, err := e.exec.Execute(ctx, sell("alice", 25))
	if err != nil {
		t.Fatal(err)
	}
	if !b.Cost.Add(s.Cost).IsZero() {
		t.Errorf("net cost = %s, want 0", b.Cost.Add(s.Cost))
	}
	if !s.NewBalance.Equal(d(1000)) || !s.NewProbability.Equal(d(0.5)) {
		t.Errorf("after round trip balance=%s p=%s", s.NewBalance, s.NewProbability)
	}
}

func TestExecute_Rejections(t *testing.T) {
	tests := []struct {
		name string
		req  trade.Request
		code apperr.Code
	}{
		{"zero quantity", buy("alice", 0), apperr.CodeInvalidQuantity},
		{"negative quantity", buy("alice", -3), apperr.CodeInvalidQuantity},
		{"fractional quantity", buy("alice", 1.5), apperr.CodeInvalidQuantity},
		{"sell without position", sell("alice", 1), apperr.CodeInsufficientPosition},
		{"buy beyond balance", buy("bob", 10), apperr.CodeInsufficientBalance},
		{"buy past price bound", buy("alice", 700), apperr.CodePriceBoundaryExceeded},
		{"unknown outcome", trade.Request{UserID: "alice", MarketID: "m1", OutcomeID: "maybe", Action: model.ActionBuy, Quantity: d(1)}, apperr.CodeNotFound},
		{"unknown action", trade.Request{UserID: "alice", MarketID: "m1", OutcomeID: "yes", Action: "hold", Quantity: d(1)}, apperr.CodeValidation},
		{"unknown user", buy("mallory", 1), apperr.CodeNotFound},
		{"unknown market", trade.Request{UserID: "alice", MarketID: "m9", OutcomeID: "yes", Action: model.ActionBuy, Quantity: d(1)}, apperr.CodeNotFound},
		{"missing user", buy("", 1), apperr.CodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.openMarket(t, "m1")
			ctx := context.Background()

			_, err := e.exec.Execute(ctx, tt.req)
			if got := apperr.CodeOf(err); got != tt.code {
				t.Fatalf("code = %q (%v), want %q", got, err, tt.code)
			}

			for _, id := range []string{"alice", "bob"} {
				u, _ := e.ms.GetUser(ctx, id)
				want := map[string]float64{"alice": 1000, "bob": 5}[id]
				if !u.Balance.Equal(d(want)) {
					t.Errorf("%s balance changed to %s", id, u.Balance)
				}
			}
			m, _ := e.ms.GetMarket(ctx, "m1")
			if m.Seq != 0 {
				t.Errorf("seq = %d after rejection", m.Seq)
			}
			if len(e.rec.evs) != 0 {
				t.Errorf("rejected trade emitted %d events", len(e.rec.evs))
			}
		})
	}
}

func TestExecute_InsufficientBalanceDetails(t *testing.T) {
	e := newEnv(t)
	e.openMarket(t, "m1")

	_, err := e.exec.Execute(context.Background(), buy("bob", 10))
	ae, ok := apperr.As(err)
	if !ok {
		t.Fatalf("expected *apperr.Error, got %v", err)
	}
	if !ae.Details["required"].(decimal.Decimal).Equal(d(5.12494795)) {
		t.Errorf("required = %v", ae.Details["required"])
	}
	if !ae.Details["available"].(decimal.Decimal).Equal(d(5)) {
		t.Errorf("available = %v", ae.Details["available"])
	}
}

func TestExecute_StatusCheckedFirst(t *testing.T) {
	e := newEnv(t)
	e.market(t, "m1", model.StatusClosed, now.Add(-2*time.Hour), now.Add(-time.Hour), 0)

	// Invalid quantity too, but the market status wins.
	_, err := e.exec.Execute(context.Background(), buy("alice", 0))
	if apperr.CodeOf(err) != apperr.CodeMarketNotOpen {
		t.Errorf("got %v, want MARKET_NOT_OPEN", err)
	}
}

func TestExecute_PastEndAtRejectedBeforeSweep(t *testing.T) {
	e := newEnv(t)
	e.market(t, "m1", model.StatusOpen, now.Add(-2*time.Hour), now.Add(-time.Second), 0)

	_, err := e.exec.Execute(context.Background(), buy("alice", 1))
	if apperr.CodeOf(err) != apperr.CodeMarketNotOpen {
		t.Errorf("got %v, want MARKET_NOT_OPEN", err)
	}
	oc, _ := e.ms.GetOutcomes(context.Background(), "m1")
	if !oc[0].Quantity.IsZero() {
		t.Errorf("quantity moved to %s", oc[0].Quantity)
	}
}

func TestExecute_DraftPastStartOpensLazily(t *testing.T) {
	e := newEnv(t)
	e.market(t, "m1", model.StatusDraft, now.Add(-time.Minute), now.Add(time.Hour), 0)
	ctx := context.Background()

	res, err := e.exec.Execute(ctx, buy("alice", 10))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	m, _ := e.ms.GetMarket(ctx, "m1")
	if m.Status != model.StatusOpen {
		t.Errorf("status = %s, want open", m.Status)
	}
	// Sequence 1 is the opening snapshot.
	if res.Sequence != 2 {
		t.Errorf("trade sequence = %d, want 2", res.Sequence)
	}
	if err := ledger.Audit(ctx, e.ms, "m1"); err != nil {
		t.Error(err)
	}
}

func TestExecute_BoundaryNearMax(t *testing.T) {
	e := newEnv(t)
	// q_yes = 682 puts p(yes) at about 0.99891.
	e.market(t, "m1", model.StatusOpen, now.Add(-time.Hour), now.Add(time.Hour), 682)
	ctx := context.Background()

	_, err := e.exec.Execute(ctx, buy("alice", 10))
	if apperr.CodeOf(err) != apperr.CodePriceBoundaryExceeded {
		t.Fatalf("buy 10 at 0.9989: got %v", err)
	}
	if _, err := e.exec.Execute(ctx, buy("alice", 1)); err != nil {
		t.Errorf("buy 1 at 0.9989 should stay in bounds: %v", err)
	}
}

func TestEstimate(t *testing.T) {
	e := newEnv(t)
	e.openMarket(t, "m1")
	ctx := context.Background()

	est, err := e.exec.Estimate(ctx, buy("alice", 10))
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if !est.Executable || est.Reason != "" {
		t.Errorf("expected executable estimate, got %+v", est)
	}
	if !est.Cost.Equal(d(5.12494795)) || !est.NewProbability.Equal(d(0.52497919)) {
		t.Errorf("cost=%s p=%s", est.Cost, est.NewProbability)
	}
	if !est.PotentialPayout.Equal(d(10)) {
		t.Errorf("potential payout = %s, want 10", est.PotentialPayout)
	}
	if !est.AveragePrice.Equal(d(0.51249480)) {
		t.Errorf("average price = %s, want 0.5124948", est.AveragePrice)
	}

	m, _ := e.ms.GetMarket(ctx, "m1")
	if m.Seq != 0 {
		t.Error("Estimate mutated the market")
	}
}

func TestEstimate_NotExecutable(t *testing.T) {
	tests := []struct {
		name string
		req  trade.Request
		code apperr.Code
	}{
		{"balance", buy("bob", 10), apperr.CodeInsufficientBalance},
		{"position", sell("alice", 1), apperr.CodeInsufficientPosition},
		{"bounds", buy("alice", 700), apperr.CodePriceBoundaryExceeded},
		{"quantity", buy("alice", 0.5), apperr.CodeInvalidQuantity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.openMarket(t, "m1")
			est, err := e.exec.Estimate(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Estimate call failed: %v", err)
			}
			if est.Executable || est.Code != tt.code || est.Reason == "" {
				t.Errorf("got executable=%v code=%q reason=%q, want code %q", est.Executable, est.Code, est.Reason, tt.code)
			}
		})
	}
}

func TestEstimate_WithoutUserSkipsHolderChecks(t *testing.T) {
	e := newEnv(t)
	e.openMarket(t, "m1")

	est, err := e.exec.Estimate(context.Background(), sell("", 5))
	if err != nil {
		t.Fatal(err)
	}
	if !est.Executable || !est.Cost.IsNegative() {
		t.Errorf("anonymous sell estimate = %+v", est)
	}
}

func TestEstimate_ClosedByTime(t *testing.T) {
	e := newEnv(t)
	e.market(t, "m1", model.StatusOpen, now.Add(-2*time.Hour), now.Add(-time.Minute), 0)

	est, err := e.exec.Estimate(context.Background(), buy("alice", 1))
	if err != nil {
		t.Fatal(err)
	}
	if est.Executable || est.Code != apperr.CodeMarketNotOpen {
		t.Errorf("got %+v, want MARKET_NOT_OPEN", est)
	}
}

func TestExecute_StaleEstimateIsRecomputed(t *testing.T) {
	e := newEnv(t)
	e.openMarket(t, "m1")
	ctx := context.Background()

	est, err := e.exec.Estimate(ctx, buy("alice", 10))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.exec.Execute(ctx, buy("u0", 50)); err != nil {
		t.Fatal(err)
	}
	res, err := e.exec.Execute(ctx, buy("alice", 10))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cost.GreaterThan(est.Cost) {
		t.Errorf("executed cost %s should exceed stale estimate %s", res.Cost, est.Cost)
	}
}

func TestExecute_ConcurrentBuysSerialize(t *testing.T) {
	e := newEnv(t)
	e.openMarket(t, "m1")
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var results []*trade.TradeResult
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			res, err := e.exec.Execute(ctx, buy(user, 1))
			if err != nil {
				t.Errorf("Execute: %v", err)
				return
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(fmt.Sprintf("u%d", i))
	}
	wg.Wait()

	if len(results) != 10 {
		t.Fatalf("results = %d", len(results))
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Sequence < results[j].Sequence })
	for i, r := range results {
		if r.Sequence != int64(i+1) {
			t.Errorf("sequence %d at position %d", r.Sequence, i)
		}
		if i > 0 && !r.Cost.GreaterThan(results[i-1].Cost) {
			t.Errorf("trade %d cost %s not above previous %s", r.Sequence, r.Cost, results[i-1].Cost)
		}
	}
	oc, _ := e.ms.GetOutcomes(ctx, "m1")
	if !oc[0].Quantity.Equal(d(10)) {
		t.Errorf("q(yes) = %s, want 10", oc[0].Quantity)
	}
	if err := ledger.Audit(ctx, e.ms, "m1"); err != nil {
		t.Error(err)
	}
}

func TestSharesForBudget(t *testing.T) {
	e := newEnv(t)
	e.openMarket(t, "m1")
	ctx := context.Background()

	shares, err := e.exec.SharesForBudget(ctx, "m1", "yes", d(5.2))
	if err != nil {
		t.Fatal(err)
	}
	if !shares.Equal(d(10)) {
		t.Errorf("shares = %s, want 10", shares)
	}

	if _, err := e.exec.SharesForBudget(ctx, "m1", "yes", decimal.Zero); apperr.CodeOf(err) != apperr.CodeValidation {
		t.Errorf("zero budget: got %v", err)
	}
	if _, err := e.exec.SharesForBudget(ctx, "m1", "maybe", d(5)); apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Errorf("unknown outcome: got %v", err)
	}
}
