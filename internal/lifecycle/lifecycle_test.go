package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crowdodds/market-engine/internal/apperr"
	"github.com/crowdodds/market-engine/internal/events"
	"github.com/crowdodds/market-engine/internal/ledger"
	"github.com/crowdodds/market-engine/internal/model"
	"github.com/crowdodds/market-engine/internal/store"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func TestCanTransition(t *testing.T) {
	all := []model.MarketStatus{
		model.StatusDraft, model.StatusOpen, model.StatusClosed, model.StatusResolved, model.StatusCancelled,
	}
	allowed := map[[2]model.MarketStatus]bool{
		{model.StatusDraft, model.StatusOpen}:       true,
		{model.StatusDraft, model.StatusCancelled}:  true,
		{model.StatusOpen, model.StatusClosed}:      true,
		{model.StatusOpen, model.StatusCancelled}:   true,
		{model.StatusClosed, model.StatusResolved}:  true,
		{model.StatusClosed, model.StatusCancelled}: true,
	}
	for _, from := range all {
		for _, to := range all {
			if got := CanTransition(from, to); got != allowed[[2]model.MarketStatus{from, to}] {
				t.Errorf("CanTransition(%s, %s) = %v", from, to, got)
			}
		}
	}
}

func TestTransition(t *testing.T) {
	m := &model.Market{ID: "m", Status: model.StatusClosed}
	if err := Transition(m, model.StatusResolved, t0); err != nil {
		t.Fatal(err)
	}
	if m.Status != model.StatusResolved || m.ResolvedAt == nil || !m.ResolvedAt.Equal(t0) {
		t.Errorf("unexpected market %+v", m)
	}

	err := Transition(m, model.StatusCancelled, t0)
	if apperr.CodeOf(err) != apperr.CodeInvalidStateTransition {
		t.Errorf("leaving a terminal state: got %v", err)
	}
	if m.Status != model.StatusResolved || m.CancelledAt != nil {
		t.Error("rejected transition mutated the market")
	}
}

func TestAdvance(t *testing.T) {
	hour := time.Hour
	tests := []struct {
		name    string
		status  model.MarketStatus
		start   time.Duration
		end     time.Duration
		want    model.MarketStatus
		changed bool
	}{
		{"draft before start", model.StatusDraft, hour, 2 * hour, model.StatusDraft, false},
		{"draft at start", model.StatusDraft, 0, 2 * hour, model.StatusOpen, true},
		{"draft past end", model.StatusDraft, -2 * hour, -hour, model.StatusClosed, true},
		{"open before end", model.StatusOpen, -hour, hour, model.StatusOpen, false},
		{"open at end", model.StatusOpen, -hour, 0, model.StatusClosed, true},
		{"closed stays", model.StatusClosed, -2 * hour, -hour, model.StatusClosed, false},
		{"cancelled stays", model.StatusCancelled, -2 * hour, -hour, model.StatusCancelled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &model.Market{Status: tt.status, StartAt: t0.Add(tt.start), EndAt: t0.Add(tt.end)}
			if got := Advance(m, t0); got != tt.changed {
				t.Errorf("changed = %v, want %v", got, tt.changed)
			}
			if m.Status != tt.want {
				t.Errorf("status = %s, want %s", m.Status, tt.want)
			}
		})
	}
}

func TestAdvance_ZeroTimesNeverFire(t *testing.T) {
	m := &model.Market{Status: model.StatusDraft}
	if Advance(m, t0) || m.Status != model.StatusDraft {
		t.Error("zero StartAt opened the market")
	}
	m.Status = model.StatusOpen
	if Advance(m, t0) || m.Status != model.StatusOpen {
		t.Error("zero EndAt closed the market")
	}
}

// clock is a settable time source shared by the ledger under test.
type clock struct{ now atomic.Int64 }

func (c *clock) Now() time.Time { return time.Unix(0, c.now.Load()).UTC() }
func (c *clock) Set(t time.Time) { c.now.Store(t.UnixNano()) }
func (c *clock) Add(d time.Duration) { c.now.Add(int64(d)) }

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Publish(_ context.Context, ev events.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Type
	for _, ev := range r.evs {
		out = append(out, ev.Type)
	}
	return out
}

func newEnv(t *testing.T) (*Manager, *store.MemoryStore, *clock, *recorder) {
	t.Helper()
	ms := store.NewMemoryStore()
	clk := &clock{}
	clk.Set(t0)
	rec := &recorder{}
	lg := ledger.New(ms, nil, ledger.WithClock(clk.Now))
	return NewManager(lg, rec, nil, time.Second, 4), ms, clk, rec
}

func addMarket(t *testing.T, ms *store.MemoryStore, id string, status model.MarketStatus, start, end time.Time) {
	t.Helper()
	m := &model.Market{
		ID: id, Type: model.MarketBinary, Status: status,
		B: decimal.NewFromInt(100), StartAt: start, EndAt: end, CreatedAt: t0,
	}
	outcomes := []model.Outcome{
		{ID: id + "-yes", MarketID: id, Name: "Yes", Index: 0},
		{ID: id + "-no", MarketID: id, Name: "No", Index: 1},
	}
	if err := ms.CreateMarket(context.Background(), m, outcomes); err != nil {
		t.Fatal(err)
	}
}

func TestPublish(t *testing.T) {
	mgr, ms, _, rec := newEnv(t)
	ctx := context.Background()
	addMarket(t, ms, "m1", model.StatusDraft, t0.Add(time.Hour), t0.Add(2*time.Hour))

	m, err := mgr.Publish(ctx, "m1")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if m.Status != model.StatusOpen || m.Seq != 1 {
		t.Errorf("published market status=%s seq=%d", m.Status, m.Seq)
	}
	hist, _ := ms.ListPriceHistory(ctx, "m1")
	if len(hist) != 2 || !hist[0].Probability.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("opening snapshot = %+v", hist)
	}
	if got := rec.types(); len(got) != 1 || got[0] != events.MarketOpened {
		t.Errorf("events = %v", got)
	}

	_, err = mgr.Publish(ctx, "m1")
	if apperr.CodeOf(err) != apperr.CodeInvalidStateTransition {
		t.Errorf("second Publish: got %v", err)
	}
	if err := ledger.Audit(ctx, ms, "m1"); err != nil {
		t.Error(err)
	}
}

func TestPublish_UnknownMarket(t *testing.T) {
	mgr, _, _, _ := newEnv(t)
	_, err := mgr.Publish(context.Background(), "nope")
	if apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Errorf("got %v", err)
	}
}

func TestSweep(t *testing.T) {
	mgr, ms, clk, rec := newEnv(t)
	ctx := context.Background()
	addMarket(t, ms, "starts", model.StatusDraft, t0.Add(time.Minute), t0.Add(time.Hour))
	addMarket(t, ms, "ends", model.StatusOpen, t0.Add(-time.Hour), t0.Add(time.Minute))
	addMarket(t, ms, "later", model.StatusOpen, t0.Add(-time.Hour), t0.Add(time.Hour))
	addMarket(t, ms, "manual", model.StatusDraft, time.Time{}, time.Time{})

	n, err := mgr.Sweep(ctx)
	if err != nil || n != 0 {
		t.Fatalf("early sweep changed %d (%v)", n, err)
	}

	clk.Add(2 * time.Minute)
	n, err = mgr.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("changed = %d, want 2", n)
	}

	want := map[string]model.MarketStatus{
		"starts": model.StatusOpen,
		"ends":   model.StatusClosed,
		"later":  model.StatusOpen,
		"manual": model.StatusDraft,
	}
	for id, status := range want {
		m, _ := ms.GetMarket(ctx, id)
		if m.Status != status {
			t.Errorf("%s status = %s, want %s", id, m.Status, status)
		}
	}
	if got := rec.types(); len(got) != 2 {
		t.Errorf("events = %v, want 2", got)
	}

	// Nothing left to do.
	if n, _ := mgr.Sweep(ctx); n != 0 {
		t.Errorf("repeat sweep changed %d", n)
	}
}

func TestRun_StopsWithContext(t *testing.T) {
	mgr, ms, _, _ := newEnv(t)
	addMarket(t, ms, "ends", model.StatusOpen, t0.Add(-time.Hour), t0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m, _ := ms.GetMarket(context.Background(), "ends")
		if m.Status == model.StatusClosed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	m, _ := ms.GetMarket(context.Background(), "ends")
	if m.Status != model.StatusClosed {
		t.Errorf("status = %s, want closed", m.Status)
	}
}
