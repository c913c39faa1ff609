package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/crowdodds/market-engine/internal/apperr"
	"github.com/crowdodds/market-engine/internal/events"
	"github.com/crowdodds/market-engine/internal/ledger"
	"github.com/crowdodds/market-engine/internal/metrics"
	"github.com/crowdodds/market-engine/internal/model"
)

// Manager runs explicit publishes and the periodic sweep.
type Manager struct {
	ledger      *ledger.Ledger
	pub         events.Publisher
	logger      *slog.Logger
	interval    time.Duration
	concurrency int
}

// NewManager creates a Manager. interval is the sweep period and
// concurrency bounds how many markets one sweep handles at once.
func NewManager(lg *ledger.Ledger, pub events.Publisher, logger *slog.Logger, interval time.Duration, concurrency int) *Manager {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Manager{
		ledger:      lg,
		pub:         pub,
		logger:      logger.With("component", "lifecycle"),
		interval:    interval,
		concurrency: concurrency,
	}
}

// Publish opens a DRAFT market ahead of its start time and records its
// opening prices.
func (m *Manager) Publish(ctx context.Context, marketID string) (*model.Market, error) {
	var out model.Market
	var probs map[string]decimal.Decimal
	err := m.ledger.Atomic(ctx, marketID, func(tx *ledger.Tx) error {
		mk, _, err := Refresh(tx)
		if err != nil {
			return err
		}
		if mk.Status != model.StatusDraft {
			return apperr.ErrInvalidStateTransition.
				With("market_id", marketID).
				With("from", mk.Status).
				With("to", model.StatusOpen)
		}
		if err := Transition(mk, model.StatusOpen, tx.Now()); err != nil {
			return err
		}
		tx.MarkDirty()
		_, p, err := tx.RecordSnapshot()
		if err != nil {
			return err
		}
		outcomes, err := tx.Outcomes()
		if err != nil {
			return err
		}
		probs = events.ProbabilityMap(outcomes, p)
		out = *mk
		return nil
	})
	if err != nil {
		return nil, err
	}

	Observe(model.StatusDraft, out.Status)
	m.logger.Info("market published", "market", marketID, "seq", out.Seq)
	m.pub.Publish(ctx, events.Event{
		Type:          events.MarketOpened,
		MarketID:      marketID,
		Probabilities: probs,
		Status:        out.Status,
		Sequence:      out.Seq,
		At:            out.UpdatedAt,
	})
	return &out, nil
}

// Sweep applies due time transitions to every DRAFT and OPEN market, each in
// its own critical section, and returns how many markets changed. A failure
// on one market does not stop the others.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	st := m.ledger.Store()
	markets, err := st.ListMarketsByStatus(ctx, model.StatusDraft, model.StatusOpen)
	if err != nil {
		return 0, err
	}

	now := m.ledger.Now()
	var (
		mu      sync.Mutex
		changed int
		errs    []error
	)
	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for _, mk := range markets {
		if !Due(mk, now) {
			continue
		}
		mk := mk
		g.Go(func() error {
			ok, err := m.sweepOne(ctx, mk.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.logger.Error("sweep market", "market", mk.ID, "err", err)
				errs = append(errs, err)
			}
			if ok {
				changed++
			}
			return nil
		})
	}
	g.Wait()

	if open, err := st.ListMarketsByStatus(ctx, model.StatusOpen); err == nil {
		metrics.ActiveMarkets.Set(float64(len(open)))
	}
	return changed, errors.Join(errs...)
}

func (m *Manager) sweepOne(ctx context.Context, marketID string) (bool, error) {
	var out model.Market
	var from model.MarketStatus
	var changed bool
	err := m.ledger.Atomic(ctx, marketID, func(tx *ledger.Tx) error {
		mk, read, err := Refresh(tx)
		if err != nil {
			return err
		}
		from, out = read, *mk
		changed = read != mk.Status
		return nil
	})
	if err != nil || !changed {
		return false, err
	}

	Observe(from, out.Status)
	m.logger.Info("market status advanced", "market", marketID, "from", from, "to", out.Status)
	typ := events.MarketClosed
	if out.Status == model.StatusOpen {
		typ = events.MarketOpened
	}
	m.pub.Publish(ctx, events.Event{
		Type:     typ,
		MarketID: marketID,
		Status:   out.Status,
		Sequence: out.Seq,
		At:       out.UpdatedAt,
	})
	return true, nil
}

// Run sweeps immediately and then every interval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("sweeper started", "interval", m.interval, "concurrency", m.concurrency)
	for {
		if n, err := m.Sweep(ctx); err != nil {
			m.logger.Warn("sweep finished with errors", "changed", n, "err", err)
		} else if n > 0 {
			m.logger.Info("sweep finished", "changed", n)
		}

		select {
		case <-ctx.Done():
			m.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}
