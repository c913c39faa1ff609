// Package ledger owns every balance-affecting mutation. All changes to a
// market's outcome quantities, user balances, positions and the append-only
// transaction and price-history logs happen inside Ledger.Atomic, which is
// the per-market critical section.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/crowdodds/market-engine/internal/apperr"
	"github.com/crowdodds/market-engine/internal/lock"
	"github.com/crowdodds/market-engine/internal/metrics"
	"github.com/crowdodds/market-engine/internal/store"
)

// DefaultMaxRetries bounds how often a section is re-run after a conflict.
const DefaultMaxRetries = 3

// Ledger runs per-market critical sections against a Store.
type Ledger struct {
	store      store.Store
	locker     lock.Locker
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLocker adds a lock acquired around every section, on top of the
// store's own isolation. Use a RedisLocker when several engine instances
// share one database.
func WithLocker(l lock.Locker) Option {
	return func(lg *Ledger) { lg.locker = l }
}

// WithMaxRetries sets the conflict retry bound. Zero disables retries.
func WithMaxRetries(n int) Option {
	return func(lg *Ledger) {
		if n >= 0 {
			lg.maxRetries = n
		}
	}
}

// WithBackoff sets the base delay between conflict retries.
func WithBackoff(d time.Duration) Option {
	return func(lg *Ledger) { lg.backoff = d }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(lg *Ledger) { lg.now = now }
}

// New creates a Ledger over st.
func New(st store.Store, logger *slog.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	lg := &Ledger{
		store:      st,
		maxRetries: DefaultMaxRetries,
		backoff:    5 * time.Millisecond,
		logger:     logger.With("component", "ledger"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(lg)
	}
	return lg
}

// Store returns the underlying store for read-only queries.
func (l *Ledger) Store() store.Store {
	return l.store
}

// Now returns the ledger clock in UTC.
func (l *Ledger) Now() time.Time {
	return l.now().UTC()
}

// Atomic runs fn inside marketID's critical section. Every write fn makes
// through tx commits together or not at all. When the commit loses a race
// (store.ErrConflict) fn is run again from scratch, so it re-reads and
// re-validates; after the retry bound the caller gets ConcurrencyConflict.
//
// Once the section is entered it is not interrupted by ctx cancellation.
func (l *Ledger) Atomic(ctx context.Context, marketID string, fn func(tx *Tx) error) error {
	var err error
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.ConflictRetries.Inc()
			l.logger.Warn("retrying after conflict",
				"market", marketID,
				"attempt", attempt,
				"err", err,
			)
			if werr := sleep(ctx, l.backoff*time.Duration(attempt)); werr != nil {
				return werr
			}
		}

		err = l.run(ctx, marketID, fn)
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return apperr.Wrap(apperr.CodeConcurrencyConflict, "market is busy, retry the request", err).
		With("market_id", marketID)
}

func (l *Ledger) run(ctx context.Context, marketID string, fn func(tx *Tx) error) error {
	if l.locker != nil {
		unlock, err := l.locker.Lock(ctx, "market:"+marketID)
		if err != nil {
			return fmt.Errorf("acquire market %s: %w", marketID, err)
		}
		defer unlock()
	}

	return l.store.InTx(ctx, marketID, func(stx store.Tx) error {
		tx := &Tx{
			ctx:      context.WithoutCancel(ctx),
			st:       stx,
			marketID: marketID,
			now:      l.Now(),
		}
		if err := fn(tx); err != nil {
			return err
		}
		return tx.flush()
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
