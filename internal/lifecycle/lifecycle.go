// Package lifecycle owns market status. Time-driven transitions
// (DRAFT→OPEN at start, OPEN→CLOSED at end) are applied lazily inside every
// critical section that reads a market and eagerly by a periodic sweep.
package lifecycle

import (
	"time"

	"github.com/crowdodds/market-engine/internal/apperr"
	"github.com/crowdodds/market-engine/internal/ledger"
	"github.com/crowdodds/market-engine/internal/metrics"
	"github.com/crowdodds/market-engine/internal/model"
)

var edges = map[model.MarketStatus][]model.MarketStatus{
	model.StatusDraft:  {model.StatusOpen, model.StatusCancelled},
	model.StatusOpen:   {model.StatusClosed, model.StatusCancelled},
	model.StatusClosed: {model.StatusResolved, model.StatusCancelled},
}

// CanTransition reports whether from→to is an edge of the lifecycle graph.
func CanTransition(from, to model.MarketStatus) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves m to status to, stamping resolution or cancellation time.
func Transition(m *model.Market, to model.MarketStatus, now time.Time) error {
	if !CanTransition(m.Status, to) {
		return apperr.ErrInvalidStateTransition.
			With("market_id", m.ID).
			With("from", m.Status).
			With("to", to)
	}
	m.Status = to
	switch to {
	case model.StatusResolved:
		m.ResolvedAt = &now
	case model.StatusCancelled:
		m.CancelledAt = &now
	}
	return nil
}

// Advance applies every time-driven transition that is due at now and
// reports whether m changed. A zero StartAt or EndAt never fires.
func Advance(m *model.Market, now time.Time) bool {
	changed := false
	if m.Status == model.StatusDraft && due(m.StartAt, now) {
		m.Status = model.StatusOpen
		changed = true
	}
	if m.Status == model.StatusOpen && due(m.EndAt, now) {
		m.Status = model.StatusClosed
		changed = true
	}
	return changed
}

// Due reports whether Advance would change m at now.
func Due(m model.Market, now time.Time) bool {
	return Advance(&m, now)
}

func due(at, now time.Time) bool {
	return !at.IsZero() && !now.Before(at)
}

// Refresh loads the section's market and applies due time transitions to
// the working copy. A market that opens this way gets an opening price
// snapshot. The returned status is the one read from the store.
func Refresh(tx *ledger.Tx) (*model.Market, model.MarketStatus, error) {
	m, err := tx.Market()
	if err != nil {
		return nil, "", err
	}
	from := m.Status
	if !Advance(m, tx.Now()) {
		return m, from, nil
	}
	tx.MarkDirty()
	if from == model.StatusDraft {
		if _, _, err := tx.RecordSnapshot(); err != nil {
			return nil, "", err
		}
	}
	return m, from, nil
}

// Observe records a committed status change.
func Observe(from, to model.MarketStatus) {
	if from == to {
		return
	}
	metrics.LifecycleTransitions.WithLabelValues(string(from), string(to)).Inc()
}
