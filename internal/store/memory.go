package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crowdodds/market-engine/internal/lock"
	"github.com/crowdodds/market-engine/internal/model"
)

type posKey struct {
	userID, marketID, outcomeID string
}

type userRec struct {
	user    model.User
	version int64
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Each market's transactions are serialised by a KeyedMutex. Users are
// shared across markets, so they carry a version that is checked at commit.
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[string]*model.Market
	outcomes  map[string][]model.Outcome // by market, ordered by index
	users     map[string]*userRec
	positions map[posKey]*model.Position
	posOrder  []posKey
	txs       []model.Transaction
	history   []model.PriceHistory

	locks *lock.KeyedMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]*model.Market),
		outcomes:  make(map[string][]model.Outcome),
		users:     make(map[string]*userRec),
		positions: make(map[posKey]*model.Position),
		locks:     lock.NewKeyedMutex(),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrExists)
	}
	s.users[u.ID] = &userRec{user: *u, version: 1}
	return nil
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market, outcomes []model.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("market %s: %w", m.ID, ErrExists)
	}

	// Store copies to avoid external mutation.
	mc := *m
	s.markets[m.ID] = &mc
	oc := make([]model.Outcome, len(outcomes))
	copy(oc, outcomes)
	sort.Slice(oc, func(i, j int) bool { return oc[i].Index < oc[j].Index })
	s.outcomes[m.ID] = oc
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getMarketLocked(id)
}

func (s *MemoryStore) getMarketLocked(id string) (*model.Market, error) {
	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	mc := *m
	return &mc, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listMarketsLocked(nil), nil
}

func (s *MemoryStore) ListMarketsByStatus(_ context.Context, statuses ...model.MarketStatus) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[model.MarketStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	return s.listMarketsLocked(want), nil
}

func (s *MemoryStore) listMarketsLocked(want map[model.MarketStatus]bool) []model.Market {
	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		if want != nil && !want[m.Status] {
			continue
		}
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		if markets[i].CreatedAt.Equal(markets[j].CreatedAt) {
			return markets[i].ID < markets[j].ID
		}
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets
}

func (s *MemoryStore) GetOutcomes(_ context.Context, marketID string) ([]model.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getOutcomesLocked(marketID)
}

func (s *MemoryStore) getOutcomesLocked(marketID string) ([]model.Outcome, error) {
	oc, ok := s.outcomes[marketID]
	if !ok {
		return nil, fmt.Errorf("outcomes of market %s: %w", marketID, ErrNotFound)
	}
	out := make([]model.Outcome, len(oc))
	copy(out, oc)
	return out, nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	uc := u.user
	return &uc, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, marketID, outcomeID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey{userID, marketID, outcomeID}]
	if !ok {
		return nil, fmt.Errorf("position %s/%s/%s: %w", userID, marketID, outcomeID, ErrNotFound)
	}
	pc := *p
	return &pc, nil
}

func (s *MemoryStore) ListPositionsByMarket(_ context.Context, marketID string) ([]model.Position, error) {
	return s.filterPositions(func(k posKey) bool { return k.marketID == marketID }), nil
}

func (s *MemoryStore) ListPositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	return s.filterPositions(func(k posKey) bool { return k.userID == userID }), nil
}

func (s *MemoryStore) filterPositions(keep func(posKey) bool) []model.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, k := range s.posOrder {
		if keep(k) {
			result = append(result, *s.positions[k])
		}
	}
	return result
}

func (s *MemoryStore) ListTransactionsByMarket(_ context.Context, marketID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, t := range s.txs {
		if t.MarketID == marketID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTransactionsByUser(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, t := range s.txs {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListPriceHistory(_ context.Context, marketID string) ([]model.PriceHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PriceHistory
	for _, h := range s.history {
		if h.MarketID == marketID {
			result = append(result, h)
		}
	}
	return result, nil
}

// InTx serialises transactions per market. Writes are staged on a memTx and
// applied under the store lock at commit.
func (s *MemoryStore) InTx(ctx context.Context, marketID string, fn func(Tx) error) error {
	unlock, err := s.locks.Lock(ctx, marketID)
	if err != nil {
		return err
	}
	defer unlock()

	tx := &memTx{
		MemoryStore:  s,
		marketID:     marketID,
		outcomeQty:   make(map[string]decimal.Decimal),
		positions:    make(map[posKey]model.Position),
		balances:     make(map[string]decimal.Decimal),
		userVersions: make(map[string]int64),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range tx.balances {
		rec, ok := s.users[id]
		if !ok {
			return fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		if rec.version != tx.userVersions[id] {
			return fmt.Errorf("user %s changed since read: %w", id, ErrConflict)
		}
	}

	if tx.market != nil {
		mc := *tx.market
		s.markets[tx.marketID] = &mc
	}
	if len(tx.outcomeQty) > 0 {
		oc := s.outcomes[tx.marketID]
		for i := range oc {
			if q, ok := tx.outcomeQty[oc[i].ID]; ok {
				oc[i].Quantity = q
			}
		}
	}
	for _, k := range tx.posOrder {
		p := tx.positions[k]
		if _, ok := s.positions[k]; !ok {
			s.posOrder = append(s.posOrder, k)
		}
		s.positions[k] = &p
	}
	for id, bal := range tx.balances {
		rec := s.users[id]
		rec.user.Balance = bal
		rec.user.UpdatedAt = tx.balanceAt[id]
		rec.version++
	}
	s.txs = append(s.txs, tx.txs...)
	s.history = append(s.history, tx.history...)
	return nil
}

// memTx overlays staged writes on the committed state.
type memTx struct {
	*MemoryStore
	marketID string

	market       *model.Market
	outcomeQty   map[string]decimal.Decimal
	positions    map[posKey]model.Position
	posOrder     []posKey
	balances     map[string]decimal.Decimal
	balanceAt    map[string]time.Time
	userVersions map[string]int64
	txs          []model.Transaction
	history      []model.PriceHistory
}

func (t *memTx) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	if id == t.marketID && t.market != nil {
		mc := *t.market
		return &mc, nil
	}
	return t.MemoryStore.GetMarket(ctx, id)
}

func (t *memTx) GetOutcomes(ctx context.Context, marketID string) ([]model.Outcome, error) {
	oc, err := t.MemoryStore.GetOutcomes(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if marketID == t.marketID {
		for i := range oc {
			if q, ok := t.outcomeQty[oc[i].ID]; ok {
				oc[i].Quantity = q
			}
		}
	}
	return oc, nil
}

func (t *memTx) GetUser(_ context.Context, id string) (*model.User, error) {
	t.mu.RLock()
	rec, ok := t.users[id]
	var u model.User
	var version int64
	if ok {
		u, version = rec.user, rec.version
	}
	t.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if _, seen := t.userVersions[id]; !seen {
		t.userVersions[id] = version
	}
	if bal, staged := t.balances[id]; staged {
		u.Balance = bal
		u.UpdatedAt = t.balanceAt[id]
	}
	return &u, nil
}

func (t *memTx) GetPosition(ctx context.Context, userID, marketID, outcomeID string) (*model.Position, error) {
	if p, ok := t.positions[posKey{userID, marketID, outcomeID}]; ok {
		return &p, nil
	}
	return t.MemoryStore.GetPosition(ctx, userID, marketID, outcomeID)
}

func (t *memTx) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	committed, err := t.MemoryStore.ListPositionsByMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	return t.overlayPositions(committed, func(k posKey) bool { return k.marketID == marketID }), nil
}

func (t *memTx) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	committed, err := t.MemoryStore.ListPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return t.overlayPositions(committed, func(k posKey) bool { return k.userID == userID }), nil
}

func (t *memTx) overlayPositions(committed []model.Position, keep func(posKey) bool) []model.Position {
	seen := make(map[posKey]bool, len(committed))
	for i, p := range committed {
		k := posKey{p.UserID, p.MarketID, p.OutcomeID}
		seen[k] = true
		if staged, ok := t.positions[k]; ok {
			committed[i] = staged
		}
	}
	for _, k := range t.posOrder {
		if !seen[k] && keep(k) {
			committed = append(committed, t.positions[k])
		}
	}
	return committed
}

func (t *memTx) ListTransactionsByMarket(ctx context.Context, marketID string) ([]model.Transaction, error) {
	committed, err := t.MemoryStore.ListTransactionsByMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	for _, tr := range t.txs {
		if tr.MarketID == marketID {
			committed = append(committed, tr)
		}
	}
	return committed, nil
}

func (t *memTx) ListPriceHistory(ctx context.Context, marketID string) ([]model.PriceHistory, error) {
	committed, err := t.MemoryStore.ListPriceHistory(ctx, marketID)
	if err != nil {
		return nil, err
	}
	for _, h := range t.history {
		if h.MarketID == marketID {
			committed = append(committed, h)
		}
	}
	return committed, nil
}

func (t *memTx) UpdateMarket(_ context.Context, m *model.Market) error {
	if m.ID != t.marketID {
		return fmt.Errorf("update market %s in tx for %s: not allowed", m.ID, t.marketID)
	}
	mc := *m
	t.market = &mc
	return nil
}

func (t *memTx) UpdateOutcomeQuantity(_ context.Context, outcomeID string, quantity decimal.Decimal) error {
	t.mu.RLock()
	found := false
	for _, o := range t.outcomes[t.marketID] {
		if o.ID == outcomeID {
			found = true
			break
		}
	}
	t.mu.RUnlock()

	if !found {
		return fmt.Errorf("outcome %s of market %s: %w", outcomeID, t.marketID, ErrNotFound)
	}
	t.outcomeQty[outcomeID] = quantity
	return nil
}

func (t *memTx) UpsertPosition(_ context.Context, p *model.Position) error {
	k := posKey{p.UserID, p.MarketID, p.OutcomeID}
	if _, ok := t.positions[k]; !ok {
		t.posOrder = append(t.posOrder, k)
	}
	t.positions[k] = *p
	return nil
}

func (t *memTx) UpdateUserBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	if _, seen := t.userVersions[userID]; !seen {
		if _, err := t.GetUser(ctx, userID); err != nil {
			return err
		}
	}
	if t.balanceAt == nil {
		t.balanceAt = make(map[string]time.Time)
	}
	t.balances[userID] = balance
	t.balanceAt[userID] = time.Now().UTC()
	return nil
}

func (t *memTx) AppendTransaction(_ context.Context, tr *model.Transaction) error {
	t.txs = append(t.txs, *tr)
	return nil
}

func (t *memTx) AppendPriceHistory(_ context.Context, rows []model.PriceHistory) error {
	t.history = append(t.history, rows...)
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memTx)(nil)
)
