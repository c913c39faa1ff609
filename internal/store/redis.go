package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/crowdodds/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// InTx always runs against the primary, so nothing inside a market's
// critical section ever sees cached state.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Writes (write to primary, invalidate cache) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.CreateUser(ctx, u); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(u.ID))
	return nil
}

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market, outcomes []model.Outcome) error {
	if err := s.primary.CreateMarket(ctx, m, outcomes); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(m.ID), outcomesKey(m.ID))
	return nil
}

// InTx runs fn on the primary and, after a successful commit, drops every
// cache entry the transaction may have changed.
func (s *CachedStore) InTx(ctx context.Context, marketID string, fn func(Tx) error) error {
	var rec *recordingTx
	err := s.primary.InTx(ctx, marketID, func(tx Tx) error {
		rec = &recordingTx{Tx: tx, users: make(map[string]struct{})}
		return fn(rec)
	})
	if err != nil {
		return err
	}

	keys := []string{marketKey(marketID), outcomesKey(marketID)}
	for uid := range rec.users {
		keys = append(keys, userKey(uid), positionsKey(uid))
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

// recordingTx notes which users a transaction wrote so their cache
// entries can be invalidated after commit.
type recordingTx struct {
	Tx
	users map[string]struct{}
}

func (t *recordingTx) UpdateUserBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	t.users[userID] = struct{}{}
	return t.Tx.UpdateUserBalance(ctx, userID, balance)
}

func (t *recordingTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	t.users[p.UserID] = struct{}{}
	return t.Tx.UpsertPosition(ctx, p)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	if s.getJSON(ctx, marketKey(id), &m) {
		return &m, nil
	}

	mp, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, marketKey(id), mp)
	return mp, nil
}

func (s *CachedStore) GetOutcomes(ctx context.Context, marketID string) ([]model.Outcome, error) {
	var outcomes []model.Outcome
	if s.getJSON(ctx, outcomesKey(marketID), &outcomes) {
		return outcomes, nil
	}

	outcomes, err := s.primary.GetOutcomes(ctx, marketID)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, outcomesKey(marketID), outcomes)
	return outcomes, nil
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if s.getJSON(ctx, userKey(id), &u) {
		return &u, nil
	}

	up, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, userKey(id), up)
	return up, nil
}

func (s *CachedStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	var positions []model.Position
	if s.getJSON(ctx, positionsKey(userID), &positions) {
		return positions, nil
	}

	positions, err := s.primary.ListPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, positionsKey(userID), positions)
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListMarketsByStatus(ctx context.Context, statuses ...model.MarketStatus) ([]model.Market, error) {
	return s.primary.ListMarketsByStatus(ctx, statuses...)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, marketID, outcomeID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, marketID, outcomeID)
}

func (s *CachedStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.primary.ListPositionsByMarket(ctx, marketID)
}

func (s *CachedStore) ListTransactionsByMarket(ctx context.Context, marketID string) ([]model.Transaction, error) {
	return s.primary.ListTransactionsByMarket(ctx, marketID)
}

func (s *CachedStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.primary.ListTransactionsByUser(ctx, userID)
}

func (s *CachedStore) ListPriceHistory(ctx context.Context, marketID string) ([]model.PriceHistory, error) {
	return s.primary.ListPriceHistory(ctx, marketID)
}

// --- Cache helpers ---

func (s *CachedStore) getJSON(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) setJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func marketKey(id string) string     { return fmt.Sprintf("market:%s", id) }
func outcomesKey(id string) string   { return fmt.Sprintf("outcomes:%s", id) }
func userKey(id string) string       { return fmt.Sprintf("user:%s", id) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }

var _ Store = (*CachedStore)(nil)
