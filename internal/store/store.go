// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-instance development).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/crowdodds/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a transaction lost a race with a
	// concurrent writer. The whole transaction must be re-run.
	ErrConflict = errors.New("store: concurrent update conflict")

	// ErrExists is returned when creating an entity whose id is taken.
	ErrExists = errors.New("store: already exists")
)

// Reader is the read side shared by the store and its transactions.
type Reader interface {
	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// ListMarketsByStatus returns markets in any of the given statuses.
	ListMarketsByStatus(ctx context.Context, statuses ...model.MarketStatus) ([]model.Market, error)

	// GetOutcomes returns a market's outcomes ordered by index.
	GetOutcomes(ctx context.Context, marketID string) ([]model.Outcome, error)

	// GetUser retrieves a user balance handle.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// GetPosition returns ErrNotFound if the user never traded the outcome.
	GetPosition(ctx context.Context, userID, marketID, outcomeID string) (*model.Position, error)

	ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error)
	ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error)

	// ListTransactionsByMarket returns a market's transactions in sequence order.
	ListTransactionsByMarket(ctx context.Context, marketID string) ([]model.Transaction, error)
	ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error)

	// ListPriceHistory returns a market's snapshots in sequence order.
	ListPriceHistory(ctx context.Context, marketID string) ([]model.PriceHistory, error)
}

// Tx is a transaction scoped to one market. Writes become visible to other
// readers only when the enclosing InTx returns nil.
type Tx interface {
	Reader

	// UpdateMarket persists the mutable market fields (status, resolution,
	// sequence, timestamps). Only the market the Tx was opened for may be
	// updated.
	UpdateMarket(ctx context.Context, m *model.Market) error

	UpdateOutcomeQuantity(ctx context.Context, outcomeID string, quantity decimal.Decimal) error
	UpsertPosition(ctx context.Context, p *model.Position) error
	UpdateUserBalance(ctx context.Context, userID string, balance decimal.Decimal) error

	// AppendTransaction writes an immutable ledger row.
	AppendTransaction(ctx context.Context, t *model.Transaction) error

	// AppendPriceHistory writes one snapshot row per outcome.
	AppendPriceHistory(ctx context.Context, rows []model.PriceHistory) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	Reader

	// CreateUser persists a new user balance handle.
	CreateUser(ctx context.Context, u *model.User) error

	// CreateMarket persists a new market with its outcomes.
	CreateMarket(ctx context.Context, m *model.Market, outcomes []model.Outcome) error

	// InTx runs fn in a transaction that holds marketID exclusively.
	// A nil return commits; any error rolls back every write made by fn.
	// ErrConflict means the commit lost a race and fn may be re-run.
	InTx(ctx context.Context, marketID string, fn func(Tx) error) error
}
