package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crowdodds/market-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seed(t *testing.T) *MemoryStore {
	t.Helper()
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	for _, id := range []string{"m1", "m2"} {
		m := &model.Market{ID: id, Type: model.MarketBinary, Status: model.StatusOpen, B: d(100), CreatedAt: now}
		outcomes := []model.Outcome{
			{ID: id + "-no", MarketID: id, Name: "No", Index: 1},
			{ID: id + "-yes", MarketID: id, Name: "Yes", Index: 0},
		}
		if err := s.CreateMarket(ctx, m, outcomes); err != nil {
			t.Fatalf("create market: %v", err)
		}
	}
	if err := s.CreateUser(ctx, &model.User{ID: "u1", Balance: d(100)}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return s
}

func TestMemoryStore_CreateDuplicate(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	if err := s.CreateUser(ctx, &model.User{ID: "u1"}); !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}
	if err := s.CreateMarket(ctx, &model.Market{ID: "m1"}, nil); !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}
}

func TestMemoryStore_OutcomesOrderedByIndex(t *testing.T) {
	s := seed(t)
	oc, err := s.GetOutcomes(context.Background(), "m1")
	if err != nil {
		t.Fatal(err)
	}
	if oc[0].ID != "m1-yes" || oc[1].ID != "m1-no" {
		t.Errorf("outcomes not ordered by index: %v", oc)
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	if _, err := s.GetMarket(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMarket: expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetUser(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetUser: expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetPosition(ctx, "u1", "m1", "m1-yes"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPosition: expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	m, _ := s.GetMarket(ctx, "m1")
	m.Status = model.StatusCancelled

	again, _ := s.GetMarket(ctx, "m1")
	if again.Status != model.StatusOpen {
		t.Error("mutating a returned market must not change the store")
	}
}

func TestMemoryStore_InTxCommit(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	err := s.InTx(ctx, "m1", func(tx Tx) error {
		m, err := tx.GetMarket(ctx, "m1")
		if err != nil {
			return err
		}
		m.Seq++
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return err
		}
		if err := tx.UpdateOutcomeQuantity(ctx, "m1-yes", d(10)); err != nil {
			return err
		}
		if err := tx.UpdateUserBalance(ctx, "u1", d(95)); err != nil {
			return err
		}
		if err := tx.UpsertPosition(ctx, &model.Position{UserID: "u1", MarketID: "m1", OutcomeID: "m1-yes", Quantity: d(10), TotalCost: d(5)}); err != nil {
			return err
		}

		// Reads inside the tx see staged writes.
		u, _ := tx.GetUser(ctx, "u1")
		if !u.Balance.Equal(d(95)) {
			t.Errorf("tx should see staged balance, got %s", u.Balance)
		}
		oc, _ := tx.GetOutcomes(ctx, "m1")
		if !oc[0].Quantity.Equal(d(10)) {
			t.Errorf("tx should see staged quantity, got %s", oc[0].Quantity)
		}
		ps, _ := tx.ListPositionsByMarket(ctx, "m1")
		if len(ps) != 1 {
			t.Errorf("tx should see staged position, got %d", len(ps))
		}

		// Outside readers do not.
		outside, _ := s.GetUser(ctx, "u1")
		if !outside.Balance.Equal(d(100)) {
			t.Errorf("staged write leaked before commit: %s", outside.Balance)
		}

		return tx.AppendTransaction(ctx, &model.Transaction{ID: "t1", UserID: "u1", MarketID: "m1", Sequence: m.Seq})
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}

	u, _ := s.GetUser(ctx, "u1")
	if !u.Balance.Equal(d(95)) {
		t.Errorf("expected committed balance 95, got %s", u.Balance)
	}
	m, _ := s.GetMarket(ctx, "m1")
	if m.Seq != 1 {
		t.Errorf("expected seq 1, got %d", m.Seq)
	}
	txs, _ := s.ListTransactionsByMarket(ctx, "m1")
	if len(txs) != 1 {
		t.Errorf("expected 1 transaction, got %d", len(txs))
	}
	p, err := s.GetPosition(ctx, "u1", "m1", "m1-yes")
	if err != nil || !p.Quantity.Equal(d(10)) {
		t.Errorf("expected position 10, got %v %v", p, err)
	}
}

func TestMemoryStore_InTxRollback(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, "m1", func(tx Tx) error {
		_ = tx.UpdateUserBalance(ctx, "u1", d(0))
		_ = tx.UpdateOutcomeQuantity(ctx, "m1-yes", d(50))
		_ = tx.AppendTransaction(ctx, &model.Transaction{ID: "t1", MarketID: "m1"})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	u, _ := s.GetUser(ctx, "u1")
	if !u.Balance.Equal(d(100)) {
		t.Errorf("balance changed after rollback: %s", u.Balance)
	}
	oc, _ := s.GetOutcomes(ctx, "m1")
	if !oc[0].Quantity.IsZero() {
		t.Errorf("quantity changed after rollback: %s", oc[0].Quantity)
	}
	txs, _ := s.ListTransactionsByMarket(ctx, "m1")
	if len(txs) != 0 {
		t.Errorf("transaction appended after rollback")
	}
}

func TestMemoryStore_UpdateOtherMarketRejected(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	err := s.InTx(ctx, "m1", func(tx Tx) error {
		return tx.UpdateMarket(ctx, &model.Market{ID: "m2"})
	})
	if err == nil {
		t.Error("expected error updating a market outside the tx scope")
	}
}

func TestMemoryStore_StaleUserConflicts(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	err := s.InTx(ctx, "m1", func(tx Tx) error {
		u, err := tx.GetUser(ctx, "u1")
		if err != nil {
			return err
		}

		// A trade on another market commits a change to the same user.
		if err := s.InTx(ctx, "m2", func(tx2 Tx) error {
			return tx2.UpdateUserBalance(ctx, "u1", d(90))
		}); err != nil {
			t.Fatalf("inner InTx: %v", err)
		}

		return tx.UpdateUserBalance(ctx, "u1", u.Balance.Sub(d(5)))
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	u, _ := s.GetUser(ctx, "u1")
	if !u.Balance.Equal(d(90)) {
		t.Errorf("expected the winning write (90) to stand, got %s", u.Balance)
	}
}

func TestMemoryStore_ListMarketsByStatus(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	_ = s.InTx(ctx, "m2", func(tx Tx) error {
		m, _ := tx.GetMarket(ctx, "m2")
		m.Status = model.StatusClosed
		return tx.UpdateMarket(ctx, m)
	})

	open, _ := s.ListMarketsByStatus(ctx, model.StatusOpen)
	if len(open) != 1 || open[0].ID != "m1" {
		t.Errorf("expected only m1 open, got %v", open)
	}
	both, _ := s.ListMarketsByStatus(ctx, model.StatusOpen, model.StatusClosed)
	if len(both) != 2 {
		t.Errorf("expected 2 markets, got %d", len(both))
	}
}
