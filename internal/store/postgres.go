package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/crowdodds/market-engine/internal/model"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx, so the same query
// code serves plain reads and transactional reads.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// read back through ::TEXT.
type PostgresStore struct {
	queries
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{queries: queries{db: pool}, pool: pool}
}

// mapErr translates driver errors into store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case "23505": // unique_violation
			return fmt.Errorf("%w: %v", ErrExists, err)
		}
	}
	return err
}

func parseDecimal(s string, dst *decimal.Decimal) error {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("parse numeric %q: %w", s, err)
	}
	*dst = v
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	updatedAt := u.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, balance, updated_at) VALUES ($1, $2::NUMERIC, $3)`,
		u.ID, u.Balance.String(), updatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create user %s: %w", u.ID, mapErr(err))
	}
	return nil
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market, outcomes []model.Outcome) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin create market: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO markets (id, title, market_type, status, b, start_at, end_at,
		                      resolution_date, seq, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10, $11)`,
		m.ID, m.Title, m.Type, m.Status, m.B.String(), m.StartAt, m.EndAt,
		m.ResolutionDate, m.Seq, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create market %s: %w", m.ID, mapErr(err))
	}

	for _, o := range outcomes {
		_, err := tx.Exec(ctx,
			`INSERT INTO outcomes (id, market_id, name, idx, quantity)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC)`,
			o.ID, m.ID, o.Name, o.Index, o.Quantity.String(),
		)
		if err != nil {
			return fmt.Errorf("postgres: create outcome %s: %w", o.ID, mapErr(err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit create market %s: %w", m.ID, mapErr(err))
	}
	return nil
}

// InTx runs fn inside a REPEATABLE READ transaction that holds the market
// row with SELECT ... FOR UPDATE. User rows are locked as they are read.
// Serialization failures surface as ErrConflict.
func (s *PostgresStore) InTx(ctx context.Context, marketID string, fn func(Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("postgres: begin transaction: %w", mapErr(err))
	}

	var locked string
	if err := tx.QueryRow(ctx, `SELECT id FROM markets WHERE id = $1 FOR UPDATE`, marketID).Scan(&locked); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("postgres: lock market %s: %w", marketID, mapErr(err))
	}

	ptx := &pgTx{queries: queries{db: tx, forUpdate: true}, marketID: marketID}
	if err := fn(ptx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit market %s: %w", marketID, mapErr(err))
	}
	return nil
}

// --- Reads ---

// queries holds the read statements shared by the pool and transactions.
type queries struct {
	db        dbtx
	forUpdate bool
}

const marketColumns = `id, title, market_type, status, b::TEXT, start_at, end_at,
	resolution_date, resolved_outcome_id, resolved_at, cancelled_at, seq,
	created_at, updated_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var b string
	if err := row.Scan(&m.ID, &m.Title, &m.Type, &m.Status, &b, &m.StartAt, &m.EndAt,
		&m.ResolutionDate, &m.ResolvedOutcomeID, &m.ResolvedAt, &m.CancelledAt, &m.Seq,
		&m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseDecimal(b, &m.B); err != nil {
		return nil, err
	}
	return &m, nil
}

func (q *queries) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(q.db.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("postgres: get market %s: %w", id, mapErr(err))
	}
	return m, nil
}

func (q *queries) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", mapErr(err))
	}
	return collectMarkets(rows)
}

func (q *queries) ListMarketsByStatus(ctx context.Context, statuses ...model.MarketStatus) ([]model.Market, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := q.db.Query(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE status = ANY($1) ORDER BY created_at DESC, id`,
		names)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets by status: %w", mapErr(err))
	}
	return collectMarkets(rows)
}

func collectMarkets(rows pgx.Rows) ([]model.Market, error) {
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (q *queries) GetOutcomes(ctx context.Context, marketID string) ([]model.Outcome, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, market_id, name, idx, quantity::TEXT
		 FROM outcomes WHERE market_id = $1 ORDER BY idx`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get outcomes %s: %w", marketID, mapErr(err))
	}
	defer rows.Close()

	var outcomes []model.Outcome
	for rows.Next() {
		var o model.Outcome
		var qty string
		if err := rows.Scan(&o.ID, &o.MarketID, &o.Name, &o.Index, &qty); err != nil {
			return nil, err
		}
		if err := parseDecimal(qty, &o.Quantity); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(outcomes) == 0 {
		return nil, fmt.Errorf("postgres: outcomes of market %s: %w", marketID, ErrNotFound)
	}
	return outcomes, nil
}

func (q *queries) GetUser(ctx context.Context, id string) (*model.User, error) {
	sql := `SELECT id, balance::TEXT, updated_at FROM users WHERE id = $1`
	if q.forUpdate {
		sql += ` FOR UPDATE`
	}

	var u model.User
	var bal string
	if err := q.db.QueryRow(ctx, sql, id).Scan(&u.ID, &bal, &u.UpdatedAt); err != nil {
		return nil, fmt.Errorf("postgres: get user %s: %w", id, mapErr(err))
	}
	if err := parseDecimal(bal, &u.Balance); err != nil {
		return nil, err
	}
	return &u, nil
}

const positionColumns = `id, user_id, market_id, outcome_id, quantity::TEXT, total_cost::TEXT,
	created_at, updated_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var qty, cost string
	if err := row.Scan(&p.ID, &p.UserID, &p.MarketID, &p.OutcomeID, &qty, &cost,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseDecimal(qty, &p.Quantity); err != nil {
		return nil, err
	}
	if err := parseDecimal(cost, &p.TotalCost); err != nil {
		return nil, err
	}
	return &p, nil
}

func (q *queries) GetPosition(ctx context.Context, userID, marketID, outcomeID string) (*model.Position, error) {
	p, err := scanPosition(q.db.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE user_id = $1 AND market_id = $2 AND outcome_id = $3`,
		userID, marketID, outcomeID))
	if err != nil {
		return nil, fmt.Errorf("postgres: get position %s/%s/%s: %w", userID, marketID, outcomeID, mapErr(err))
	}
	return p, nil
}

func (q *queries) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return q.listPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE market_id = $1 ORDER BY created_at, id`, marketID)
}

func (q *queries) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	return q.listPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY created_at, id`, userID)
}

func (q *queries) listPositions(ctx context.Context, sql, arg string) ([]model.Position, error) {
	rows, err := q.db.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", mapErr(err))
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

const transactionColumns = `id, user_id, market_id, outcome_id, type,
	quantity::TEXT, cost::TEXT, balance_after::TEXT, sequence, created_at`

func (q *queries) ListTransactionsByMarket(ctx context.Context, marketID string) ([]model.Transaction, error) {
	return q.listTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE market_id = $1 ORDER BY sequence`, marketID)
}

func (q *queries) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	return q.listTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE user_id = $1 ORDER BY created_at, market_id, sequence`, userID)
}

func (q *queries) listTransactions(ctx context.Context, sql, arg string) ([]model.Transaction, error) {
	rows, err := q.db.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transactions: %w", mapErr(err))
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var qty, cost, bal string
		if err := rows.Scan(&t.ID, &t.UserID, &t.MarketID, &t.OutcomeID, &t.Type,
			&qty, &cost, &bal, &t.Sequence, &t.CreatedAt); err != nil {
			return nil, err
		}
		if err := parseDecimal(qty, &t.Quantity); err != nil {
			return nil, err
		}
		if err := parseDecimal(cost, &t.Cost); err != nil {
			return nil, err
		}
		if err := parseDecimal(bal, &t.BalanceAfter); err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (q *queries) ListPriceHistory(ctx context.Context, marketID string) ([]model.PriceHistory, error) {
	rows, err := q.db.Query(ctx,
		`SELECT ph.market_id, ph.outcome_id, ph.sequence, ph.probability::TEXT, ph.recorded_at
		 FROM price_history ph
		 JOIN outcomes o ON o.id = ph.outcome_id
		 WHERE ph.market_id = $1
		 ORDER BY ph.sequence, o.idx`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list price history %s: %w", marketID, mapErr(err))
	}
	defer rows.Close()

	var history []model.PriceHistory
	for rows.Next() {
		var h model.PriceHistory
		var p string
		if err := rows.Scan(&h.MarketID, &h.OutcomeID, &h.Sequence, &p, &h.RecordedAt); err != nil {
			return nil, err
		}
		if err := parseDecimal(p, &h.Probability); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

// --- Transactional writes ---

type pgTx struct {
	queries
	marketID string
}

func (t *pgTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	if m.ID != t.marketID {
		return fmt.Errorf("postgres: update market %s in tx for %s: not allowed", m.ID, t.marketID)
	}
	_, err := t.db.Exec(ctx,
		`UPDATE markets
		 SET status = $2, resolved_outcome_id = $3, resolved_at = $4,
		     cancelled_at = $5, seq = $6, updated_at = $7
		 WHERE id = $1`,
		m.ID, m.Status, m.ResolvedOutcomeID, m.ResolvedAt, m.CancelledAt, m.Seq, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update market %s: %w", m.ID, mapErr(err))
	}
	return nil
}

func (t *pgTx) UpdateOutcomeQuantity(ctx context.Context, outcomeID string, quantity decimal.Decimal) error {
	tag, err := t.db.Exec(ctx,
		`UPDATE outcomes SET quantity = $3::NUMERIC WHERE id = $1 AND market_id = $2`,
		outcomeID, t.marketID, quantity.String())
	if err != nil {
		return fmt.Errorf("postgres: update outcome %s: %w", outcomeID, mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: outcome %s of market %s: %w", outcomeID, t.marketID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := t.db.Exec(ctx,
		`INSERT INTO positions (id, user_id, market_id, outcome_id, quantity, total_cost, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8)
		 ON CONFLICT (user_id, market_id, outcome_id)
		 DO UPDATE SET quantity = EXCLUDED.quantity,
		               total_cost = EXCLUDED.total_cost,
		               updated_at = EXCLUDED.updated_at`,
		p.ID, p.UserID, p.MarketID, p.OutcomeID,
		p.Quantity.String(), p.TotalCost.String(), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", p.ID, mapErr(err))
	}
	return nil
}

func (t *pgTx) UpdateUserBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	tag, err := t.db.Exec(ctx,
		`UPDATE users SET balance = $2::NUMERIC, updated_at = NOW() WHERE id = $1`,
		userID, balance.String())
	if err != nil {
		return fmt.Errorf("postgres: update balance %s: %w", userID, mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: user %s: %w", userID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) AppendTransaction(ctx context.Context, tr *model.Transaction) error {
	_, err := t.db.Exec(ctx,
		`INSERT INTO transactions (id, user_id, market_id, outcome_id, type, quantity, cost,
		                           balance_after, sequence, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		tr.ID, tr.UserID, tr.MarketID, tr.OutcomeID, tr.Type,
		tr.Quantity.String(), tr.Cost.String(), tr.BalanceAfter.String(),
		tr.Sequence, tr.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append transaction %s: %w", tr.ID, mapErr(err))
	}
	return nil
}

func (t *pgTx) AppendPriceHistory(ctx context.Context, rows []model.PriceHistory) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, h := range rows {
		batch.Queue(
			`INSERT INTO price_history (market_id, outcome_id, sequence, probability, recorded_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
			h.MarketID, h.OutcomeID, h.Sequence, h.Probability.String(), h.RecordedAt,
		)
	}
	br := t.db.SendBatch(ctx, batch)
	for range rows {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("postgres: append price history: %w", mapErr(err))
		}
	}
	return br.Close()
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*pgTx)(nil)
)
