package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/crowdodds/market-engine/internal/apperr"
	"github.com/crowdodds/market-engine/internal/lifecycle"
	"github.com/crowdodds/market-engine/internal/lmsr"
	"github.com/crowdodds/market-engine/internal/model"
	"github.com/crowdodds/market-engine/internal/trade"
)

// DefaultLiquidity is used when a market is created without b.
var DefaultLiquidity = decimal.NewFromInt(100)

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for POST /markets. Markets start as
// drafts; StartAt opens them automatically, as does POST .../publish.
type CreateMarketRequest struct {
	ID             string           `json:"id"`
	Title          string           `json:"title"`
	Type           model.MarketType `json:"market_type"`
	B              decimal.Decimal  `json:"liquidity_param"` // 0 → DefaultLiquidity
	Outcomes       []string         `json:"outcomes"`        // names, in index order
	StartAt        time.Time        `json:"start_at"`
	EndAt          time.Time        `json:"end_at"`
	ResolutionDate *time.Time       `json:"resolution_date,omitempty"`
}

// OutcomeView is an outcome with its reported probability.
type OutcomeView struct {
	model.Outcome
	Probability decimal.Decimal `json:"probability"`
}

// MarketView is a market with its outcomes. MaxLoss is the most the
// market maker can lose, b·ln(n).
type MarketView struct {
	model.Market
	Outcomes []OutcomeView   `json:"outcomes"`
	MaxLoss  decimal.Decimal `json:"max_loss"`
}

// TradeRequest is the JSON body for estimate and trade. The user comes from
// the X-User-ID header.
type TradeRequest struct {
	OutcomeID string          `json:"outcome_id"`
	Action    model.Action    `json:"action"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// QuoteRequest asks how many shares a budget buys.
type QuoteRequest struct {
	OutcomeID string          `json:"outcome_id"`
	Budget    decimal.Decimal `json:"budget"`
}

// QuoteResponse pairs the share count with its estimate. Estimate is nil
// when the budget does not cover one minimum unit.
type QuoteResponse struct {
	OutcomeID string                `json:"outcome_id"`
	Budget    decimal.Decimal       `json:"budget"`
	Shares    decimal.Decimal       `json:"shares"`
	Estimate  *trade.EstimateResult `json:"estimate,omitempty"`
}

// ResolveRequest names the winning outcome.
type ResolveRequest struct {
	OutcomeID string `json:"outcome_id"`
}

// CreateUserRequest seeds a balance handle.
type CreateUserRequest struct {
	ID      string          `json:"id"`
	Balance decimal.Decimal `json:"balance"`
}

// PositionView is a position marked at the current probability.
type PositionView struct {
	model.Position
	Probability   decimal.Decimal    `json:"probability"`
	MarketValue   decimal.Decimal    `json:"market_value"`
	UnrealizedPnL decimal.Decimal    `json:"unrealized_pnl"`
	MarketStatus  model.MarketStatus `json:"market_status"`
}

// Portfolio is GET /users/{userID}/positions.
type Portfolio struct {
	UserID        string          `json:"user_id"`
	Balance       decimal.Decimal `json:"balance"`
	Positions     []PositionView  `json:"positions"`
	TotalValue    decimal.Decimal `json:"total_value"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// --- Markets ---

// CreateMarket handles POST /api/v1/markets
func (s *Server) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, outcomes, err := s.newMarket(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.CreateMarket(r.Context(), m, outcomes); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info("market created",
		"id", m.ID,
		"type", m.Type,
		"outcomes", len(outcomes),
		"b", m.B.String(),
	)
	view, err := s.view(m, outcomes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) newMarket(req CreateMarketRequest) (*model.Market, []model.Outcome, error) {
	if req.Type == "" {
		req.Type = model.MarketBinary
	}
	if !req.Type.Valid() {
		return nil, nil, apperr.Newf(apperr.CodeValidation, "unknown market type %q", req.Type)
	}
	if req.Type == model.MarketBinary && len(req.Outcomes) == 0 {
		req.Outcomes = []string{"Yes", "No"}
	}
	switch {
	case req.Type == model.MarketBinary && len(req.Outcomes) != 2:
		return nil, nil, apperr.New(apperr.CodeValidation, "binary market needs exactly 2 outcomes").
			With("outcomes", len(req.Outcomes))
	case len(req.Outcomes) < 2:
		return nil, nil, apperr.New(apperr.CodeValidation, "market needs at least 2 outcomes").
			With("outcomes", len(req.Outcomes))
	}
	seen := make(map[string]bool, len(req.Outcomes))
	for _, name := range req.Outcomes {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" || seen[key] {
			return nil, nil, apperr.Newf(apperr.CodeValidation, "outcome names must be unique and non-empty, got %q", name)
		}
		seen[key] = true
	}

	b := req.B
	if b.IsZero() {
		b = DefaultLiquidity
	}
	if _, err := lmsr.NewMarketMaker(b); err != nil {
		return nil, nil, apperr.Wrap(apperr.CodeValidation, "invalid liquidity parameter", err).With("b", b)
	}
	if !req.StartAt.IsZero() && !req.EndAt.IsZero() && !req.EndAt.After(req.StartAt) {
		return nil, nil, apperr.New(apperr.CodeValidation, "end_at must be after start_at")
	}

	now := s.ledger.Now()
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	m := &model.Market{
		ID:             id,
		Title:          req.Title,
		Type:           req.Type,
		Status:         model.StatusDraft,
		B:              b,
		StartAt:        req.StartAt.UTC(),
		EndAt:          req.EndAt.UTC(),
		ResolutionDate: req.ResolutionDate,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	outcomes := make([]model.Outcome, len(req.Outcomes))
	for i, name := range req.Outcomes {
		outcomes[i] = model.Outcome{
			ID:       uuid.New().String(),
			MarketID: id,
			Name:     strings.TrimSpace(name),
			Index:    i,
			Quantity: decimal.Zero,
		}
	}
	return m, outcomes, nil
}

// view attaches probabilities and applies due time transitions to the
// returned copy. Nothing is persisted.
func (s *Server) view(m *model.Market, outcomes []model.Outcome) (*MarketView, error) {
	lifecycle.Advance(m, s.ledger.Now())
	mm, err := lmsr.NewMarketMaker(m.B)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeComputationError, "invalid liquidity parameter", err)
	}
	probs, err := mm.Probabilities(model.Quantities(outcomes))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeComputationError, "probabilities", err)
	}
	v := &MarketView{
		Market:   *m,
		Outcomes: make([]OutcomeView, len(outcomes)),
		MaxLoss:  mm.MaxLoss(len(outcomes)),
	}
	for i, o := range outcomes {
		v.Outcomes[i] = OutcomeView{Outcome: o, Probability: probs[i]}
	}
	return v, nil
}

func (s *Server) loadView(ctx context.Context, marketID string) (*MarketView, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, notFound(err, "market", marketID)
	}
	outcomes, err := s.store.GetOutcomes(ctx, marketID)
	if err != nil {
		return nil, err
	}
	return s.view(m, outcomes)
}

// ListMarkets handles GET /api/v1/markets
// Optionally filtered by ?status=open (repeatable).
func (s *Server) ListMarkets(w http.ResponseWriter, r *http.Request) {
	var (
		markets []model.Market
		err     error
	)
	if raw := r.URL.Query()["status"]; len(raw) > 0 {
		statuses := make([]model.MarketStatus, len(raw))
		for i, st := range raw {
			statuses[i] = model.MarketStatus(st)
		}
		markets, err = s.store.ListMarketsByStatus(r.Context(), statuses...)
	} else {
		markets, err = s.store.ListMarkets(r.Context())
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	now := s.ledger.Now()
	for i := range markets {
		lifecycle.Advance(&markets[i], now)
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Server) GetMarket(w http.ResponseWriter, r *http.Request) {
	view, err := s.loadView(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetHistory handles GET /api/v1/markets/{marketID}/history
func (s *Server) GetHistory(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	if _, err := s.store.GetMarket(r.Context(), marketID); err != nil {
		s.writeError(w, r, notFound(err, "market", marketID))
		return
	}
	rows, err := s.store.ListPriceHistory(r.Context(), marketID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []model.PriceHistory{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// GetTransactions handles GET /api/v1/markets/{marketID}/transactions
func (s *Server) GetTransactions(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	if _, err := s.store.GetMarket(r.Context(), marketID); err != nil {
		s.writeError(w, r, notFound(err, "market", marketID))
		return
	}
	txs, err := s.store.ListTransactionsByMarket(r.Context(), marketID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// --- Trading ---

func tradeRequest(r *http.Request, body TradeRequest) trade.Request {
	return trade.Request{
		UserID:    r.Header.Get(UserHeader),
		MarketID:  chi.URLParam(r, "marketID"),
		OutcomeID: body.OutcomeID,
		Action:    body.Action,
		Quantity:  body.Quantity,
	}
}

// Estimate handles POST /api/v1/markets/{marketID}/estimate
// A non-executable trade is still 200; the body says why.
func (s *Server) Estimate(w http.ResponseWriter, r *http.Request) {
	var body TradeRequest
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.exec.Estimate(r.Context(), tradeRequest(r, body))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Trade handles POST /api/v1/markets/{marketID}/trade
func (s *Server) Trade(w http.ResponseWriter, r *http.Request) {
	var body TradeRequest
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.exec.Execute(r.Context(), tradeRequest(r, body))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Quote handles POST /api/v1/markets/{marketID}/quote
func (s *Server) Quote(w http.ResponseWriter, r *http.Request) {
	var body QuoteRequest
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	marketID := chi.URLParam(r, "marketID")
	shares, err := s.exec.SharesForBudget(r.Context(), marketID, body.OutcomeID, body.Budget)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := QuoteResponse{OutcomeID: body.OutcomeID, Budget: body.Budget, Shares: shares}
	if shares.IsPositive() {
		resp.Estimate, err = s.exec.Estimate(r.Context(), trade.Request{
			UserID:    r.Header.Get(UserHeader),
			MarketID:  marketID,
			OutcomeID: body.OutcomeID,
			Action:    model.ActionBuy,
			Quantity:  shares,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Lifecycle and settlement ---

// Publish handles POST /api/v1/markets/{marketID}/publish
func (s *Server) Publish(w http.ResponseWriter, r *http.Request) {
	m, err := s.life.Publish(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Resolve handles POST /api/v1/markets/{marketID}/resolve
func (s *Server) Resolve(w http.ResponseWriter, r *http.Request) {
	var body ResolveRequest
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.OutcomeID == "" {
		s.writeError(w, r, apperr.New(apperr.CodeValidation, "outcome_id is required"))
		return
	}
	res, err := s.settle.Resolve(r.Context(), chi.URLParam(r, "marketID"), body.OutcomeID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Cancel handles POST /api/v1/markets/{marketID}/cancel
func (s *Server) Cancel(w http.ResponseWriter, r *http.Request) {
	res, err := s.settle.Cancel(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Users ---

// CreateUser handles POST /api/v1/users
func (s *Server) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Balance.IsNegative() {
		s.writeError(w, r, apperr.New(apperr.CodeValidation, "balance must not be negative").With("balance", req.Balance))
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	u := &model.User{ID: req.ID, Balance: req.Balance, UpdatedAt: s.ledger.Now()}
	if err := s.store.CreateUser(r.Context(), u); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// GetUser handles GET /api/v1/users/{userID}
func (s *Server) GetUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	u, err := s.store.GetUser(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, notFound(err, "user", userID))
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// GetUserTransactions handles GET /api/v1/users/{userID}/transactions
func (s *Server) GetUserTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if _, err := s.store.GetUser(r.Context(), userID); err != nil {
		s.writeError(w, r, notFound(err, "user", userID))
		return
	}
	txs, err := s.store.ListTransactionsByUser(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// GetPositions handles GET /api/v1/users/{userID}/positions
// Positions are marked at current probabilities. Settled markets carry no
// market value.
func (s *Server) GetPositions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		s.writeError(w, r, notFound(err, "user", userID))
		return
	}
	positions, err := s.store.ListPositionsByUser(ctx, userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	p := Portfolio{
		UserID:        userID,
		Balance:       u.Balance,
		Positions:     make([]PositionView, 0, len(positions)),
		TotalValue:    decimal.Zero,
		TotalCost:     decimal.Zero,
		UnrealizedPnL: decimal.Zero,
	}
	views := make(map[string]*MarketView)
	for _, pos := range positions {
		mv, ok := views[pos.MarketID]
		if !ok {
			mv, err = s.loadView(ctx, pos.MarketID)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			views[pos.MarketID] = mv
		}

		pv := PositionView{Position: pos, MarketStatus: mv.Status, MarketValue: decimal.Zero}
		for _, o := range mv.Outcomes {
			if o.ID == pos.OutcomeID {
				pv.Probability = o.Probability
			}
		}
		if !mv.Status.Terminal() {
			pv.MarketValue = pos.Quantity.Mul(pv.Probability).RoundBank(lmsr.PriceScale)
			pv.UnrealizedPnL = pv.MarketValue.Sub(pos.TotalCost)
			p.TotalValue = p.TotalValue.Add(pv.MarketValue)
			p.TotalCost = p.TotalCost.Add(pos.TotalCost)
			p.UnrealizedPnL = p.UnrealizedPnL.Add(pv.UnrealizedPnL)
		}
		p.Positions = append(p.Positions, pv)
	}
	writeJSON(w, http.StatusOK, p)
}
