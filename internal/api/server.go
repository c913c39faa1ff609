// Package api is the HTTP surface of the engine. Handlers decode requests,
// call the trade, lifecycle and settlement components and render their
// results or *apperr.Error values as JSON. Identity comes from the
// X-User-ID header set by the calling layer.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/crowdodds/market-engine/internal/apperr"
	"github.com/crowdodds/market-engine/internal/ledger"
	"github.com/crowdodds/market-engine/internal/lifecycle"
	"github.com/crowdodds/market-engine/internal/metrics"
	"github.com/crowdodds/market-engine/internal/settlement"
	"github.com/crowdodds/market-engine/internal/store"
	"github.com/crowdodds/market-engine/internal/trade"
)

// UserHeader carries the authenticated user id.
const UserHeader = "X-User-ID"

const (
	requestTimeout = 30 * time.Second
	maxBodyBytes   = 1 << 20
)

// Deps are the components the HTTP surface calls into.
type Deps struct {
	Ledger     *ledger.Ledger
	Executor   *trade.Executor
	Lifecycle  *lifecycle.Manager
	Settlement *settlement.Engine
	// WebSocket serves GET /api/v1/ws. Nil disables the route.
	WebSocket http.HandlerFunc
	Logger    *slog.Logger
}

// Server holds the handlers.
type Server struct {
	ledger *ledger.Ledger
	store  store.Store
	exec   *trade.Executor
	life   *lifecycle.Manager
	settle *settlement.Engine
	ws     http.HandlerFunc
	logger *slog.Logger
}

// NewServer creates a Server from its dependencies.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		ledger: d.Ledger,
		store:  d.Ledger.Store(),
		exec:   d.Executor,
		life:   d.Lifecycle,
		settle: d.Settlement,
		ws:     d.WebSocket,
		logger: logger.With("component", "api"),
	}
}

// Handler returns the full router with middleware, CORS, health and metrics.
func (s *Server) Handler(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", UserHeader},
	}).Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "market-engine"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Long-lived, so outside the request timeout.
		if s.ws != nil {
			r.Get("/ws", s.ws)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))
			s.routes(r)
		})
	})
	return r
}

func (s *Server) routes(r chi.Router) {
	r.Get("/markets", s.ListMarkets)
	r.Post("/markets", s.CreateMarket)
	r.Route("/markets/{marketID}", func(r chi.Router) {
		r.Get("/", s.GetMarket)
		r.Get("/history", s.GetHistory)
		r.Get("/transactions", s.GetTransactions)

		r.Post("/estimate", s.Estimate)
		r.Post("/trade", s.Trade)
		r.Post("/quote", s.Quote)

		r.Post("/publish", s.Publish)
		r.Post("/resolve", s.Resolve)
		r.Post("/cancel", s.Cancel)
	})

	r.Post("/users", s.CreateUser)
	r.Get("/users/{userID}", s.GetUser)
	r.Get("/users/{userID}/positions", s.GetPositions)
	r.Get("/users/{userID}/transactions", s.GetUserTransactions)
}

// --- rendering ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// internalCode is rendered for failures that carry no engine code.
const internalCode apperr.Code = "INTERNAL_ERROR"

// writeError renders err as {error_code, message, details}. Errors without
// an engine code are logged and reported as INTERNAL_ERROR.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if ae, ok := apperr.As(err); ok {
		writeJSON(w, apperr.HTTPStatus(ae.Code), ae)
		return
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, apperr.New(apperr.CodeNotFound, "not found"))
		return
	case errors.Is(err, store.ErrExists):
		writeJSON(w, http.StatusConflict, apperr.New(apperr.CodeValidation, "already exists"))
		return
	}
	s.logger.Error("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
		"err", err,
	)
	writeJSON(w, http.StatusInternalServerError, &apperr.Error{Code: internalCode, Message: "internal error"})
}

// notFound turns a store miss into a NOT_FOUND naming what was missing.
func notFound(err error, kind, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.Newf(apperr.CodeNotFound, "%s %s not found", kind, id)
	}
	return err
}

// decode reads a JSON body into dst.
func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "invalid request body", err)
	}
	return nil
}
