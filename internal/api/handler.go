// Package api exposes the pool and the spread option market over HTTP and
// streams committed events over WebSocket.
//
// The caller's identity is taken from the X-Account header. Authentication
// is out of scope: a gateway in front of the engine is expected to set it.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/spread-engine/internal/asset"
	"github.com/atmx/spread-engine/internal/errs"
	"github.com/atmx/spread-engine/internal/events"
	"github.com/atmx/spread-engine/internal/market"
	"github.com/atmx/spread-engine/internal/metrics"
	"github.com/atmx/spread-engine/internal/pool"
	"github.com/atmx/spread-engine/internal/store"
)

// AccountHeader carries the caller's account.
const AccountHeader = "X-Account"

// Handler serves the engine's HTTP API.
type Handler struct {
	market *market.Service
	pool   *pool.Pool
	ledger *asset.Ledger
	store  store.Store
	hub    *events.WSHub
	faucet decimal.Decimal
	rate   *accountLimiter
	logger *zap.SugaredLogger
}

// Option configures a Handler.
type Option func(*Handler)

// WithHub serves the WebSocket event stream at /api/v1/ws.
func WithHub(hub *events.WSHub) Option {
	return func(h *Handler) { h.hub = hub }
}

// WithFaucet enables POST /api/v1/faucet, minting amount to the caller.
func WithFaucet(amount decimal.Decimal) Option {
	return func(h *Handler) { h.faucet = amount }
}

// WithRateLimit caps mutating requests at requestsPerMinute per account.
// Zero disables the limit.
func WithRateLimit(requestsPerMinute int) Option {
	return func(h *Handler) {
		if requestsPerMinute > 0 {
			h.rate = newAccountLimiter(requestsPerMinute)
		}
	}
}

// WithLogger sets the handler's logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// New creates the API handler.
func New(m *market.Service, p *pool.Pool, ledger *asset.Ledger, st store.Store, opts ...Option) *Handler {
	h := &Handler{
		market: m,
		pool:   p,
		ledger: ledger,
		store:  st,
		logger: zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Routes returns the router with every endpoint mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+AccountHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "spread-engine"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if h.hub != nil {
			r.Get("/ws", h.hub.HandleWS)
		}

		// Bounded time for everything but the WebSocket stream.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/accounts/{account}", h.GetAccount)
			r.Get("/pool", h.GetPoolState)
			r.Get("/pool/price", h.GetTokenPrice)
			r.Get("/pool/queue", h.GetWithdrawalQueue)
			r.Get("/pool/snapshots", h.GetPoolSnapshots)
			r.Get("/markets", h.ListMarkets)
			r.Get("/markets/{market}/boards", h.ListBoards)
			r.Get("/markets/{market}/events", h.GetMarketEvents)
			r.Get("/positions", h.ListPositionIDs)
			r.Get("/positions/{positionID}", h.GetPosition)
			r.Get("/positions/{positionID}/events", h.GetPositionEvents)
			r.Get("/owners/{owner}/positions", h.GetOwnerPositions)
			r.Get("/owners/{owner}/events", h.GetOwnerEvents)

			r.Group(func(r chi.Router) {
				r.Use(requireAccount)
				if h.rate != nil {
					r.Use(h.rate.middleware)
				}

				if h.faucet.IsPositive() {
					r.Post("/faucet", h.Faucet)
				}
				r.Post("/pool/deposit", h.Deposit)
				r.Post("/pool/withdraw", h.Withdraw)
				r.Post("/pool/queue/{id}/process", h.ProcessWithdrawal)
				r.Put("/pool/parameters", h.SetPoolParameters)
				r.Put("/pool/circuit-breaker", h.SetCircuitBreakerParameters)
				r.Post("/positions", h.OpenPosition)
				r.Post("/positions/{positionID}/close", h.ClosePosition)
				r.Post("/positions/{positionID}/settle", h.SettleOption)
			})
		})
	})
	return r
}

// requireAccount rejects requests without a caller account.
func requireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(AccountHeader) == "" {
			writeError(w, AccountHeader+" header is required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func caller(r *http.Request) string {
	return r.Header.Get(AccountHeader)
}

// GetAccount handles GET /api/v1/accounts/{account}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	writeJSON(w, http.StatusOK, map[string]any{
		"account":     account,
		"balance":     h.ledger.BalanceOf(account),
		"pool_shares": h.pool.BalanceOf(account),
		"symbol":      h.ledger.Symbol(),
	})
}

// Faucet handles POST /api/v1/faucet
func (h *Handler) Faucet(w http.ResponseWriter, r *http.Request) {
	account := caller(r)
	if err := h.ledger.Mint(r.Context(), account, h.faucet); err != nil {
		h.fail(w, "faucet", err)
		return
	}
	h.logger.Infow("faucet", "account", account, "amount", h.faucet.String())
	writeJSON(w, http.StatusOK, map[string]any{"account": account, "balance": h.ledger.BalanceOf(account)})
}

// fail logs a rejected operation and writes its error.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError && !errors.Is(err, errs.ErrExternalVenue) {
		h.logger.Errorw("operation failed", "op", op, "error", err)
	} else {
		h.logger.Warnw("operation rejected", "op", op, "kind", errs.Kind(err), "error", err)
	}
	writeKindError(w, err, status)
}

func statusOf(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	return errs.HTTPStatus(err)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func uintParam(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil || v == 0 {
		writeError(w, "invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeKindError(w http.ResponseWriter, err error, status int) {
	kind := errs.Kind(err)
	if errors.Is(err, store.ErrNotFound) {
		kind = "not_found"
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": kind})
}
