package api

import (
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/atmx/spread-engine/internal/model"
)

// DepositRequest is the body of POST /api/v1/pool/deposit. An empty
// beneficiary deposits for the caller.
type DepositRequest struct {
	Beneficiary string          `json:"beneficiary"`
	Amount      decimal.Decimal `json:"amount"`
}

// WithdrawRequest is the body of POST /api/v1/pool/withdraw.
type WithdrawRequest struct {
	Beneficiary string          `json:"beneficiary"`
	Shares      decimal.Decimal `json:"shares"`
}

// GetPoolState handles GET /api/v1/pool
func (h *Handler) GetPoolState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.State())
}

// GetTokenPrice handles GET /api/v1/pool/price
func (h *Handler) GetTokenPrice(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"token_price": h.pool.GetTokenPrice()})
}

// GetWithdrawalQueue handles GET /api/v1/pool/queue
func (h *Handler) GetWithdrawalQueue(w http.ResponseWriter, r *http.Request) {
	pending := h.pool.PendingWithdrawals()
	if pending == nil {
		pending = []model.QueuedWithdrawal{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"head":    h.pool.QueuedWithdrawalHead(),
		"pending": pending,
	})
}

// GetPoolSnapshots handles GET /api/v1/pool/snapshots?limit=N
func (h *Handler) GetPoolSnapshots(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	snaps, err := h.store.ListPoolSnapshots(r.Context(), limit)
	if err != nil {
		h.fail(w, "pool snapshots", err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

// Deposit handles POST /api/v1/pool/deposit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !decode(w, r, &req) {
		return
	}
	depositor := caller(r)
	if req.Beneficiary == "" {
		req.Beneficiary = depositor
	}

	shares, err := h.market.Deposit(r.Context(), depositor, req.Beneficiary, req.Amount)
	if err != nil {
		h.fail(w, "deposit", err)
		return
	}
	h.logger.Infow("deposit",
		"depositor", depositor,
		"beneficiary", req.Beneficiary,
		"amount", req.Amount.String(),
		"shares", shares.String(),
	)
	writeJSON(w, http.StatusCreated, map[string]any{
		"beneficiary": req.Beneficiary,
		"shares":      shares,
		"token_price": h.pool.GetTokenPrice(),
	})
}

// Withdraw handles POST /api/v1/pool/withdraw
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if !decode(w, r, &req) {
		return
	}
	owner := caller(r)
	if req.Beneficiary == "" {
		req.Beneficiary = owner
	}

	res, err := h.market.Withdraw(r.Context(), owner, req.Beneficiary, req.Shares)
	if err != nil {
		h.fail(w, "withdraw", err)
		return
	}
	h.logger.Infow("withdraw",
		"owner", owner,
		"beneficiary", req.Beneficiary,
		"shares", req.Shares.String(),
		"queued", res.Queued,
		"paid", res.Paid.String(),
	)

	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// ProcessWithdrawal handles POST /api/v1/pool/queue/{id}/process
func (h *Handler) ProcessWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "id")
	if !ok {
		return
	}
	qw, err := h.market.ProcessWithdrawal(r.Context(), caller(r), id)
	if err != nil {
		h.fail(w, "process withdrawal", err)
		return
	}
	h.logger.Infow("withdrawal processed",
		"id", qw.ID,
		"beneficiary", qw.Beneficiary,
		"paid", qw.QuotePaid.String(),
	)
	writeJSON(w, http.StatusOK, qw)
}

// SetPoolParameters handles PUT /api/v1/pool/parameters
func (h *Handler) SetPoolParameters(w http.ResponseWriter, r *http.Request) {
	var params model.PoolParameters
	if !decode(w, r, &params) {
		return
	}
	if err := h.market.SetPoolParameters(r.Context(), caller(r), params); err != nil {
		h.fail(w, "set pool parameters", err)
		return
	}
	h.logger.Infow("pool parameters updated", "admin", caller(r))
	writeJSON(w, http.StatusOK, h.pool.Parameters())
}

// SetCircuitBreakerParameters handles PUT /api/v1/pool/circuit-breaker
func (h *Handler) SetCircuitBreakerParameters(w http.ResponseWriter, r *http.Request) {
	var cb model.CircuitBreakerParameters
	if !decode(w, r, &cb) {
		return
	}
	if err := h.market.SetCircuitBreakerParameters(r.Context(), caller(r), cb); err != nil {
		h.fail(w, "set circuit breaker parameters", err)
		return
	}
	h.logger.Infow("circuit breaker parameters updated", "admin", caller(r))
	writeJSON(w, http.StatusOK, h.pool.CircuitBreakerParameters())
}
