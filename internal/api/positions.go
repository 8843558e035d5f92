package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/spread-engine/internal/errs"
	"github.com/atmx/spread-engine/internal/market"
	"github.com/atmx/spread-engine/internal/model"
	"github.com/atmx/spread-engine/internal/venue"
)

// LegRequest is one leg of an open request. A leg names its strike either by
// StrikeID and OptionType or by instrument symbol, e.g. "ETH-20250815-3000-LC".
type LegRequest struct {
	Symbol          string           `json:"symbol,omitempty"`
	StrikeID        uint64           `json:"strike_id,omitempty"`
	OptionType      model.OptionType `json:"option_type"`
	Amount          decimal.Decimal  `json:"amount"`
	VenuePositionID uint64           `json:"venue_position_id,omitempty"`
	MinTotalCost    decimal.Decimal  `json:"min_total_cost"`
	MaxTotalCost    decimal.Decimal  `json:"max_total_cost"`
}

// OpenPositionRequest is the body of POST /api/v1/positions. A non-zero
// PositionID increases that position.
type OpenPositionRequest struct {
	PositionID uint64          `json:"position_id,omitempty"`
	Market     string          `json:"market"`
	Legs       []LegRequest    `json:"legs"`
	MaxCost    decimal.Decimal `json:"max_cost"`
}

// ClosePositionRequest is the body of POST /api/v1/positions/{id}/close.
// Without legs the whole position is closed.
type ClosePositionRequest struct {
	Market string            `json:"market"`
	Legs   []market.CloseLeg `json:"legs"`
}

// ListMarkets handles GET /api/v1/markets
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.market.Markets())
}

// boardLister is implemented by venues that expose their listed boards.
type boardLister interface {
	Boards() []venue.Board
}

// ListBoards handles GET /api/v1/markets/{market}/boards
func (h *Handler) ListBoards(w http.ResponseWriter, r *http.Request) {
	v, err := h.market.Venue(chi.URLParam(r, "market"))
	if err != nil {
		h.fail(w, "list boards", err)
		return
	}
	bl, ok := v.(boardLister)
	if !ok {
		writeError(w, "venue does not list boards", http.StatusNotImplemented)
		return
	}
	writeJSON(w, http.StatusOK, bl.Boards())
}

// GetMarketEvents handles GET /api/v1/markets/{market}/events
func (h *Handler) GetMarketEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := h.store.GetTradeEventsByMarket(r.Context(), chi.URLParam(r, "market"))
	if err != nil {
		h.fail(w, "market events", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(evs))
}

// ListPositionIDs handles GET /api/v1/positions
func (h *Handler) ListPositionIDs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.market.PositionIDs())
}

// GetPosition handles GET /api/v1/positions/{positionID}
// Live positions come from the registry; closed and settled ones from the store.
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "positionID")
	if !ok {
		return
	}
	if pos, err := h.market.Position(id); err == nil {
		writeJSON(w, http.StatusOK, pos)
		return
	}
	pos, err := h.store.GetPosition(r.Context(), id)
	if err != nil {
		h.fail(w, "get position", err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// GetPositionEvents handles GET /api/v1/positions/{positionID}/events
func (h *Handler) GetPositionEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "positionID")
	if !ok {
		return
	}
	evs, err := h.store.GetTradeEventsByPosition(r.Context(), id)
	if err != nil {
		h.fail(w, "position events", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(evs))
}

// GetOwnerPositions handles GET /api/v1/owners/{owner}/positions
func (h *Handler) GetOwnerPositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.market.OwnerPositions(chi.URLParam(r, "owner")))
}

// GetOwnerEvents handles GET /api/v1/owners/{owner}/events
func (h *Handler) GetOwnerEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := h.store.GetTradeEventsByOwner(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		h.fail(w, "owner events", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(evs))
}

// OpenPosition handles POST /api/v1/positions
func (h *Handler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	legs := make([]market.TradeLeg, 0, len(req.Legs))
	for _, l := range req.Legs {
		tl := market.TradeLeg{StrikeID: l.StrikeID, OptionType: l.OptionType, Amount: l.Amount}
		if l.Symbol != "" {
			mkt, resolved, err := h.market.ResolveLeg(ctx, l.Symbol, l.Amount)
			if err != nil {
				h.fail(w, "open", err)
				return
			}
			if req.Market == "" {
				req.Market = mkt
			}
			if mkt != req.Market {
				h.fail(w, "open", fmt.Errorf("%w: leg %s is not on market %s", errs.ErrInvalidInput, l.Symbol, req.Market))
				return
			}
			tl = resolved
		}
		tl.VenuePositionID = l.VenuePositionID
		tl.MinTotalCost = l.MinTotalCost
		tl.MaxTotalCost = l.MaxTotalCost
		legs = append(legs, tl)
	}

	res, err := h.market.OpenPosition(ctx, caller(r), market.PositionRef{PositionID: req.PositionID, Market: req.Market}, legs, req.MaxCost)
	if err != nil {
		h.fail(w, "open", err)
		return
	}
	status := http.StatusCreated
	if req.PositionID != 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// ClosePosition handles POST /api/v1/positions/{positionID}/close
func (h *Handler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "positionID")
	if !ok {
		return
	}
	var req ClosePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Legs) == 0 {
		pos, err := h.market.Position(id)
		if err != nil {
			h.fail(w, "close", err)
			return
		}
		for _, l := range pos.Legs {
			req.Legs = append(req.Legs, market.CloseLeg{VenuePositionID: l.VenuePositionID, Amount: l.Amount})
		}
	}

	res, err := h.market.ClosePosition(r.Context(), caller(r), req.Market, id, req.Legs)
	if err != nil {
		h.fail(w, "close", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SettleOption handles POST /api/v1/positions/{positionID}/settle
func (h *Handler) SettleOption(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "positionID")
	if !ok {
		return
	}
	res, err := h.market.SettleOption(r.Context(), caller(r), id)
	if err != nil {
		h.fail(w, "settle", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func nonNil(evs []model.TradeEvent) []model.TradeEvent {
	if evs == nil {
		return []model.TradeEvent{}
	}
	return evs
}
