// Package errs defines the error kinds shared by every component of the
// spread engine. Components declare their own sentinel errors that wrap one
// of these kinds, so callers can match either the specific condition or the
// broader kind with errors.Is.
package errs

import (
	"errors"
	"net/http"
)

var (
	// ErrAuthorization: the caller lacks the capability required for the call
	// (not the market, not the position owner, not the admin).
	ErrAuthorization = errors.New("authorization error")

	// ErrInsufficientLiquidity: a lock, payout or transfer exceeds available funds.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")

	// ErrBelowMinimum: a deposit or withdrawal is under the configured floor.
	ErrBelowMinimum = errors.New("below minimum")

	// ErrInvalidStateTransition: the operation is not valid for the current state
	// of the position, queue or board.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrCollateralShortfall: the collateral requirement exceeds what the caller allowed.
	ErrCollateralShortfall = errors.New("collateral shortfall")

	// ErrExternalVenue: the pricing venue failed or returned an inconsistent result.
	ErrExternalVenue = errors.New("external venue error")

	// ErrInvalidInput: malformed request parameters.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound: the referenced entity does not exist.
	ErrNotFound = errors.New("not found")
)

var kinds = []struct {
	err    error
	code   string
	status int
}{
	{ErrAuthorization, "authorization", http.StatusForbidden},
	{ErrInsufficientLiquidity, "insufficient_liquidity", http.StatusConflict},
	{ErrBelowMinimum, "below_minimum", http.StatusBadRequest},
	{ErrInvalidStateTransition, "invalid_state_transition", http.StatusConflict},
	{ErrCollateralShortfall, "collateral_shortfall", http.StatusUnprocessableEntity},
	{ErrExternalVenue, "external_venue", http.StatusBadGateway},
	{ErrInvalidInput, "invalid_input", http.StatusBadRequest},
	{ErrNotFound, "not_found", http.StatusNotFound},
}

// Kind returns the stable code of the error kind wrapped by err, or
// "internal" when err carries none.
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return "internal"
}

// HTTPStatus maps err to the HTTP status the API responds with.
func HTTPStatus(err error) int {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}
