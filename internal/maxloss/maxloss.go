// Package maxloss computes the worst-case loss of a multi-leg option position
// at expiry. It is stateless: legs are passed in, the loss is returned.
//
// A spread's terminal payoff is piecewise linear in the settlement price with
// kinks only at the strikes, so the minimum over [0, ∞) is attained at zero,
// at one of the strikes, or at infinity when the slope beyond the highest
// strike is negative. Premiums are fixed cash flows embedded in the payoff:
// paid premiums count against the trader, received premiums in its favour.
//
// All monetary values use shopspring/decimal, never float64.
package maxloss

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/spread-engine/internal/model"
)

var (
	// ErrUnboundedLoss is returned when the position loses without bound as
	// the settlement price rises (net short calls).
	ErrUnboundedLoss = errors.New("maxloss: position has unbounded loss")

	// ErrInvalidLeg is returned for negative strikes, amounts or premiums and
	// unsupported option types.
	ErrInvalidLeg = errors.New("maxloss: invalid leg")
)

// Leg is the calculator's view of one option. Premium is the total amount
// paid or received for the whole leg, not per unit.
type Leg struct {
	StrikePrice decimal.Decimal
	Amount      decimal.Decimal
	Premium     decimal.Decimal
	OptionType  model.OptionType
}

// FromPosition converts position legs into calculator legs.
func FromPosition(legs []model.Leg) []Leg {
	out := make([]Leg, 0, len(legs))
	for _, l := range legs {
		out = append(out, Leg{
			StrikePrice: l.StrikePrice,
			Amount:      l.Amount,
			Premium:     l.Premium,
			OptionType:  l.OptionType,
		})
	}
	return out
}

// Calculate returns max(0, -min payoff) over every terminal price scenario.
func Calculate(legs []Leg) (decimal.Decimal, error) {
	if len(legs) == 0 {
		return decimal.Zero, nil
	}
	for i, l := range legs {
		if err := validate(l); err != nil {
			return decimal.Zero, fmt.Errorf("%w: leg %d: %v", ErrInvalidLeg, i, err)
		}
	}

	if TerminalSlope(legs).IsNegative() {
		return decimal.Zero, ErrUnboundedLoss
	}

	worst := Payoff(legs, decimal.Zero)
	for _, s := range Scenarios(legs) {
		if p := Payoff(legs, s); p.LessThan(worst) {
			worst = p
		}
	}

	if worst.IsNegative() {
		return worst.Neg(), nil
	}
	return decimal.Zero, nil
}

// Payoff returns the net value of the legs, premiums included, if the
// underlying settles at price.
func Payoff(legs []Leg, price decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, l := range legs {
		value := l.Amount.Mul(intrinsic(l.OptionType, l.StrikePrice, price))
		if l.OptionType.IsLong() {
			total = total.Add(value).Sub(l.Premium)
		} else {
			total = total.Add(l.Premium).Sub(value)
		}
	}
	return total
}

// TerminalSlope is d(payoff)/d(price) above the highest strike: long calls
// add their amount, short calls subtract it, puts are worthless there.
func TerminalSlope(legs []Leg) decimal.Decimal {
	slope := decimal.Zero
	for _, l := range legs {
		switch l.OptionType {
		case model.LongCall:
			slope = slope.Add(l.Amount)
		case model.ShortCall:
			slope = slope.Sub(l.Amount)
		}
	}
	return slope
}

// Scenarios returns the distinct strikes of legs in ascending order.
func Scenarios(legs []Leg) []decimal.Decimal {
	seen := make(map[string]bool, len(legs))
	var out []decimal.Decimal
	for _, l := range legs {
		key := l.StrikePrice.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, l.StrikePrice)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LessThan(out[j]) })
	return out
}

func intrinsic(t model.OptionType, strike, price decimal.Decimal) decimal.Decimal {
	var v decimal.Decimal
	if t.IsCall() {
		v = price.Sub(strike)
	} else {
		v = strike.Sub(price)
	}
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

func validate(l Leg) error {
	switch {
	case !l.OptionType.Valid():
		return fmt.Errorf("unsupported option type %d", int(l.OptionType))
	case l.StrikePrice.IsNegative():
		return errors.New("negative strike")
	case l.Amount.IsNegative():
		return errors.New("negative amount")
	case l.Premium.IsNegative():
		return errors.New("negative premium")
	}
	return nil
}
