package venue

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// PriceScale is the number of decimal places premiums are rounded to.
var PriceScale int32 = 8

// PriceInput is everything a Pricer may use to price one unit of an option.
type PriceInput struct {
	StrikeID    uint64
	Spot        decimal.Decimal
	Strike      decimal.Decimal
	UntilExpiry time.Duration
	Vol         decimal.Decimal
	Rate        decimal.Decimal
	IsCall      bool
}

// Pricer returns the per-unit premium of an option.
type Pricer interface {
	Price(in PriceInput) decimal.Decimal
}

// PricerFunc adapts a function to Pricer.
type PricerFunc func(in PriceInput) decimal.Decimal

// Price implements Pricer.
func (f PricerFunc) Price(in PriceInput) decimal.Decimal { return f(in) }

// BlackScholes prices European options with the Black-Scholes formula.
// Transcendental math runs in float64 and is converted to decimal at once.
type BlackScholes struct{}

const secondsPerYear = 31536000.0

// Price implements Pricer. At or after expiry it returns intrinsic value.
func (BlackScholes) Price(in PriceInput) decimal.Decimal {
	s := in.Spot.InexactFloat64()
	k := in.Strike.InexactFloat64()
	sigma := in.Vol.InexactFloat64()
	r := in.Rate.InexactFloat64()
	t := in.UntilExpiry.Seconds() / secondsPerYear

	if t <= 0 || sigma <= 0 || s <= 0 || k <= 0 {
		var v float64
		if in.IsCall {
			v = math.Max(s-k, 0)
		} else {
			v = math.Max(k-s, 0)
		}
		return decimal.NewFromFloat(v).Round(PriceScale)
	}

	sqrtT := math.Sqrt(t)
	d1 := (math.Log(s/k) + (r+sigma*sigma/2)*t) / (sigma * sqrtT)
	d2 := d1 - sigma*sqrtT
	discount := math.Exp(-r * t)

	var v float64
	if in.IsCall {
		v = s*normCDF(d1) - k*discount*normCDF(d2)
	} else {
		v = k*discount*normCDF(-d2) - s*normCDF(-d1)
	}
	if v < 0 {
		v = 0
	}
	return decimal.NewFromFloat(v).Round(PriceScale)
}

func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}
