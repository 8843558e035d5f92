// Package instrument handles option leg symbol parsing and formatting.
//
// A symbol names one listed option leg by market, expiry date, strike and
// option type, so API callers need not know venue strike ids:
//
//	ETH-20250815-3000-LC     long call
//	ETH-20250815-2750.5-SP   short put
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/spread-engine/internal/errs"
	"github.com/atmx/spread-engine/internal/model"
)

// symbolRegex matches: {market}-{YYYYMMDD}-{strike}-{LC|LP|SC|SP}
var symbolRegex = regexp.MustCompile(
	`^([A-Z][A-Z0-9]*)-(\d{8})-(\d+(?:\.\d+)?)-(LC|LP|SC|SP)$`,
)

var typeCodes = map[string]model.OptionType{
	"LC": model.LongCall,
	"LP": model.LongPut,
	"SC": model.ShortCall,
	"SP": model.ShortPut,
}

var (
	ErrInvalidSymbol = fmt.Errorf("%w: instrument: invalid symbol format", errs.ErrInvalidInput)
	ErrInvalidStrike = fmt.Errorf("%w: instrument: strike must be positive", errs.ErrInvalidInput)
)

// Symbol is a parsed option leg symbol.
type Symbol struct {
	Raw        string           `json:"symbol"`
	Market     string           `json:"market"`
	Expiry     time.Time        `json:"expiry"`
	Strike     decimal.Decimal  `json:"strike"`
	OptionType model.OptionType `json:"option_type"`
}

// ParseSymbol parses and validates a leg symbol. Parsing is case-insensitive;
// the market key is returned upper-cased.
// Format: {market}-{YYYYMMDD}-{strike}-{LC|LP|SC|SP}
func ParseSymbol(symbol string) (*Symbol, error) {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	matches := symbolRegex.FindStringSubmatch(normalized)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {market}-{YYYYMMDD}-{strike}-{LC|LP|SC|SP})",
			ErrInvalidSymbol, symbol)
	}

	expiry, err := time.Parse("20060102", matches[2])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidSymbol, matches[2])
	}
	strike, err := decimal.NewFromString(matches[3])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid strike %s", ErrInvalidSymbol, matches[3])
	}
	if !strike.IsPositive() {
		return nil, ErrInvalidStrike
	}

	return &Symbol{
		Raw:        normalized,
		Market:     matches[1],
		Expiry:     expiry,
		Strike:     strike,
		OptionType: typeCodes[matches[4]],
	}, nil
}

// Format builds the symbol of a leg.
func Format(market string, expiry time.Time, strike decimal.Decimal, t model.OptionType) (string, error) {
	for code, ot := range typeCodes {
		if ot == t {
			return fmt.Sprintf("%s-%s-%s-%s", strings.ToUpper(market), expiry.UTC().Format("20060102"), strike.String(), code), nil
		}
	}
	return "", errors.New("instrument: unsupported option type " + t.String())
}
