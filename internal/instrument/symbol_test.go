package instrument

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/spread-engine/internal/errs"
	"github.com/atmx/spread-engine/internal/model"
)

func TestParseSymbol_Valid(t *testing.T) {
	s, err := ParseSymbol("ETH-20250815-3000-LC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Market != "ETH" {
		t.Errorf("expected market=ETH, got %s", s.Market)
	}
	if !s.Expiry.Equal(time.Date(2025, 8, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("expected expiry 2025-08-15, got %s", s.Expiry)
	}
	if !s.Strike.Equal(decimal.NewFromInt(3000)) {
		t.Errorf("expected strike=3000, got %s", s.Strike)
	}
	if s.OptionType != model.LongCall {
		t.Errorf("expected LONG_CALL, got %s", s.OptionType)
	}
}

func TestParseSymbol_AllTypes(t *testing.T) {
	tests := map[string]model.OptionType{
		"BTC-20251226-60000-LC":   model.LongCall,
		"BTC-20251226-60000-LP":   model.LongPut,
		"BTC-20251226-60000-SC":   model.ShortCall,
		"btc-20251226-60000.5-sp": model.ShortPut,
	}
	for sym, want := range tests {
		s, err := ParseSymbol(sym)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", sym, err)
			continue
		}
		if s.OptionType != want {
			t.Errorf("%s: expected %s, got %s", sym, want, s.OptionType)
		}
	}
}

func TestParseSymbol_Invalid(t *testing.T) {
	invalid := []string{
		"",
		"ETH-3000-LC",
		"ETH-20250815-3000",
		"ETH-20250815-3000-XX",
		"ETH-2025081-3000-LC",
		"ETH-20251341-3000-LC", // invalid date
		"ETH-20250815--3000-LC",
	}
	for _, sym := range invalid {
		_, err := ParseSymbol(sym)
		if !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("%q: expected ErrInvalidSymbol, got %v", sym, err)
		}
		if !errors.Is(err, errs.ErrInvalidInput) {
			t.Errorf("%q: expected invalid input kind, got %v", sym, err)
		}
	}

	if _, err := ParseSymbol("ETH-20250815-0-LC"); !errors.Is(err, ErrInvalidStrike) {
		t.Errorf("expected ErrInvalidStrike, got %v", err)
	}
}

func TestFormat_RoundTrip(t *testing.T) {
	expiry := time.Date(2025, 8, 15, 8, 0, 0, 0, time.UTC)
	sym, err := Format("eth", expiry, decimal.RequireFromString("2750.5"), model.ShortPut)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sym != "ETH-20250815-2750.5-SP" {
		t.Errorf("unexpected symbol %s", sym)
	}
	if _, err := ParseSymbol(sym); err != nil {
		t.Errorf("formatted symbol does not parse: %v", err)
	}

	if _, err := Format("ETH", expiry, decimal.NewFromInt(1), model.OptionType(2)); err == nil {
		t.Error("expected error for unsupported option type")
	}
}
