package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Settings is the read-only configuration snapshot an operation runs against.
// PivotRate is the number of LocalCurrency units per one PivotCurrency unit.
type Settings struct {
	PivotCurrency   string          `json:"pivot_currency"`
	LocalCurrency   string          `json:"local_currency"`
	PivotRate       decimal.Decimal `json:"pivot_rate"`
	DefaultCurrency string          `json:"default_currency"`
	Timezone        string          `json:"timezone"`
}

// Location resolves the configured timezone, falling back to UTC when unset.
func (s Settings) Location() (*time.Location, error) {
	if strings.TrimSpace(s.Timezone) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrConfigurationMissing, s.Timezone, err)
	}
	return loc, nil
}

// Normalizer returns the currency converter for this snapshot.
func (s Settings) Normalizer() Normalizer {
	return Normalizer{
		pivot: strings.ToUpper(strings.TrimSpace(s.PivotCurrency)),
		local: strings.ToUpper(strings.TrimSpace(s.LocalCurrency)),
		rate:  s.PivotRate,
	}
}

// Normalizer converts between the configured local currency and the pivot currency
// using a single rate. It is a value type and has no side effects.
type Normalizer struct {
	pivot string
	local string
	rate  decimal.Decimal
}

// Pivot returns the internal currency code.
func (n Normalizer) Pivot() string { return n.pivot }

// Rate returns the rate this normalizer converts with.
func (n Normalizer) Rate() decimal.Decimal { return n.rate }

// Normalize converts amount expressed in currency into the pivot currency.
func (n Normalizer) Normalize(amount decimal.Decimal, currency string) (decimal.Decimal, error) {
	_, rate, err := n.RateFor(currency)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return ToPivot(amount, rate), nil
}

// RateFor resolves currency (empty means pivot) and returns its canonical code with
// the rate that converts it to pivot. The pivot currency converts at exactly one.
func (n Normalizer) RateFor(currency string) (string, decimal.Decimal, error) {
	code, err := n.resolve(currency)
	if err != nil {
		return "", decimal.Decimal{}, err
	}
	if code == n.pivot {
		return code, decimal.NewFromInt(1), nil
	}
	if !n.rate.IsPositive() {
		return "", decimal.Decimal{}, fmt.Errorf("%w: no %s/%s rate configured", ErrConfigurationMissing, n.pivot, code)
	}
	return code, n.rate, nil
}

// ToPivot divides amount by the applied rate. It is the single conversion used both
// when an entry is recorded and when it is reversed, so both sides agree exactly.
func ToPivot(amount, rate decimal.Decimal) decimal.Decimal {
	if rate.Equal(decimal.NewFromInt(1)) {
		return amount
	}
	return amount.Div(rate)
}

// Denormalize converts a pivot amount into currency, rounded to that currency's
// minor units.
func (n Normalizer) Denormalize(pivotAmount decimal.Decimal, currency string) (decimal.Decimal, error) {
	code, err := n.resolve(currency)
	if err != nil {
		return decimal.Decimal{}, err
	}
	out := pivotAmount
	if code != n.pivot {
		if !n.rate.IsPositive() {
			return decimal.Decimal{}, fmt.Errorf("%w: no %s/%s rate configured", ErrConfigurationMissing, n.pivot, code)
		}
		out = pivotAmount.Mul(n.rate)
	}
	return out.Round(int32(minorUnits(code))), nil
}

func (n Normalizer) resolve(currency string) (string, error) {
	if n.pivot == "" {
		return "", fmt.Errorf("%w: pivot currency is not set", ErrConfigurationMissing)
	}
	code := strings.ToUpper(strings.TrimSpace(currency))
	if code == "" {
		return n.pivot, nil
	}
	if !KnownCurrency(code) {
		return "", fmt.Errorf("%w: unknown currency %q", ErrValidation, currency)
	}
	if code != n.pivot && code != n.local {
		return "", fmt.Errorf("%w: unsupported currency %s", ErrValidation, code)
	}
	return code, nil
}

// KnownCurrency reports whether code is an ISO 4217 code.
func KnownCurrency(code string) bool {
	return money.GetCurrency(strings.ToUpper(code)) != nil
}

func minorUnits(code string) int {
	if cur := money.GetCurrency(code); cur != nil {
		return cur.Fraction
	}
	return 2
}
