package domain

import (
	"errors"
	"fmt"
)

// ErrCurrencyMismatch is returned when arithmetic is attempted between two
// Money values of different currencies. It indicates a programming error
// upstream, not a business condition: amounts must be converted explicitly
// before they can be combined.
var ErrCurrencyMismatch = errors.New("currency mismatch")

// Money is an immutable amount in a single currency, held as an integer count
// of minor units (cents, sen, ...). It is never constructed from a float;
// display formatting and conversion live in the fx package.
type Money struct {
	MinorUnits int64  `json:"minor_units"`
	Currency   string `json:"currency"`
}

func NewMoney(minorUnits int64, currency string) Money {
	return Money{MinorUnits: minorUnits, Currency: currency}
}

func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s + %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return Money{MinorUnits: m.MinorUnits + other.MinorUnits, Currency: m.Currency}, nil
}

func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s - %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return Money{MinorUnits: m.MinorUnits - other.MinorUnits, Currency: m.Currency}, nil
}

func (m Money) Neg() Money {
	return Money{MinorUnits: -m.MinorUnits, Currency: m.Currency}
}

func (m Money) IsZero() bool {
	return m.MinorUnits == 0
}

func (m Money) IsNegative() bool {
	return m.MinorUnits < 0
}

// String is a debug representation; user-facing output goes through
// fx.Service.Format which knows the currency's minor-unit digits.
func (m Money) String() string {
	return fmt.Sprintf("%d %s", m.MinorUnits, m.Currency)
}
