// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package amount implements currency-tagged fixed-point monetary values.
//
// An amount is a currency string plus an integer value and a fractional part
// counted in units of 1e-8. Arithmetic never wraps silently: overflow and
// underflow are explicit outcomes that callers branch on.
package amount

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// FractionBase is the number of fractional units per currency unit.
	FractionBase = 100_000_000
	// MaxValue is the largest integer part that can be transferred on the wire.
	// Bounded so that amounts survive a float64 roundtrip in JSON tooling.
	MaxValue = (1 << 52) - 1
	// MaxFractionDigits is the number of decimal digits of the fractional part.
	MaxFractionDigits = 8
	// MaxCurrencyLen is the longest accepted currency code.
	MaxCurrencyLen = 11
)

var (
	// ErrOverflow indicates the result of an operation exceeds MaxValue.
	ErrOverflow = errors.New("amount overflow")
	// ErrCurrencyMismatch indicates two amounts with different currencies were combined.
	ErrCurrencyMismatch = errors.New("currency mismatch")
	// ErrInvalidAmount indicates a string that does not parse as CURRENCY:VALUE[.FRACTION].
	ErrInvalidAmount = errors.New("invalid amount")
)

// Amount is a monetary value of a single currency.
//
// The zero Amount is not valid; it has no currency. Valid amounts are
// normalized: Fraction is always below FractionBase.
type Amount struct {
	Currency string
	Value    uint64
	Fraction uint32
}

// New returns a normalized amount, or ErrOverflow if it is out of range.
func New(currency string, value uint64, fraction uint32) (Amount, error) {
	a := Amount{
		Currency: currency,
		Value:    value + uint64(fraction)/FractionBase,
		Fraction: fraction % FractionBase,
	}
	if a.Value > MaxValue {
		return Amount{}, ErrOverflow
	}
	if currency == "" || len(currency) > MaxCurrencyLen {
		return Amount{}, fmt.Errorf("%w: bad currency %q", ErrInvalidAmount, currency)
	}
	return a, nil
}

// MustParse parses the amount or panics. For tests and hardcoded configuration only.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Parse parses an amount in the form CURRENCY:VALUE[.FRACTION], e.g. "EUR:5.01".
func Parse(s string) (Amount, error) {
	currency, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Amount{}, fmt.Errorf("%w: missing ':' in %q", ErrInvalidAmount, s)
	}
	if currency == "" || len(currency) > MaxCurrencyLen {
		return Amount{}, fmt.Errorf("%w: bad currency in %q", ErrInvalidAmount, s)
	}

	valuePart, fracPart, hasFrac := strings.Cut(rest, ".")
	value, err := strconv.ParseUint(valuePart, 10, 64)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: bad value in %q", ErrInvalidAmount, s)
	}
	if value > MaxValue {
		return Amount{}, ErrOverflow
	}

	var fraction uint32
	if hasFrac {
		if fracPart == "" || len(fracPart) > MaxFractionDigits {
			return Amount{}, fmt.Errorf("%w: bad fraction in %q", ErrInvalidAmount, s)
		}
		digits, err := strconv.ParseUint(fracPart, 10, 32)
		if err != nil {
			return Amount{}, fmt.Errorf("%w: bad fraction in %q", ErrInvalidAmount, s)
		}
		// scale e.g. "01" to 1_000_000 fractional units.
		for i := len(fracPart); i < MaxFractionDigits; i++ {
			digits *= 10
		}
		fraction = uint32(digits)
	}

	return Amount{Currency: currency, Value: value, Fraction: fraction}, nil
}

// String renders the amount in the same form accepted by Parse.
func (a Amount) String() string {
	if a.Fraction == 0 {
		return fmt.Sprintf("%s:%d", a.Currency, a.Value)
	}
	frac := strconv.FormatUint(uint64(a.Fraction)+FractionBase, 10)[1:]
	frac = strings.TrimRight(frac, "0")
	return fmt.Sprintf("%s:%d.%s", a.Currency, a.Value, frac)
}

// MarshalJSON encodes the amount as its string form.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(a.String())), nil
}

// UnmarshalJSON decodes an amount from its string form.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return fmt.Errorf("%w: not a JSON string", ErrInvalidAmount)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// SameCurrency reports whether both amounts share a currency.
func (a Amount) SameCurrency(b Amount) bool {
	return a.Currency == b.Currency
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.Value == 0 && a.Fraction == 0
}

// Zero returns the zero amount of the same currency.
func (a Amount) Zero() Amount {
	return Amount{Currency: a.Currency}
}

// Add returns a+b, or ErrOverflow when the sum exceeds MaxValue.
func (a Amount) Add(b Amount) (Amount, error) {
	if !a.SameCurrency(b) {
		return Amount{}, fmt.Errorf("%w: %s + %s", ErrCurrencyMismatch, a.Currency, b.Currency)
	}

	fraction := uint64(a.Fraction) + uint64(b.Fraction)
	value := a.Value + b.Value + fraction/FractionBase
	if value < a.Value || value > MaxValue {
		return Amount{}, ErrOverflow
	}

	return Amount{
		Currency: a.Currency,
		Value:    value,
		Fraction: uint32(fraction % FractionBase),
	}, nil
}

// SubtractResult classifies the outcome of a subtraction.
type SubtractResult int

const (
	// SubtractNegative indicates b > a; the returned amount is invalid.
	SubtractNegative SubtractResult = iota - 1
	// SubtractZero indicates a == b.
	SubtractZero
	// SubtractPositive indicates a > b and the returned amount is valid.
	SubtractPositive
)

// Subtract returns a-b together with an explicit outcome. A negative result
// is reported as SubtractNegative instead of wrapping.
func (a Amount) Subtract(b Amount) (Amount, SubtractResult, error) {
	if !a.SameCurrency(b) {
		return Amount{}, SubtractNegative, fmt.Errorf("%w: %s - %s", ErrCurrencyMismatch, a.Currency, b.Currency)
	}

	value, fraction := a.Value, a.Fraction
	if fraction < b.Fraction {
		if value == 0 {
			return Amount{}, SubtractNegative, nil
		}
		value--
		fraction += FractionBase
	}
	if value < b.Value {
		return Amount{}, SubtractNegative, nil
	}

	result := Amount{
		Currency: a.Currency,
		Value:    value - b.Value,
		Fraction: fraction - b.Fraction,
	}
	if result.IsZero() {
		return result, SubtractZero, nil
	}
	return result, SubtractPositive, nil
}

// Cmp compares two amounts of the same currency, returning -1, 0 or 1.
func (a Amount) Cmp(b Amount) (int, error) {
	if !a.SameCurrency(b) {
		return 0, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, a.Currency, b.Currency)
	}
	switch {
	case a.Value < b.Value:
		return -1, nil
	case a.Value > b.Value:
		return 1, nil
	case a.Fraction < b.Fraction:
		return -1, nil
	case a.Fraction > b.Fraction:
		return 1, nil
	default:
		return 0, nil
	}
}

// Divide returns a/n using floor division over the total in fractional units.
// The fractional remainder is discarded. n below 1 is treated as 1.
//
// Value and Fraction are divided separately, carrying the value remainder
// into the fractional term, so the computation never exceeds uint64 for any
// amount up to MaxValue.
func (a Amount) Divide(n uint32) Amount {
	if n <= 1 {
		return a
	}
	// rem < n <= 2^32-1, so rem*FractionBase+Fraction fits in uint64.
	rem := a.Value % uint64(n)
	fracTotal := rem*FractionBase + uint64(a.Fraction)
	return Amount{
		Currency: a.Currency,
		Value:    a.Value / uint64(n),
		Fraction: uint32(fracTotal / uint64(n)),
	}
}
