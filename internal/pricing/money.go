package pricing

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
)

// Money is an amount in integer cents.
type Money int64

// String renders the amount with two decimal places.
func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// MarshalJSON renders the amount as a JSON number with two decimals.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalJSON accepts a JSON number or numeric string.
func (m *Money) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("parse money %q: %w", data, err)
	}
	*m = Money(math.Round(f * 100))
	return nil
}

// Times multiplies by a count.
func (m Money) Times(n int) Money { return m * Money(n) }

// BasisPoints is a rate in hundredths of a percent.
type BasisPoints int64

// Of applies the rate to m, rounding half up.
func (b BasisPoints) Of(m Money) Money {
	return Money((int64(m)*int64(b) + 5000) / 10000)
}

// MarshalJSON renders the rate as a fraction, 1000 becoming 0.1.
func (b BasisPoints) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatFloat(float64(b)/10000, 'f', -1, 64)), nil
}

// UnmarshalJSON reads a fraction back into basis points.
func (b *BasisPoints) UnmarshalJSON(data []byte) error {
	f, err := strconv.ParseFloat(string(bytes.Trim(data, `"`)), 64)
	if err != nil {
		return fmt.Errorf("parse rate %q: %w", data, err)
	}
	*b = BasisPoints(math.Round(f * 10000))
	return nil
}
