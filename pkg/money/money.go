// Package money implements the fixed-point decimal amounts used throughout
// the marketplace core. All monetary values are scale-2 (cents) integers;
// binary floats never represent an amount that crosses a financial boundary.
package money

import (
	"fmt"
	"strconv"
	"strings"
)

// Scale is the fixed number of decimal places every Amount carries.
const Scale = 2

// Amount represents a non-negative-or-negative monetary value in minor
// units (cents) at Scale decimal places. There is no currency field: the
// marketplace core deals in a single settlement unit: the escrow account
// is the authority on what that unit actually settles to.
type Amount struct {
	Minor int64
}

// Zero is the additive identity.
var Zero = Amount{}

// FromString parses a decimal string such as "100.00" into an Amount.
// The string must have at most Scale digits after the decimal point.
func FromString(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("money: empty amount")
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	if hasFrac {
		if len(frac) > Scale {
			return Amount{}, fmt.Errorf("money: %q has more than %d fractional digits", s, Scale)
		}
		frac = frac + strings.Repeat("0", Scale-len(frac))
	} else {
		frac = strings.Repeat("0", Scale)
	}

	if whole == "" {
		whole = "0"
	}

	wholeVal, err := strconv.ParseInt(whole, 10, 63)
	if err != nil {
		return Amount{}, fmt.Errorf("money: invalid amount %q: %w", s, err)
	}
	fracVal, err := strconv.ParseInt(frac, 10, 63)
	if err != nil {
		return Amount{}, fmt.Errorf("money: invalid amount %q: %w", s, err)
	}

	minor := wholeVal*pow10(Scale) + fracVal
	if neg {
		minor = -minor
	}
	return Amount{Minor: minor}, nil
}

// FromMinor constructs an Amount directly from minor units.
func FromMinor(minor int64) Amount { return Amount{Minor: minor} }

func pow10(n int) int64 {
	v := int64(1)
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}

// String renders the amount as a fixed-point decimal string.
func (a Amount) String() string {
	neg := a.Minor < 0
	minor := a.Minor
	if neg {
		minor = -minor
	}
	div := pow10(Scale)
	whole := minor / div
	frac := minor % div
	sign := ""
	if neg {
		sign = "-"
	}
	return fmt.Sprintf("%s%d.%0*d", sign, whole, Scale, frac)
}

// Add returns a+b. There is no currency mismatch to check in a single
// settlement-unit model, unlike the multi-currency Money the pattern is
// adapted from.
func (a Amount) Add(b Amount) Amount { return Amount{Minor: a.Minor + b.Minor} }

// Sub returns a-b.
func (a Amount) Sub(b Amount) Amount { return Amount{Minor: a.Minor - b.Minor} }

// MulInt returns a multiplied by a non-negative integer factor (e.g. a unit
// price times a participant cap to derive a request's budget).
func (a Amount) MulInt(factor int) Amount { return Amount{Minor: a.Minor * int64(factor)} }

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool { return a.Minor == 0 }

// IsPositive reports whether the amount is strictly greater than zero.
func (a Amount) IsPositive() bool { return a.Minor > 0 }

// IsNegative reports whether the amount is strictly less than zero.
func (a Amount) IsNegative() bool { return a.Minor < 0 }

// LessThanOrEqual reports whether a <= b.
func (a Amount) LessThanOrEqual(b Amount) bool { return a.Minor <= b.Minor }

// Equal reports whether a == b.
func (a Amount) Equal(b Amount) bool { return a.Minor == b.Minor }

// MarshalJSON renders the amount as a quoted decimal string so JSON
// consumers never round-trip it through a float.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(a.String())), nil
}

// UnmarshalJSON parses a quoted decimal string into an Amount.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("money: unmarshal: %w", err)
	}
	parsed, err := FromString(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
