package math

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Decimals is the precision of the staked asset and the receipt token.
const Decimals = 18

var (
	ErrOverflow       = errors.New("fixed-point overflow")
	ErrDivisionByZero = errors.New("fixed-point division by zero")
	ErrInvalidAmount  = errors.New("invalid decimal amount")
)

var (
	one     = uint256.NewInt(1)
	hundred = uint256.NewInt(100)
)

type RoundingMode int

const (
	RoundDown     RoundingMode = iota // Truncate toward zero (default for payouts)
	RoundUp                           // Away from zero
	RoundHalfEven                     // Banker's rounding
)

// Zero returns a fresh zero amount.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// MulDiv computes x * y / d with a 512-bit intermediate product.
// The remainder is resolved according to mode.
func MulDiv(x, y, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}

	q, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	if mode == RoundDown {
		return q, nil
	}

	rem := new(uint256.Int).MulMod(x, y, d)
	if rem.IsZero() {
		return q, nil
	}

	roundUp := false
	switch mode {
	case RoundUp:
		roundUp = true
	case RoundHalfEven:
		// rem vs d-rem avoids doubling rem past 256 bits
		other := new(uint256.Int).Sub(d, rem)
		switch rem.Cmp(other) {
		case 1:
			roundUp = true
		case 0:
			roundUp = q.Uint64()&1 == 1
		}
	}

	if roundUp {
		if _, overflow := q.AddOverflow(q, one); overflow {
			return nil, ErrOverflow
		}
	}
	return q, nil
}

// Add returns a + b or ErrOverflow.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Sub returns a - b or ErrOverflow when b > a.
func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Units returns whole * 10^Decimals.
func Units(whole uint64) *uint256.Int {
	scale := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(Decimals))
	return new(uint256.Int).Mul(uint256.NewInt(whole), scale)
}

// ParseUnits converts a human decimal string ("12.5") into base units.
// More than Decimals fractional digits is rejected rather than rounded.
func ParseUnits(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidAmount
	}

	whole, frac, hasDot := strings.Cut(s, ".")
	if hasDot && frac == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Decimals {
		return nil, fmt.Errorf("%w: more than %d fractional digits", ErrInvalidAmount, Decimals)
	}
	if !isDigits(whole) || !isDigits(frac) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	digits := strings.TrimLeft(whole+frac+strings.Repeat("0", Decimals-len(frac)), "0")
	if digits == "" {
		return new(uint256.Int), nil
	}

	v, err := uint256.FromDecimal(digits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return v, nil
}

// FormatUnits renders base units as a decimal string with trailing zeros trimmed.
func FormatUnits(v *uint256.Int) string {
	if v == nil || v.IsZero() {
		return "0"
	}

	dec := v.Dec()
	if len(dec) <= Decimals {
		dec = strings.Repeat("0", Decimals-len(dec)+1) + dec
	}

	whole := dec[:len(dec)-Decimals]
	frac := strings.TrimRight(dec[len(dec)-Decimals:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

// ParseBaseUnits parses an integer string of base units.
func ParseBaseUnits(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" || !isDigits(s) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return v, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
