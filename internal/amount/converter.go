// Package amount converts between human-entered decimal amounts and fixed-point
// atomic integer units. Money never passes through floating point.
package amount

import (
	"fmt"
	"strings"

	"github.com/Veraticus/grouptip/internal/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// BasisPointsDenominator is 100% expressed in basis points.
const BasisPointsDenominator = 10_000

// MaxPrecision bounds a token's declared fractional digits.
const MaxPrecision = 36

// maxDigits is the number of decimal digits in the largest uint256.
const maxDigits = 78

// maxInputLength bounds the text accepted by ToAtomic.
const maxInputLength = 128

var bpsDenominator = uint256.NewInt(BasisPointsDenominator)

// ToAtomic converts a decimal string such as "12.5" into atomic units at the
// given precision. Inputs that are malformed, non-finite, negative, or carry
// non-zero digits beyond precision fail with common.ErrInvalidAmount.
func ToAtomic(input string, precision uint8) (*uint256.Int, error) {
	if precision > MaxPrecision {
		return nil, fmt.Errorf("%w: precision %d exceeds %d", common.ErrInvalidAmount, precision, MaxPrecision)
	}

	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty amount", common.ErrInvalidAmount)
	}
	if len(trimmed) > maxInputLength {
		return nil, fmt.Errorf("%w: amount longer than %d characters", common.ErrInvalidAmount, maxInputLength)
	}

	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a number", common.ErrInvalidAmount, input)
	}
	if d.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q is negative", common.ErrInvalidAmount, input)
	}

	if d.IsZero() {
		return new(uint256.Int), nil
	}

	// Check magnitude on the exponent before anything expands 10^exp.
	digits := int64(len(d.Coefficient().String()))
	exp := int64(d.Exponent()) + int64(precision)
	if digits+exp > maxDigits {
		return nil, fmt.Errorf("%w: %q is too large", common.ErrInvalidAmount, input)
	}
	if -exp > digits {
		return nil, fmt.Errorf("%w: %q has more than %d fractional digits", common.ErrInvalidAmount, input, precision)
	}

	shifted := d.Shift(int32(precision))
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("%w: %q has more than %d fractional digits", common.ErrInvalidAmount, input, precision)
	}

	atomic, overflow := uint256.FromBig(shifted.BigInt())
	if overflow {
		return nil, fmt.Errorf("%w: %q is too large", common.ErrInvalidAmount, input)
	}
	return atomic, nil
}

// ToDecimalString renders atomic units as a display string at the given
// precision, without trailing fractional zeros.
func ToDecimalString(atomic *uint256.Int, precision uint8) string {
	if atomic == nil {
		return "0"
	}
	return decimal.NewFromBigInt(atomic.ToBig(), -int32(precision)).String()
}

// ComputeFee returns floor(atomic * feeBasisPoints / 10000).
func ComputeFee(atomic *uint256.Int, feeBasisPoints uint16) (*uint256.Int, error) {
	if feeBasisPoints > BasisPointsDenominator {
		return nil, fmt.Errorf("%w: fee of %d basis points exceeds 100%%", common.ErrInvalidConfig, feeBasisPoints)
	}
	if atomic == nil || atomic.IsZero() || feeBasisPoints == 0 {
		return new(uint256.Int), nil
	}

	fee, overflow := new(uint256.Int).MulDivOverflow(atomic, uint256.NewInt(uint64(feeBasisPoints)), bpsDenominator)
	if overflow {
		return nil, fmt.Errorf("%w: fee on %s", common.ErrAmountOverflow, atomic.Dec())
	}
	return fee, nil
}

// ParseAtomic parses the decimal-string storage form of an atomic amount.
func ParseAtomic(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: stored amount %q: %w", common.ErrDatabaseCorrupted, s, err)
	}
	return v, nil
}

// FormatAtomic renders an atomic amount in its decimal-string storage form.
func FormatAtomic(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// Add returns a+b, failing on overflow.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, fmt.Errorf("%w: %s + %s", common.ErrAmountOverflow, a.Dec(), b.Dec())
	}
	return sum, nil
}
