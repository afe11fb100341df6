// Package mathutil implements the checked whole-number arithmetic used for
// every price, fee and royalty computation.
package mathutil

import (
	"github.com/shopspring/decimal"

	apperrors "github.com/Aidin1998/nftsettle/common/errors"
)

// BasisPoints is 100% expressed in basis points.
const BasisPoints = 10000

var (
	bps = decimal.NewFromInt(BasisPoints)

	// MaxAmount and MinAmount bound every amount to a signed 128-bit integer.
	MaxAmount = decimal.RequireFromString("170141183460469231731687303715884105727")
	MinAmount = decimal.RequireFromString("-170141183460469231731687303715884105728")
)

func inRange(d decimal.Decimal) bool {
	return d.Cmp(MaxAmount) <= 0 && d.Cmp(MinAmount) >= 0
}

func clamp(d decimal.Decimal) decimal.Decimal {
	if d.Cmp(MaxAmount) > 0 {
		return MaxAmount
	}
	if d.Cmp(MinAmount) < 0 {
		return MinAmount
	}
	return d
}

// IsWhole reports whether d has no fractional part.
func IsWhole(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(0))
}

// ValidateAmount requires a whole, in-range amount that is strictly positive.
func ValidateAmount(d decimal.Decimal) error {
	if !IsWhole(d) || !inRange(d) {
		return apperrors.InvalidAmount("amount %s is not a whole 128-bit value", d)
	}
	if !d.IsPositive() {
		return apperrors.InvalidAmount("amount %s must be positive", d)
	}
	return nil
}

// ValidateNonNegative requires a whole, in-range amount that is not negative.
func ValidateNonNegative(d decimal.Decimal) error {
	if !IsWhole(d) || !inRange(d) || d.IsNegative() {
		return apperrors.InvalidAmount("amount %s must be a whole non-negative value", d)
	}
	return nil
}

func SafeAdd(a, b decimal.Decimal) (decimal.Decimal, error) {
	sum := a.Add(b)
	if !inRange(sum) {
		return decimal.Zero, apperrors.InvalidAmount("overflow adding %s and %s", a, b)
	}
	return sum, nil
}

func SafeSub(a, b decimal.Decimal) (decimal.Decimal, error) {
	diff := a.Sub(b)
	if !inRange(diff) {
		return decimal.Zero, apperrors.InvalidAmount("overflow subtracting %s from %s", b, a)
	}
	return diff, nil
}

func SafeMul(a, b decimal.Decimal) (decimal.Decimal, error) {
	product := a.Mul(b)
	if !inRange(product) {
		return decimal.Zero, apperrors.InvalidAmount("overflow multiplying %s by %s", a, b)
	}
	return product, nil
}

// SafeDiv divides and truncates toward zero.
func SafeDiv(a, b decimal.Decimal) (decimal.Decimal, error) {
	if b.IsZero() {
		return decimal.Zero, apperrors.InvalidAmount("division by zero")
	}
	q, _ := a.QuoRem(b, 0)
	return q, nil
}

// SaturatingAdd clamps the sum to the amount range.
func SaturatingAdd(a, b decimal.Decimal) decimal.Decimal {
	return clamp(a.Add(b))
}

// SaturatingMul clamps the product to the amount range.
func SaturatingMul(a, b decimal.Decimal) decimal.Decimal {
	return clamp(a.Mul(b))
}

// SaturatingSubBps subtracts basis points without going below zero.
func SaturatingSubBps(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// Percentage returns amount*bps/10000, truncated. The multiplication saturates.
func Percentage(amount decimal.Decimal, basisPoints uint64) (decimal.Decimal, error) {
	if basisPoints > BasisPoints {
		return decimal.Zero, apperrors.InvalidAmount("%d basis points exceeds 100%%", basisPoints)
	}
	if amount.IsNegative() {
		return decimal.Zero, apperrors.InvalidAmount("percentage of negative amount %s", amount)
	}
	product := SaturatingMul(amount, decimal.NewFromInt(int64(basisPoints)))
	q, _ := product.QuoRem(bps, 0)
	return q, nil
}

// GrossUp returns the price at which deducting basisPoints leaves net:
// net*10000/(10000-bps), truncated.
func GrossUp(net decimal.Decimal, basisPoints uint64) (decimal.Decimal, error) {
	if basisPoints >= BasisPoints {
		return decimal.Zero, apperrors.InvalidAmount("cannot gross up with %d basis points", basisPoints)
	}
	scaled, err := SafeMul(net, bps)
	if err != nil {
		return decimal.Zero, err
	}
	return SafeDiv(scaled, decimal.NewFromInt(int64(BasisPoints-basisPoints)))
}
