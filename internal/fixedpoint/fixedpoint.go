// Package fixedpoint implements the decimal<->integer codec described in
// spec.md §7 "Fixed-Point Arithmetic": monetary values are exact arbitrary
// precision integers in a coin's minimal unit (the same representation
// go-ethereum uses for wei, *big.Int), and are only rendered as decimal
// strings at the external boundary.
package fixedpoint

import (
	"errors"
	"math/big"
	"strings"
)

// Rounding selects the single configurable rounding mode a coin uses for
// every decimal->integer conversion, as required by spec.md §9.
type Rounding int

const (
	Truncate Rounding = iota
	HalfUp
)

// ErrMalformedDecimal is returned when a caller-supplied amount string isn't
// a valid unsigned (optionally signed) base-10 decimal.
var ErrMalformedDecimal = errors.New("fixedpoint: malformed decimal string")

// ErrPrecisionLoss is returned by ParseExact when the input carries more
// fractional digits than the coin's decimals and a lossless parse was
// requested.
var ErrPrecisionLoss = errors.New("fixedpoint: input carries more precision than the coin supports")

var ten = big.NewInt(10)

func pow10(n int) *big.Int {
	return new(big.Int).Exp(ten, big.NewInt(int64(n)), nil)
}

// Parse converts a decimal string (e.g. "1.00005000") into the coin's
// minimal-unit integer, honoring decimals and the configured rounding mode.
func Parse(s string, decimals int, mode Rounding) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrMalformedDecimal
	}
	neg := false
	if s[0] == '+' || s[0] == '-' {
		neg = s[0] == '-'
		s = s[1:]
	}
	intPart, fracPart, hasFrac := s, "", false
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart, hasFrac = s[:i], s[i+1:], true
	}
	if intPart == "" {
		intPart = "0"
	}
	if !isDigits(intPart) || (hasFrac && !isDigits(fracPart)) {
		return nil, ErrMalformedDecimal
	}

	scale := pow10(decimals)
	whole, ok := new(big.Int).SetString(intPart, 10)
	if !ok {
		return nil, ErrMalformedDecimal
	}
	units := new(big.Int).Mul(whole, scale)

	if hasFrac {
		if len(fracPart) <= decimals {
			fracPart = fracPart + strings.Repeat("0", decimals-len(fracPart))
			fracUnits, ok := new(big.Int).SetString(fracPart, 10)
			if !ok {
				return nil, ErrMalformedDecimal
			}
			units.Add(units, fracUnits)
		} else {
			kept := fracPart[:decimals]
			rest := fracPart[decimals:]
			fracUnits, ok := new(big.Int).SetString(kept, 10)
			if !ok {
				return nil, ErrMalformedDecimal
			}
			units.Add(units, fracUnits)
			if mode == HalfUp && len(rest) > 0 && rest[0] >= '5' {
				units.Add(units, big.NewInt(1))
			}
		}
	}
	if neg {
		units.Neg(units)
	}
	return units, nil
}

// ParseExact behaves like Parse but rejects any input with more fractional
// digits than the coin supports, instead of rounding it away. Callers that
// must not silently truncate a user-typed amount (e.g. setPending) use this.
func ParseExact(s string, decimals int) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '.'); i >= 0 && len(s)-i-1 > decimals {
		return nil, ErrPrecisionLoss
	}
	return Parse(s, decimals, Truncate)
}

// Format renders minimal units as a fixed-decimals string, e.g.
// Format(5000, 8) == "0.00005000".
func Format(units *big.Int, decimals int) string {
	neg := units.Sign() < 0
	abs := new(big.Int).Abs(units)
	scale := pow10(decimals)
	whole := new(big.Int)
	frac := new(big.Int)
	whole.QuoRem(abs, scale, frac)

	fracStr := frac.String()
	if pad := decimals - len(fracStr); pad > 0 {
		fracStr = strings.Repeat("0", pad) + fracStr
	}
	var sb strings.Builder
	if neg {
		sb.WriteByte('-')
	}
	sb.WriteString(whole.String())
	if decimals > 0 {
		sb.WriteByte('.')
		sb.WriteString(fracStr)
	}
	return sb.String()
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
