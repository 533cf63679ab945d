// Package token defines the tradable assets and amount parsing.
//
// Amounts are handled as big.Int in each token's smallest unit
// (satoshi for BTC, wei for ETH, 10^-6 for the stablecoins). String
// amounts on the wire and in the database are human-readable decimals.
package token

import (
	"math/big"
	"strings"
)

// Symbol identifies a tradable token.
type Symbol string

const (
	BTC  Symbol = "BTC"
	ETH  Symbol = "ETH"
	USDT Symbol = "USDT"
	USDC Symbol = "USDC"
)

// decimals maps each supported token to its smallest-unit precision.
var decimals = map[Symbol]int{
	BTC:  8,
	ETH:  18,
	USDT: 6,
	USDC: 6,
}

// IsSupported reports whether s names a tradable token.
func IsSupported(s string) bool {
	_, ok := decimals[Symbol(strings.ToUpper(s))]
	return ok
}

// Decimals returns the smallest-unit precision for sym (0 if unknown).
func Decimals(sym Symbol) int {
	return decimals[sym]
}

// Parse converts a decimal string (e.g. "0.015") to its smallest-unit
// big.Int representation for the given token. Returns (nil, false) on
// invalid input or unsupported token.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to the token's precision
func Parse(sym Symbol, s string) (*big.Int, bool) {
	prec, ok := decimals[sym]
	if !ok {
		return nil, false
	}
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < prec {
		frac += "0"
	}
	frac = frac[:prec]

	combined := whole + frac
	result, valid := new(big.Int).SetString(combined, 10)
	return result, valid
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with the token's full precision (e.g. "0.01500000" for BTC).
func Format(sym Symbol, amount *big.Int) string {
	prec := decimals[sym]
	if amount == nil {
		return "0." + strings.Repeat("0", prec)
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < prec+1 {
		s = "0" + s
	}
	point := len(s) - prec
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}
