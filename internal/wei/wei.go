// Package wei provides shared ether parsing and formatting utilities.
//
// Ether uses 18 decimal places. All amounts are carried as big.Int wei;
// decimal strings only appear at the API boundary.
package wei

import (
	"fmt"
	"math/big"
	"strings"
)

const Decimals = 18

// maxUint128 bounds escrow values; the ledger stores value in a 128-bit field.
var maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// Parse converts a decimal ether string (e.g. "0.002") to wei.
//
// Rules:
//   - Empty strings and negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts beyond 18 digits are truncated
func Parse(amount string) (*big.Int, error) {
	if amount == "" {
		return nil, fmt.Errorf("empty amount")
	}
	// The sign is checked on the raw string: "-0.5" carries a zero whole part
	// whose sign would otherwise be lost.
	if strings.HasPrefix(amount, "-") {
		return nil, fmt.Errorf("negative amounts not allowed")
	}

	parts := strings.Split(amount, ".")

	var whole, decimal string
	switch len(parts) {
	case 1:
		whole = parts[0]
	case 2:
		whole = parts[0]
		decimal = parts[1]
	default:
		return nil, fmt.Errorf("invalid amount format")
	}

	wholeBig, ok := new(big.Int).SetString(whole, 10)
	if !ok || wholeBig.Sign() < 0 {
		return nil, fmt.Errorf("invalid whole number")
	}

	multiplier := new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)
	result := new(big.Int).Mul(wholeBig, multiplier)

	if decimal != "" {
		if len(decimal) > Decimals {
			decimal = decimal[:Decimals]
		}
		for len(decimal) < Decimals {
			decimal += "0"
		}
		decimalBig, ok := new(big.Int).SetString(decimal, 10)
		if !ok {
			return nil, fmt.Errorf("invalid decimal number")
		}
		result.Add(result, decimalBig)
	}

	return result, nil
}

// Format converts wei to a human-readable ether string, trimming
// trailing fractional zeros ("2000000000000000" -> "0.002").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0"
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)
	whole := new(big.Int).Div(amount, divisor)
	remainder := new(big.Int).Mod(amount, divisor)

	if remainder.Sign() == 0 {
		return whole.String()
	}

	frac := fmt.Sprintf("%018s", remainder.String())
	frac = strings.TrimRight(frac, "0")
	return whole.String() + "." + frac
}

// FitsUint128 reports whether amount fits the ledger's 128-bit value field.
// Amounts that do not fit must be rejected at funding time, never truncated.
func FitsUint128(amount *big.Int) bool {
	if amount == nil || amount.Sign() < 0 {
		return false
	}
	return amount.Cmp(maxUint128) <= 0
}
