// Package wei converts between decimal ether strings and wei amounts.
//
// Ledger amounts are always carried as *big.Int in wei (1 ether = 10^18 wei).
// Conversion to a rounded display string happens only at the presentation edge.
package wei

import (
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/params"
)

const (
	// Decimals is the number of fractional digits in one ether.
	Decimals = 18

	// DisplayDecimals is the precision used for balances shown to users.
	DisplayDecimals = 4
)

var (
	ErrEmpty    = errors.New("wei: empty amount")
	ErrNegative = errors.New("wei: negative amounts not allowed")
	ErrFormat   = errors.New("wei: invalid amount format")
)

var etherUnit = big.NewInt(params.Ether)

// Parse converts a decimal ether string (e.g. "1.5") to wei.
//
// Rules:
//   - Leading/trailing whitespace is ignored
//   - A missing whole part is read as zero (".5" == "0.5")
//   - Negative amounts and multiple decimal points are rejected
//   - Fractional digits beyond 18 are truncated
func Parse(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmpty
	}
	if strings.HasPrefix(s, "-") {
		return nil, ErrNegative
	}
	s = strings.TrimPrefix(s, "+")

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, ErrFormat
	}
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return nil, ErrFormat
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return nil, ErrFormat
	}
	if whole == "" {
		whole = "0"
	}

	if len(frac) > Decimals {
		frac = frac[:Decimals]
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, ErrFormat
	}
	return result, nil
}

// Format renders a wei amount as a decimal ether string with trailing zeros
// trimmed ("1.5", "2", "0.000000000000000001").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	neg := amount.Sign() < 0
	whole, rem := new(big.Int).QuoRem(new(big.Int).Abs(amount), etherUnit, new(big.Int))

	out := whole.String()
	if rem.Sign() != 0 {
		frac := rem.String()
		frac = strings.Repeat("0", Decimals-len(frac)) + frac
		out += "." + strings.TrimRight(frac, "0")
	}
	if neg {
		out = "-" + out
	}
	return out
}

// Display renders a wei amount with exactly DisplayDecimals fractional
// digits, rounding half up ("1.5000", "0.0001").
func Display(amount *big.Int) string {
	if amount == nil {
		amount = new(big.Int)
	}
	neg := amount.Sign() < 0
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals-DisplayDecimals), nil)

	q, r := new(big.Int).QuoRem(new(big.Int).Abs(amount), scale, new(big.Int))
	if new(big.Int).Lsh(r, 1).Cmp(scale) >= 0 {
		q.Add(q, big.NewInt(1))
	}

	s := q.String()
	if len(s) <= DisplayDecimals {
		s = strings.Repeat("0", DisplayDecimals-len(s)+1) + s
	}
	cut := len(s) - DisplayDecimals
	out := s[:cut] + "." + s[cut:]
	if neg && q.Sign() != 0 {
		out = "-" + out
	}
	return out
}

// FromEther is a test and config convenience for whole-ether amounts.
func FromEther(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), etherUnit)
}

func digitsOnly(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
