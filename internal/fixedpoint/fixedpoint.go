// Package fixedpoint provides 18-decimal fixed-point arithmetic on big
// integers. All internally-stored monetary values in the vault engine use
// this scale; rescaling happens only at external boundaries (oracle reads,
// API rendering). Never float64 for money.
package fixedpoint

import "math/big"

var (
	// One is the fixed-point unit: 1e18.
	One = mustBig("1000000000000000000")

	// MaxUint256 is the largest value the accounting domain admits. It is
	// returned as the health factor of a debt-free position.
	MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	hundred = big.NewInt(100)
)

// Decimals is the implicit scale of all stored monetary values.
const Decimals = 18

func mustBig(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("fixedpoint: invalid big integer constant")
	}
	return v
}

// ScaleFactor returns 10^(18-decimals), the multiplier that lifts a value
// with the given native precision to 18-decimal fixed point. Precision
// beyond 18 decimals cannot be represented and panics; feed precision is
// fixed at registration, so this is a configuration error, not a runtime
// condition.
func ScaleFactor(decimals uint8) *big.Int {
	if decimals > Decimals {
		panic("fixedpoint: precision exceeds 18 decimals")
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(Decimals-int(decimals))), nil)
}

// MulDiv computes a*b/den with floor division. Floor is the conservative
// rounding direction for everything the engine pays out. A zero
// denominator panics, matching big.Int division; callers validate prices
// and debt before dividing by them.
func MulDiv(a, b, den *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	if den == nil || den.Sign() == 0 {
		panic("fixedpoint: division by zero")
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, den)
}

// MulWad computes a*b/1e18, flooring.
func MulWad(a, b *big.Int) *big.Int {
	return MulDiv(a, b, One)
}

// DivWad computes a*1e18/b, flooring.
func DivWad(a, b *big.Int) *big.Int {
	return MulDiv(a, One, b)
}

// Pct computes amount*pct/100, flooring. Percentages in the engine are
// small integers (liquidation threshold, bonus).
func Pct(amount *big.Int, pct int64) *big.Int {
	return MulDiv(amount, big.NewInt(pct), hundred)
}
