package engine

import (
	"math/big"

	"github.com/atmx/vault-engine/internal/fixedpoint"
)

// Risk parameters. The threshold discounts collateral to 50% of nominal
// value, which is a 200% overcollateralization requirement; the bonus is
// the liquidator's incentive on top of the debt-equivalent seizure.
const (
	LiquidationThresholdPct = 50
	LiquidationBonusPct     = 10
)

var (
	// MinHealthFactor is the solvency boundary: exactly 1.0 in 18-decimal
	// fixed point. Strictly below this is liquidatable.
	MinHealthFactor = new(big.Int).Set(fixedpoint.One)

	// MaxHealthFactor is reported for debt-free positions.
	MaxHealthFactor = new(big.Int).Set(fixedpoint.MaxUint256)
)

// HealthFactor is the central solvency ratio: risk-adjusted collateral
// value over debt, in 18-decimal fixed point. It is a pure function — the
// same computation gates every mutation and serves off-chain risk
// simulation. A debt-free position is trivially solvent and reports the
// maximum ratio, which also keeps the division well-defined.
func HealthFactor(debt, collateralValue *big.Int) *big.Int {
	if debt == nil || debt.Sign() == 0 {
		return new(big.Int).Set(MaxHealthFactor)
	}
	if collateralValue == nil {
		collateralValue = big.NewInt(0)
	}
	adjusted := fixedpoint.Pct(collateralValue, LiquidationThresholdPct)
	return fixedpoint.DivWad(adjusted, debt)
}

// Healthy reports whether the factor meets the minimum.
func Healthy(factor *big.Int) bool {
	return factor != nil && factor.Cmp(MinHealthFactor) >= 0
}
