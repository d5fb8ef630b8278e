package engine

import (
	"fmt"
	"math/big"

	"github.com/atmx/vault-engine/internal/fixedpoint"
	"github.com/atmx/vault-engine/internal/model"
	"github.com/atmx/vault-engine/internal/oracle"
)

// assetPrice returns the feed answer lifted to 18-decimal fixed point.
// A zero or negative answer is a feed fault and surfaces as an error
// rather than flowing into valuations.
func (e *Engine) assetPrice(asset string) (*big.Int, error) {
	feed, err := e.registry.Feed(asset)
	if err != nil {
		return nil, err
	}
	answer, err := feed.LatestAnswer()
	if err != nil {
		return nil, err
	}
	if answer.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s", oracle.ErrInvalidAnswer, asset)
	}
	return new(big.Int).Mul(answer, fixedpoint.ScaleFactor(feed.Decimals())), nil
}

// ValueOf converts an asset amount to its USD value in 18-decimal fixed
// point: amount * rescaledPrice / 1e18.
func (e *Engine) ValueOf(asset string, amount *big.Int) (*big.Int, error) {
	price, err := e.assetPrice(asset)
	if err != nil {
		return nil, err
	}
	return fixedpoint.MulWad(amount, price), nil
}

// AmountFor is the inverse conversion: a USD value (18-decimal) to an asset
// amount at the current price. Division floors, which under-delivers to the
// recipient rather than over-delivering from the vault — rounding is always
// against the caller, never against solvency.
func (e *Engine) AmountFor(asset string, usdValue *big.Int) (*big.Int, error) {
	price, err := e.assetPrice(asset)
	if err != nil {
		return nil, err
	}
	return fixedpoint.DivWad(usdValue, price), nil
}

// collateralValue sums the USD value of every registered asset in registry
// order. Zero balances contribute zero but do not short-circuit: a broken
// feed on any registered asset surfaces as an error instead of being
// silently skipped.
func (e *Engine) collateralValue(p *model.Position) (*big.Int, error) {
	total := big.NewInt(0)
	for _, asset := range e.registry.Assets() {
		value, err := e.ValueOf(asset, p.CollateralOf(asset))
		if err != nil {
			return nil, err
		}
		total.Add(total, value)
	}
	return total, nil
}

// positionHealth computes the position's current health factor.
func (e *Engine) positionHealth(p *model.Position) (*big.Int, error) {
	value, err := e.collateralValue(p)
	if err != nil {
		return nil, err
	}
	return HealthFactor(p.Debt, value), nil
}
