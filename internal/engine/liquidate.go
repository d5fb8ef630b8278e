package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/atmx/vault-engine/internal/fixedpoint"
	"github.com/atmx/vault-engine/internal/model"
)

// Liquidate lets a solvent third party repay part of an undercollateralized
// user's debt and seize the equivalent collateral plus a bonus. The
// liquidator pre-approves the engine on the debt token for debtToCover.
//
// The call fails unless the user's health factor starts below the minimum
// and strictly improves; partial liquidations that leave the position
// undercollateralized are accepted as long as they move it the right way.
// Returns the amount of collateral seized.
func (e *Engine) Liquidate(ctx context.Context, liquidatorID, userID, asset string, debtToCover *big.Int) (*big.Int, error) {
	if err := e.guard.enter(); err != nil {
		return nil, err
	}
	defer e.guard.exit()

	if err := checkAmount(debtToCover); err != nil {
		return nil, err
	}
	tok, err := e.collateralToken(asset)
	if err != nil {
		return nil, err
	}

	p, err := e.loadPosition(ctx, userID)
	if err != nil {
		return nil, err
	}
	startFactor, err := e.positionHealth(p)
	if err != nil {
		return nil, err
	}
	if Healthy(startFactor) {
		return nil, fmt.Errorf("%w: %s at %s", ErrPositionHealthy, userID, startFactor)
	}

	tokenAmount, err := e.AmountFor(asset, debtToCover)
	if err != nil {
		return nil, err
	}
	bonus := fixedpoint.Pct(tokenAmount, LiquidationBonusPct)
	seized := new(big.Int).Add(tokenAmount, bonus)

	current := p.CollateralOf(asset)
	if current.Cmp(seized) < 0 {
		return nil, fmt.Errorf("%w: %s has %s %s, seizing %s",
			ErrInsufficientCollateral, userID, current, asset, seized)
	}
	if p.Debt.Cmp(debtToCover) < 0 {
		return nil, fmt.Errorf("%w: %s owes %s, covering %s",
			ErrInsufficientDebt, userID, p.Debt, debtToCover)
	}
	p.Collateral[asset] = new(big.Int).Sub(current, seized)
	p.Debt = new(big.Int).Sub(p.Debt, debtToCover)

	endFactor, err := e.positionHealth(p)
	if err != nil {
		return nil, err
	}
	if endFactor.Cmp(startFactor) <= 0 {
		return nil, fmt.Errorf("%w: %s to %s", ErrHealthFactorNotImproved, startFactor, endFactor)
	}

	// The liquidator's own position must be solvent too. A self-liquidation
	// is judged on the staged state.
	if err := e.checkLiquidatorHealth(ctx, liquidatorID, userID, p); err != nil {
		return nil, err
	}

	if err := e.pullAndBurnDebt(ctx, liquidatorID, debtToCover); err != nil {
		return nil, err
	}
	if err := tok.Transfer(ctx, e.custodyID, liquidatorID, seized); err != nil {
		// Debt units were already destroyed; restore the liquidator's
		// balance before reporting failure.
		if rerr := e.debt.Mint(ctx, liquidatorID, debtToCover); rerr != nil {
			slog.Error("debt restore failed after seizure failure", "liquidator", liquidatorID, "err", rerr)
		}
		return nil, fmt.Errorf("%w: %s", ErrTransferFailed, err)
	}

	ev := e.newEvent(model.OpLiquidate, userID, asset, seized, endFactor, liquidatorID)
	if err := e.commit(ctx, p, ev); err != nil {
		return nil, err
	}
	slog.Info("position liquidated", "user", userID, "liquidator", liquidatorID,
		"asset", asset, "covered", debtToCover.String(), "seized", seized.String(),
		"health_factor", endFactor.String())
	return seized, nil
}

func (e *Engine) checkLiquidatorHealth(ctx context.Context, liquidatorID, userID string, staged *model.Position) error {
	var factor *big.Int
	var err error
	if liquidatorID == userID {
		factor, err = e.positionHealth(staged)
	} else {
		factor, err = e.UserHealthFactor(ctx, liquidatorID)
	}
	if err != nil {
		return err
	}
	if !Healthy(factor) {
		return &HealthFactorError{UserID: liquidatorID, Factor: factor}
	}
	return nil
}
