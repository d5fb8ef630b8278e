// Package engine implements the collateralized-debt accounting core: the
// position ledger, fixed-point solvency math, deposit/redeem/mint/burn
// state transitions, and the liquidation protocol.
//
// Every mutating operation is a staged unit of work: the position is loaded
// as a copy, all ledger mutations are applied to the copy, solvency is
// checked on the copy, collaborator transfers run, and only then is the
// position persisted. Any failure at any step leaves persistent state
// untouched — no insolvent or half-applied position is ever written.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/vault-engine/internal/model"
	"github.com/atmx/vault-engine/internal/registry"
	"github.com/atmx/vault-engine/internal/store"
	"github.com/atmx/vault-engine/internal/token"
)

// Engine orchestrates all state transitions against the position ledger.
// It is the sole authorized minter and burner of the debt token, and the
// custody account for deposited collateral.
type Engine struct {
	guard      reentrancyGuard
	registry   *registry.Registry
	collateral map[string]token.Token
	debt       token.DebtToken
	store      store.Store
	custodyID  string
	now        func() time.Time
}

// New wires an engine to its registry, token collaborators, and store.
// Every registered asset must have a transfer collaborator; custodyID is
// the engine's own holder identity in the token ledgers.
func New(reg *registry.Registry, collateral map[string]token.Token, debt token.DebtToken, st store.Store, custodyID string) (*Engine, error) {
	for _, asset := range reg.Assets() {
		if collateral[asset] == nil {
			return nil, fmt.Errorf("%w: %s", ErrTokenNotConfigured, asset)
		}
	}
	if custodyID == "" {
		custodyID = "vault-engine"
	}
	tokens := make(map[string]token.Token, len(collateral))
	for asset, tok := range collateral {
		tokens[asset] = tok
	}
	return &Engine{
		registry:   reg,
		collateral: tokens,
		debt:       debt,
		store:      st,
		custodyID:  custodyID,
		now:        time.Now,
	}, nil
}

// Registry exposes the collateral registry for read-only queries.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// CustodyID returns the engine's holder identity in the token ledgers.
// Depositors approve this identity before calling Deposit; liquidators
// approve it on the debt token before calling Liquidate.
func (e *Engine) CustodyID() string { return e.custodyID }

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrAmountMustBePositive
	}
	return nil
}

func (e *Engine) collateralToken(asset string) (token.Token, error) {
	if _, err := e.registry.Feed(asset); err != nil {
		return nil, err
	}
	return e.collateral[asset], nil
}

func (e *Engine) loadPosition(ctx context.Context, userID string) (*model.Position, error) {
	p, err := e.store.GetPosition(ctx, userID)
	if err != nil {
		return nil, err
	}
	p.Normalize()
	return p, nil
}

func (e *Engine) newEvent(op, userID, asset string, amount, factor *big.Int, counterparty string) *model.Event {
	return &model.Event{
		ID:           uuid.New().String(),
		UserID:       userID,
		Op:           op,
		Asset:        asset,
		Amount:       new(big.Int).Set(amount),
		Counterparty: counterparty,
		HealthFactor: new(big.Int).Set(factor),
		Timestamp:    e.now().UTC(),
	}
}

// commit is the single persistence point of every operation. The event
// ledger is advisory; a failed append is logged, not rolled back.
func (e *Engine) commit(ctx context.Context, p *model.Position, events ...*model.Event) error {
	p.UpdatedAt = e.now().UTC()
	if err := e.store.SavePosition(ctx, p); err != nil {
		return err
	}
	for _, ev := range events {
		if err := e.store.InsertEvent(ctx, ev); err != nil {
			slog.Warn("event append failed", "op", ev.Op, "user", ev.UserID, "err", err)
		}
	}
	return nil
}

// --- Mutating operations ---

// Deposit locks collateral for the user. The inbound transfer pulls from
// the user's approval for the engine; if the collaborator reports failure
// nothing is persisted. The resulting health factor is returned.
func (e *Engine) Deposit(ctx context.Context, userID, asset string, amount *big.Int) (*big.Int, error) {
	if err := e.guard.enter(); err != nil {
		return nil, err
	}
	defer e.guard.exit()
	return e.deposit(ctx, userID, asset, amount)
}

func (e *Engine) deposit(ctx context.Context, userID, asset string, amount *big.Int) (*big.Int, error) {
	if err := checkAmount(amount); err != nil {
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
	p.Collateral[asset] = new(big.Int).Add(p.CollateralOf(asset), amount)

	// A deposit cannot worsen the ratio, but the check runs anyway so every
	// transition is gated by the same rule.
	factor, err := e.positionHealth(p)
	if err != nil {
		return nil, err
	}
	if !Healthy(factor) {
		return nil, &HealthFactorError{UserID: userID, Factor: factor}
	}

	if err := tok.TransferFrom(ctx, e.custodyID, userID, e.custodyID, amount); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTransferFailed, err)
	}

	if err := e.commit(ctx, p, e.newEvent(model.OpDeposit, userID, asset, amount, factor, "")); err != nil {
		return nil, err
	}
	slog.Info("collateral deposited", "user", userID, "asset", asset, "amount", amount.String())
	return factor, nil
}

// Redeem releases collateral back to the user, provided the position stays
// healthy afterwards. The underflow guard fires before any transfer.
func (e *Engine) Redeem(ctx context.Context, userID, asset string, amount *big.Int) (*big.Int, error) {
	if err := e.guard.enter(); err != nil {
		return nil, err
	}
	defer e.guard.exit()

	p, err := e.loadPosition(ctx, userID)
	if err != nil {
		return nil, err
	}
	factor, err := e.redeemStaged(p, asset, amount)
	if err != nil {
		return nil, err
	}
	if err := e.payOutCollateral(ctx, asset, userID, amount); err != nil {
		return nil, err
	}
	if err := e.commit(ctx, p, e.newEvent(model.OpRedeem, userID, asset, amount, factor, "")); err != nil {
		return nil, err
	}
	slog.Info("collateral redeemed", "user", userID, "asset", asset, "amount", amount.String())
	return factor, nil
}

// redeemStaged applies the collateral decrement to the staged position and
// runs the mandatory health check.
func (e *Engine) redeemStaged(p *model.Position, asset string, amount *big.Int) (*big.Int, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if _, err := e.collateralToken(asset); err != nil {
		return nil, err
	}
	current := p.CollateralOf(asset)
	if current.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: %s has %s %s, redeeming %s",
			ErrInsufficientCollateral, p.UserID, current, asset, amount)
	}
	p.Collateral[asset] = new(big.Int).Sub(current, amount)

	factor, err := e.positionHealth(p)
	if err != nil {
		return nil, err
	}
	if !Healthy(factor) {
		return nil, &HealthFactorError{UserID: p.UserID, Factor: factor}
	}
	return factor, nil
}

func (e *Engine) payOutCollateral(ctx context.Context, asset, to string, amount *big.Int) error {
	tok := e.collateral[asset]
	if err := tok.Transfer(ctx, e.custodyID, to, amount); err != nil {
		return fmt.Errorf("%w: %s", ErrTransferFailed, err)
	}
	return nil
}

// Mint issues new debt units against the caller's collateral. The health
// check on the staged debt is mandatory; only then does the engine exercise
// its mint authority.
func (e *Engine) Mint(ctx context.Context, userID string, amount *big.Int) (*big.Int, error) {
	if err := e.guard.enter(); err != nil {
		return nil, err
	}
	defer e.guard.exit()

	p, err := e.loadPosition(ctx, userID)
	if err != nil {
		return nil, err
	}
	factor, err := e.mintStaged(p, amount)
	if err != nil {
		return nil, err
	}
	if err := e.debt.Mint(ctx, userID, amount); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMintFailed, err)
	}
	if err := e.commit(ctx, p, e.newEvent(model.OpMint, userID, "", amount, factor, "")); err != nil {
		return nil, err
	}
	slog.Info("debt minted", "user", userID, "amount", amount.String(), "health_factor", factor.String())
	return factor, nil
}

func (e *Engine) mintStaged(p *model.Position, amount *big.Int) (*big.Int, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	p.Debt = new(big.Int).Add(p.Debt, amount)

	factor, err := e.positionHealth(p)
	if err != nil {
		return nil, err
	}
	if !Healthy(factor) {
		return nil, &HealthFactorError{UserID: p.UserID, Factor: factor}
	}
	return factor, nil
}

// Burn retires debt: the payer's debt units are pulled into custody and
// destroyed, and onBehalfOf's debt balance drops. Burning can only improve
// the ratio, so no health gate applies.
func (e *Engine) Burn(ctx context.Context, userID string, amount *big.Int) (*big.Int, error) {
	if err := e.guard.enter(); err != nil {
		return nil, err
	}
	defer e.guard.exit()

	p, err := e.loadPosition(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := e.burnStaged(p, amount); err != nil {
		return nil, err
	}
	if err := e.pullAndBurnDebt(ctx, userID, amount); err != nil {
		return nil, err
	}
	factor, err := e.positionHealth(p)
	if err != nil {
		return nil, err
	}
	if err := e.commit(ctx, p, e.newEvent(model.OpBurn, userID, "", amount, factor, "")); err != nil {
		return nil, err
	}
	slog.Info("debt burned", "user", userID, "amount", amount.String())
	return factor, nil
}

func (e *Engine) burnStaged(p *model.Position, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if p.Debt.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s owes %s, burning %s",
			ErrInsufficientDebt, p.UserID, p.Debt, amount)
	}
	p.Debt = new(big.Int).Sub(p.Debt, amount)
	return nil
}

// pullAndBurnDebt moves amount of the debt unit from payer into custody
// and destroys it. If the destroy step fails the pulled units go back, so
// the payer never loses tokens to a half-done burn.
func (e *Engine) pullAndBurnDebt(ctx context.Context, payer string, amount *big.Int) error {
	if err := e.debt.TransferFrom(ctx, e.custodyID, payer, e.custodyID, amount); err != nil {
		return fmt.Errorf("%w: %s", ErrTransferFailed, err)
	}
	if err := e.debt.Burn(ctx, e.custodyID, amount); err != nil {
		if rerr := e.debt.Transfer(ctx, e.custodyID, payer, amount); rerr != nil {
			slog.Error("debt refund failed after burn failure", "payer", payer, "err", rerr)
		}
		return fmt.Errorf("%w: %s", ErrBurnFailed, err)
	}
	return nil
}

// DepositAndMint is the composite open-position call: both mutations are
// staged on one copy and the mint health check gates the pair. The deposit
// transfer is reversed if the mint collaborator fails afterward.
func (e *Engine) DepositAndMint(ctx context.Context, userID, asset string, collateralAmount, debtAmount *big.Int) (*big.Int, error) {
	if err := e.guard.enter(); err != nil {
		return nil, err
	}
	defer e.guard.exit()

	if err := checkAmount(collateralAmount); err != nil {
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
	p.Collateral[asset] = new(big.Int).Add(p.CollateralOf(asset), collateralAmount)
	factor, err := e.mintStaged(p, debtAmount)
	if err != nil {
		return nil, err
	}

	if err := tok.TransferFrom(ctx, e.custodyID, userID, e.custodyID, collateralAmount); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTransferFailed, err)
	}
	if err := e.debt.Mint(ctx, userID, debtAmount); err != nil {
		if rerr := tok.Transfer(ctx, e.custodyID, userID, collateralAmount); rerr != nil {
			slog.Error("collateral refund failed after mint failure", "user", userID, "err", rerr)
		}
		return nil, fmt.Errorf("%w: %s", ErrMintFailed, err)
	}

	err = e.commit(ctx, p,
		e.newEvent(model.OpDeposit, userID, asset, collateralAmount, factor, ""),
		e.newEvent(model.OpMint, userID, "", debtAmount, factor, ""),
	)
	if err != nil {
		return nil, err
	}
	slog.Info("position opened", "user", userID, "asset", asset,
		"collateral", collateralAmount.String(), "debt", debtAmount.String(),
		"health_factor", factor.String())
	return factor, nil
}

// RedeemAndBurn is the composite close-position call: debt is retired
// first, then collateral is released, and the redeem health check on the
// combined staged state is the one that binds.
func (e *Engine) RedeemAndBurn(ctx context.Context, userID, asset string, collateralAmount, debtAmount *big.Int) (*big.Int, error) {
	if err := e.guard.enter(); err != nil {
		return nil, err
	}
	defer e.guard.exit()

	p, err := e.loadPosition(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := e.burnStaged(p, debtAmount); err != nil {
		return nil, err
	}
	factor, err := e.redeemStaged(p, asset, collateralAmount)
	if err != nil {
		return nil, err
	}

	if err := e.pullAndBurnDebt(ctx, userID, debtAmount); err != nil {
		return nil, err
	}
	if err := e.payOutCollateral(ctx, asset, userID, collateralAmount); err != nil {
		// The burn already destroyed the pulled units; restore them so the
		// caller is made whole before the operation reports failure.
		if rerr := e.debt.Mint(ctx, userID, debtAmount); rerr != nil {
			slog.Error("debt restore failed after payout failure", "user", userID, "err", rerr)
		}
		return nil, err
	}

	err = e.commit(ctx, p,
		e.newEvent(model.OpBurn, userID, "", debtAmount, factor, ""),
		e.newEvent(model.OpRedeem, userID, asset, collateralAmount, factor, ""),
	)
	if err != nil {
		return nil, err
	}
	slog.Info("position unwound", "user", userID, "asset", asset,
		"collateral", collateralAmount.String(), "debt", debtAmount.String())
	return factor, nil
}

// --- Read-only queries ---

// Snapshot returns the user's debt, aggregate collateral value, health
// factor, and per-asset balances. Side-effect free.
func (e *Engine) Snapshot(ctx context.Context, userID string) (*model.AccountSnapshot, error) {
	p, err := e.loadPosition(ctx, userID)
	if err != nil {
		return nil, err
	}
	return e.snapshotOf(p)
}

func (e *Engine) snapshotOf(p *model.Position) (*model.AccountSnapshot, error) {
	value, err := e.collateralValue(p)
	if err != nil {
		return nil, err
	}
	collateral := make(map[string]*big.Int, len(e.registry.Assets()))
	for _, asset := range e.registry.Assets() {
		collateral[asset] = p.CollateralOf(asset)
	}
	return &model.AccountSnapshot{
		UserID:          p.UserID,
		Debt:            new(big.Int).Set(p.Debt),
		CollateralValue: value,
		HealthFactor:    HealthFactor(p.Debt, value),
		Collateral:      collateral,
	}, nil
}

// CollateralBalance returns the user's deposited amount of one asset.
func (e *Engine) CollateralBalance(ctx context.Context, userID, asset string) (*big.Int, error) {
	if _, err := e.registry.Feed(asset); err != nil {
		return nil, err
	}
	p, err := e.loadPosition(ctx, userID)
	if err != nil {
		return nil, err
	}
	return p.CollateralOf(asset), nil
}

// UserHealthFactor reports the user's current solvency ratio.
func (e *Engine) UserHealthFactor(ctx context.Context, userID string) (*big.Int, error) {
	p, err := e.loadPosition(ctx, userID)
	if err != nil {
		return nil, err
	}
	return e.positionHealth(p)
}

// TotalCollateralValue reports the USD value of all of the user's
// collateral in 18-decimal fixed point.
func (e *Engine) TotalCollateralValue(ctx context.Context, userID string) (*big.Int, error) {
	p, err := e.loadPosition(ctx, userID)
	if err != nil {
		return nil, err
	}
	return e.collateralValue(p)
}

// AtRisk scans all positions and returns snapshots of those below the
// minimum health factor, for off-chain liquidation tooling.
func (e *Engine) AtRisk(ctx context.Context) ([]model.AccountSnapshot, error) {
	positions, err := e.store.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.AccountSnapshot
	for i := range positions {
		positions[i].Normalize()
		snap, err := e.snapshotOf(&positions[i])
		if err != nil {
			return nil, err
		}
		if !Healthy(snap.HealthFactor) {
			out = append(out, *snap)
		}
	}
	return out, nil
}
