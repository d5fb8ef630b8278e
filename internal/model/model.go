// Package model defines the core domain types shared across the vault
// engine. All monetary values are big integers in 18-decimal fixed point —
// never float64 for money.
package model

import (
	"math/big"
	"time"
)

// Operation names recorded in the event ledger.
const (
	OpDeposit   = "DEPOSIT"
	OpRedeem    = "REDEEM"
	OpMint      = "MINT"
	OpBurn      = "BURN"
	OpLiquidate = "LIQUIDATE"
)

// Position is one user's collateral balances and debt. A position springs
// into existence on first deposit and decays back to all-zero balances; an
// all-zero position is indistinguishable from a never-used account.
type Position struct {
	UserID     string              `json:"user_id"`
	Collateral map[string]*big.Int `json:"collateral"` // asset → deposited amount
	Debt       *big.Int            `json:"debt"`       // outstanding debt units
	UpdatedAt  time.Time           `json:"updated_at"`
}

// NewPosition returns an empty position for the user.
func NewPosition(userID string) *Position {
	return &Position{
		UserID:     userID,
		Collateral: make(map[string]*big.Int),
		Debt:       big.NewInt(0),
	}
}

// Normalize populates nil fields so callers can mutate without nil checks.
// Positions arriving from JSON or database scans may have gaps.
func (p *Position) Normalize() {
	if p.Collateral == nil {
		p.Collateral = make(map[string]*big.Int)
	}
	if p.Debt == nil {
		p.Debt = big.NewInt(0)
	}
}

// CollateralOf returns the deposited amount for one asset, zero if none.
func (p *Position) CollateralOf(asset string) *big.Int {
	if p.Collateral == nil {
		return big.NewInt(0)
	}
	amount, ok := p.Collateral[asset]
	if !ok || amount == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(amount)
}

// Clone returns a deep copy. Engine operations stage mutations on clones
// and persist only when every check has passed.
func (p *Position) Clone() *Position {
	clone := &Position{
		UserID:     p.UserID,
		Collateral: make(map[string]*big.Int, len(p.Collateral)),
		UpdatedAt:  p.UpdatedAt,
	}
	for asset, amount := range p.Collateral {
		if amount != nil {
			clone.Collateral[asset] = new(big.Int).Set(amount)
		}
	}
	if p.Debt != nil {
		clone.Debt = new(big.Int).Set(p.Debt)
	} else {
		clone.Debt = big.NewInt(0)
	}
	return clone
}

// Event is an immutable record of one completed mutating operation.
// Once created, events are never modified or deleted.
type Event struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Op           string    `json:"op"`
	Asset        string    `json:"asset,omitempty"` // empty for pure debt ops
	Amount       *big.Int  `json:"amount"`
	Counterparty string    `json:"counterparty,omitempty"` // liquidator on LIQUIDATE
	HealthFactor *big.Int  `json:"health_factor"`          // user's factor after the op
	Timestamp    time.Time `json:"timestamp"`
}

// AccountSnapshot is the read-only view served to off-chain risk tooling.
type AccountSnapshot struct {
	UserID          string              `json:"user_id"`
	Debt            *big.Int            `json:"debt"`
	CollateralValue *big.Int            `json:"collateral_value"` // USD, 18-decimal
	HealthFactor    *big.Int            `json:"health_factor"`
	Collateral      map[string]*big.Int `json:"collateral"`
}
