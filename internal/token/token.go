// Package token defines the asset transfer collaborators the vault engine
// drives. The engine never inspects balances directly — it requests
// transfers and treats any failure as fatal to the enclosing operation.
package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
)

var (
	// ErrInsufficientBalance is returned when a transfer or burn exceeds the
	// holder's balance.
	ErrInsufficientBalance = errors.New("token: insufficient balance")

	// ErrInsufficientAllowance is returned when a TransferFrom exceeds the
	// spender's approved allowance.
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")

	// ErrInvalidAmount is returned for nil, zero, or negative amounts.
	ErrInvalidAmount = errors.New("token: amount must be positive")
)

// Token is the conservation-preserving transfer collaborator for one
// collateral asset. A nil error means the transfer happened in full; there
// are no partial transfers.
type Token interface {
	// Transfer moves amount from the engine's custody account to another
	// holder.
	Transfer(ctx context.Context, from, to string, amount *big.Int) error

	// TransferFrom moves amount between holders using the allowance the
	// owner granted to spender.
	TransferFrom(ctx context.Context, spender, from, to string, amount *big.Int) error

	// BalanceOf reports the holder's current balance.
	BalanceOf(holder string) *big.Int
}

// DebtToken is the synthetic debt unit. The vault engine is its sole
// authorized minter and burner.
type DebtToken interface {
	Token

	// Mint creates amount new units credited to the holder.
	Mint(ctx context.Context, to string, amount *big.Int) error

	// Burn destroys amount units held by the holder.
	Burn(ctx context.Context, holder string, amount *big.Int) error
}

// LedgerToken is an in-process Token/DebtToken backed by balance and
// allowance maps. It serves tests and the self-contained deployment; a
// chain-backed adapter would replace it in custody deployments.
type LedgerToken struct {
	symbol string

	mu          sync.Mutex
	balances    map[string]*big.Int
	allowances  map[string]map[string]*big.Int
	totalSupply *big.Int
}

// NewLedgerToken creates an empty ledger for the given asset symbol.
func NewLedgerToken(symbol string) *LedgerToken {
	return &LedgerToken{
		symbol:      symbol,
		balances:    make(map[string]*big.Int),
		allowances:  make(map[string]map[string]*big.Int),
		totalSupply: big.NewInt(0),
	}
}

// Symbol returns the asset symbol this ledger tracks.
func (t *LedgerToken) Symbol() string { return t.symbol }

func (t *LedgerToken) balance(holder string) *big.Int {
	b, ok := t.balances[holder]
	if !ok {
		b = big.NewInt(0)
		t.balances[holder] = b
	}
	return b
}

func (t *LedgerToken) allowance(owner, spender string) *big.Int {
	byOwner, ok := t.allowances[owner]
	if !ok {
		return big.NewInt(0)
	}
	a, ok := byOwner[spender]
	if !ok {
		return big.NewInt(0)
	}
	return a
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (t *LedgerToken) Transfer(_ context.Context, from, to string, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.move(from, to, amount)
}

func (t *LedgerToken) TransferFrom(_ context.Context, spender, from, to string, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if spender != from {
		allowed := t.allowance(from, spender)
		if allowed.Cmp(amount) < 0 {
			return fmt.Errorf("%w: %s allows %s to spend %s, requested %s",
				ErrInsufficientAllowance, from, spender, allowed, amount)
		}
		t.allowances[from][spender] = new(big.Int).Sub(allowed, amount)
	}
	return t.move(from, to, amount)
}

// move transfers under the lock. Callers hold t.mu.
func (t *LedgerToken) move(from, to string, amount *big.Int) error {
	fromBal := t.balance(from)
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s %s, requested %s",
			ErrInsufficientBalance, from, fromBal, t.symbol, amount)
	}
	t.balances[from] = new(big.Int).Sub(fromBal, amount)
	t.balances[to] = new(big.Int).Add(t.balance(to), amount)
	return nil
}

func (t *LedgerToken) BalanceOf(holder string) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.balance(holder))
}

// Approve grants spender the right to move up to amount of owner's balance.
func (t *LedgerToken) Approve(owner, spender string, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[string]*big.Int)
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	t.allowances[owner][spender] = new(big.Int).Set(amount)
}

func (t *LedgerToken) Mint(_ context.Context, to string, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances[to] = new(big.Int).Add(t.balance(to), amount)
	t.totalSupply = new(big.Int).Add(t.totalSupply, amount)
	return nil
}

func (t *LedgerToken) Burn(_ context.Context, holder string, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	bal := t.balance(holder)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s %s, burning %s",
			ErrInsufficientBalance, holder, bal, t.symbol, amount)
	}
	t.balances[holder] = new(big.Int).Sub(bal, amount)
	t.totalSupply = new(big.Int).Sub(t.totalSupply, amount)
	return nil
}

// TotalSupply reports the outstanding minted amount.
func (t *LedgerToken) TotalSupply() *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.totalSupply)
}
