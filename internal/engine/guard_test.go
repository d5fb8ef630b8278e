package engine_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/atmx/vault-engine/internal/engine"
	"github.com/atmx/vault-engine/internal/oracle"
	"github.com/atmx/vault-engine/internal/registry"
	"github.com/atmx/vault-engine/internal/store"
	"github.com/atmx/vault-engine/internal/token"
)

// reentrantToken is a hostile collaborator: its TransferFrom calls back
// into the engine mid-operation, the way a token with transfer hooks
// could.
type reentrantToken struct {
	inner      *token.LedgerToken
	eng        *engine.Engine
	reentryErr error
}

func (r *reentrantToken) Transfer(ctx context.Context, from, to string, amount *big.Int) error {
	return r.inner.Transfer(ctx, from, to, amount)
}

func (r *reentrantToken) TransferFrom(ctx context.Context, spender, from, to string, amount *big.Int) error {
	_, r.reentryErr = r.eng.Deposit(ctx, from, "EVIL", amount)
	return r.reentryErr
}

func (r *reentrantToken) BalanceOf(holder string) *big.Int {
	return r.inner.BalanceOf(holder)
}

func TestReentrantCallbackRejected(t *testing.T) {
	ctx := context.Background()
	evil := &reentrantToken{inner: token.NewLedgerToken("EVIL")}
	reg, err := registry.New(
		[]string{"EVIL"},
		[]oracle.PriceFeed{oracle.NewStaticFeed(big.NewInt(2000e8), 8)},
	)
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemoryStore()
	debt := token.NewLedgerToken("VUSD")
	eng, err := engine.New(reg, map[string]token.Token{"EVIL": evil}, debt, st, "vault")
	if err != nil {
		t.Fatal(err)
	}
	evil.eng = eng

	evil.inner.Mint(ctx, "mallory", wad(10))
	evil.inner.Approve("mallory", "vault", wad(10))

	_, err = eng.Deposit(ctx, "mallory", "EVIL", wad(10))
	if !errors.Is(err, engine.ErrTransferFailed) {
		t.Fatalf("outer err = %v, want ErrTransferFailed", err)
	}
	if !errors.Is(evil.reentryErr, engine.ErrReentrantCall) {
		t.Fatalf("inner err = %v, want ErrReentrantCall", evil.reentryErr)
	}

	// The aborted operation left no trace.
	bal, err := eng.CollateralBalance(ctx, "mallory", "EVIL")
	if err != nil {
		t.Fatal(err)
	}
	if bal.Sign() != 0 {
		t.Errorf("recorded collateral = %s after aborted deposit", bal)
	}
	if got := evil.inner.BalanceOf("mallory"); got.Cmp(wad(10)) != 0 {
		t.Errorf("mallory balance = %s, want 10", got)
	}

	// The guard is released after the abort; a clean retry works.
	honest := newTestEnv(t)
	honest.fundWETH(t, "mallory", wad(10))
	if _, err := honest.eng.Deposit(ctx, "mallory", "WETH", wad(10)); err != nil {
		t.Fatalf("post-abort deposit failed: %v", err)
	}

	// And the original engine accepts new operations too.
	if _, err := eng.Snapshot(ctx, "mallory"); err != nil {
		t.Fatalf("snapshot after abort failed: %v", err)
	}
}
