package token_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/atmx/vault-engine/internal/token"
)

func TestTransferMovesBalance(t *testing.T) {
	ctx := context.Background()
	tok := token.NewLedgerToken("WETH")
	if err := tok.Mint(ctx, "alice", big.NewInt(100)); err != nil {
		t.Fatal(err)
	}

	if err := tok.Transfer(ctx, "alice", "bob", big.NewInt(40)); err != nil {
		t.Fatal(err)
	}
	if got := tok.BalanceOf("alice"); got.Cmp(big.NewInt(60)) != 0 {
		t.Errorf("alice = %s, want 60", got)
	}
	if got := tok.BalanceOf("bob"); got.Cmp(big.NewInt(40)) != 0 {
		t.Errorf("bob = %s, want 40", got)
	}
	if got := tok.TotalSupply(); got.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("supply = %s, want 100", got)
	}
}

func TestTransferInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	tok := token.NewLedgerToken("WETH")
	tok.Mint(ctx, "alice", big.NewInt(10))

	err := tok.Transfer(ctx, "alice", "bob", big.NewInt(11))
	if !errors.Is(err, token.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if got := tok.BalanceOf("alice"); got.Cmp(big.NewInt(10)) != 0 {
		t.Errorf("failed transfer mutated balance: %s", got)
	}
}

func TestTransferFromConsumesAllowance(t *testing.T) {
	ctx := context.Background()
	tok := token.NewLedgerToken("WETH")
	tok.Mint(ctx, "alice", big.NewInt(100))
	tok.Approve("alice", "vault", big.NewInt(50))

	if err := tok.TransferFrom(ctx, "vault", "alice", "vault", big.NewInt(30)); err != nil {
		t.Fatal(err)
	}

	// Remaining allowance is 20; a 30 spend must fail.
	err := tok.TransferFrom(ctx, "vault", "alice", "vault", big.NewInt(30))
	if !errors.Is(err, token.ErrInsufficientAllowance) {
		t.Fatalf("err = %v, want ErrInsufficientAllowance", err)
	}
	if got := tok.BalanceOf("vault"); got.Cmp(big.NewInt(30)) != 0 {
		t.Errorf("vault = %s, want 30", got)
	}
}

func TestTransferFromSelfNeedsNoAllowance(t *testing.T) {
	ctx := context.Background()
	tok := token.NewLedgerToken("WETH")
	tok.Mint(ctx, "vault", big.NewInt(5))

	if err := tok.TransferFrom(ctx, "vault", "vault", "bob", big.NewInt(5)); err != nil {
		t.Fatalf("self spend failed: %v", err)
	}
}

func TestMintBurnSupply(t *testing.T) {
	ctx := context.Background()
	tok := token.NewLedgerToken("VUSD")
	tok.Mint(ctx, "alice", big.NewInt(100))

	if err := tok.Burn(ctx, "alice", big.NewInt(60)); err != nil {
		t.Fatal(err)
	}
	if got := tok.TotalSupply(); got.Cmp(big.NewInt(40)) != 0 {
		t.Errorf("supply = %s, want 40", got)
	}

	err := tok.Burn(ctx, "alice", big.NewInt(41))
	if !errors.Is(err, token.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
}

func TestInvalidAmounts(t *testing.T) {
	ctx := context.Background()
	tok := token.NewLedgerToken("WETH")
	for _, amount := range []*big.Int{nil, big.NewInt(0), big.NewInt(-1)} {
		if err := tok.Transfer(ctx, "a", "b", amount); !errors.Is(err, token.ErrInvalidAmount) {
			t.Errorf("Transfer(%v) err = %v, want ErrInvalidAmount", amount, err)
		}
		if err := tok.Mint(ctx, "a", amount); !errors.Is(err, token.ErrInvalidAmount) {
			t.Errorf("Mint(%v) err = %v, want ErrInvalidAmount", amount, err)
		}
	}
}
