package vault_test

import (
	"context"
	"testing"

	"PerpClear/internal/core"
	"PerpClear/internal/market"
	"PerpClear/internal/state"
	"PerpClear/internal/vault"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type noopEngine struct{}

func (noopEngine) Execute(context.Context, *market.Intent) (*market.Fill, error) {
	panic("vault tests never trade")
}

func newVault(t *testing.T) *vault.Vault {
	t.Helper()

	persist := make(chan core.CoreOutput, 256)
	proj := make(chan core.CoreOutput, 256)
	c := core.NewClearingCore(0, noopEngine{}, persist, proj, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(cancel)

	return vault.New(c, zerolog.Nop())
}

// ============================================================================
// Test: Deposit and withdrawal surface
// ============================================================================

func TestVault_DepositCreditsAndMintsIdentity(t *testing.T) {
	v := newVault(t)
	trader := uuid.New()

	id1, err := v.Deposit(context.Background(), trader, "USDC", 100_000_000)
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	id2, err := v.Deposit(context.Background(), trader, "USDC", 50_000_000)
	if err != nil {
		t.Fatalf("second deposit failed: %v", err)
	}
	if id1 == uuid.Nil || id2 == uuid.Nil || id1 == id2 {
		t.Errorf("deposit identities = %s / %s, want distinct non-nil", id1, id2)
	}

	collateral, owed, err := v.BalanceOf(context.Background(), trader)
	if err != nil {
		t.Fatalf("balance read failed: %v", err)
	}
	if collateral != 150_000_000 || owed != 0 {
		t.Errorf("balances = collateral %d / owed %d, want 150000000 / 0", collateral, owed)
	}
}

func TestVault_WithdrawReleasesUpToFreeCollateral(t *testing.T) {
	v := newVault(t)
	trader := uuid.New()

	if _, err := v.Deposit(context.Background(), trader, "USDC", 100_000_000); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	if _, err := v.Withdraw(context.Background(), trader, "USDC", 60_000_000); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}

	id, err := v.Withdraw(context.Background(), trader, "USDC", 60_000_000)
	rej, ok := state.AsRejection(err)
	if !ok || rej.Code != state.RejectInsufficientForWithdraw {
		t.Fatalf("expected InsufficientFreeCollateralForWithdraw, got %v", err)
	}
	if id != uuid.Nil {
		t.Errorf("rejected withdrawal returned identity %s, want nil", id)
	}

	free, err := v.FreeCollateralOf(context.Background(), trader)
	if err != nil {
		t.Fatalf("free collateral read failed: %v", err)
	}
	if free != 40_000_000 {
		t.Errorf("free collateral = %d, want 40000000", free)
	}
}

func TestVault_WithdrawUnknownAsset(t *testing.T) {
	v := newVault(t)
	trader := uuid.New()

	if _, err := v.Deposit(context.Background(), trader, "USDC", 10_000_000); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	if _, err := v.Withdraw(context.Background(), trader, "DOGE", 1_000_000); err == nil {
		t.Fatal("unknown-asset withdrawal should fail")
	}
}
