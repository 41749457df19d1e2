// Package vault is the collateral intake and release surface. It assigns
// operation identities at the API boundary and delegates all accounting
// to the clearing core, which owns the solvency rules.
package vault

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpClear/internal/core"
)

type Vault struct {
	core *core.ClearingCore
	log  zerolog.Logger
}

func New(c *core.ClearingCore, log zerolog.Logger) *Vault {
	return &Vault{
		core: c,
		log:  log.With().Str("component", "vault").Logger(),
	}
}

// Deposit credits collateral and returns the deposit's assigned identity.
// The identity doubles as the idempotency key: retrying with the same
// ID is safe, retrying through this method mints a new deposit.
func (v *Vault) Deposit(ctx context.Context, traderID uuid.UUID, asset string, amount int64) (uuid.UUID, error) {
	depositID := uuid.New()

	err := v.core.Deposit(ctx, &core.DepositCommand{
		DepositID: depositID,
		TraderID:  traderID,
		Asset:     asset,
		Amount:    amount,
		Timestamp: time.Now(),
	})
	if err != nil {
		return uuid.Nil, err
	}

	v.log.Info().
		Str("trader_id", traderID.String()).
		Str("deposit_id", depositID.String()).
		Int64("amount", amount).
		Msg("deposit accepted")
	return depositID, nil
}

// Withdraw settles owed PnL and releases collateral if free collateral
// covers the amount.
func (v *Vault) Withdraw(ctx context.Context, traderID uuid.UUID, asset string, amount int64) (uuid.UUID, error) {
	withdrawalID := uuid.New()

	err := v.core.Withdraw(ctx, &core.WithdrawCommand{
		WithdrawalID: withdrawalID,
		TraderID:     traderID,
		Asset:        asset,
		Amount:       amount,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return uuid.Nil, err
	}

	v.log.Info().
		Str("trader_id", traderID.String()).
		Str("withdrawal_id", withdrawalID.String()).
		Int64("amount", amount).
		Msg("withdrawal accepted")
	return withdrawalID, nil
}

// BalanceOf returns the trader's settled collateral and owed PnL.
func (v *Vault) BalanceOf(ctx context.Context, traderID uuid.UUID) (collateral, owedPnl int64, err error) {
	return v.core.BalancesOf(ctx, traderID)
}

// FreeCollateralOf returns the trader's withdrawable collateral, clamped
// at zero.
func (v *Vault) FreeCollateralOf(ctx context.Context, traderID uuid.UUID) (int64, error) {
	return v.core.FreeCollateralOf(ctx, traderID)
}
