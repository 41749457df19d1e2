package state

import (
	fpmath "PerpClear/internal/math"

	"github.com/google/uuid"
)

// SolvencyGate judges every state-changing action on the hypothetical
// post-action state before anything mutates. All checks in one call use the
// index prices as they stand at call start; the caller must not advance
// them mid-decision.
//
// The rules, per action class:
//   - any fill: post-action accountValue >= 0, else BadDebt
//   - fills that add exposure (open, increase, flip): additionally
//     post-action signed free collateral >= 0, else
//     InsufficientFreeCollateralForIncrease
//   - withdrawal: owed PnL settles into collateral first, then the amount
//     must fit inside post-settlement free collateral
type SolvencyGate struct {
	margin *MarginCalculator
}

func NewSolvencyGate(margin *MarginCalculator) *SolvencyGate {
	return &SolvencyGate{margin: margin}
}

// CheckFill judges a previewed fill. fee debits collateral and realized
// PnL lands in owed PnL, so both are part of the post-trade valuation.
func (g *SolvencyGate) CheckFill(traderID uuid.UUID, market string, outcome FillOutcome, fee int64) error {
	adj := &Adjustment{
		Market:          market,
		NewSize:         outcome.NewSize,
		NewOpenNotional: outcome.NewOpenNotional,
		CollateralDelta: -fee,
		OwedPnlDelta:    outcome.RealizedPnl,
	}

	av, err := g.margin.AccountValueWith(traderID, adj)
	if err != nil {
		return err
	}
	if av < 0 {
		return Reject(RejectBadDebt, "post-trade account value %d", av)
	}

	if outcome.Action.AddsExposure() {
		fc, err := g.margin.FreeCollateralSignedWith(traderID, adj)
		if err != nil {
			return err
		}
		if fc < 0 {
			return Reject(RejectInsufficientForIncrease, "post-trade free collateral %d", fc)
		}
	}

	return nil
}

// CheckWithdrawal judges a withdrawal and returns the owed-PnL settlement
// that must be booked with it. Zero-amount requests are short-circuited by
// the caller before reaching the gate.
func (g *SolvencyGate) CheckWithdrawal(traderID uuid.UUID, amount int64) (settledPnl int64, err error) {
	settledPnl = g.margin.balances.GetTraderOwedPnl(traderID)

	adj := &Adjustment{
		CollateralDelta: settledPnl,
		OwedPnlDelta:    -settledPnl,
	}

	fc, err := g.margin.FreeCollateralSignedWith(traderID, adj)
	if err != nil {
		return 0, err
	}

	if available := fpmath.Max64(fc, 0); amount > available {
		return 0, Reject(RejectInsufficientForWithdraw,
			"amount %d exceeds free collateral %d", amount, available)
	}

	return settledPnl, nil
}
