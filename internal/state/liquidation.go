package state

import (
	"github.com/google/uuid"
)

// LiquidationEngine decides whether a forced close may proceed and judges
// its result. The close itself runs through the market engine; this type
// owns only the solvency and authorization rules around it.
type LiquidationEngine struct {
	margin   *MarginCalculator
	backstop *BackstopSet
}

func NewLiquidationEngine(margin *MarginCalculator, backstop *BackstopSet) *LiquidationEngine {
	return &LiquidationEngine{
		margin:   margin,
		backstop: backstop,
	}
}

// LiquidationDecision authorizes a forced close of one position.
type LiquidationDecision struct {
	BaseDelta    int64 // Signed close quantity: the full position, negated
	BadDebt      bool  // Account value already negative at decision time
	AccountValue int64 // Pre-close account value
}

// Authorize runs the pre-close rules:
//  1. no position, or account value healthy above maintenance -> NotLiquidatable
//  2. account value negative and liquidator outside the backstop set -> BadDebt
//     (deliberately the same code a failing trade gets; the caller learns the
//     position is underwater, not who may take it)
//  3. otherwise the full position may be closed at market
func (le *LiquidationEngine) Authorize(
	liquidatorID uuid.UUID,
	traderID uuid.UUID,
	market string,
) (*LiquidationDecision, error) {
	pos := le.margin.book.Get(traderID, market)
	if pos == nil || pos.IsFlat() {
		return nil, Reject(RejectNotLiquidatable, "no position in %s", market)
	}

	av, err := le.margin.AccountValueWith(traderID, nil)
	if err != nil {
		return nil, err
	}

	mm, err := le.margin.MaintenanceMarginWith(traderID, nil)
	if err != nil {
		return nil, err
	}

	if av >= 0 && av >= mm {
		return nil, Reject(RejectNotLiquidatable,
			"account value %d meets maintenance requirement %d", av, mm)
	}

	badDebt := av < 0
	if badDebt && !le.backstop.IsEligible(liquidatorID) {
		return nil, Reject(RejectBadDebt, "account value %d", av)
	}

	return &LiquidationDecision{
		BaseDelta:    -pos.Size,
		BadDebt:      badDebt,
		AccountValue: av,
	}, nil
}

// JudgeClose runs the post-close rule on the engine's actual fill, partial
// or full: a close that crystallizes bad debt (post-close account value
// negative, penalty included) is allowed only for backstop members. A
// rejection here rolls back the entire liquidation.
func (le *LiquidationEngine) JudgeClose(
	liquidatorID uuid.UUID,
	traderID uuid.UUID,
	market string,
	outcome FillOutcome,
	penalty int64,
) error {
	adj := &Adjustment{
		Market:          market,
		NewSize:         outcome.NewSize,
		NewOpenNotional: outcome.NewOpenNotional,
		CollateralDelta: -penalty,
		OwedPnlDelta:    outcome.RealizedPnl,
	}

	av, err := le.margin.AccountValueWith(traderID, adj)
	if err != nil {
		return err
	}

	if av < 0 && !le.backstop.IsEligible(liquidatorID) {
		return Reject(RejectBadDebt, "post-close account value %d", av)
	}

	return nil
}
