package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants after batches apply.
//
// Trader collateral and owed PnL are deliberately unchecked for sign:
// liquidation penalties and funding can drive both negative, and that
// negative balance is the bad-debt record the insurance fund covers.
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies the batch is internally consistent.
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateFundingPoolZero verifies a market's funding pool nets to zero.
// Holds after every funding epoch once the residual leg has booked.
func (v *InvariantValidator) ValidateFundingPoolZero(marketID string, assetID AssetID) error {
	key := FundingPoolKey(marketID)
	key.AssetID = assetID
	balance := v.tracker.GetBalance(key)

	if balance != 0 {
		return fmt.Errorf("funding pool for %s has non-zero balance: %d", marketID, balance)
	}

	return nil
}

// ValidateExternalFlows verifies the external sink accounts only move in
// their designed direction: the deposit source never above zero, the
// withdrawal sink never below.
func (v *InvariantValidator) ValidateExternalFlows(assetID AssetID) error {
	deposits := v.tracker.GetBalance(NewExternalAccountKey(SubTypeExternalDeposits, assetID))
	if deposits > 0 {
		return fmt.Errorf("external deposit source has positive balance: %d", deposits)
	}

	withdrawals := v.tracker.GetBalance(NewExternalAccountKey(SubTypeExternalWithdrawals, assetID))
	if withdrawals < 0 {
		return fmt.Errorf("external withdrawal sink has negative balance: %d", withdrawals)
	}

	return nil
}

// ValidateGlobalBalance verifies the ledger is zero-sum per asset.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}
