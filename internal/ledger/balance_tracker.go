package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances. Balances are signed:
// trader collateral goes negative when bad debt is crystallized, and the
// insurance fund goes negative when it covers more than it holds. Unseen
// accounts read as zero.
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account (zero for unseen keys)
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// === Trader balance queries ===

// GetTraderCollateral returns the signed settlement-asset collateral balance.
func (bt *BalanceTracker) GetTraderCollateral(traderID uuid.UUID) int64 {
	return bt.GetBalance(NewTraderAccountKey(traderID, SubTypeCollateral, SettlementAssetID))
}

// GetTraderOwedPnl returns PnL realized by trades and funding but not yet
// settled into collateral.
func (bt *BalanceTracker) GetTraderOwedPnl(traderID uuid.UUID) int64 {
	return bt.GetBalance(NewTraderAccountKey(traderID, SubTypeOwedPnl, SettlementAssetID))
}

// GetInsuranceFundBalance returns the signed insurance fund balance.
func (bt *BalanceTracker) GetInsuranceFundBalance() int64 {
	return bt.GetBalance(InsuranceFundKey())
}

// === Invariant checks ===

// ComputeGlobalBalance sums all account balances per asset (must be 0 for a
// zero-sum ledger: every unit in a user or system account is matched by an
// external boundary entry).
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)

	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances (for state hashing and snapshots)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// SetBalance overwrites an account balance. Only used during snapshot restore.
func (bt *BalanceTracker) SetBalance(key AccountKey, balance int64) {
	if balance == 0 {
		delete(bt.balances, key)
		return
	}
	bt.balances[key] = balance
}
