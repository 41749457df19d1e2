package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypePnlRealization
	JournalTypePnlSettlement
	JournalTypeTradeFee
	JournalTypeInsuranceFee
	JournalTypeFundingPayment
	JournalTypeFundingResidual
	JournalTypeLiquidationPenalty
	JournalTypeLiquidationReward
	JournalTypeInsuranceCoverage
	JournalTypeAdjustment
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypePnlRealization:
		return "pnl_realization"
	case JournalTypePnlSettlement:
		return "pnl_settlement"
	case JournalTypeTradeFee:
		return "trade_fee"
	case JournalTypeInsuranceFee:
		return "insurance_fee"
	case JournalTypeFundingPayment:
		return "funding_payment"
	case JournalTypeFundingResidual:
		return "funding_residual"
	case JournalTypeLiquidationPenalty:
		return "liquidation_penalty"
	case JournalTypeLiquidationReward:
		return "liquidation_reward"
	case JournalTypeInsuranceCoverage:
		return "insurance_coverage"
	case JournalTypeAdjustment:
		return "adjustment"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source event
	Sequence      int64       // Global event sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        int64       // Fixed-point amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Versioned input timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries. A batch is the atomic
// unit of ledger mutation: it is applied in full or not at all.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Note on balance invariant: each journal entry is a balanced transfer by construction
// (a single positive amount moves from credit account to debit account). Therefore
// Σ debits == Σ credits is guaranteed per-entry. Multi-leg batches (e.g., trade with fee
// and realized PnL) use multiple entries under one batch_id — each individually balanced.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}
