package ledger

import (
	"fmt"

	fpmath "PerpClear/internal/math"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches for accepted operations.
// Solvency decisions happen in the gate before any generator runs; generators
// only translate an accepted outcome into double-entry legs.
type JournalGenerator struct {
	sequence int64
}

func NewJournalGenerator(startSequence int64) *JournalGenerator {
	return &JournalGenerator{
		sequence: startSequence,
	}
}

// Sequence returns the next journal sequence to be assigned.
func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}

// SetSequence overwrites the journal sequence. Only used during snapshot restore.
func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}

func (jg *JournalGenerator) newBatch(eventRef string, timestamp int64, capacity int) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, capacity),
	}
}

func (jg *JournalGenerator) appendJournal(
	batch *Batch,
	debit, credit AccountKey,
	assetID AssetID,
	amount int64,
	journalType JournalType,
) {
	batch.Journals = append(batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       batch.BatchID,
		EventRef:      batch.EventRef,
		Sequence:      batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   journalType,
		Timestamp:     batch.Timestamp,
	})
}

// appendSigned books a signed transfer as a positive-amount journal,
// flipping debit/credit for negative values. Zero amounts book nothing.
func (jg *JournalGenerator) appendSigned(
	batch *Batch,
	toAccount, fromAccount AccountKey,
	assetID AssetID,
	amount int64,
	journalType JournalType,
) {
	if amount == 0 {
		return
	}
	if amount > 0 {
		jg.appendJournal(batch, toAccount, fromAccount, assetID, amount, journalType)
	} else {
		jg.appendJournal(batch, fromAccount, toAccount, assetID, -amount, journalType)
	}
}

// GenerateDeposit books a confirmed deposit.
// Moves funds: external:deposits → trader:collateral
func (jg *JournalGenerator) GenerateDeposit(
	traderID uuid.UUID,
	depositID uuid.UUID,
	amount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive, got %d", amount)
	}

	batch := jg.newBatch(depositID.String(), timestamp, 1)
	jg.appendJournal(batch,
		NewTraderAccountKey(traderID, SubTypeCollateral, assetID),
		NewExternalAccountKey(SubTypeExternalDeposits, assetID),
		assetID, amount, JournalTypeDeposit)

	jg.sequence++
	return batch, nil
}

// GenerateWithdrawal books an accepted withdrawal: the owed-PnL settlement leg
// first, then the collateral transfer out. Both legs commit together; a
// rejected withdrawal books neither.
func (jg *JournalGenerator) GenerateWithdrawal(
	traderID uuid.UUID,
	withdrawalID uuid.UUID,
	amount int64,
	settledPnl int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if amount < 0 {
		return nil, fmt.Errorf("withdrawal amount must be non-negative, got %d", amount)
	}

	batch := jg.newBatch(withdrawalID.String(), timestamp, 2)

	jg.appendSigned(batch,
		NewTraderAccountKey(traderID, SubTypeCollateral, assetID),
		NewTraderAccountKey(traderID, SubTypeOwedPnl, assetID),
		assetID, settledPnl, JournalTypePnlSettlement)

	if amount > 0 {
		jg.appendJournal(batch,
			NewExternalAccountKey(SubTypeExternalWithdrawals, assetID),
			NewTraderAccountKey(traderID, SubTypeCollateral, assetID),
			assetID, amount, JournalTypeWithdrawal)
	}

	if len(batch.Journals) == 0 {
		return nil, nil // Nothing owed and nothing withdrawn
	}

	jg.sequence++
	return batch, nil
}

// GeneratePnlSettlement books an explicit owed-PnL settlement into collateral.
func (jg *JournalGenerator) GeneratePnlSettlement(
	traderID uuid.UUID,
	eventRef string,
	settledPnl int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if settledPnl == 0 {
		return nil, nil
	}

	batch := jg.newBatch(eventRef, timestamp, 1)
	jg.appendSigned(batch,
		NewTraderAccountKey(traderID, SubTypeCollateral, assetID),
		NewTraderAccountKey(traderID, SubTypeOwedPnl, assetID),
		assetID, settledPnl, JournalTypePnlSettlement)

	jg.sequence++
	return batch, nil
}

// GenerateTradeFill books an accepted position change: realized PnL into
// owed-PnL (counterparty is the clearing account) and the trading fee split
// between the fee account and the insurance fund. The fee legs debit
// collateral directly.
func (jg *JournalGenerator) GenerateTradeFill(
	traderID uuid.UUID,
	fillID uuid.UUID,
	realizedPnl int64,
	feeAmount int64,
	insuranceFeeAmount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if feeAmount < 0 || insuranceFeeAmount < 0 || insuranceFeeAmount > feeAmount {
		return nil, fmt.Errorf("invalid fee split: fee=%d insurance=%d", feeAmount, insuranceFeeAmount)
	}

	batch := jg.newBatch(fillID.String(), timestamp, 3)

	jg.appendSigned(batch,
		NewTraderAccountKey(traderID, SubTypeOwedPnl, assetID),
		PnlClearingKey(),
		assetID, realizedPnl, JournalTypePnlRealization)

	if exchangeFee := feeAmount - insuranceFeeAmount; exchangeFee > 0 {
		jg.appendJournal(batch,
			FeeAccountKey(),
			NewTraderAccountKey(traderID, SubTypeCollateral, assetID),
			assetID, exchangeFee, JournalTypeTradeFee)
	}

	if insuranceFeeAmount > 0 {
		jg.appendJournal(batch,
			InsuranceFundKey(),
			NewTraderAccountKey(traderID, SubTypeCollateral, assetID),
			assetID, insuranceFeeAmount, JournalTypeInsuranceFee)
	}

	if len(batch.Journals) == 0 {
		return nil, nil
	}

	jg.sequence++
	return batch, nil
}

// GenerateLiquidation books a forced close: realized PnL, full owed-PnL
// settlement into collateral, then the penalty split between the liquidator
// reward and the insurance fund. The penalty legs may drive the trader's
// collateral negative — that is how bad debt becomes an explicit liability.
func (jg *JournalGenerator) GenerateLiquidation(
	traderID uuid.UUID,
	liquidatorID uuid.UUID,
	liquidationID uuid.UUID,
	realizedPnl int64,
	settledPnl int64,
	penalty int64,
	liquidatorReward int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if penalty < 0 || liquidatorReward < 0 || liquidatorReward > penalty {
		return nil, fmt.Errorf("invalid penalty split: penalty=%d reward=%d", penalty, liquidatorReward)
	}

	batch := jg.newBatch(liquidationID.String(), timestamp, 4)

	jg.appendSigned(batch,
		NewTraderAccountKey(traderID, SubTypeOwedPnl, assetID),
		PnlClearingKey(),
		assetID, realizedPnl, JournalTypePnlRealization)

	jg.appendSigned(batch,
		NewTraderAccountKey(traderID, SubTypeCollateral, assetID),
		NewTraderAccountKey(traderID, SubTypeOwedPnl, assetID),
		assetID, settledPnl, JournalTypePnlSettlement)

	if liquidatorReward > 0 {
		jg.appendJournal(batch,
			NewTraderAccountKey(liquidatorID, SubTypeCollateral, assetID),
			NewTraderAccountKey(traderID, SubTypeCollateral, assetID),
			assetID, liquidatorReward, JournalTypeLiquidationReward)
	}

	if insuranceShare := penalty - liquidatorReward; insuranceShare > 0 {
		jg.appendJournal(batch,
			InsuranceFundKey(),
			NewTraderAccountKey(traderID, SubTypeCollateral, assetID),
			assetID, insuranceShare, JournalTypeLiquidationPenalty)
	}

	if len(batch.Journals) == 0 {
		return nil, nil
	}

	jg.sequence++
	return batch, nil
}

// GenerateBadDebtCoverage books insurance-fund absorption of a trader's
// negative collateral. The fund balance is allowed to go negative.
func (jg *JournalGenerator) GenerateBadDebtCoverage(
	traderID uuid.UUID,
	eventRef string,
	coverageAmount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if coverageAmount <= 0 {
		return nil, fmt.Errorf("coverage amount must be positive, got %d", coverageAmount)
	}

	batch := jg.newBatch(eventRef, timestamp, 1)
	jg.appendJournal(batch,
		NewTraderAccountKey(traderID, SubTypeCollateral, assetID),
		InsuranceFundKey(),
		assetID, coverageAmount, JournalTypeInsuranceCoverage)

	jg.sequence++
	return batch, nil
}

// GenerateFundingSettlement books one batch per trader for a funding epoch.
// Payments flow through owed-PnL, which may go negative, so there is no
// deficit path here; the rounding residual nets the per-market funding pool
// back to zero against the fee account.
func (jg *JournalGenerator) GenerateFundingSettlement(
	settlement *fpmath.FundingSettlement,
	assetID AssetID,
	timestamp int64,
) ([]*Batch, error) {
	batches := make([]*Batch, 0, len(settlement.Payments)+1)
	poolKey := FundingPoolKey(settlement.MarketID)

	for _, payment := range settlement.Payments {
		traderID := uuid.UUID(payment.TraderID)
		eventRef := fmt.Sprintf("%s:%d:%s", settlement.MarketID, settlement.EpochID, traderID.String())

		batch := jg.newBatch(eventRef, timestamp, 1)

		// Positive payment: trader pays the pool out of owed PnL.
		jg.appendSigned(batch,
			poolKey,
			NewTraderAccountKey(traderID, SubTypeOwedPnl, assetID),
			assetID, payment.Payment, JournalTypeFundingPayment)

		jg.sequence++
		batches = append(batches, batch)
	}

	if settlement.Residual != 0 {
		eventRef := fmt.Sprintf("%s:%d:residual", settlement.MarketID, settlement.EpochID)
		batch := jg.newBatch(eventRef, timestamp, 1)

		jg.appendSigned(batch,
			FeeAccountKey(),
			poolKey,
			assetID, settlement.Residual, JournalTypeFundingResidual)

		jg.sequence++
		batches = append(batches, batch)
	}

	return batches, nil
}
