package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PnlSettled records an explicit owed-PnL settlement into collateral.
type PnlSettled struct {
	RequestID  uuid.UUID
	TraderID   uuid.UUID
	SettledPnl int64 // Signed: positive moved into collateral, negative out
	Sequence   int64
	Timestamp  time.Time
}

func (p *PnlSettled) IdempotencyKey() string {
	return fmt.Sprintf("settle:%s", p.RequestID)
}

func (p *PnlSettled) EventType() EventType {
	return EventTypePnlSettled
}

func (p *PnlSettled) MarketID() *string {
	return nil
}

func (p *PnlSettled) SourceSequence() int64 {
	return p.Sequence
}

// BadDebtCovered records insurance-fund absorption of a trader's negative
// collateral balance.
type BadDebtCovered struct {
	RequestID uuid.UUID
	TraderID  uuid.UUID
	Amount    int64 // Always positive: the covered shortfall
	Sequence  int64
	Timestamp time.Time
}

func (b *BadDebtCovered) IdempotencyKey() string {
	return fmt.Sprintf("cover:%s", b.RequestID)
}

func (b *BadDebtCovered) EventType() EventType {
	return EventTypeBadDebtCovered
}

func (b *BadDebtCovered) MarketID() *string {
	return nil
}

func (b *BadDebtCovered) SourceSequence() int64 {
	return b.Sequence
}
