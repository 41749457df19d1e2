package event

import (
	"time"

	"github.com/google/uuid"
)

// DepositConfirmed records a custody-confirmed deposit credited to a
// trader's collateral. Idempotency key: deposit_id.
type DepositConfirmed struct {
	DepositID uuid.UUID
	TraderID  uuid.UUID
	Asset     string
	Amount    int64 // Fixed-point: quote scale
	Sequence  int64
	Timestamp time.Time
}

func (d *DepositConfirmed) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *DepositConfirmed) EventType() EventType {
	return EventTypeDepositConfirmed
}

func (d *DepositConfirmed) MarketID() *string {
	return nil // Global event
}

func (d *DepositConfirmed) SourceSequence() int64 {
	return d.Sequence
}
