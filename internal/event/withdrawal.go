package event

import (
	"time"

	"github.com/google/uuid"
)

// WithdrawalConfirmed records an accepted withdrawal. SettledPnl is the
// owed-PnL amount moved into collateral before the transfer out; replay
// books both legs from this one fact. Rejected withdrawals are synchronous
// errors and never reach the log.
type WithdrawalConfirmed struct {
	WithdrawalID uuid.UUID
	TraderID     uuid.UUID
	Asset        string
	Amount       int64 // Fixed-point: quote scale
	SettledPnl   int64 // Signed owed-PnL settled before the transfer
	Sequence     int64
	Timestamp    time.Time
}

func (w *WithdrawalConfirmed) IdempotencyKey() string {
	return w.WithdrawalID.String()
}

func (w *WithdrawalConfirmed) EventType() EventType {
	return EventTypeWithdrawalConfirmed
}

func (w *WithdrawalConfirmed) MarketID() *string {
	return nil // Global event
}

func (w *WithdrawalConfirmed) SourceSequence() int64 {
	return w.Sequence
}
