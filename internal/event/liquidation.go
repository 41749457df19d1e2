package event

import (
	"time"

	"github.com/google/uuid"
)

// PositionLiquidated records a completed forced close. The deltas are the
// engine fill that closed (part of) the position; Penalty and
// LiquidatorReward are the charge split booked against the liquidated
// trader's collateral. BadDebt marks a close whose post-settlement account
// value was negative.
type PositionLiquidated struct {
	LiquidationID uuid.UUID // Idempotency key
	TraderID      uuid.UUID // Liquidated trader
	LiquidatorID  uuid.UUID // Caller receiving the reward
	Market        string
	BaseDelta     int64 // Signed close delta, opposite sign to the position
	QuoteDelta    int64 // Signed proceeds from the forced close
	RealizedPnl   int64 // PnL realized by the close
	SettledPnl    int64 // Full owed-PnL settlement booked with the close
	Penalty       int64 // Total penalty charged
	Reward        int64 // Portion of Penalty paid to the liquidator
	IndexPrice    int64 // Valuation price snapshot for the decision
	BadDebt       bool
	Sequence      int64
	Timestamp     time.Time
}

func (l *PositionLiquidated) IdempotencyKey() string {
	return l.LiquidationID.String()
}

func (l *PositionLiquidated) EventType() EventType {
	return EventTypePositionLiquidated
}

func (l *PositionLiquidated) MarketID() *string {
	m := l.Market
	return &m
}

func (l *PositionLiquidated) SourceSequence() int64 {
	return l.Sequence
}
