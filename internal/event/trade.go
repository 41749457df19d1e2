package event

import (
	"time"

	"github.com/google/uuid"
)

// TradeExecuted records an accepted position change, already filled by the
// market engine and passed the margin gate. BaseDelta/QuoteDelta carry the
// fill as signed deltas: a long open is (+base, -quote), closing it is
// (-base, +quote). Replay re-derives the position and the journals from
// these deltas alone.
// Idempotency key: trade_id (assigned at command intake).
type TradeExecuted struct {
	TradeID      uuid.UUID // Idempotency key
	TraderID     uuid.UUID
	Market       string
	BaseDelta    int64 // Fixed-point: quantity scale, signed
	QuoteDelta   int64 // Fixed-point: quote scale, signed
	Fee          int64 // Fixed-point: quote scale, total fee charged
	InsuranceFee int64 // Portion of Fee routed to the insurance fund
	RealizedPnl  int64 // Signed PnL realized by this fill
	IndexPrice   int64 // Valuation price snapshot used by the margin gate
	FillSequence int64 // Source sequence from the market engine
	Timestamp    time.Time
}

func (t *TradeExecuted) IdempotencyKey() string {
	return t.TradeID.String()
}

func (t *TradeExecuted) EventType() EventType {
	return EventTypeTradeExecuted
}

func (t *TradeExecuted) MarketID() *string {
	m := t.Market
	return &m
}

func (t *TradeExecuted) SourceSequence() int64 {
	return t.FillSequence
}
