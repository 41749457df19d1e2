package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MarketParamsUpdated records an admin update to a market's margin and fee
// parameters. Applies to all subsequent gate decisions in the market;
// existing positions are re-judged at their next touch or liquidation check.
type MarketParamsUpdated struct {
	Market            string
	IMRatio           int64 // Initial margin ratio (ratio scale)
	MMRatio           int64 // Maintenance margin ratio (ratio scale)
	FeeRatio          int64 // Taker fee on |exchanged notional| (ratio scale)
	InsuranceFeeShare int64 // Share of the fee routed to insurance (ratio scale)
	PenaltyRatio      int64 // Liquidation penalty on |closed notional| (ratio scale)
	RewardShare       int64 // Liquidator's share of the penalty (ratio scale)
	Sequence          int64
	Timestamp         time.Time
}

func (m *MarketParamsUpdated) IdempotencyKey() string {
	return fmt.Sprintf("params:%s:%d", m.Market, m.Sequence)
}

func (m *MarketParamsUpdated) EventType() EventType {
	return EventTypeMarketParamsUpdated
}

func (m *MarketParamsUpdated) MarketID() *string {
	s := m.Market
	return &s
}

func (m *MarketParamsUpdated) SourceSequence() int64 {
	return m.Sequence
}

// BackstopSetUpdated records an admin change to backstop liquidator
// eligibility. Only backstop members may take over bad-debt positions.
type BackstopSetUpdated struct {
	TraderID  uuid.UUID
	Eligible  bool
	Sequence  int64
	Timestamp time.Time
}

func (b *BackstopSetUpdated) IdempotencyKey() string {
	return fmt.Sprintf("backstop:%s:%d", b.TraderID, b.Sequence)
}

func (b *BackstopSetUpdated) EventType() EventType {
	return EventTypeBackstopSetUpdated
}

func (b *BackstopSetUpdated) MarketID() *string {
	return nil
}

func (b *BackstopSetUpdated) SourceSequence() int64 {
	return b.Sequence
}
