package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDepositConfirmed
	EventTypeWithdrawalConfirmed
	EventTypePnlSettled
	EventTypeTradeExecuted
	EventTypePositionLiquidated
	EventTypeBadDebtCovered
	EventTypeIndexPriceUpdated
	EventTypeFundingRateSnapshot
	EventTypeFundingEpochSettled
	EventTypeMarketParamsUpdated
	EventTypeBackstopSetUpdated
)

// EventEnvelope wraps every fact in the log. Only accepted operations are
// logged: a rejected command returns an error to the caller and leaves no
// trace here.
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Market context (nullable for global events)
	MarketID *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the market context (nil for global events)
	MarketID() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeDepositConfirmed:
		return "DepositConfirmed"
	case EventTypeWithdrawalConfirmed:
		return "WithdrawalConfirmed"
	case EventTypePnlSettled:
		return "PnlSettled"
	case EventTypeTradeExecuted:
		return "TradeExecuted"
	case EventTypePositionLiquidated:
		return "PositionLiquidated"
	case EventTypeBadDebtCovered:
		return "BadDebtCovered"
	case EventTypeIndexPriceUpdated:
		return "IndexPriceUpdated"
	case EventTypeFundingRateSnapshot:
		return "FundingRateSnapshot"
	case EventTypeFundingEpochSettled:
		return "FundingEpochSettled"
	case EventTypeMarketParamsUpdated:
		return "MarketParamsUpdated"
	case EventTypeBackstopSetUpdated:
		return "BackstopSetUpdated"
	default:
		return "Unknown"
	}
}

// EventTypeFromString is the inverse of String, used when events are read
// back from storage.
func EventTypeFromString(s string) EventType {
	switch s {
	case "DepositConfirmed":
		return EventTypeDepositConfirmed
	case "WithdrawalConfirmed":
		return EventTypeWithdrawalConfirmed
	case "PnlSettled":
		return EventTypePnlSettled
	case "TradeExecuted":
		return EventTypeTradeExecuted
	case "PositionLiquidated":
		return EventTypePositionLiquidated
	case "BadDebtCovered":
		return EventTypeBadDebtCovered
	case "IndexPriceUpdated":
		return EventTypeIndexPriceUpdated
	case "FundingRateSnapshot":
		return EventTypeFundingRateSnapshot
	case "FundingEpochSettled":
		return EventTypeFundingEpochSettled
	case "MarketParamsUpdated":
		return EventTypeMarketParamsUpdated
	case "BackstopSetUpdated":
		return EventTypeBackstopSetUpdated
	default:
		return EventTypeUnknown
	}
}
