package event

import (
	"encoding/json"
	"fmt"
)

// DecodePayload reconstructs a typed event from its JSON-encoded envelope
// payload. Used by replay and by downstream consumers of the event log.
func DecodePayload(eventType EventType, payload []byte) (Event, error) {
	var evt Event

	switch eventType {
	case EventTypeDepositConfirmed:
		evt = &DepositConfirmed{}
	case EventTypeWithdrawalConfirmed:
		evt = &WithdrawalConfirmed{}
	case EventTypePnlSettled:
		evt = &PnlSettled{}
	case EventTypeTradeExecuted:
		evt = &TradeExecuted{}
	case EventTypePositionLiquidated:
		evt = &PositionLiquidated{}
	case EventTypeBadDebtCovered:
		evt = &BadDebtCovered{}
	case EventTypeIndexPriceUpdated:
		evt = &IndexPriceUpdated{}
	case EventTypeFundingRateSnapshot:
		evt = &FundingRateSnapshot{}
	case EventTypeFundingEpochSettled:
		evt = &FundingEpochSettled{}
	case EventTypeMarketParamsUpdated:
		evt = &MarketParamsUpdated{}
	case EventTypeBackstopSetUpdated:
		evt = &BackstopSetUpdated{}
	default:
		return nil, fmt.Errorf("unknown event type %d", eventType)
	}

	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}

	return evt, nil
}
