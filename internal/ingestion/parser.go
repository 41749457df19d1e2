package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"PerpClear/internal/event"

	"github.com/google/uuid"
)

// ParseRawEvent converts a raw NATS message into a typed fact event. The
// shell validates and converts here; the core only ever sees typed events.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "DepositConfirmed":
		return parseDepositConfirmed(raw.Data)
	case "IndexPriceUpdated":
		return parseIndexPriceUpdated(raw.Data)
	case "FundingRateSnapshot":
		return parseFundingRateSnapshot(raw.Data)
	case "FundingEpochSettled":
		return parseFundingEpochSettled(raw.Data)
	case "MarketParamsUpdated":
		return parseMarketParamsUpdated(raw.Data)
	case "BackstopSetUpdated":
		return parseBackstopSetUpdated(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers; timestamps are
// epoch microseconds.

type depositJSON struct {
	DepositID   string `json:"deposit_id"`
	TraderID    string `json:"trader_id"`
	Asset       string `json:"asset"`
	Amount      int64  `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDepositConfirmed(data []byte) (*event.DepositConfirmed, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositConfirmed: %w", err)
	}
	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	traderID, err := uuid.Parse(j.TraderID)
	if err != nil {
		return nil, fmt.Errorf("parse trader_id: %w", err)
	}
	return &event.DepositConfirmed{
		DepositID: depositID,
		TraderID:  traderID,
		Asset:     j.Asset,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type indexPriceJSON struct {
	Market        string `json:"market"`
	Price         int64  `json:"price"`
	PriceSequence int64  `json:"price_sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parseIndexPriceUpdated(data []byte) (*event.IndexPriceUpdated, error) {
	var j indexPriceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse IndexPriceUpdated: %w", err)
	}
	if j.Market == "" {
		return nil, fmt.Errorf("parse IndexPriceUpdated: empty market")
	}
	return &event.IndexPriceUpdated{
		Market:        j.Market,
		Price:         j.Price,
		PriceSequence: j.PriceSequence,
		Timestamp:     time.UnixMicro(j.TimestampUs),
	}, nil
}

type fundingSnapshotJSON struct {
	Market      string `json:"market"`
	FundingRate int64  `json:"funding_rate"`
	EpochID     int64  `json:"epoch_id"`
	MarkPrice   int64  `json:"mark_price"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseFundingRateSnapshot(data []byte) (*event.FundingRateSnapshot, error) {
	var j fundingSnapshotJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse FundingRateSnapshot: %w", err)
	}
	if j.Market == "" {
		return nil, fmt.Errorf("parse FundingRateSnapshot: empty market")
	}
	return &event.FundingRateSnapshot{
		Market:      j.Market,
		FundingRate: j.FundingRate,
		EpochID:     j.EpochID,
		MarkPrice:   j.MarkPrice,
		Timestamp:   time.UnixMicro(j.TimestampUs),
	}, nil
}

type fundingSettleJSON struct {
	Market      string `json:"market"`
	EpochID     int64  `json:"epoch_id"`
	FundingRate int64  `json:"funding_rate"`
	MarkPrice   int64  `json:"mark_price"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseFundingEpochSettled(data []byte) (*event.FundingEpochSettled, error) {
	var j fundingSettleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse FundingEpochSettled: %w", err)
	}
	if j.Market == "" {
		return nil, fmt.Errorf("parse FundingEpochSettled: empty market")
	}
	return &event.FundingEpochSettled{
		Market:      j.Market,
		EpochID:     j.EpochID,
		FundingRate: j.FundingRate,
		MarkPrice:   j.MarkPrice,
		Timestamp:   time.UnixMicro(j.TimestampUs),
	}, nil
}

type marketParamsJSON struct {
	Market            string `json:"market"`
	IMRatio           int64  `json:"im_ratio"`
	MMRatio           int64  `json:"mm_ratio"`
	FeeRatio          int64  `json:"fee_ratio"`
	InsuranceFeeShare int64  `json:"insurance_fee_share"`
	PenaltyRatio      int64  `json:"penalty_ratio"`
	RewardShare       int64  `json:"reward_share"`
	Sequence          int64  `json:"sequence"`
	TimestampUs       int64  `json:"timestamp_us"`
}

func parseMarketParamsUpdated(data []byte) (*event.MarketParamsUpdated, error) {
	var j marketParamsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MarketParamsUpdated: %w", err)
	}
	if j.Market == "" {
		return nil, fmt.Errorf("parse MarketParamsUpdated: empty market")
	}
	return &event.MarketParamsUpdated{
		Market:            j.Market,
		IMRatio:           j.IMRatio,
		MMRatio:           j.MMRatio,
		FeeRatio:          j.FeeRatio,
		InsuranceFeeShare: j.InsuranceFeeShare,
		PenaltyRatio:      j.PenaltyRatio,
		RewardShare:       j.RewardShare,
		Sequence:          j.Sequence,
		Timestamp:         time.UnixMicro(j.TimestampUs),
	}, nil
}

type backstopJSON struct {
	TraderID    string `json:"trader_id"`
	Eligible    bool   `json:"eligible"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseBackstopSetUpdated(data []byte) (*event.BackstopSetUpdated, error) {
	var j backstopJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse BackstopSetUpdated: %w", err)
	}
	traderID, err := uuid.Parse(j.TraderID)
	if err != nil {
		return nil, fmt.Errorf("parse trader_id: %w", err)
	}
	return &event.BackstopSetUpdated{
		TraderID:  traderID,
		Eligible:  j.Eligible,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}
