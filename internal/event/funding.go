package event

import (
	"fmt"
	"time"
)

// FundingRateSnapshot records the funding rate at an epoch boundary.
// Idempotency key: "{market}:{epoch_id}".
type FundingRateSnapshot struct {
	Market      string
	FundingRate int64 // Fixed-point: rate scale, signed
	EpochID     int64 // Monotonic per market
	MarkPrice   int64 // Fixed-point: price scale at the boundary
	Timestamp   time.Time
}

func (f *FundingRateSnapshot) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", f.Market, f.EpochID)
}

func (f *FundingRateSnapshot) EventType() EventType {
	return EventTypeFundingRateSnapshot
}

func (f *FundingRateSnapshot) MarketID() *string {
	m := f.Market
	return &m
}

func (f *FundingRateSnapshot) SourceSequence() int64 {
	return f.EpochID
}

// FundingEpochSettled triggers payment application for a snapshotted epoch.
// The core recomputes per-trader payments deterministically from the open
// positions, so the fact carries only the epoch identity.
type FundingEpochSettled struct {
	Market      string
	EpochID     int64
	FundingRate int64
	MarkPrice   int64
	Timestamp   time.Time
}

func (f *FundingEpochSettled) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d:settle", f.Market, f.EpochID)
}

func (f *FundingEpochSettled) EventType() EventType {
	return EventTypeFundingEpochSettled
}

func (f *FundingEpochSettled) MarketID() *string {
	m := f.Market
	return &m
}

func (f *FundingEpochSettled) SourceSequence() int64 {
	return f.EpochID
}
