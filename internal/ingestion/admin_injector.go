package ingestion

import (
	"context"
	"fmt"
	"time"

	"PerpClear/internal/event"

	"github.com/google/uuid"
)

// EventSink accepts typed fact events for processing. Satisfied by the
// clearing core.
type EventSink interface {
	ProcessIngested(ctx context.Context, evt event.Event) error
}

// AdminInjector builds fact events for operator-initiated actions and runs
// them through the same pipeline as NATS traffic. Injection is synchronous:
// the caller gets the core's verdict, not a queue receipt. Timestamps are
// assigned at intake and become the event's versioned input.
type AdminInjector struct {
	sink EventSink
}

func NewAdminInjector(sink EventSink) *AdminInjector {
	return &AdminInjector{sink: sink}
}

// InjectDeposit credits collateral outside the custody stream. Operational
// tooling only; production deposits arrive over NATS.
func (a *AdminInjector) InjectDeposit(ctx context.Context, traderID uuid.UUID, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}

	return a.sink.ProcessIngested(ctx, &event.DepositConfirmed{
		DepositID: uuid.New(),
		TraderID:  traderID,
		Asset:     asset,
		Amount:    amount,
		Timestamp: time.Now(),
	})
}

// InjectIndexPrice installs an oracle price manually, e.g. to bootstrap a
// new market before its feed is live.
func (a *AdminInjector) InjectIndexPrice(ctx context.Context, market string, price, priceSequence int64) error {
	if price <= 0 {
		return fmt.Errorf("index price must be positive")
	}

	return a.sink.ProcessIngested(ctx, &event.IndexPriceUpdated{
		Market:        market,
		Price:         price,
		PriceSequence: priceSequence,
		Timestamp:     time.Now(),
	})
}

// InjectFundingSnapshot records a funding epoch boundary manually.
func (a *AdminInjector) InjectFundingSnapshot(ctx context.Context, market string, epochID, fundingRate, markPrice int64) error {
	return a.sink.ProcessIngested(ctx, &event.FundingRateSnapshot{
		Market:      market,
		FundingRate: fundingRate,
		EpochID:     epochID,
		MarkPrice:   markPrice,
		Timestamp:   time.Now(),
	})
}

// InjectFundingSettle settles a previously snapshotted funding epoch.
func (a *AdminInjector) InjectFundingSettle(ctx context.Context, market string, epochID int64) error {
	return a.sink.ProcessIngested(ctx, &event.FundingEpochSettled{
		Market:    market,
		EpochID:   epochID,
		Timestamp: time.Now(),
	})
}
