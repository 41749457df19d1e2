package event

import (
	"fmt"
	"time"
)

// IndexPriceUpdated records an oracle index price for a market. Margin
// valuation reads the latest recorded price; every gate decision in one
// command uses a single snapshot of it.
type IndexPriceUpdated struct {
	Market        string
	Price         int64 // Fixed-point: price scale
	PriceSequence int64 // Monotonic per market; gaps tolerated
	Timestamp     time.Time
}

func (p *IndexPriceUpdated) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", p.Market, p.PriceSequence)
}

func (p *IndexPriceUpdated) EventType() EventType {
	return EventTypeIndexPriceUpdated
}

func (p *IndexPriceUpdated) MarketID() *string {
	m := p.Market
	return &m
}

func (p *IndexPriceUpdated) SourceSequence() int64 {
	return p.PriceSequence
}
