package state

// IndexPriceState tracks the latest oracle price per market
type IndexPriceState struct {
	Price         int64
	PriceSequence int64
	Timestamp     int64
}

// IndexPriceTable holds the latest index price per market. Every solvency
// decision reads one price snapshot from here at call start; the table is
// only advanced by IndexPriceUpdated facts.
type IndexPriceTable struct {
	prices map[string]*IndexPriceState
}

func NewIndexPriceTable() *IndexPriceTable {
	return &IndexPriceTable{
		prices: make(map[string]*IndexPriceState),
	}
}

// Update applies an oracle price. Stale or duplicate sequences are silently
// ignored; gaps are accepted because prices are snapshots, not deltas.
func (t *IndexPriceTable) Update(market string, price int64, sequence int64, timestamp int64) bool {
	current := t.prices[market]

	if current != nil && sequence <= current.PriceSequence {
		return false
	}

	t.prices[market] = &IndexPriceState{
		Price:         price,
		PriceSequence: sequence,
		Timestamp:     timestamp,
	}

	return true
}

// Stale reports whether a sequence is at or behind the stored one, without
// mutating the table.
func (t *IndexPriceTable) Stale(market string, sequence int64) bool {
	current := t.prices[market]
	return current != nil && sequence <= current.PriceSequence
}

// Get returns the current index price for a market
func (t *IndexPriceTable) Get(market string) (int64, bool) {
	state := t.prices[market]
	if state == nil {
		return 0, false
	}
	return state.Price, true
}

// Restore directly sets a price state (snapshot restore)
func (t *IndexPriceTable) Restore(market string, state *IndexPriceState) {
	t.prices[market] = state
}

// All returns every price state (snapshot creation)
func (t *IndexPriceTable) All() map[string]*IndexPriceState {
	result := make(map[string]*IndexPriceState, len(t.prices))
	for k, v := range t.prices {
		result[k] = v
	}
	return result
}
