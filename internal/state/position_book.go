package state

import (
	"bytes"
	"fmt"
	"sort"

	fpmath "PerpClear/internal/math"

	"github.com/google/uuid"
)

// FillAction classifies what a fill does to a position. The solvency gate
// cares about one distinction: does the action add exposure (Open, Increase,
// Flip) or strictly shed it (Reduce, Close). A flip sheds the old position
// but opens a new one past zero, so it counts as adding.
type FillAction int32

const (
	FillActionNone FillAction = iota
	FillActionOpen
	FillActionIncrease
	FillActionReduce
	FillActionClose
	FillActionFlip
)

func (fa FillAction) String() string {
	switch fa {
	case FillActionOpen:
		return "Open"
	case FillActionIncrease:
		return "Increase"
	case FillActionReduce:
		return "Reduce"
	case FillActionClose:
		return "Close"
	case FillActionFlip:
		return "Flip"
	default:
		return "None"
	}
}

// AddsExposure reports whether the action needs the free-collateral check
// in addition to the account-value check.
func (fa FillAction) AddsExposure() bool {
	return fa == FillActionOpen || fa == FillActionIncrease || fa == FillActionFlip
}

// FillOutcome is the previewed effect of applying a fill to a position.
type FillOutcome struct {
	Action          FillAction
	NewSize         int64
	NewOpenNotional int64
	RealizedPnl     int64 // Signed PnL realized by the closing portion
	ClosedNotional  int64 // Signed quote flow of the closing portion
}

// PositionBook holds every trader's positions. Mutations happen only
// through ApplyFill and RestorePosition; the book has no locking of its
// own because all access runs on the core goroutine.
type PositionBook struct {
	positions map[PositionKey]*Position
}

type PositionKey struct {
	TraderID uuid.UUID
	Market   string
}

func NewPositionBook() *PositionBook {
	return &PositionBook{
		positions: make(map[PositionKey]*Position),
	}
}

// Get returns the existing position or nil
func (pb *PositionBook) Get(traderID uuid.UUID, market string) *Position {
	return pb.positions[PositionKey{TraderID: traderID, Market: market}]
}

func (pb *PositionBook) getOrCreate(traderID uuid.UUID, market string) *Position {
	key := PositionKey{TraderID: traderID, Market: market}
	pos := pb.positions[key]

	if pos == nil {
		pos = &Position{
			TraderID: traderID,
			Market:   market,
		}
		pb.positions[key] = pos
	}

	return pos
}

// PreviewFill computes the effect of a signed fill without mutating the
// book. BaseDelta and quoteDelta carry opposite signs for a normal fill:
// buying base spends quote. Open notional attributed to the closing portion
// is released proportionally, rounded half-even, so repeated partial closes
// sum to the full notional.
func (pb *PositionBook) PreviewFill(
	traderID uuid.UUID,
	market string,
	baseDelta int64,
	quoteDelta int64,
) (FillOutcome, error) {
	if baseDelta == 0 {
		return FillOutcome{}, fmt.Errorf("fill for %s has zero base delta", market)
	}

	var oldSize, oldNotional int64
	if pos := pb.Get(traderID, market); pos != nil {
		oldSize = pos.Size
		oldNotional = pos.OpenNotional
	}

	newSize := oldSize + baseDelta

	switch {
	case oldSize == 0:
		return FillOutcome{
			Action:          FillActionOpen,
			NewSize:         newSize,
			NewOpenNotional: quoteDelta,
		}, nil

	case fpmath.Sign64(baseDelta) == fpmath.Sign64(oldSize):
		return FillOutcome{
			Action:          FillActionIncrease,
			NewSize:         newSize,
			NewOpenNotional: oldNotional + quoteDelta,
		}, nil

	case fpmath.Abs64(baseDelta) < fpmath.Abs64(oldSize):
		// Partial close: release the proportional share of open notional.
		share := fpmath.ProportionalShare(oldNotional, fpmath.Abs64(baseDelta), fpmath.Abs64(oldSize))
		return FillOutcome{
			Action:          FillActionReduce,
			NewSize:         newSize,
			NewOpenNotional: oldNotional - share,
			RealizedPnl:     quoteDelta + share,
			ClosedNotional:  quoteDelta,
		}, nil

	case fpmath.Abs64(baseDelta) == fpmath.Abs64(oldSize):
		return FillOutcome{
			Action:          FillActionClose,
			NewSize:         0,
			NewOpenNotional: 0,
			RealizedPnl:     quoteDelta + oldNotional,
			ClosedNotional:  quoteDelta,
		}, nil

	default:
		// Flip: the closing portion realizes against the whole old notional,
		// the remainder opens the new side.
		quoteClose := fpmath.ProportionalShare(quoteDelta, fpmath.Abs64(oldSize), fpmath.Abs64(baseDelta))
		return FillOutcome{
			Action:          FillActionFlip,
			NewSize:         newSize,
			NewOpenNotional: quoteDelta - quoteClose,
			RealizedPnl:     quoteClose + oldNotional,
			ClosedNotional:  quoteClose,
		}, nil
	}
}

// ApplyFill mutates the position to the previewed outcome.
func (pb *PositionBook) ApplyFill(traderID uuid.UUID, market string, outcome FillOutcome) *Position {
	pos := pb.getOrCreate(traderID, market)
	pos.Size = outcome.NewSize
	pos.OpenNotional = outcome.NewOpenNotional
	pos.Version++
	return pos
}

// RestorePosition directly sets a position (snapshot restore)
func (pb *PositionBook) RestorePosition(pos *Position) {
	pb.positions[PositionKey{TraderID: pos.TraderID, Market: pos.Market}] = pos
}

// TraderPositions returns the trader's open positions.
func (pb *PositionBook) TraderPositions(traderID uuid.UUID) []*Position {
	result := make([]*Position, 0)
	for key, pos := range pb.positions {
		if key.TraderID == traderID && !pos.IsFlat() {
			result = append(result, pos)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Market < result[j].Market
	})
	return result
}

// MarketPositions returns all open positions in a market, ordered by trader
// ID so funding settlement is deterministic.
func (pb *PositionBook) MarketPositions(market string) []*Position {
	result := make([]*Position, 0)
	for key, pos := range pb.positions {
		if key.Market == market && !pos.IsFlat() {
			result = append(result, pos)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return bytes.Compare(result[i].TraderID[:], result[j].TraderID[:]) < 0
	})
	return result
}

// SortedPositions returns every position (flat included) in canonical order
// for hashing and snapshots.
func (pb *PositionBook) SortedPositions() []*Position {
	result := make([]*Position, 0, len(pb.positions))
	for _, pos := range pb.positions {
		result = append(result, pos)
	}
	sort.Slice(result, func(i, j int) bool {
		if c := bytes.Compare(result[i].TraderID[:], result[j].TraderID[:]); c != 0 {
			return c < 0
		}
		return result[i].Market < result[j].Market
	})
	return result
}
