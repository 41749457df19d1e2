package state

import (
	"github.com/google/uuid"
)

// Position is a trader's exposure in one market. Size is signed base
// exposure (positive = long). OpenNotional is the signed quote flow that
// built the position, sign opposite to Size: a long bought for 800 quote
// carries OpenNotional -800, so unrealized PnL at any price p is
// positionValue(p) + OpenNotional.
type Position struct {
	TraderID     uuid.UUID
	Market       string
	Size         int64 // Fixed-point: quantity scale, signed
	OpenNotional int64 // Fixed-point: quote scale, signed
	Version      int64 // Bumped on every mutation
}

// IsFlat returns true if the position has no exposure
func (p *Position) IsFlat() bool {
	return p.Size == 0
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 64)

	// trader_id (16 bytes UUID binary)
	buf = append(buf, p.TraderID[:]...)

	// market (length-prefixed)
	buf = append(buf, byte(len(p.Market)))
	buf = append(buf, []byte(p.Market)...)

	// size (8 bytes LE)
	buf = appendInt64LE(buf, p.Size)

	// open_notional (8 bytes LE)
	buf = appendInt64LE(buf, p.OpenNotional)

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
