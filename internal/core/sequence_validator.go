package core

import (
	"fmt"
)

// SequenceValidator validates upstream source sequences per partition.
// Custody deposits and admin updates require contiguous sequences; index
// prices only need to move forward, gaps are tolerated.
// Not thread-safe, accessed only from the single-threaded core.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	gaps            map[string]int64
	outOfOrder      map[string]int64
	priceGaps       map[string]int64
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		gaps:            make(map[string]int64),
		outOfOrder:      make(map[string]int64),
		priceGaps:       make(map[string]int64),
	}
}

// ValidateSequence checks strict source sequence ordering for a partition.
// A stale sequence on an already-processed event is fine (redelivery); a
// stale sequence on a new event or a gap fails the event so the shell can
// NAK it and wait for redelivery in order.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	isDuplicate bool,
) error {
	expected, seen := sv.expectedNextSeq[partition]
	if !seen {
		// First event on this partition sets the baseline.
		sv.expectedNextSeq[partition] = sourceSequence + 1
		return nil
	}

	if sourceSequence < expected {
		if isDuplicate {
			return nil
		}
		sv.outOfOrder[partition]++
		return fmt.Errorf("out-of-order event: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence > expected {
		sv.gaps[partition]++
		return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	sv.expectedNextSeq[partition] = expected + 1
	return nil
}

// RecordPriceSequence advances the price partition. Gaps are counted but
// accepted; staleness is decided by the price table itself.
func (sv *SequenceValidator) RecordPriceSequence(market string, priceSequence int64) {
	partition := "price:" + market

	if expected, seen := sv.expectedNextSeq[partition]; seen && priceSequence > expected {
		sv.priceGaps[market]++
	}

	sv.expectedNextSeq[partition] = priceSequence + 1
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// RestorePartition seeds a partition during snapshot restore.
func (sv *SequenceValidator) RestorePartition(partition string, nextSeq int64) {
	sv.expectedNextSeq[partition] = nextSeq
}

// Partitions returns a copy of all partition states for snapshotting.
func (sv *SequenceValidator) Partitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for partition, seq := range sv.expectedNextSeq {
		out[partition] = seq
	}
	return out
}

func (sv *SequenceValidator) Gaps(partition string) int64 {
	return sv.gaps[partition]
}

func (sv *SequenceValidator) OutOfOrder(partition string) int64 {
	return sv.outOfOrder[partition]
}

func (sv *SequenceValidator) PriceGaps(market string) int64 {
	return sv.priceGaps[market]
}
