package state

import (
	"fmt"
)

// FundingManager tracks funding epochs and snapshots per market. Epochs are
// strictly sequential: a gap means the feed lost data and settlement must
// not proceed on top of it.
type FundingManager struct {
	snapshots         map[string]*FundingSnapshot // key: "market:epoch_id"
	expectedNextEpoch map[string]int64
}

type FundingSnapshot struct {
	Market      string
	EpochID     int64
	FundingRate int64
	MarkPrice   int64
	Timestamp   int64
	Settled     bool
}

func NewFundingManager() *FundingManager {
	return &FundingManager{
		snapshots:         make(map[string]*FundingSnapshot),
		expectedNextEpoch: make(map[string]int64),
	}
}

func snapshotKey(market string, epochID int64) string {
	return fmt.Sprintf("%s:%d", market, epochID)
}

// StoreSnapshot validates and stores a funding rate snapshot.
// Duplicates are skipped silently; gaps fail.
func (fm *FundingManager) StoreSnapshot(
	market string,
	epochID int64,
	fundingRate int64,
	markPrice int64,
	timestamp int64,
) (stored bool, err error) {
	expected := fm.expectedNextEpoch[market]

	if epochID < expected {
		return false, nil
	}

	if epochID > expected {
		return false, fmt.Errorf("funding epoch gap for %s: expected=%d, got=%d",
			market, expected, epochID)
	}

	fm.snapshots[snapshotKey(market, epochID)] = &FundingSnapshot{
		Market:      market,
		EpochID:     epochID,
		FundingRate: fundingRate,
		MarkPrice:   markPrice,
		Timestamp:   timestamp,
	}

	fm.expectedNextEpoch[market] = epochID + 1

	return true, nil
}

// GetSnapshot retrieves a stored snapshot
func (fm *FundingManager) GetSnapshot(market string, epochID int64) (*FundingSnapshot, bool) {
	snap, ok := fm.snapshots[snapshotKey(market, epochID)]
	return snap, ok
}

// MarkSettled records that an epoch's payments were applied. Settling an
// unknown or already-settled epoch fails.
func (fm *FundingManager) MarkSettled(market string, epochID int64) error {
	snap, ok := fm.snapshots[snapshotKey(market, epochID)]
	if !ok {
		return fmt.Errorf("no funding snapshot for %s epoch %d", market, epochID)
	}
	if snap.Settled {
		return fmt.Errorf("funding epoch %s:%d already settled", market, epochID)
	}

	snap.Settled = true
	return nil
}

// RestoreSnapshot directly sets a funding snapshot (snapshot restore)
func (fm *FundingManager) RestoreSnapshot(snap *FundingSnapshot) {
	fm.snapshots[snapshotKey(snap.Market, snap.EpochID)] = snap
}

// RestoreNextEpoch directly sets the next expected epoch (snapshot restore)
func (fm *FundingManager) RestoreNextEpoch(market string, nextEpoch int64) {
	fm.expectedNextEpoch[market] = nextEpoch
}

// AllSnapshots returns all funding snapshots (snapshot creation)
func (fm *FundingManager) AllSnapshots() map[string]*FundingSnapshot {
	result := make(map[string]*FundingSnapshot, len(fm.snapshots))
	for k, v := range fm.snapshots {
		result[k] = v
	}
	return result
}

// AllNextEpochs returns the next expected epoch per market (snapshot creation)
func (fm *FundingManager) AllNextEpochs() map[string]int64 {
	result := make(map[string]int64, len(fm.expectedNextEpoch))
	for k, v := range fm.expectedNextEpoch {
		result[k] = v
	}
	return result
}
