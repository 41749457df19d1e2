package state

import (
	"github.com/google/uuid"
)

// BackstopSet holds the traders allowed to take over bad-debt positions.
// Membership is admin-controlled; the liquidation engine only reads it.
type BackstopSet struct {
	members map[uuid.UUID]bool
}

func NewBackstopSet() *BackstopSet {
	return &BackstopSet{
		members: make(map[uuid.UUID]bool),
	}
}

func (bs *BackstopSet) Set(traderID uuid.UUID, eligible bool) {
	if eligible {
		bs.members[traderID] = true
	} else {
		delete(bs.members, traderID)
	}
}

func (bs *BackstopSet) IsEligible(traderID uuid.UUID) bool {
	return bs.members[traderID]
}

// Members returns the current membership (snapshot creation)
func (bs *BackstopSet) Members() []uuid.UUID {
	result := make([]uuid.UUID, 0, len(bs.members))
	for id := range bs.members {
		result = append(result, id)
	}
	return result
}
