package transport

import (
	"slices"

	"github.com/sandstonelabs/sandstone/internal/land"
)

// slotAllocator hands out the small dense integers used to abbreviate
// player identities on the wire. Slots are per land; the freed slot with
// the lowest number is always reused first, so live slots stay packed at
// the bottom of the range.
type slotAllocator struct {
	byPlayer map[land.PlayerID]uint16
	free     []uint16 // kept sorted ascending
	next     uint16
}

func newSlotAllocator() *slotAllocator {
	return &slotAllocator{byPlayer: map[land.PlayerID]uint16{}}
}

// acquire returns the player's slot, allocating the smallest free one for
// a player seen for the first time.
func (a *slotAllocator) acquire(p land.PlayerID) uint16 {
	if s, ok := a.byPlayer[p]; ok {
		return s
	}
	var s uint16
	if len(a.free) > 0 {
		s = a.free[0]
		a.free = a.free[1:]
	} else {
		s = a.next
		a.next++
	}
	a.byPlayer[p] = s
	return s
}

// release returns the player's slot to the pool.
func (a *slotAllocator) release(p land.PlayerID) {
	s, ok := a.byPlayer[p]
	if !ok {
		return
	}
	delete(a.byPlayer, p)
	i, _ := slices.BinarySearch(a.free, s)
	a.free = slices.Insert(a.free, i, s)
}

// slot looks up the player's slot without allocating.
func (a *slotAllocator) slot(p land.PlayerID) (uint16, bool) {
	s, ok := a.byPlayer[p]
	return s, ok
}

func (a *slotAllocator) size() int { return len(a.byPlayer) }
