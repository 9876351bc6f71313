package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sandstonelabs/sandstone/internal/land"
)

func TestSlotAllocatorSmallestFree(t *testing.T) {
	a := newSlotAllocator()

	assert.Equal(t, uint16(0), a.acquire("p0"))
	assert.Equal(t, uint16(1), a.acquire("p1"))
	assert.Equal(t, uint16(2), a.acquire("p2"))

	// Re-acquiring is idempotent.
	assert.Equal(t, uint16(1), a.acquire("p1"))
	assert.Equal(t, 3, a.size())

	a.release("p1")
	a.release("p0")
	assert.Equal(t, 1, a.size())

	// The lowest freed slot comes back first.
	assert.Equal(t, uint16(0), a.acquire("p3"))
	assert.Equal(t, uint16(1), a.acquire("p4"))
	assert.Equal(t, uint16(3), a.acquire("p5"))
}

func TestSlotAllocatorDenseRange(t *testing.T) {
	a := newSlotAllocator()
	for _, p := range []land.PlayerID{"a", "b", "c", "d", "e"} {
		a.acquire(p)
	}
	a.release("b")
	a.release("d")
	a.acquire("f")
	a.acquire("g")

	// Five players alive, slots 0..4 with no gaps.
	seen := map[uint16]bool{}
	for _, p := range []land.PlayerID{"a", "c", "e", "f", "g"} {
		s, ok := a.slot(p)
		assert.True(t, ok)
		assert.False(t, seen[s], "slot %d handed out twice", s)
		seen[s] = true
		assert.Less(t, s, uint16(5))
	}

	a.release("ghost") // releasing an unknown player is a no-op
	assert.Equal(t, 5, a.size())
}
