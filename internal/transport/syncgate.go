package transport

import "sync"

// syncLevel ranks how much work a sync pass does. A pending full sync
// subsumes a pending broadcast-only one.
type syncLevel uint8

const (
	syncIdle syncLevel = iota
	syncBroadcast
	syncFull
)

// syncGate serializes sync passes for one land. The first caller gets to
// run; callers arriving while a pass is in flight coalesce into at most
// one follow-up pass at the highest requested level.
type syncGate struct {
	mu      sync.Mutex
	running bool
	pending syncLevel
}

// begin reports whether the caller should run the pass itself. When the
// gate is busy the request is folded into the pending level instead.
func (g *syncGate) begin(l syncLevel) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		if l > g.pending {
			g.pending = l
		}
		return false
	}
	g.running = true
	return true
}

// finish ends the current pass and returns the coalesced follow-up level.
// The gate stays held when there is one; the caller runs it and calls
// finish again.
func (g *syncGate) finish() syncLevel {
	g.mu.Lock()
	defer g.mu.Unlock()
	l := g.pending
	g.pending = syncIdle
	if l == syncIdle {
		g.running = false
	}
	return l
}
