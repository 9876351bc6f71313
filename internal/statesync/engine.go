// Package statesync tracks what each player has been told about a land's
// state and turns authoritative snapshots into per-player updates: a first
// sync for newcomers, diffs afterwards, noChange when nothing moved.
package statesync

import (
	"sync"

	"github.com/sandstonelabs/sandstone/internal/state"
)

// Engine holds the last transmitted view per player for one land. All
// methods are safe for concurrent use, though the sync gate normally runs
// one sync at a time anyway.
type Engine struct {
	mu     sync.Mutex
	schema state.Schema

	// last sent full projection per player; broadcast plus their slice.
	last map[string]state.ValueMap
	// players whose first sync has been handed to the transport.
	synced map[string]bool
	// broadcast-scope fields as of the last completed sync.
	lastBroadcast state.ValueMap
}

// NewEngine builds an engine for one land.
func NewEngine(schema state.Schema) *Engine {
	return &Engine{
		schema: schema,
		last:   map[string]state.ValueMap{},
		synced: map[string]bool{},
	}
}

// LateJoinSnapshot projects full for a late joiner and caches the view so
// the next diff starts from it. It does not mark the first sync as sent;
// callers that deliver the snapshot out of band follow up with
// MarkFirstSyncSent.
func (e *Engine) LateJoinSnapshot(playerID string, full state.ValueMap) state.ValueMap {
	e.mu.Lock()
	defer e.mu.Unlock()
	view := state.ProjectFor(full, playerID, e.schema)
	e.last[playerID] = state.CloneMap(view)
	return view
}

// GenerateDiff produces the update for one player against the current full
// snapshot. Until MarkFirstSyncSent is called the result is always a first
// sync built from the empty document. The cached view does not move:
// callers Commit only once the update is actually on its way, so a failed
// encode regenerates the same delta on the next pass instead of losing it.
func (e *Engine) GenerateDiff(playerID string, full state.ValueMap) state.Update {
	e.mu.Lock()
	defer e.mu.Unlock()
	view := state.ProjectFor(full, playerID, e.schema)
	if !e.synced[playerID] {
		return state.Update{Kind: state.KindFirstSync, Patches: state.Diff(nil, view)}
	}
	patches := state.Diff(e.last[playerID], view)
	if len(patches) == 0 {
		return state.Update{Kind: state.KindNoChange}
	}
	return state.Update{Kind: state.KindDiff, Patches: patches}
}

// Commit records the player's view of the snapshot their update described.
func (e *Engine) Commit(playerID string, full state.ValueMap) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.last[playerID] = state.CloneMap(state.ProjectFor(full, playerID, e.schema))
}

// MarkFirstSyncSent records that the player received their first sync, so
// later updates become diffs.
func (e *Engine) MarkFirstSyncSent(playerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.synced[playerID] = true
}

// FirstSyncSent reports whether the player's first sync went out.
func (e *Engine) FirstSyncSent(playerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.synced[playerID]
}

// ClearPlayer drops everything tracked for a player. Reconnecting later
// starts from a first sync again.
func (e *Engine) ClearPlayer(playerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.last, playerID)
	delete(e.synced, playerID)
}

// GenerateBroadcastDiff computes one shared update covering only the
// broadcast-scope fields, to be encoded once and fanned out to players who
// already hold a view. Nothing is recorded here; once the update is encoded
// and on its way the caller confirms it with CommitBroadcast, so a failed
// encode leaves the same delta pending for the next pass. Returns the
// update and the player IDs it applies to.
func (e *Engine) GenerateBroadcastDiff(full state.ValueMap) (state.Update, []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current := state.ProjectBroadcast(full, e.schema)
	patches := state.Diff(e.lastBroadcast, current)

	recipients := make([]string, 0, len(e.synced))
	for playerID, sent := range e.synced {
		if sent {
			recipients = append(recipients, playerID)
		}
	}

	if len(patches) == 0 {
		return state.Update{Kind: state.KindNoChange}, recipients
	}
	return state.Update{Kind: state.KindDiff, Patches: patches}, recipients
}

// CommitBroadcast records a delivered broadcast update: the baseline moves
// to the snapshot's broadcast fields and every synced recipient's cached
// view absorbs them, so a later full sync does not repeat the change.
func (e *Engine) CommitBroadcast(full state.ValueMap) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current := state.ProjectBroadcast(full, e.schema)
	e.lastBroadcast = current

	for playerID, sent := range e.synced {
		if !sent {
			continue
		}
		view, ok := e.last[playerID]
		if !ok {
			continue
		}
		for field, v := range current {
			view[field] = state.Clone(v)
		}
		for field := range view {
			if e.schema.FieldScope(field) != state.ScopeBroadcast {
				continue
			}
			if _, still := current[field]; !still {
				delete(view, field)
			}
		}
	}
}

// MarkBroadcastBaseline records the broadcast-scope view after a full sync
// pass, keeping later broadcast-only diffs consistent with what individual
// diffs already delivered.
func (e *Engine) MarkBroadcastBaseline(full state.ValueMap) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastBroadcast = state.ProjectBroadcast(full, e.schema)
}
