package statesync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandstonelabs/sandstone/internal/state"
)

var arenaSchema = state.Schema{
	"round":     state.ScopeBroadcast,
	"players":   state.ScopeBroadcast,
	"inventory": state.ScopePerPlayer,
}

func arenaSnapshot(round int64) state.ValueMap {
	return state.ValueMap{
		"round": round,
		"players": map[string]any{
			"p1": map[string]any{"hp": int64(10)},
		},
		"inventory": map[string]any{
			"p1": []any{"sword"},
			"p2": []any{"bow"},
		},
	}
}

func TestFirstSyncThenDiffThenNoChange(t *testing.T) {
	e := NewEngine(arenaSchema)
	full := arenaSnapshot(1)

	u := e.GenerateDiff("p1", full)
	require.Equal(t, state.KindFirstSync, u.Kind)
	rebuilt, err := state.Apply(nil, u.Patches)
	require.NoError(t, err)
	assert.True(t, state.Equal(state.ProjectFor(full, "p1", arenaSchema), rebuilt),
		"first sync rebuilds the player's projection from empty")

	// Until the first sync is acknowledged as sent, it repeats.
	u = e.GenerateDiff("p1", full)
	assert.Equal(t, state.KindFirstSync, u.Kind)

	e.Commit("p1", full)
	e.MarkFirstSyncSent("p1")
	u = e.GenerateDiff("p1", full)
	assert.Equal(t, state.KindNoChange, u.Kind)
	assert.Empty(t, u.Patches)

	full["round"] = int64(2)
	u = e.GenerateDiff("p1", full)
	require.Equal(t, state.KindDiff, u.Kind)
	assert.Equal(t, []state.Patch{{Path: "/round", Op: state.OpSet, Value: int64(2)}}, u.Patches)
}

func TestDiffIsScopedPerPlayer(t *testing.T) {
	e := NewEngine(arenaSchema)
	full := arenaSnapshot(1)
	for _, p := range []string{"p1", "p2"} {
		e.GenerateDiff(p, full)
		e.Commit(p, full)
		e.MarkFirstSyncSent(p)
	}

	// Only p2's inventory changes; p1 must see nothing.
	full["inventory"].(map[string]any)["p2"] = []any{"bow", "arrow"}

	assert.Equal(t, state.KindNoChange, e.GenerateDiff("p1", full).Kind)
	u := e.GenerateDiff("p2", full)
	require.Equal(t, state.KindDiff, u.Kind)
	require.Len(t, u.Patches, 1)
	assert.Equal(t, "/inventory/p2", u.Patches[0].Path)
}

func TestLateJoinSnapshotSeedsCacheWithoutMarking(t *testing.T) {
	e := NewEngine(arenaSchema)
	full := arenaSnapshot(1)

	view := e.LateJoinSnapshot("p1", full)
	assert.True(t, state.Equal(state.ProjectFor(full, "p1", arenaSchema), view))
	assert.False(t, e.FirstSyncSent("p1"))

	// The snapshot was delivered out of band; the next generated update is
	// still a first sync because the flag, not the cache, decides.
	u := e.GenerateDiff("p1", full)
	assert.Equal(t, state.KindFirstSync, u.Kind)
}

func TestClearPlayerForcesFreshFirstSync(t *testing.T) {
	e := NewEngine(arenaSchema)
	full := arenaSnapshot(1)
	e.GenerateDiff("p1", full)
	e.Commit("p1", full)
	e.MarkFirstSyncSent("p1")
	require.Equal(t, state.KindNoChange, e.GenerateDiff("p1", full).Kind)

	e.ClearPlayer("p1")
	u := e.GenerateDiff("p1", full)
	assert.Equal(t, state.KindFirstSync, u.Kind)
}

func TestBroadcastDiffSharedAcrossPlayers(t *testing.T) {
	e := NewEngine(arenaSchema)
	full := arenaSnapshot(1)
	for _, p := range []string{"p1", "p2"} {
		e.GenerateDiff(p, full)
		e.Commit(p, full)
		e.MarkFirstSyncSent(p)
	}
	e.MarkBroadcastBaseline(full)

	full["round"] = int64(2)
	u, recipients := e.GenerateBroadcastDiff(full)
	require.Equal(t, state.KindDiff, u.Kind)
	assert.Equal(t, []state.Patch{{Path: "/round", Op: state.OpSet, Value: int64(2)}}, u.Patches)
	assert.ElementsMatch(t, []string{"p1", "p2"}, recipients)

	// Once committed, the broadcast delta has advanced each cached view,
	// so a following full sync has nothing left to say.
	e.CommitBroadcast(full)
	assert.Equal(t, state.KindNoChange, e.GenerateDiff("p1", full).Kind)
	assert.Equal(t, state.KindNoChange, e.GenerateDiff("p2", full).Kind)

	// And a repeated broadcast diff is empty.
	u, _ = e.GenerateBroadcastDiff(full)
	assert.Equal(t, state.KindNoChange, u.Kind)
}

func TestDiffRepeatsUntilCommitted(t *testing.T) {
	e := NewEngine(arenaSchema)
	full := arenaSnapshot(1)
	e.GenerateDiff("p1", full)
	e.Commit("p1", full)
	e.MarkFirstSyncSent("p1")

	// Generating is not delivering: the same delta keeps coming back
	// until the caller confirms it went out.
	full["round"] = int64(2)
	want := []state.Patch{{Path: "/round", Op: state.OpSet, Value: int64(2)}}
	for i := 0; i < 3; i++ {
		u := e.GenerateDiff("p1", full)
		require.Equal(t, state.KindDiff, u.Kind)
		assert.Equal(t, want, u.Patches)
	}

	e.Commit("p1", full)
	assert.Equal(t, state.KindNoChange, e.GenerateDiff("p1", full).Kind)
}

func TestBroadcastDiffRepeatsUntilCommitted(t *testing.T) {
	e := NewEngine(arenaSchema)
	full := arenaSnapshot(1)
	e.GenerateDiff("p1", full)
	e.Commit("p1", full)
	e.MarkFirstSyncSent("p1")
	e.MarkBroadcastBaseline(full)

	full["round"] = int64(2)
	want := []state.Patch{{Path: "/round", Op: state.OpSet, Value: int64(2)}}
	for i := 0; i < 3; i++ {
		u, recipients := e.GenerateBroadcastDiff(full)
		require.Equal(t, state.KindDiff, u.Kind)
		assert.Equal(t, want, u.Patches)
		assert.Equal(t, []string{"p1"}, recipients)
	}

	// An uncommitted broadcast pass leaves the per-player path intact, so
	// the change still reaches p1 through a full sync.
	u := e.GenerateDiff("p1", full)
	require.Equal(t, state.KindDiff, u.Kind)
	assert.Equal(t, want, u.Patches)

	e.CommitBroadcast(full)
	u, _ = e.GenerateBroadcastDiff(full)
	assert.Equal(t, state.KindNoChange, u.Kind)
	assert.Equal(t, state.KindNoChange, e.GenerateDiff("p1", full).Kind)
}

func TestBroadcastDiffSkipsUnsyncedPlayers(t *testing.T) {
	e := NewEngine(arenaSchema)
	full := arenaSnapshot(1)
	e.GenerateDiff("p1", full)
	e.Commit("p1", full)
	e.MarkFirstSyncSent("p1")
	e.MarkBroadcastBaseline(full)

	// p2 joined but never got a first sync; the shared delta would be
	// meaningless to them.
	e.GenerateDiff("p2", full)

	full["round"] = int64(2)
	_, recipients := e.GenerateBroadcastDiff(full)
	assert.Equal(t, []string{"p1"}, recipients)
}

func TestBroadcastDiffIgnoresPerPlayerChanges(t *testing.T) {
	e := NewEngine(arenaSchema)
	full := arenaSnapshot(1)
	e.GenerateDiff("p1", full)
	e.Commit("p1", full)
	e.MarkFirstSyncSent("p1")
	e.MarkBroadcastBaseline(full)

	full["inventory"].(map[string]any)["p1"] = []any{"sword", "shield"}
	u, _ := e.GenerateBroadcastDiff(full)
	assert.Equal(t, state.KindNoChange, u.Kind)

	// The per-player change is still owed to p1 through the full path.
	u = e.GenerateDiff("p1", full)
	require.Equal(t, state.KindDiff, u.Kind)
	assert.Equal(t, "/inventory/p1", u.Patches[0].Path)
}
