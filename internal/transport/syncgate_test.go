package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSyncGateFirstCallerRuns(t *testing.T) {
	var g syncGate
	assert.True(t, g.begin(syncFull))
	assert.Equal(t, syncIdle, g.finish())
	assert.True(t, g.begin(syncBroadcast), "gate is free again after finish")
	assert.Equal(t, syncIdle, g.finish())
}

func TestSyncGateCoalescesWhileBusy(t *testing.T) {
	var g syncGate
	assert.True(t, g.begin(syncFull))

	// Three more requests arrive mid-pass; none of them run directly.
	assert.False(t, g.begin(syncBroadcast))
	assert.False(t, g.begin(syncFull))
	assert.False(t, g.begin(syncBroadcast))

	// They collapse into exactly one follow-up pass, at the highest level.
	assert.Equal(t, syncFull, g.finish())
	assert.Equal(t, syncIdle, g.finish())

	assert.True(t, g.begin(syncFull), "gate released after the follow-up")
	assert.Equal(t, syncIdle, g.finish())
}

func TestSyncGateBroadcastOnlyFollowUp(t *testing.T) {
	var g syncGate
	assert.True(t, g.begin(syncFull))
	assert.False(t, g.begin(syncBroadcast))
	assert.Equal(t, syncBroadcast, g.finish(), "broadcast request stays broadcast")
	assert.Equal(t, syncIdle, g.finish())
}
