package land

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager[arenaState] {
	t.Helper()
	m, err := NewManager("arena", arenaDefinition(), KeeperOptions{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func TestManagerValidation(t *testing.T) {
	_, err := NewManager("", arenaDefinition(), KeeperOptions{}, nil)
	assert.Error(t, err)

	_, err = NewManager("bad:name", arenaDefinition(), KeeperOptions{}, nil)
	assert.Error(t, err)

	broken := arenaDefinition()
	broken.Snapshot = nil
	_, err = NewManager("arena", broken, KeeperOptions{}, nil)
	assert.ErrorContains(t, err, "Snapshot is required")
}

func TestGetOrCreateReusesLiveLand(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	id := LandID{Type: "arena", Instance: "i1"}

	k1, created, err := m.GetOrCreate(ctx, id)
	require.NoError(t, err)
	assert.True(t, created)

	k2, created, err := m.GetOrCreate(ctx, id)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, k1.(*Keeper[arenaState]), k2.(*Keeper[arenaState]))

	_, _, err = m.GetOrCreate(ctx, LandID{Type: "dungeon", Instance: "i1"})
	assert.Error(t, err, "wrong land type")
	_, _, err = m.GetOrCreate(ctx, LandID{Type: "arena"})
	assert.Error(t, err, "empty instance")
}

func TestDestroyedLandIsRecreatedFresh(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	id := LandID{Type: "arena", Instance: "i1"}

	k1, _, err := m.GetOrCreate(ctx, id)
	require.NoError(t, err)
	k1.BindTransport(&fakeTransport{})
	adm, _, err := k1.Join(ctx, PlayerSession{PlayerID: "p1"}, "c1", "s1")
	require.NoError(t, err)
	require.True(t, adm.Allowed)

	require.NoError(t, m.Remove(ctx, id))
	_, ok := m.Get(id)
	assert.False(t, ok, "destroyed land disappears from the index")

	k2, created, err := m.GetOrCreate(ctx, id)
	require.NoError(t, err)
	assert.True(t, created)

	doc, err := k2.SnapshotState(ctx)
	require.NoError(t, err)
	assert.Empty(t, doc["players"].(map[string]any), "recreated land starts from the definition's initial state")
}

func TestCreateWithSeedsInitialState(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	seed := arenaState{Round: 7, Players: map[string]int{}, Inventory: map[string][]string{}}
	k, created, err := m.CreateWith(ctx, LandID{Type: "arena", Instance: "seeded"}, seed)
	require.NoError(t, err)
	require.True(t, created)

	doc, err := k.SnapshotState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), doc["round"])
}

func TestManagerListAndStats(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, _, err := m.GetOrCreate(ctx, LandID{Type: "arena", Instance: "b"})
	require.NoError(t, err)
	_, _, err = m.GetOrCreate(ctx, LandID{Type: "arena", Instance: "a"})
	require.NoError(t, err)

	ids := m.List()
	assert.Equal(t, []LandID{{Type: "arena", Instance: "a"}, {Type: "arena", Instance: "b"}}, ids)

	s, ok := m.Stats(ctx, ids[0])
	require.True(t, ok)
	assert.Zero(t, s.Players)
	assert.WithinDuration(t, time.Now(), s.CreatedAt, time.Minute)

	_, ok = m.Stats(ctx, LandID{Type: "arena", Instance: "nope"})
	assert.False(t, ok)
}

func TestManagerShutdownDestroysEverything(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	k1, _, err := m.GetOrCreate(ctx, LandID{Type: "arena", Instance: "a"})
	require.NoError(t, err)
	k2, _, err := m.GetOrCreate(ctx, LandID{Type: "arena", Instance: "b"})
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(ctx))
	assert.True(t, k1.Destroyed())
	assert.True(t, k2.Destroyed())
	assert.Error(t, m.HealthCheck(ctx))

	_, _, err = m.GetOrCreate(ctx, LandID{Type: "arena", Instance: "c"})
	assert.ErrorContains(t, err, "shut down")
}

func TestRealmRegistryAndLookup(t *testing.T) {
	r := NewRealm(nil)
	m := newTestManager(t)
	require.NoError(t, r.Register(m))
	assert.Error(t, r.Register(m), "duplicate land type")

	got, ok := r.Server("arena")
	require.True(t, ok)
	assert.Equal(t, "arena", got.LandType())

	_, ok = r.Server("dungeon")
	assert.False(t, ok)
	assert.Equal(t, []string{"arena"}, r.Types())
}

func TestRealmListHealthShutdown(t *testing.T) {
	r := NewRealm(nil)
	m := newTestManager(t)
	require.NoError(t, r.Register(m))
	ctx := context.Background()

	_, _, err := m.GetOrCreate(ctx, LandID{Type: "arena", Instance: "x"})
	require.NoError(t, err)

	all := r.ListAllLands()
	assert.Equal(t, []LandID{{Type: "arena", Instance: "x"}}, all["arena"])

	require.NoError(t, r.HealthCheck(ctx))
	require.NoError(t, r.Shutdown(ctx))
	assert.ErrorContains(t, r.HealthCheck(ctx), "shut down")
}
