package transport

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandstonelabs/sandstone/internal/land"
	"github.com/sandstonelabs/sandstone/internal/protocol"
	"github.com/sandstonelabs/sandstone/internal/testutil"
)

func newTestRealm(t *testing.T) *land.Realm {
	t.Helper()
	realm := land.NewRealm(nil)
	mgr, err := land.NewManager("table", tableDefinition(), land.KeeperOptions{}, nil)
	require.NoError(t, err)
	require.NoError(t, realm.Register(mgr))
	t.Cleanup(func() { _ = realm.Shutdown(context.Background()) })
	return realm
}

func connectSession(t *testing.T, r *Router, s string, auth *land.AuthInfo) *testutil.Conn {
	t.Helper()
	conn := testutil.NewConn()
	require.NoError(t, r.OnConnect(conn, land.SessionID(s), land.ClientID("c-"+s), auth))
	return conn
}

func TestJoinAutoCreatesLand(t *testing.T) {
	r := NewRouter(newTestRealm(t), RouterOptions{AllowAutoCreateOnJoin: true})
	ctx := context.Background()
	conn := connectSession(t, r, "s1", nil)

	r.OnMessage(ctx, "s1", []byte(`{"kind":"join","requestId":"r1","landType":"table","playerId":"p1"}`))

	sent := conn.WaitForSends(t, 2, time.Second)
	resp := testutil.FindByKind(t, sent, "joinResponse")
	assert.Equal(t, "r1", resp["requestId"])
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "p1", resp["playerId"])
	assert.True(t, strings.HasPrefix(resp["landId"].(string), "table:"))
	assert.Equal(t, float64(0), resp["playerSlot"])

	// The first sync follows the join response on the same connection.
	first := testutil.FindByKind(t, sent, "stateUpdate")
	assert.Equal(t, "firstSync", first["type"])

	id, bound := r.BoundLandID("s1")
	require.True(t, bound)
	assert.Equal(t, "table", id.Type)
}

func TestSecondJoinerSharesInstance(t *testing.T) {
	realm := newTestRealm(t)
	r := NewRouter(realm, RouterOptions{AllowAutoCreateOnJoin: true})
	ctx := context.Background()
	c1 := connectSession(t, r, "s1", nil)
	c2 := connectSession(t, r, "s2", nil)

	r.OnMessage(ctx, "s1", []byte(`{"kind":"join","requestId":"r1","landType":"table","landInstanceId":"t1","playerId":"p1"}`))
	c1.WaitForSends(t, 2, time.Second)
	r.OnMessage(ctx, "s1", []byte(`{"kind":"action","requestId":"a1","type":"add","payload":{"delta":5}}`))
	c1.WaitForSends(t, 4, time.Second)

	r.OnMessage(ctx, "s2", []byte(`{"kind":"join","requestId":"r2","landType":"table","landInstanceId":"t1","playerId":"p2"}`))
	sent := c2.WaitForSends(t, 2, time.Second)

	id1, _ := r.BoundLandID("s1")
	id2, _ := r.BoundLandID("s2")
	assert.Equal(t, id1, id2, "both sessions share one instance")

	server, ok := realm.Server("table")
	require.True(t, ok)
	keeper, ok := server.Get(land.LandID{Type: "table", Instance: "t1"})
	require.True(t, ok)
	players, err := keeper.Players(ctx)
	require.NoError(t, err)
	assert.Len(t, players, 2)

	// The newcomer's first sync carries the state the first player built.
	first := testutil.FindByKind(t, sent, "stateUpdate")
	require.Equal(t, "firstSync", first["type"])
	var score float64
	for _, p := range first["patches"].([]any) {
		patch := p.(map[string]any)
		if patch["path"] == "/score" {
			score = patch["value"].(float64)
		}
	}
	assert.Equal(t, float64(5), score)
}

func TestMessageBeforeJoinIsRejected(t *testing.T) {
	r := NewRouter(newTestRealm(t), RouterOptions{AllowAutoCreateOnJoin: true})
	ctx := context.Background()
	conn := connectSession(t, r, "s1", nil)

	r.OnMessage(ctx, "s1", []byte(`{"kind":"action","requestId":"a1","type":"add","payload":null}`))

	sent := conn.WaitForSends(t, 1, time.Second)
	resp := testutil.FindByKind(t, sent, "joinResponse")
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, protocol.ReasonHandshakeRequired, resp["reason"])
	assert.False(t, r.IsBound("s1"), "a rejected handshake leaves the session unbound")
}

func TestJoinWithoutAutoCreate(t *testing.T) {
	realm := newTestRealm(t)
	r := NewRouter(realm, RouterOptions{AllowAutoCreateOnJoin: false})
	ctx := context.Background()

	conn := connectSession(t, r, "s1", nil)
	r.OnMessage(ctx, "s1", []byte(`{"kind":"join","requestId":"r1","landType":"table","playerId":"p1"}`))
	sent := conn.WaitForSends(t, 1, time.Second)
	resp := testutil.FindByKind(t, sent, "joinResponse")
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, protocol.ReasonInstanceRequired, resp["reason"])

	conn2 := connectSession(t, r, "s2", nil)
	r.OnMessage(ctx, "s2", []byte(`{"kind":"join","requestId":"r2","landType":"table","landInstanceId":"ghost","playerId":"p2"}`))
	sent = conn2.WaitForSends(t, 1, time.Second)
	resp = testutil.FindByKind(t, sent, "joinResponse")
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, protocol.ReasonInstanceNotFound, resp["reason"])

	// Neither rejection created a land or bound anything.
	assert.Empty(t, realm.ListAllLands()["table"])
	assert.False(t, r.IsBound("s1"))
	assert.False(t, r.IsBound("s2"))

	// A pre-created instance is joinable.
	server, _ := realm.Server("table")
	_, _, err := server.GetOrCreate(ctx, land.LandID{Type: "table", Instance: "t1"})
	require.NoError(t, err)
	r.OnMessage(ctx, "s1", []byte(`{"kind":"join","requestId":"r3","landType":"table","landInstanceId":"t1","playerId":"p1"}`))
	sent = conn.WaitForSends(t, 3, time.Second)
	resp, _ = testutil.DecodeJSON(t, sent[1]).(map[string]any)
	assert.Equal(t, true, resp["success"])
	assert.True(t, r.IsBound("s1"))
}

func TestJoinUnknownLandType(t *testing.T) {
	r := NewRouter(newTestRealm(t), RouterOptions{AllowAutoCreateOnJoin: true})
	conn := connectSession(t, r, "s1", nil)

	r.OnMessage(context.Background(), "s1", []byte(`{"kind":"join","requestId":"r1","landType":"casino"}`))

	sent := conn.WaitForSends(t, 1, time.Second)
	resp := testutil.FindByKind(t, sent, "joinResponse")
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, protocol.ReasonUnknownLandType, resp["reason"])
}

func TestArrayFormHandshake(t *testing.T) {
	r := NewRouter(newTestRealm(t), RouterOptions{
		AllowAutoCreateOnJoin: true,
		Codec:                 protocol.NewCodec(protocol.FormJSONArray),
	})
	conn := connectSession(t, r, "s1", nil)

	// A join in opcode-array shape is accepted during the handshake.
	r.OnMessage(context.Background(), "s1", []byte(`[104,"r1","table","t1","p1",null,null]`))

	sent := conn.WaitForSends(t, 2, time.Second)
	arr, ok := testutil.DecodeJSON(t, sent[0]).([]any)
	require.True(t, ok, "array-form codec replies in array form")
	assert.Equal(t, float64(protocol.OpcodeJoinResponse), arr[0])
	assert.Equal(t, "r1", arr[1])
	assert.Equal(t, float64(1), arr[2])
	assert.Equal(t, "p1", arr[3])
	assert.Equal(t, "table:t1", arr[4])
}

func TestGuestIdentityFallback(t *testing.T) {
	r := NewRouter(newTestRealm(t), RouterOptions{AllowAutoCreateOnJoin: true})
	conn := connectSession(t, r, "s1", nil)

	r.OnMessage(context.Background(), "s1", []byte(`{"kind":"join","requestId":"r1","landType":"table"}`))

	sent := conn.WaitForSends(t, 2, time.Second)
	resp := testutil.FindByKind(t, sent, "joinResponse")
	require.Equal(t, true, resp["success"])
	assert.Equal(t, "s1", resp["playerId"], "anonymous joins fall back to the session-named guest")
}

func TestIdentityPrecedence(t *testing.T) {
	r := NewRouter(newTestRealm(t), RouterOptions{AllowAutoCreateOnJoin: true})
	ctx := context.Background()

	auth := &land.AuthInfo{PlayerID: "auth-player", Metadata: map[string]string{"tier": "gold"}}
	conn := connectSession(t, r, "s1", auth)
	r.OnMessage(ctx, "s1", []byte(`{"kind":"join","requestId":"r1","landType":"table","landInstanceId":"t1"}`))
	sent := conn.WaitForSends(t, 2, time.Second)
	resp := testutil.FindByKind(t, sent, "joinResponse")
	require.Equal(t, true, resp["success"])
	assert.Equal(t, "auth-player", resp["playerId"], "authenticated identity beats the guest fallback")

	// An explicit playerId in the join beats the authenticated one.
	conn2 := connectSession(t, r, "s2", &land.AuthInfo{PlayerID: "auth-other"})
	r.OnMessage(ctx, "s2", []byte(`{"kind":"join","requestId":"r2","landType":"table","landInstanceId":"t1","playerId":"chosen"}`))
	sent = conn2.WaitForSends(t, 2, time.Second)
	resp = testutil.FindByKind(t, sent, "joinResponse")
	require.Equal(t, true, resp["success"])
	assert.Equal(t, "chosen", resp["playerId"])
}

func TestDisconnectLeavesLand(t *testing.T) {
	realm := newTestRealm(t)
	r := NewRouter(realm, RouterOptions{AllowAutoCreateOnJoin: true})
	ctx := context.Background()
	conn := connectSession(t, r, "s1", nil)

	r.OnMessage(ctx, "s1", []byte(`{"kind":"join","requestId":"r1","landType":"table","landInstanceId":"t1","playerId":"p1"}`))
	conn.WaitForSends(t, 2, time.Second)

	r.OnDisconnect(ctx, "s1")

	assert.True(t, conn.Closed())
	assert.False(t, r.IsBound("s1"))
	server, _ := realm.Server("table")
	keeper, ok := server.Get(land.LandID{Type: "table", Instance: "t1"})
	require.True(t, ok)
	n, err := keeper.PlayerCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
