package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/google/uuid"

	"github.com/sandstonelabs/sandstone/internal/land"
	"github.com/sandstonelabs/sandstone/internal/protocol"
	"github.com/sandstonelabs/sandstone/internal/recorder"
)

// GuestFactory produces the fallback identity for connections that carry
// neither authenticated info nor identity fields in their join message.
type GuestFactory func(s land.SessionID, c land.ClientID) land.PlayerSession

// DefaultGuestFactory names the guest after its session and device after
// its client key.
func DefaultGuestFactory(s land.SessionID, c land.ClientID) land.PlayerSession {
	return land.PlayerSession{
		PlayerID: land.PlayerID(s),
		DeviceID: string(c),
		Metadata: map[string]string{"isGuest": "true"},
	}
}

// RouterOptions configure the connection front-end.
type RouterOptions struct {
	// AllowAutoCreateOnJoin lets a join without an instance id create a
	// fresh land, and a join naming an absent instance bring it to life.
	AllowAutoCreateOnJoin bool
	// Codec is the post-handshake wire form shared by every land.
	Codec *protocol.Codec
	// PathHasher enables compressed patch paths; nil sends plain ones.
	PathHasher *protocol.PathHasher
	// ParallelSend fans per-sync sends out over a task group.
	ParallelSend bool
	// Guest supplies the lowest-precedence identity. Nil uses
	// DefaultGuestFactory.
	Guest GuestFactory
	// Recorder captures per-land activity when set.
	Recorder *recorder.Recorder
	Log      *slog.Logger
}

// routerSession is one live connection as the router sees it: in the
// handshake phase until its join succeeds, bound to exactly one land
// afterwards.
type routerSession struct {
	id       land.SessionID
	clientID land.ClientID
	auth     *land.AuthInfo
	conn     Connection

	mu    sync.Mutex
	bound bool
	land  land.LandID
}

// Router owns every connection of the process. The first message of a
// connection must be a JSON join; once a join succeeds the connection is
// bound to its land's adapter for the rest of its life.
type Router struct {
	realm *land.Realm
	opts  RouterOptions
	codec *protocol.Codec
	guest GuestFactory
	log   *slog.Logger

	mu       sync.Mutex
	sessions map[land.SessionID]*routerSession
	adapters map[land.LandID]*Adapter
}

// NewRouter builds a router over a realm of registered land types.
func NewRouter(realm *land.Realm, opts RouterOptions) *Router {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	guest := opts.Guest
	if guest == nil {
		guest = DefaultGuestFactory
	}
	codec := opts.Codec
	if codec == nil {
		codec = protocol.NewCodec(protocol.FormJSONObject)
	}
	return &Router{
		realm:    realm,
		opts:     opts,
		codec:    codec,
		guest:    guest,
		log:      log,
		sessions: map[land.SessionID]*routerSession{},
		adapters: map[land.LandID]*Adapter{},
	}
}

// OnConnect registers a fresh connection in the handshake phase.
func (r *Router) OnConnect(conn Connection, s land.SessionID, c land.ClientID, auth *land.AuthInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.sessions[s]; dup {
		return fmt.Errorf("session %s already connected", s)
	}
	r.sessions[s] = &routerSession{id: s, clientID: c, auth: auth, conn: conn}
	r.log.Debug("session connected", "session", s, "client", c, "authenticated", auth != nil)
	return nil
}

// OnMessage routes one inbound frame. Handshake-phase bytes must decode
// as a JSON join; bound sessions forward to their land's adapter.
func (r *Router) OnMessage(ctx context.Context, s land.SessionID, data []byte) {
	sess := r.session(s)
	if sess == nil {
		r.log.Debug("message from unknown session", "session", s)
		return
	}
	if id, bound := sess.boundLand(); bound {
		if a := r.adapter(id); a != nil {
			a.OnMessage(ctx, s, data)
			return
		}
		// The land vanished under the session; treat it as unbound.
		sess.unbind()
	}
	r.handshake(ctx, sess, data)
}

// OnDisconnect tears a connection down, leaving its land if it was bound.
func (r *Router) OnDisconnect(ctx context.Context, s land.SessionID) {
	r.mu.Lock()
	sess := r.sessions[s]
	delete(r.sessions, s)
	r.mu.Unlock()
	if sess == nil {
		return
	}
	if id, bound := sess.boundLand(); bound {
		if a := r.adapter(id); a != nil {
			a.OnDisconnect(ctx, s)
		}
	}
	_ = sess.conn.Close()
	r.log.Debug("session disconnected", "session", s)
}

// IsBound reports whether the session finished its handshake.
func (r *Router) IsBound(s land.SessionID) bool {
	sess := r.session(s)
	if sess == nil {
		return false
	}
	_, bound := sess.boundLand()
	return bound
}

// BoundLandID returns the land a session is bound to.
func (r *Router) BoundLandID(s land.SessionID) (land.LandID, bool) {
	sess := r.session(s)
	if sess == nil {
		return land.LandID{}, false
	}
	return sess.boundLand()
}

func (r *Router) handshake(ctx context.Context, sess *routerSession, data []byte) {
	msg, err := protocol.DecodeHandshake(data)
	if err != nil {
		r.log.Debug("handshake decode failed", "session", sess.id, "error", err)
		r.respond(sess, &protocol.JoinResponse{Success: false, Reason: protocol.ReasonHandshakeRequired})
		return
	}
	join, ok := msg.(*protocol.Join)
	if !ok {
		r.respond(sess, &protocol.JoinResponse{
			RequestID: protocol.RequestIDOf(msg),
			Success:   false,
			Reason:    protocol.ReasonHandshakeRequired,
		})
		return
	}
	r.handleJoin(ctx, sess, join)
}

func (r *Router) handleJoin(ctx context.Context, sess *routerSession, join *protocol.Join) {
	reject := func(reason string) {
		r.respond(sess, &protocol.JoinResponse{RequestID: join.RequestID, Success: false, Reason: reason})
	}

	server, ok := r.realm.Server(join.LandType)
	if !ok {
		reject(protocol.ReasonUnknownLandType)
		return
	}

	keeper, created, err := r.resolveLand(ctx, server, join)
	if err != nil {
		var rerr *rejectError
		if errors.As(err, &rerr) {
			reject(rerr.reason)
			return
		}
		r.log.Error("resolving land for join", "land_type", join.LandType, "error", err)
		reject(protocol.ReasonInstanceNotFound)
		return
	}

	adapter := r.adapterFor(keeper, created)
	identity := r.resolveIdentity(join, sess)

	adm, slot, err := adapter.PerformJoin(ctx, sess.conn, identity, sess.clientID, sess.id)
	if err != nil {
		r.log.Warn("join failed", "land", keeper.ID().String(), "player", identity.PlayerID, "error", err)
		reject("join_denied")
		return
	}
	if !adm.Allowed {
		reason := adm.Reason
		if reason == "" {
			reason = "join_denied"
		}
		reject(reason)
		return
	}

	sess.bind(keeper.ID())
	r.respond(sess, &protocol.JoinResponse{
		RequestID:  join.RequestID,
		Success:    true,
		PlayerID:   string(adm.PlayerID),
		LandID:     keeper.ID().String(),
		PlayerSlot: slot,
	})
	// The newcomer's first sync rides the regular sync pass, after the
	// join response is on the wire.
	if err := adapter.SyncNow(ctx); err != nil {
		r.log.Warn("post-join sync failed", "land", keeper.ID().String(), "error", err)
	}
}

// rejectError carries a client-visible join rejection reason.
type rejectError struct{ reason string }

func (e *rejectError) Error() string { return "join rejected: " + e.reason }

func (r *Router) resolveLand(ctx context.Context, server land.Server, join *protocol.Join) (land.KeeperHandle, bool, error) {
	if join.InstanceID != "" {
		id := land.LandID{Type: join.LandType, Instance: join.InstanceID}
		if !r.opts.AllowAutoCreateOnJoin {
			k, ok := server.Get(id)
			if !ok {
				return nil, false, &rejectError{reason: protocol.ReasonInstanceNotFound}
			}
			return k, false, nil
		}
		return server.GetOrCreate(ctx, id)
	}
	if !r.opts.AllowAutoCreateOnJoin {
		return nil, false, &rejectError{reason: protocol.ReasonInstanceRequired}
	}
	id := land.LandID{Type: join.LandType, Instance: uuid.NewString()}
	return server.GetOrCreate(ctx, id)
}

// adapterFor returns the live adapter of a land, building and binding one
// for keepers fresh out of the manager.
func (r *Router) adapterFor(keeper land.KeeperHandle, created bool) *Adapter {
	id := keeper.ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if !created {
		if a, ok := r.adapters[id]; ok && !a.Detached() {
			return a
		}
	}
	var rec *recorder.LandRecording
	if r.opts.Recorder != nil {
		var err error
		rec, err = r.opts.Recorder.Open(id.String(), r.codec.Form().String())
		if err != nil {
			r.log.Warn("recording disabled for land", "land", id.String(), "error", err)
		}
	}
	a := NewAdapter(keeper, AdapterOptions{
		Codec:        r.codec,
		PathHasher:   r.opts.PathHasher,
		ParallelSend: r.opts.ParallelSend,
		Recording:    rec,
		Log:          r.log,
	}, r.dropAdapter)
	r.adapters[id] = a
	return a
}

// dropAdapter unregisters a detached adapter. Runs from the keeper's
// destroy path via Adapter.LandDestroyed.
func (r *Router) dropAdapter(id land.LandID) {
	r.mu.Lock()
	if a, ok := r.adapters[id]; ok && a.Detached() {
		delete(r.adapters, id)
	}
	r.mu.Unlock()
}

func (r *Router) adapter(id land.LandID) *Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.adapters[id]
}

func (r *Router) session(s land.SessionID) *routerSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[s]
}

// resolveIdentity merges the three identity sources. Join-message fields
// win over authenticated info, which wins over the guest fallback; the
// guest identity only applies when neither names a player.
func (r *Router) resolveIdentity(join *protocol.Join, sess *routerSession) land.PlayerSession {
	var ps land.PlayerSession
	meta := map[string]string{}

	if join.PlayerID == "" && (sess.auth == nil || sess.auth.PlayerID == "") {
		ps = r.guest(sess.id, sess.clientID)
		maps.Copy(meta, ps.Metadata)
	}
	if a := sess.auth; a != nil {
		if a.PlayerID != "" {
			ps.PlayerID = a.PlayerID
		}
		if a.DeviceID != "" {
			ps.DeviceID = a.DeviceID
		}
		maps.Copy(meta, a.Metadata)
	}
	if join.PlayerID != "" {
		ps.PlayerID = land.PlayerID(join.PlayerID)
	}
	if join.DeviceID != "" {
		ps.DeviceID = join.DeviceID
	}
	maps.Copy(meta, join.Metadata)

	ps.Metadata = meta
	return ps
}

// respond sends a handshake-phase reply. Handshake replies are always
// JSON so a client can bootstrap before agreeing on the land's codec.
func (r *Router) respond(sess *routerSession, m protocol.Message) {
	data, err := r.codec.EncodeHandshake(m)
	if err != nil {
		r.log.Error("encoding handshake response", "error", err)
		return
	}
	if err := sess.conn.Send(data); err != nil {
		r.log.Debug("handshake response not delivered", "session", sess.id, "error", err)
	}
}

func (s *routerSession) bind(id land.LandID) {
	s.mu.Lock()
	s.bound = true
	s.land = id
	s.mu.Unlock()
}

func (s *routerSession) unbind() {
	s.mu.Lock()
	s.bound = false
	s.land = land.LandID{}
	s.mu.Unlock()
}

func (s *routerSession) boundLand() (land.LandID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.land, s.bound
}
