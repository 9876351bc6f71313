package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sandstonelabs/sandstone/internal/land"
	"github.com/sandstonelabs/sandstone/internal/protocol"
	"github.com/sandstonelabs/sandstone/internal/recorder"
	"github.com/sandstonelabs/sandstone/internal/state"
	"github.com/sandstonelabs/sandstone/internal/statesync"
)

// ErrDetached is returned by adapter operations after the land is gone.
var ErrDetached = errors.New("adapter detached")

const broadcastScope = "broadcast"

// AdapterOptions configure one land's transport adapter.
type AdapterOptions struct {
	Codec *protocol.Codec
	// PathHasher enables compressed patch paths in the array encodings.
	PathHasher *protocol.PathHasher
	// ParallelSend fans sends out over a task group instead of a loop.
	ParallelSend bool
	// Recording receives activity frames. Nil disables recording.
	Recording *recorder.LandRecording
	Log       *slog.Logger
}

// Adapter owns every joined session of one land: the session and slot
// bookkeeping, inbound message dispatch into the keeper, event fan-out
// and the state sync pipeline. It implements land.Transport so the keeper
// can evict sessions and announce its destruction.
type Adapter struct {
	landID    land.LandID
	keeper    land.KeeperHandle
	codec     *protocol.Codec
	hasher    *protocol.PathHasher
	engine    *statesync.Engine
	parallel  bool
	recording *recorder.LandRecording
	log       *slog.Logger

	// onDetached unregisters the adapter from its router after destroy.
	onDetached func(land.LandID)

	gate syncGate

	mu               sync.Mutex
	conns            map[land.SessionID]Connection
	sessionToPlayer  map[land.SessionID]land.PlayerID
	playerToSessions map[land.PlayerID]map[land.SessionID]struct{}
	sessionToClient  map[land.SessionID]land.ClientID
	slots            *slotAllocator
	encoders         map[string]*protocol.UpdateEncoder
	lastAudience     map[land.PlayerID]struct{}
	detached         bool
}

// NewAdapter builds the adapter for one keeper and binds itself as the
// keeper's transport. onDetached runs once after the land is destroyed.
func NewAdapter(keeper land.KeeperHandle, opts AdapterOptions, onDetached func(land.LandID)) *Adapter {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	a := &Adapter{
		landID:           keeper.ID(),
		keeper:           keeper,
		codec:            opts.Codec,
		hasher:           opts.PathHasher,
		engine:           statesync.NewEngine(keeper.Schema()),
		parallel:         opts.ParallelSend,
		recording:        opts.Recording,
		log:              log.With("land", keeper.ID().String()),
		onDetached:       onDetached,
		conns:            map[land.SessionID]Connection{},
		sessionToPlayer:  map[land.SessionID]land.PlayerID{},
		playerToSessions: map[land.PlayerID]map[land.SessionID]struct{}{},
		sessionToClient:  map[land.SessionID]land.ClientID{},
		slots:            newSlotAllocator(),
		encoders:         map[string]*protocol.UpdateEncoder{},
		lastAudience:     map[land.PlayerID]struct{}{},
	}
	keeper.BindTransport(a)
	return a
}

// LandID returns the land this adapter serves.
func (a *Adapter) LandID() land.LandID { return a.landID }

// Detached reports whether the land behind the adapter was destroyed.
func (a *Adapter) Detached() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.detached
}

// PerformJoin runs the admission flow for one connection. The connection
// is registered before the keeper decides, so an admitted session is
// reachable the moment the keeper installs it; on deny everything is
// rolled back.
func (a *Adapter) PerformJoin(ctx context.Context, conn Connection, ps land.PlayerSession, c land.ClientID, s land.SessionID) (land.Admission, uint16, error) {
	a.mu.Lock()
	if a.detached {
		a.mu.Unlock()
		return land.Admission{}, 0, ErrDetached
	}
	a.conns[s] = conn
	a.mu.Unlock()

	adm, slot, err := a.keeper.Join(ctx, ps, c, s)
	if err != nil || !adm.Allowed {
		a.mu.Lock()
		if _, installed := a.sessionToPlayer[s]; !installed {
			delete(a.conns, s)
		}
		a.mu.Unlock()
		return adm, 0, err
	}
	a.recording.Record("join", string(adm.PlayerID), map[string]any{"session": string(s)})
	return adm, slot, nil
}

// InstallSession is the keeper's callback once a join is admitted. It runs
// inside the keeper's join operation, so admission and bookkeeping commit
// atomically with respect to other joins.
func (a *Adapter) InstallSession(p land.PlayerID, s land.SessionID, c land.ClientID) (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.detached {
		return 0, ErrDetached
	}
	if _, ok := a.conns[s]; !ok {
		return 0, fmt.Errorf("session %s has no connection", s)
	}
	a.sessionToPlayer[s] = p
	set := a.playerToSessions[p]
	if set == nil {
		set = map[land.SessionID]struct{}{}
		a.playerToSessions[p] = set
	}
	set[s] = struct{}{}
	a.sessionToClient[s] = c
	return a.slots.acquire(p), nil
}

// DetachSession evicts one session on the keeper's behalf, typically when
// a duplicate login kicks the old session. The session gets a best-effort
// kicked event, its bookkeeping is dropped and the connection is closed.
// It must not call back into the keeper; it runs inside a keeper op.
func (a *Adapter) DetachSession(s land.SessionID, p land.PlayerID, reason string) {
	a.mu.Lock()
	conn, _, _ := a.removeSessionLocked(s)
	a.mu.Unlock()
	a.recording.Record("kick", string(p), map[string]any{"session": string(s), "reason": reason})
	if conn == nil {
		return
	}
	data, err := a.codec.EncodeMessage(&protocol.Event{
		Direction: protocol.FromServer,
		Type:      "kicked",
		Payload:   map[string]any{"reason": reason},
	})
	if err == nil {
		if err := conn.Send(data); err != nil {
			a.log.Debug("kicked event not delivered", "session", s, "error", err)
		}
	}
	if err := conn.Close(); err != nil {
		a.log.Debug("closing kicked session", "session", s, "error", err)
	}
}

// LandDestroyed tears the adapter down after the keeper is gone: every
// connection is closed and the adapter unregisters itself.
func (a *Adapter) LandDestroyed() {
	a.mu.Lock()
	if a.detached {
		a.mu.Unlock()
		return
	}
	a.detached = true
	conns := make([]Connection, 0, len(a.conns))
	for _, c := range a.conns {
		conns = append(conns, c)
	}
	a.conns = map[land.SessionID]Connection{}
	a.sessionToPlayer = map[land.SessionID]land.PlayerID{}
	a.playerToSessions = map[land.PlayerID]map[land.SessionID]struct{}{}
	a.sessionToClient = map[land.SessionID]land.ClientID{}
	a.slots = newSlotAllocator()
	a.encoders = map[string]*protocol.UpdateEncoder{}
	a.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	if err := a.recording.Close(); err != nil {
		a.log.Warn("closing recording", "error", err)
	}
	if a.onDetached != nil {
		a.onDetached(a.landID)
	}
	a.log.Info("adapter detached", "sessions_closed", len(conns))
}

// OnMessage dispatches one decoded-from-the-wire message from a joined
// session. Actions get a response; events are fire-and-forget; a repeated
// join is ignored; anything else earns an error event.
func (a *Adapter) OnMessage(ctx context.Context, s land.SessionID, data []byte) {
	a.mu.Lock()
	p, joined := a.sessionToPlayer[s]
	a.mu.Unlock()
	if !joined {
		a.sendError(s, protocol.ReasonNotJoined)
		return
	}

	msg, err := a.codec.DecodeMessage(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownMessage) {
			a.sendError(s, protocol.ReasonUnknownMessage)
		} else {
			a.log.Debug("undecodable message", "session", s, "error", err)
			a.sendError(s, protocol.ReasonDecodeError)
		}
		return
	}

	switch t := msg.(type) {
	case *protocol.Action:
		a.handleAction(ctx, s, p, t)
	case *protocol.Event:
		if t.Direction != protocol.FromClient {
			a.sendError(s, protocol.ReasonUnknownMessage)
			return
		}
		a.recording.Record("event", string(p), map[string]any{"type": t.Type})
		if err := a.keeper.HandleEvent(ctx, t.Type, t.Payload, p); err != nil {
			a.log.Debug("event rejected", "player", p, "type", t.Type, "error", err)
			return
		}
		a.scheduleSync(syncFull)
	case *protocol.Join:
		// Already joined; a duplicate join on the same session is a no-op.
	default:
		a.sendError(s, protocol.ReasonUnknownMessage)
	}
}

func (a *Adapter) handleAction(ctx context.Context, s land.SessionID, p land.PlayerID, act *protocol.Action) {
	a.recording.Record("action", string(p), map[string]any{"type": act.Type})
	resp := &protocol.ActionResponse{RequestID: act.RequestID}
	result, err := a.keeper.HandleAction(ctx, act.Type, act.Payload, p)
	if err != nil {
		resp.Error = &protocol.ActionError{Reason: protocol.ReasonActionFailed, Message: err.Error()}
	} else {
		resp.Result = result
	}
	data, encErr := a.codec.EncodeMessage(resp)
	if encErr != nil {
		a.log.Error("encoding action response", "type", act.Type, "error", encErr)
		return
	}
	a.sendToSession(s, data)
	if err == nil {
		a.scheduleSync(syncFull)
	}
}

// OnDisconnect removes a session. When it was the player's last session
// the player leaves the land and their sync cache is dropped, so a later
// reconnect starts from a first sync again.
func (a *Adapter) OnDisconnect(ctx context.Context, s land.SessionID) {
	a.mu.Lock()
	conn, p, last := a.removeSessionLocked(s)
	a.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if !last {
		return
	}
	a.recording.Record("leave", string(p), map[string]any{"session": string(s)})
	if err := a.keeper.Leave(ctx, p); err != nil &&
		!errors.Is(err, land.ErrNotJoined) && !errors.Is(err, land.ErrDestroyed) {
		a.log.Warn("leave failed", "player", p, "error", err)
	}
	a.scheduleSync(syncBroadcast)
}

// removeSessionLocked drops every trace of a session. It reports the
// session's player and whether this was the player's last session, in
// which case the slot and the player's sync state are released too.
func (a *Adapter) removeSessionLocked(s land.SessionID) (Connection, land.PlayerID, bool) {
	conn := a.conns[s]
	delete(a.conns, s)
	delete(a.sessionToClient, s)
	p, joined := a.sessionToPlayer[s]
	if !joined {
		return conn, "", false
	}
	delete(a.sessionToPlayer, s)
	set := a.playerToSessions[p]
	delete(set, s)
	if len(set) > 0 {
		return conn, p, false
	}
	delete(a.playerToSessions, p)
	a.slots.release(p)
	delete(a.encoders, playerScope(p))
	a.engine.ClearPlayer(string(p))
	return conn, p, true
}

// SendEvent encodes a server event once and fans it out to the target's
// sessions as they exist right now. Nothing is buffered for absentees.
func (a *Adapter) SendEvent(typ string, payload any, target Target) error {
	data, err := a.codec.EncodeMessage(&protocol.Event{
		Direction: protocol.FromServer,
		Type:      typ,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("encoding event %q: %w", typ, err)
	}
	a.fanOut(a.sessionsFor(target), data)
	return nil
}

func (a *Adapter) sessionsFor(target Target) []land.SessionID {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []land.SessionID
	switch target.kind {
	case targetSession:
		if _, ok := a.conns[target.session]; ok {
			out = append(out, target.session)
		}
	case targetPlayer:
		for s := range a.playerToSessions[target.player] {
			out = append(out, s)
		}
	case targetBroadcast:
		for s := range a.sessionToPlayer {
			out = append(out, s)
		}
	case targetBroadcastExcept:
		for s, p := range a.sessionToPlayer {
			if p != target.player {
				out = append(out, s)
			}
		}
	}
	return out
}

// SyncNow computes and sends every joined player's update. Concurrent
// callers coalesce: the one holding the gate also runs at most one
// follow-up pass covering everything requested meanwhile.
func (a *Adapter) SyncNow(ctx context.Context) error {
	return a.sync(ctx, syncFull)
}

// SyncBroadcastOnly sends only the shared broadcast-scope delta.
func (a *Adapter) SyncBroadcastOnly(ctx context.Context) error {
	return a.sync(ctx, syncBroadcast)
}

func (a *Adapter) sync(ctx context.Context, level syncLevel) error {
	if !a.gate.begin(level) {
		return nil
	}
	var firstErr error
	for level != syncIdle {
		var err error
		if level == syncFull {
			err = a.runFullSync(ctx)
		} else {
			err = a.runBroadcastSync(ctx)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
		level = a.gate.finish()
	}
	return firstErr
}

// scheduleSync requests a sync without waiting for it.
func (a *Adapter) scheduleSync(level syncLevel) {
	go func() {
		if err := a.sync(context.Background(), level); err != nil {
			a.log.Warn("background sync failed", "error", err)
		}
	}()
}

func (a *Adapter) runFullSync(ctx context.Context) error {
	snap, err := a.keeper.SnapshotState(ctx)
	if err != nil {
		if errors.Is(err, land.ErrDestroyed) {
			return nil
		}
		return fmt.Errorf("snapshotting land %s: %w", a.landID, err)
	}

	a.mu.Lock()
	targets := make(map[land.PlayerID][]land.SessionID, len(a.playerToSessions))
	for p, set := range a.playerToSessions {
		sessions := make([]land.SessionID, 0, len(set))
		for s := range set {
			sessions = append(sessions, s)
		}
		targets[p] = sessions
	}
	a.mu.Unlock()

	for p, sessions := range targets {
		upd := a.engine.GenerateDiff(string(p), snap)
		if upd.Kind == state.KindNoChange {
			continue
		}
		data, err := a.encoderFor(playerScope(p)).Encode(upd)
		if err != nil {
			// The player's view stays uncommitted; the next sync pass
			// regenerates this delta from fresh state.
			a.log.Error("encoding state update", "player", p, "error", err)
			continue
		}
		a.engine.Commit(string(p), snap)
		if upd.Kind == state.KindFirstSync {
			a.engine.MarkFirstSyncSent(string(p))
		}
		a.fanOut(sessions, data)
	}
	a.engine.MarkBroadcastBaseline(snap)
	a.rememberAudience(targets)
	a.recording.Record("sync", "", map[string]any{"players": len(targets)})
	return nil
}

func (a *Adapter) runBroadcastSync(ctx context.Context) error {
	snap, err := a.keeper.SnapshotState(ctx)
	if err != nil {
		if errors.Is(err, land.ErrDestroyed) {
			return nil
		}
		return fmt.Errorf("snapshotting land %s: %w", a.landID, err)
	}
	upd, recipients := a.engine.GenerateBroadcastDiff(snap)
	if upd.Kind == state.KindNoChange || len(recipients) == 0 {
		return nil
	}

	enc := a.encoderFor(broadcastScope)
	if a.audienceChanged(recipients) {
		// A session that was not around for earlier definitions cannot
		// resolve bare slot references.
		enc.ForceDefinitions()
	}
	data, err := enc.Encode(upd)
	if err != nil {
		// Baselines stay put so the delta is regenerated next pass.
		return fmt.Errorf("encoding broadcast update: %w", err)
	}
	a.engine.CommitBroadcast(snap)

	var sessions []land.SessionID
	a.mu.Lock()
	for _, pid := range recipients {
		for s := range a.playerToSessions[land.PlayerID(pid)] {
			sessions = append(sessions, s)
		}
	}
	a.mu.Unlock()
	a.fanOut(sessions, data)
	a.recording.Record("sync_broadcast", "", map[string]any{"players": len(recipients)})
	return nil
}

func (a *Adapter) rememberAudience(targets map[land.PlayerID][]land.SessionID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastAudience = make(map[land.PlayerID]struct{}, len(targets))
	for p := range targets {
		a.lastAudience[p] = struct{}{}
	}
}

func (a *Adapter) audienceChanged(recipients []string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	changed := false
	next := make(map[land.PlayerID]struct{}, len(recipients))
	for _, pid := range recipients {
		p := land.PlayerID(pid)
		next[p] = struct{}{}
		if _, ok := a.lastAudience[p]; !ok {
			changed = true
		}
	}
	a.lastAudience = next
	return changed
}

func (a *Adapter) encoderFor(scope string) *protocol.UpdateEncoder {
	a.mu.Lock()
	defer a.mu.Unlock()
	enc, ok := a.encoders[scope]
	if !ok {
		enc = protocol.NewUpdateEncoder(a.codec.Form(), a.hasher)
		a.encoders[scope] = enc
	}
	return enc
}

func playerScope(p land.PlayerID) string { return "player/" + string(p) }

// fanOut delivers one payload to many sessions. A failing send never
// disturbs its peers: the session is logged, torn down in the background
// and the rest of the fan-out continues.
func (a *Adapter) fanOut(sessions []land.SessionID, data []byte) {
	if len(sessions) == 0 {
		return
	}
	if !a.parallel || len(sessions) == 1 {
		for _, s := range sessions {
			a.sendToSession(s, data)
		}
		return
	}
	var g errgroup.Group
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			a.sendToSession(s, data)
			return nil
		})
	}
	_ = g.Wait()
}

func (a *Adapter) sendToSession(s land.SessionID, data []byte) {
	a.mu.Lock()
	conn := a.conns[s]
	a.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Send(data); err != nil {
		a.log.Warn("send failed, dropping session", "session", s, "error", err)
		go a.OnDisconnect(context.Background(), s)
	}
}

func (a *Adapter) sendError(s land.SessionID, reason string) {
	data, err := a.codec.EncodeMessage(&protocol.Event{
		Direction: protocol.FromServer,
		Type:      "error",
		Payload:   map[string]any{"reason": reason},
	})
	if err != nil {
		a.log.Error("encoding error event", "reason", reason, "error", err)
		return
	}
	a.sendToSession(s, data)
}

// Players returns the joined players and their session counts.
func (a *Adapter) Players() map[land.PlayerID]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[land.PlayerID]int, len(a.playerToSessions))
	for p, set := range a.playerToSessions {
		out[p] = len(set)
	}
	return out
}

// SessionPlayer looks up the player a session is joined as.
func (a *Adapter) SessionPlayer(s land.SessionID) (land.PlayerID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.sessionToPlayer[s]
	return p, ok
}

// PlayerSlot looks up a joined player's wire slot.
func (a *Adapter) PlayerSlot(p land.PlayerID) (uint16, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.slots.slot(p)
}

// SlotCount returns how many slots are currently allocated.
func (a *Adapter) SlotCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.slots.size()
}
