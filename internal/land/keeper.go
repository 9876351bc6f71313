package land

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sandstonelabs/sandstone/internal/actor"
	"github.com/sandstonelabs/sandstone/internal/state"
)

var (
	// ErrDestroyed is returned by keeper operations after the land is gone.
	ErrDestroyed = errors.New("land destroyed")
	// ErrNotJoined is returned when an operation names an unknown player.
	ErrNotJoined = errors.New("player not joined")
)

// DuplicatePolicy decides what happens when a player who already has a
// live session joins again from a new session.
type DuplicatePolicy uint8

const (
	// KickOld evicts the previous session; the new one takes over.
	KickOld DuplicatePolicy = iota
	// RejectNew refuses the new session.
	RejectNew
	// AllowMultiple lets the player hold several sessions at once.
	AllowMultiple
)

// ParseDuplicatePolicy maps a config string to a policy.
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch s {
	case "", "kick_old":
		return KickOld, nil
	case "reject_new":
		return RejectNew, nil
	case "allow_multiple":
		return AllowMultiple, nil
	default:
		return 0, fmt.Errorf("unknown duplicate login policy %q", s)
	}
}

// PlayerRecord is the keeper's bookkeeping for one joined player.
type PlayerRecord struct {
	ClientID  ClientID
	SessionID SessionID
	JoinedAt  time.Time
}

// Stats is a point-in-time summary of one land.
type Stats struct {
	Players      int
	CreatedAt    time.Time
	LastActivity time.Time
}

// Transport is the slice of the adapter the keeper drives. Implementations
// must not call back into the keeper from these methods; they run inside
// keeper operations.
type Transport interface {
	// InstallSession registers session bookkeeping for an admitted player
	// and returns the player's slot.
	InstallSession(p PlayerID, s SessionID, c ClientID) (uint16, error)
	// DetachSession evicts a session: best-effort kicked event, close, and
	// bookkeeping removal.
	DetachSession(s SessionID, p PlayerID, reason string)
	// LandDestroyed tears the adapter down: notify and close every
	// session, then unregister the adapter.
	LandDestroyed()
}

// KeeperHandle is the type-erased keeper surface used by the transport
// layer and the realm.
type KeeperHandle interface {
	ID() LandID
	Schema() state.Schema
	Destroyed() bool
	BindTransport(t Transport)

	Join(ctx context.Context, ps PlayerSession, c ClientID, s SessionID) (Admission, uint16, error)
	Leave(ctx context.Context, p PlayerID) error
	HandleAction(ctx context.Context, typ string, payload any, p PlayerID) (any, error)
	HandleEvent(ctx context.Context, typ string, payload any, p PlayerID) error
	SnapshotState(ctx context.Context) (state.ValueMap, error)
	PlayerCount(ctx context.Context) (int, error)
	Players(ctx context.Context) (map[PlayerID]PlayerRecord, error)
	Stats(ctx context.Context) (Stats, error)
	Destroy(ctx context.Context) error
}

// KeeperOptions tune one keeper.
type KeeperOptions struct {
	// DestroyWhenEmpty destroys the land after it has had no players for
	// this long. Zero disables auto-destroy.
	DestroyWhenEmpty time.Duration
	// DuplicatePolicy defaults to KickOld.
	DuplicatePolicy DuplicatePolicy
	// MailboxSize bounds the keeper's operation queue.
	MailboxSize int
	// OnDestroyed runs once after the land is destroyed, outside locks.
	OnDestroyed func(LandID)
	Log         *slog.Logger
}

// Keeper owns one land instance. Every operation runs on the keeper's
// mailbox, so rules never see concurrent access to the state.
type Keeper[S any] struct {
	id      LandID
	def     Definition[S]
	opts    KeeperOptions
	mailbox *actor.Mailbox
	log     *slog.Logger

	destroyed atomic.Bool

	transportMu sync.Mutex
	transport   Transport

	// Mailbox-goroutine state. Never touched outside mailbox tasks.
	st           S
	players      map[PlayerID]*PlayerRecord
	idleTimer    *time.Timer
	createdAt    time.Time
	lastActivity time.Time
}

// NewKeeper starts a keeper for one land instance. The idle-destroy timer
// arms immediately: a land nobody ever joins goes away like one everybody
// left.
func NewKeeper[S any](id LandID, def Definition[S], initial S, opts KeeperOptions) *Keeper[S] {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	now := time.Now()
	k := &Keeper[S]{
		id:           id,
		def:          def,
		opts:         opts,
		mailbox:      actor.NewMailbox(opts.MailboxSize),
		log:          log.With("land", id.String()),
		st:           initial,
		players:      map[PlayerID]*PlayerRecord{},
		createdAt:    now,
		lastActivity: now,
	}
	if opts.DestroyWhenEmpty > 0 {
		k.armIdleTimerAsync()
	}
	return k
}

// ID returns the land's identifier.
func (k *Keeper[S]) ID() LandID { return k.id }

// Schema returns the definition's field scoping.
func (k *Keeper[S]) Schema() state.Schema { return k.def.Schema }

// Destroyed reports whether the land has been torn down.
func (k *Keeper[S]) Destroyed() bool { return k.destroyed.Load() }

// BindTransport attaches the adapter. Must happen before the first join.
func (k *Keeper[S]) BindTransport(t Transport) {
	k.transportMu.Lock()
	k.transport = t
	k.transportMu.Unlock()
}

func (k *Keeper[S]) boundTransport() Transport {
	k.transportMu.Lock()
	defer k.transportMu.Unlock()
	return k.transport
}

// Join admits a session for ps, applying the duplicate-login policy and
// the definition's CanJoin/OnJoin rules. On success the session is
// installed in the adapter and the player's slot is returned.
func (k *Keeper[S]) Join(ctx context.Context, ps PlayerSession, c ClientID, s SessionID) (Admission, uint16, error) {
	type joined struct {
		adm  Admission
		slot uint16
	}
	res, err := actor.Call(ctx, k.mailbox, func() (joined, error) {
		if k.destroyed.Load() {
			return joined{}, ErrDestroyed
		}
		t := k.boundTransport()
		if t == nil {
			return joined{}, errors.New("keeper has no transport bound")
		}
		k.touch()

		if rec, exists := k.players[ps.PlayerID]; exists {
			switch k.opts.DuplicatePolicy {
			case RejectNew:
				return joined{adm: Deny("duplicate_login")}, nil
			case AllowMultiple:
				rec.SessionID = s
				rec.ClientID = c
				slot, err := t.InstallSession(ps.PlayerID, s, c)
				if err != nil {
					return joined{adm: Deny("join_failed")}, nil
				}
				return joined{adm: Allow(ps.PlayerID), slot: slot}, nil
			default: // KickOld
				k.log.Info("kicking old session on duplicate login",
					"player", ps.PlayerID, "old_session", rec.SessionID, "new_session", s)
				t.DetachSession(rec.SessionID, ps.PlayerID, "duplicate_login")
				// The evicted player leaves for real: OnLeave runs before the
				// new session goes through the normal join flow.
				if k.def.OnLeave != nil {
					lctx := k.ruleContext(ps.PlayerID, "", nil)
					scratch := k.def.Clone(k.st)
					if err := k.safeHook(func() error { return k.def.OnLeave(&scratch, lctx) }); err != nil {
						k.log.Warn("leave hook failed during kick", "player", ps.PlayerID, "error", err)
					} else {
						k.st = scratch
					}
				}
				delete(k.players, ps.PlayerID)
			}
		}

		lctx := k.ruleContext(ps.PlayerID, ps.DeviceID, ps.Metadata)
		if k.def.CanJoin != nil {
			adm, err := k.safeAdmission(func() Admission { return k.def.CanJoin(k.st, ps, lctx) })
			if err != nil {
				return joined{adm: Deny("join_failed")}, nil
			}
			if !adm.Allowed {
				return joined{adm: adm}, nil
			}
		}

		prev := k.st
		if k.def.OnJoin != nil {
			scratch := k.def.Clone(k.st)
			if err := k.safeHook(func() error { return k.def.OnJoin(&scratch, lctx) }); err != nil {
				k.log.Warn("join hook failed", "player", ps.PlayerID, "error", err)
				return joined{adm: Deny(err.Error())}, nil
			}
			k.st = scratch
		}

		k.players[ps.PlayerID] = &PlayerRecord{ClientID: c, SessionID: s, JoinedAt: time.Now()}
		slot, err := t.InstallSession(ps.PlayerID, s, c)
		if err != nil {
			delete(k.players, ps.PlayerID)
			k.st = prev
			return joined{adm: Deny("join_failed")}, nil
		}
		k.stopIdleTimer()
		return joined{adm: Allow(ps.PlayerID), slot: slot}, nil
	})
	if err != nil {
		return Admission{}, 0, k.mapMailboxErr(err)
	}
	return res.adm, res.slot, nil
}

// Leave removes a player whose last session closed, running OnLeave first.
// A failing OnLeave is logged and the player is removed anyway.
func (k *Keeper[S]) Leave(ctx context.Context, p PlayerID) error {
	_, err := actor.Call(ctx, k.mailbox, func() (struct{}, error) {
		if k.destroyed.Load() {
			return struct{}{}, ErrDestroyed
		}
		if _, ok := k.players[p]; !ok {
			return struct{}{}, ErrNotJoined
		}
		k.touch()
		if k.def.OnLeave != nil {
			lctx := k.ruleContext(p, "", nil)
			scratch := k.def.Clone(k.st)
			if err := k.safeHook(func() error { return k.def.OnLeave(&scratch, lctx) }); err != nil {
				k.log.Warn("leave hook failed", "player", p, "error", err)
			} else {
				k.st = scratch
			}
		}
		delete(k.players, p)
		if len(k.players) == 0 && k.opts.DestroyWhenEmpty > 0 {
			k.armIdleTimer()
		}
		return struct{}{}, nil
	})
	return k.mapMailboxErr(err)
}

// HandleAction runs one action rule against a scratch copy and commits on
// success. The returned value becomes the action response payload.
func (k *Keeper[S]) HandleAction(ctx context.Context, typ string, payload any, p PlayerID) (any, error) {
	return actor.Call(ctx, k.mailbox, func() (any, error) {
		if k.destroyed.Load() {
			return nil, ErrDestroyed
		}
		if _, ok := k.players[p]; !ok {
			return nil, ErrNotJoined
		}
		fn, ok := k.def.Actions[typ]
		if !ok {
			return nil, fmt.Errorf("unknown action %q", typ)
		}
		k.touch()
		lctx := k.ruleContext(p, "", nil)
		scratch := k.def.Clone(k.st)
		var result any
		err := k.safeHook(func() error {
			var err error
			result, err = fn(&scratch, payload, lctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		k.st = scratch
		return result, nil
	})
}

// HandleEvent runs one event rule against a scratch copy and commits on
// success. Events never produce a response.
func (k *Keeper[S]) HandleEvent(ctx context.Context, typ string, payload any, p PlayerID) error {
	_, err := actor.Call(ctx, k.mailbox, func() (struct{}, error) {
		if k.destroyed.Load() {
			return struct{}{}, ErrDestroyed
		}
		if _, ok := k.players[p]; !ok {
			return struct{}{}, ErrNotJoined
		}
		fn, ok := k.def.Events[typ]
		if !ok {
			return struct{}{}, fmt.Errorf("unknown event %q", typ)
		}
		k.touch()
		lctx := k.ruleContext(p, "", nil)
		scratch := k.def.Clone(k.st)
		if err := k.safeHook(func() error { return fn(&scratch, payload, lctx) }); err != nil {
			return struct{}{}, err
		}
		k.st = scratch
		return struct{}{}, nil
	})
	return k.mapMailboxErr(err)
}

// SnapshotState renders the current state as a normalized document.
func (k *Keeper[S]) SnapshotState(ctx context.Context) (state.ValueMap, error) {
	m, err := actor.Call(ctx, k.mailbox, func() (state.ValueMap, error) {
		if k.destroyed.Load() {
			return nil, ErrDestroyed
		}
		doc, _ := state.Normalize(k.def.Snapshot(k.st)).(map[string]any)
		return doc, nil
	})
	return m, k.mapMailboxErr(err)
}

// PlayerCount returns the number of joined players.
func (k *Keeper[S]) PlayerCount(ctx context.Context) (int, error) {
	n, err := actor.Call(ctx, k.mailbox, func() (int, error) {
		return len(k.players), nil
	})
	return n, k.mapMailboxErr(err)
}

// Players returns a copy of the player records.
func (k *Keeper[S]) Players(ctx context.Context) (map[PlayerID]PlayerRecord, error) {
	m, err := actor.Call(ctx, k.mailbox, func() (map[PlayerID]PlayerRecord, error) {
		out := make(map[PlayerID]PlayerRecord, len(k.players))
		for p, rec := range k.players {
			out[p] = *rec
		}
		return out, nil
	})
	return m, k.mapMailboxErr(err)
}

// Stats summarizes the land.
func (k *Keeper[S]) Stats(ctx context.Context) (Stats, error) {
	s, err := actor.Call(ctx, k.mailbox, func() (Stats, error) {
		return Stats{Players: len(k.players), CreatedAt: k.createdAt, LastActivity: k.lastActivity}, nil
	})
	return s, k.mapMailboxErr(err)
}

// Destroy tears the land down: OnDestroy runs best effort, the adapter is
// told to detach everyone, and the keeper stops accepting operations.
// Destroying twice is a no-op.
func (k *Keeper[S]) Destroy(ctx context.Context) error {
	_, err := actor.Call(ctx, k.mailbox, func() (struct{}, error) {
		k.destroyLocked("requested")
		return struct{}{}, nil
	})
	if err != nil {
		if errors.Is(err, actor.ErrClosed) {
			return nil
		}
		return err
	}
	return k.mailbox.Close(ctx)
}

// destroyLocked runs on the mailbox goroutine.
func (k *Keeper[S]) destroyLocked(cause string) {
	if k.destroyed.Load() {
		return
	}
	k.destroyed.Store(true)
	k.stopIdleTimer()
	k.log.Info("destroying land", "cause", cause, "players", len(k.players))
	if k.def.OnDestroy != nil {
		if err := k.safeHook(func() error { k.def.OnDestroy(&k.st); return nil }); err != nil {
			k.log.Warn("destroy hook failed", "error", err)
		}
	}
	k.players = map[PlayerID]*PlayerRecord{}
	if t := k.boundTransport(); t != nil {
		t.LandDestroyed()
	}
	if k.opts.OnDestroyed != nil {
		k.opts.OnDestroyed(k.id)
	}
}

func (k *Keeper[S]) checkIdleDestroy() {
	if k.destroyed.Load() || len(k.players) > 0 {
		return
	}
	k.destroyLocked("empty")
}

// armIdleTimer runs on the mailbox goroutine.
func (k *Keeper[S]) armIdleTimer() {
	k.stopIdleTimer()
	k.idleTimer = time.AfterFunc(k.opts.DestroyWhenEmpty, func() {
		_ = k.mailbox.Submit(k.checkIdleDestroy)
	})
}

// armIdleTimerAsync arms the timer from outside the mailbox goroutine.
func (k *Keeper[S]) armIdleTimerAsync() {
	_ = k.mailbox.Submit(func() {
		if !k.destroyed.Load() && len(k.players) == 0 {
			k.armIdleTimer()
		}
	})
}

func (k *Keeper[S]) stopIdleTimer() {
	if k.idleTimer != nil {
		k.idleTimer.Stop()
		k.idleTimer = nil
	}
}

func (k *Keeper[S]) touch() {
	k.lastActivity = time.Now()
}

func (k *Keeper[S]) ruleContext(p PlayerID, deviceID string, metadata map[string]string) Context {
	return Context{
		LandID:   k.id,
		PlayerID: p,
		DeviceID: deviceID,
		Metadata: metadata,
		Log:      k.log,
	}
}

// safeHook runs a rule and converts panics into errors so a broken rule
// cannot take the keeper down.
func (k *Keeper[S]) safeHook(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			k.log.Error("recovered rule panic", "panic", r)
			err = fmt.Errorf("rule panic: %v", r)
		}
	}()
	return fn()
}

func (k *Keeper[S]) safeAdmission(fn func() Admission) (adm Admission, err error) {
	defer func() {
		if r := recover(); r != nil {
			k.log.Error("recovered rule panic", "panic", r)
			err = fmt.Errorf("rule panic: %v", r)
		}
	}()
	return fn(), nil
}

func (k *Keeper[S]) mapMailboxErr(err error) error {
	if errors.Is(err, actor.ErrClosed) {
		return ErrDestroyed
	}
	return err
}
