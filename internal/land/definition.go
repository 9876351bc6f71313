package land

import (
	"errors"
	"log/slog"

	"github.com/sandstonelabs/sandstone/internal/state"
)

// PlayerSession is the resolved identity a session joins with. Identity
// fields from the join message win over authenticated values, which win
// over the guest fallback.
type PlayerSession struct {
	PlayerID PlayerID
	DeviceID string
	Metadata map[string]string
}

// AuthInfo carries identity attached to a connection by the outer
// transport, for example from a ticket checked during the HTTP upgrade.
type AuthInfo struct {
	PlayerID PlayerID
	DeviceID string
	Metadata map[string]string
}

// Context is handed to every rule invocation.
type Context struct {
	LandID   LandID
	PlayerID PlayerID
	DeviceID string
	Metadata map[string]string
	Log      *slog.Logger
}

// Admission is the outcome of a join attempt.
type Admission struct {
	Allowed  bool
	PlayerID PlayerID
	Reason   string
}

// Allow admits a player.
func Allow(p PlayerID) Admission {
	return Admission{Allowed: true, PlayerID: p}
}

// Deny rejects a join with a rule-chosen reason.
func Deny(reason string) Admission {
	return Admission{Reason: reason}
}

// ActionFunc handles one client action against a scratch copy of the
// state. Returning an error discards the scratch copy and surfaces an
// action_failed response; the returned value becomes the response payload.
type ActionFunc[S any] func(s *S, payload any, ctx Context) (any, error)

// EventFunc handles one fire-and-forget client event against a scratch
// copy of the state.
type EventFunc[S any] func(s *S, payload any, ctx Context) error

// HookFunc runs on join or leave against a scratch copy of the state.
type HookFunc[S any] func(s *S, ctx Context) error

// Definition describes one land type over a state type S. New, Clone and
// Snapshot are mandatory; everything else is optional.
type Definition[S any] struct {
	// New builds the initial state of a fresh land instance.
	New func() S
	// Clone deep-copies the state. Every rule runs against a clone that is
	// committed only on success, so a failing rule cannot corrupt state.
	Clone func(S) S
	// Snapshot renders the state as a fresh normalized document. The
	// returned map must not alias mutable parts of S.
	Snapshot func(S) state.ValueMap
	// Schema scopes top-level snapshot fields; untagged fields broadcast.
	Schema state.Schema

	// CanJoin screens a join attempt against the current state. Nil admits
	// everyone.
	CanJoin func(s S, ps PlayerSession, ctx Context) Admission
	// OnJoin runs after admission, before the join response.
	OnJoin HookFunc[S]
	// OnLeave runs when a player's last session goes away.
	OnLeave HookFunc[S]
	// OnDestroy runs once, best effort, as the land is torn down.
	OnDestroy func(s *S)

	// Actions and Events dispatch client messages by type name.
	Actions map[string]ActionFunc[S]
	Events  map[string]EventFunc[S]
}

// Validate checks the mandatory fields.
func (d Definition[S]) Validate() error {
	if d.New == nil {
		return errors.New("definition: New is required")
	}
	if d.Clone == nil {
		return errors.New("definition: Clone is required")
	}
	if d.Snapshot == nil {
		return errors.New("definition: Snapshot is required")
	}
	return nil
}
