// Package transport binds live connections to lands: the router runs the
// join handshake and session registry, the adapter does per-land
// bookkeeping, message dispatch, event fan-out and state sync.
package transport

import "github.com/sandstonelabs/sandstone/internal/land"

// Connection is one live client link. Sends must preserve order per
// connection; an error means the link is dead or dying.
type Connection interface {
	Send(data []byte) error
	Close() error
}

// Target addresses an outgoing event.
type Target struct {
	kind    targetKind
	player  land.PlayerID
	session land.SessionID
}

type targetKind uint8

const (
	targetPlayer targetKind = iota
	targetSession
	targetBroadcast
	targetBroadcastExcept
)

// ToPlayer targets every session of one player.
func ToPlayer(p land.PlayerID) Target {
	return Target{kind: targetPlayer, player: p}
}

// ToSession targets a single session.
func ToSession(s land.SessionID) Target {
	return Target{kind: targetSession, session: s}
}

// Broadcast targets every joined session of the land.
func Broadcast() Target {
	return Target{kind: targetBroadcast}
}

// BroadcastExcept targets everyone but the given player.
func BroadcastExcept(p land.PlayerID) Target {
	return Target{kind: targetBroadcastExcept, player: p}
}
