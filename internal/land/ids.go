// Package land hosts the authoritative side of a session: typed land
// definitions, the keeper actor that runs their rules, and the manager and
// realm that own land instances.
package land

import (
	"fmt"
	"strings"
)

// PlayerID identifies a player across sessions and devices.
type PlayerID string

// SessionID identifies one live connection.
type SessionID string

// ClientID identifies the device or installation behind a session.
type ClientID string

// LandID addresses one land instance inside a land type.
type LandID struct {
	Type     string
	Instance string
}

// String renders the canonical "type:instance" form.
func (id LandID) String() string {
	return id.Type + ":" + id.Instance
}

// IsZero reports whether the ID is unset.
func (id LandID) IsZero() bool {
	return id.Type == "" && id.Instance == ""
}

// ParseLandID parses the canonical "type:instance" form.
func ParseLandID(s string) (LandID, error) {
	typ, inst, ok := strings.Cut(s, ":")
	if !ok || typ == "" || inst == "" {
		return LandID{}, fmt.Errorf("malformed land id %q", s)
	}
	return LandID{Type: typ, Instance: inst}, nil
}
