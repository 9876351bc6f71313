// Package protocol implements the wire layer: transport messages, the
// three payload encodings (JSON object, opcode JSON array, opcode
// MessagePack) and the state-update compression machinery (path hashes and
// dynamic key slots).
package protocol

import "errors"

// Message opcodes used by the two array encodings.
const (
	OpcodeAction         = 101
	OpcodeActionResponse = 102
	OpcodeEvent          = 103
	OpcodeJoin           = 104
	OpcodeJoinResponse   = 105
)

// Error reasons carried by join responses and server error events.
const (
	ReasonHandshakeRequired = "handshake_required"
	ReasonInstanceNotFound  = "instance_not_found"
	ReasonInstanceRequired  = "instance_required"
	ReasonUnknownLandType   = "unknown_land_type"
	ReasonNotJoined         = "not_joined"
	ReasonUnknownMessage    = "unknown_message"
	ReasonActionFailed      = "action_failed"
	ReasonDecodeError       = "decode_error"
)

// ErrUnknownMessage marks bytes that decoded into a well-formed container
// with an unrecognized kind or opcode. Undecodable bytes produce ordinary
// errors instead.
var ErrUnknownMessage = errors.New("unknown message")

// Message is one transport message. The concrete types are Action,
// ActionResponse, Event, Join and JoinResponse.
type Message interface {
	message()
}

// Direction tells which side emitted an event.
type Direction uint8

const (
	FromClient Direction = 0
	FromServer Direction = 1
)

// String returns the wire name used by the JSON object encoding.
func (d Direction) String() string {
	if d == FromServer {
		return "fromServer"
	}
	return "fromClient"
}

// Action is a client request that expects exactly one response.
type Action struct {
	RequestID string
	Type      string
	Payload   any
}

// ActionError is the failure branch of an ActionResponse.
type ActionError struct {
	Reason  string
	Message string
}

// ActionResponse answers one Action. Either Result or Error is set.
type ActionResponse struct {
	RequestID string
	Result    any
	Error     *ActionError
}

// Event is a fire-and-forget message in either direction.
type Event struct {
	Direction Direction
	Type      string
	Payload   any
}

// Join asks to enter a land. InstanceID, PlayerID, DeviceID and Metadata
// are optional; the empty value means absent.
type Join struct {
	RequestID  string
	LandType   string
	InstanceID string
	PlayerID   string
	DeviceID   string
	Metadata   map[string]string
}

// JoinResponse answers one Join. PlayerID, LandID and PlayerSlot are set on
// success, Reason on failure.
type JoinResponse struct {
	RequestID  string
	Success    bool
	PlayerID   string
	LandID     string
	PlayerSlot uint16
	Reason     string
}

func (*Action) message()         {}
func (*ActionResponse) message() {}
func (*Event) message()          {}
func (*Join) message()           {}
func (*JoinResponse) message()   {}

// RequestIDOf extracts the request ID from messages that carry one.
func RequestIDOf(m Message) string {
	switch t := m.(type) {
	case *Action:
		return t.RequestID
	case *ActionResponse:
		return t.RequestID
	case *Join:
		return t.RequestID
	case *JoinResponse:
		return t.RequestID
	default:
		return ""
	}
}
