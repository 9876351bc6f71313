package protocol

import (
	"encoding/json"
	"fmt"
)

// Codec encodes and decodes transport messages in one wire form. A codec is
// stateless and safe for concurrent use; state updates go through the
// stateful UpdateEncoder instead.
type Codec struct {
	form             Form
	events           *EventRegistry
	compressPayloads bool
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithEventRegistry makes the array encodings replace registered event type
// names with their numeric opcodes.
func WithEventRegistry(r *EventRegistry) CodecOption {
	return func(c *Codec) { c.events = r }
}

// WithPayloadCompression turns object payloads into positional arrays in
// the array encodings.
func WithPayloadCompression(on bool) CodecOption {
	return func(c *Codec) { c.compressPayloads = on }
}

// NewCodec builds a codec for the given form.
func NewCodec(form Form, opts ...CodecOption) *Codec {
	c := &Codec{form: form}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Form returns the codec's wire form.
func (c *Codec) Form() Form { return c.form }

// JSONBased reports whether the codec emits JSON text.
func (c *Codec) JSONBased() bool { return c.form.JSONBased() }

// EncodeMessage serializes m in the codec's form.
func (c *Codec) EncodeMessage(m Message) ([]byte, error) {
	if c.form == FormJSONObject {
		obj, err := c.objectForm(m)
		if err != nil {
			return nil, err
		}
		return json.Marshal(obj)
	}
	arr, err := c.arrayForm(m)
	if err != nil {
		return nil, err
	}
	return c.form.marshal(arr)
}

// EncodeHandshake serializes m as JSON no matter which form the codec
// carries. Join responses during the handshake must stay readable before
// the land's codec is in effect.
func (c *Codec) EncodeHandshake(m Message) ([]byte, error) {
	if c.form == FormJSONObject {
		obj, err := c.objectForm(m)
		if err != nil {
			return nil, err
		}
		return json.Marshal(obj)
	}
	arr, err := c.arrayForm(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(arr)
}

// DecodeMessage parses wire bytes in the codec's form.
func (c *Codec) DecodeMessage(data []byte) (Message, error) {
	v, err := c.form.unmarshal(data)
	if err != nil {
		return nil, err
	}
	if c.form == FormJSONObject {
		return c.fromObject(v)
	}
	return c.fromArray(v)
}

// DecodeHandshake parses the first client message, which must be JSON in
// either the object or the array shape regardless of the land's codec.
func DecodeHandshake(data []byte) (Message, error) {
	v, err := FormJSONObject.unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	bare := NewCodec(FormJSONObject)
	switch v.(type) {
	case map[string]any:
		return bare.fromObject(v)
	case []any:
		return bare.fromArray(v)
	default:
		return nil, fmt.Errorf("handshake: unexpected payload type %T", v)
	}
}

func (c *Codec) wirePayload(v any) any {
	if c.compressPayloads {
		return CompressPayload(v)
	}
	return v
}

func (c *Codec) objectForm(m Message) (map[string]any, error) {
	switch t := m.(type) {
	case *Action:
		return map[string]any{
			"kind":      "action",
			"requestId": t.RequestID,
			"type":      t.Type,
			"payload":   t.Payload,
		}, nil
	case *ActionResponse:
		out := map[string]any{"kind": "actionResponse", "requestId": t.RequestID}
		if t.Error != nil {
			out["error"] = errorObject(t.Error)
		} else {
			out["result"] = t.Result
		}
		return out, nil
	case *Event:
		return map[string]any{
			"kind":      "event",
			"direction": t.Direction.String(),
			"type":      t.Type,
			"payload":   t.Payload,
		}, nil
	case *Join:
		out := map[string]any{"kind": "join", "requestId": t.RequestID, "landType": t.LandType}
		if t.InstanceID != "" {
			out["landInstanceId"] = t.InstanceID
		}
		if t.PlayerID != "" {
			out["playerId"] = t.PlayerID
		}
		if t.DeviceID != "" {
			out["deviceId"] = t.DeviceID
		}
		if len(t.Metadata) > 0 {
			out["metadata"] = t.Metadata
		}
		return out, nil
	case *JoinResponse:
		out := map[string]any{"kind": "joinResponse", "requestId": t.RequestID, "success": t.Success}
		if t.Success {
			out["playerId"] = t.PlayerID
			out["landId"] = t.LandID
			out["playerSlot"] = int64(t.PlayerSlot)
		} else {
			out["reason"] = t.Reason
		}
		return out, nil
	default:
		return nil, fmt.Errorf("encoding message: unsupported type %T", m)
	}
}

func (c *Codec) fromObject(v any) (Message, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decoding message: expected object, got %T", v)
	}
	kind, _ := obj["kind"].(string)
	switch kind {
	case "action":
		typ, ok := obj["type"].(string)
		if !ok || typ == "" {
			return nil, fmt.Errorf("decoding action: missing type")
		}
		rid, _ := obj["requestId"].(string)
		return &Action{RequestID: rid, Type: typ, Payload: obj["payload"]}, nil
	case "actionResponse":
		rid, _ := obj["requestId"].(string)
		if e, ok := obj["error"].(map[string]any); ok {
			return &ActionResponse{RequestID: rid, Error: errorFromObject(e)}, nil
		}
		return &ActionResponse{RequestID: rid, Result: obj["result"]}, nil
	case "event":
		typ, ok := obj["type"].(string)
		if !ok || typ == "" {
			return nil, fmt.Errorf("decoding event: missing type")
		}
		dir := FromClient
		if s, _ := obj["direction"].(string); s == "fromServer" {
			dir = FromServer
		}
		return &Event{Direction: dir, Type: typ, Payload: obj["payload"]}, nil
	case "join":
		landType, ok := obj["landType"].(string)
		if !ok || landType == "" {
			return nil, fmt.Errorf("decoding join: missing landType")
		}
		meta, err := metadataFrom(obj["metadata"])
		if err != nil {
			return nil, fmt.Errorf("decoding join: %w", err)
		}
		rid, _ := obj["requestId"].(string)
		inst, _ := obj["landInstanceId"].(string)
		pid, _ := obj["playerId"].(string)
		did, _ := obj["deviceId"].(string)
		return &Join{RequestID: rid, LandType: landType, InstanceID: inst, PlayerID: pid, DeviceID: did, Metadata: meta}, nil
	case "joinResponse":
		rid, _ := obj["requestId"].(string)
		success, err := boolValue(obj["success"])
		if err != nil {
			return nil, fmt.Errorf("decoding joinResponse: %w", err)
		}
		if !success {
			reason, _ := obj["reason"].(string)
			return &JoinResponse{RequestID: rid, Success: false, Reason: reason}, nil
		}
		pid, _ := obj["playerId"].(string)
		landID, _ := obj["landId"].(string)
		slot, err := slotValue(obj["playerSlot"])
		if err != nil {
			return nil, fmt.Errorf("decoding joinResponse: %w", err)
		}
		return &JoinResponse{RequestID: rid, Success: true, PlayerID: pid, LandID: landID, PlayerSlot: slot}, nil
	case "":
		return nil, fmt.Errorf("decoding message: missing kind: %w", ErrUnknownMessage)
	default:
		return nil, fmt.Errorf("decoding message: kind %q: %w", kind, ErrUnknownMessage)
	}
}

func (c *Codec) arrayForm(m Message) ([]any, error) {
	switch t := m.(type) {
	case *Action:
		return []any{int64(OpcodeAction), t.RequestID, t.Type, c.wirePayload(t.Payload)}, nil
	case *ActionResponse:
		if t.Error != nil {
			return []any{int64(OpcodeActionResponse), t.RequestID, map[string]any{"error": errorObject(t.Error)}}, nil
		}
		return []any{int64(OpcodeActionResponse), t.RequestID, c.wirePayload(t.Result)}, nil
	case *Event:
		var typeOrOpcode any = t.Type
		if c.events != nil {
			if op, ok := c.events.Opcode(t.Direction, t.Type); ok {
				typeOrOpcode = int64(op)
			}
		}
		return []any{int64(OpcodeEvent), int64(t.Direction), typeOrOpcode, c.wirePayload(t.Payload)}, nil
	case *Join:
		return []any{
			int64(OpcodeJoin),
			t.RequestID,
			t.LandType,
			nilIfEmpty(t.InstanceID),
			nilIfEmpty(t.PlayerID),
			nilIfEmpty(t.DeviceID),
			nilIfEmptyMeta(t.Metadata),
		}, nil
	case *JoinResponse:
		if t.Success {
			return []any{int64(OpcodeJoinResponse), t.RequestID, int64(1), t.PlayerID, t.LandID, int64(t.PlayerSlot), nil}, nil
		}
		return []any{int64(OpcodeJoinResponse), t.RequestID, int64(0), nil, nil, nil, t.Reason}, nil
	default:
		return nil, fmt.Errorf("encoding message: unsupported type %T", m)
	}
}

func (c *Codec) fromArray(v any) (Message, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("decoding message: expected array, got %T", v)
	}
	if len(arr) == 0 {
		return nil, fmt.Errorf("decoding message: empty array")
	}
	opcode, ok := arr[0].(int64)
	if !ok {
		return nil, fmt.Errorf("decoding message: opcode is %T, want integer", arr[0])
	}
	switch opcode {
	case OpcodeAction:
		rid, err := optString(arg(arr, 1))
		if err != nil {
			return nil, fmt.Errorf("decoding action: requestId: %w", err)
		}
		typ, ok := arg(arr, 2).(string)
		if !ok || typ == "" {
			return nil, fmt.Errorf("decoding action: missing type")
		}
		return &Action{RequestID: rid, Type: typ, Payload: arg(arr, 3)}, nil
	case OpcodeActionResponse:
		rid, err := optString(arg(arr, 1))
		if err != nil {
			return nil, fmt.Errorf("decoding actionResponse: requestId: %w", err)
		}
		resp := arg(arr, 2)
		if wrapper, ok := resp.(map[string]any); ok && len(wrapper) == 1 {
			if e, ok := wrapper["error"].(map[string]any); ok {
				return &ActionResponse{RequestID: rid, Error: errorFromObject(e)}, nil
			}
		}
		return &ActionResponse{RequestID: rid, Result: resp}, nil
	case OpcodeEvent:
		dirRaw, ok := arg(arr, 1).(int64)
		if !ok || (dirRaw != 0 && dirRaw != 1) {
			return nil, fmt.Errorf("decoding event: bad direction %v", arg(arr, 1))
		}
		dir := Direction(dirRaw)
		var typ string
		switch tok := arg(arr, 2).(type) {
		case string:
			typ = tok
		case int64:
			if c.events == nil {
				return nil, fmt.Errorf("decoding event: opcode %d but no event registry", tok)
			}
			name, ok := c.events.Name(dir, uint32(tok))
			if !ok {
				return nil, fmt.Errorf("decoding event: unregistered opcode %d", tok)
			}
			typ = name
		default:
			return nil, fmt.Errorf("decoding event: bad type %T", tok)
		}
		return &Event{Direction: dir, Type: typ, Payload: arg(arr, 3)}, nil
	case OpcodeJoin:
		rid, err := optString(arg(arr, 1))
		if err != nil {
			return nil, fmt.Errorf("decoding join: requestId: %w", err)
		}
		landType, ok := arg(arr, 2).(string)
		if !ok || landType == "" {
			return nil, fmt.Errorf("decoding join: missing landType")
		}
		inst, err := optString(arg(arr, 3))
		if err != nil {
			return nil, fmt.Errorf("decoding join: landInstanceId: %w", err)
		}
		pid, err := optString(arg(arr, 4))
		if err != nil {
			return nil, fmt.Errorf("decoding join: playerId: %w", err)
		}
		did, err := optString(arg(arr, 5))
		if err != nil {
			return nil, fmt.Errorf("decoding join: deviceId: %w", err)
		}
		meta, err := metadataFrom(arg(arr, 6))
		if err != nil {
			return nil, fmt.Errorf("decoding join: %w", err)
		}
		return &Join{RequestID: rid, LandType: landType, InstanceID: inst, PlayerID: pid, DeviceID: did, Metadata: meta}, nil
	case OpcodeJoinResponse:
		rid, err := optString(arg(arr, 1))
		if err != nil {
			return nil, fmt.Errorf("decoding joinResponse: requestId: %w", err)
		}
		success, err := boolValue(arg(arr, 2))
		if err != nil {
			return nil, fmt.Errorf("decoding joinResponse: %w", err)
		}
		if !success {
			reason, err := optString(arg(arr, 6))
			if err != nil {
				return nil, fmt.Errorf("decoding joinResponse: reason: %w", err)
			}
			return &JoinResponse{RequestID: rid, Success: false, Reason: reason}, nil
		}
		pid, err := optString(arg(arr, 3))
		if err != nil {
			return nil, fmt.Errorf("decoding joinResponse: playerId: %w", err)
		}
		landID, err := optString(arg(arr, 4))
		if err != nil {
			return nil, fmt.Errorf("decoding joinResponse: landId: %w", err)
		}
		slot, err := slotValue(arg(arr, 5))
		if err != nil {
			return nil, fmt.Errorf("decoding joinResponse: %w", err)
		}
		return &JoinResponse{RequestID: rid, Success: true, PlayerID: pid, LandID: landID, PlayerSlot: slot}, nil
	default:
		return nil, fmt.Errorf("decoding message: opcode %d: %w", opcode, ErrUnknownMessage)
	}
}

func errorObject(e *ActionError) map[string]any {
	out := map[string]any{"reason": e.Reason}
	if e.Message != "" {
		out["message"] = e.Message
	}
	return out
}

func errorFromObject(obj map[string]any) *ActionError {
	reason, _ := obj["reason"].(string)
	msg, _ := obj["message"].(string)
	return &ActionError{Reason: reason, Message: msg}
}

func arg(arr []any, i int) any {
	if i < len(arr) {
		return arr[i]
	}
	return nil
}

func optString(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	default:
		return "", fmt.Errorf("expected string, got %T", v)
	}
}

func boolValue(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case int64:
		return t != 0, nil
	default:
		return false, fmt.Errorf("expected bool, got %T", v)
	}
}

func slotValue(v any) (uint16, error) {
	n, ok := v.(int64)
	if !ok || n < 0 || n > 0xFFFF {
		return 0, fmt.Errorf("bad playerSlot %v", v)
	}
	return uint16(n), nil
}

func metadataFrom(v any) (map[string]string, error) {
	if v == nil {
		return nil, nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("metadata must be an object, got %T", v)
	}
	out := make(map[string]string, len(obj))
	for k, e := range obj {
		s, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("metadata value for %q must be a string", k)
		}
		out[k] = s
	}
	return out, nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nilIfEmptyMeta(m map[string]string) any {
	if len(m) == 0 {
		return nil
	}
	return m
}
