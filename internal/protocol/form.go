package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/sandstonelabs/sandstone/internal/state"
)

// Form selects one of the three wire encodings.
type Form uint8

const (
	// FormJSONObject encodes messages as self-describing JSON objects.
	FormJSONObject Form = iota
	// FormJSONArray encodes messages as opcode-prefixed JSON arrays.
	FormJSONArray
	// FormMsgpack encodes the array shape with MessagePack.
	FormMsgpack
)

// ParseForm maps a config string to a Form.
func ParseForm(s string) (Form, error) {
	switch s {
	case "json", "jsonObject":
		return FormJSONObject, nil
	case "json-array", "opcodeJsonArray":
		return FormJSONArray, nil
	case "msgpack", "opcodeMessagePack":
		return FormMsgpack, nil
	default:
		return 0, fmt.Errorf("unknown encoding %q", s)
	}
}

func (f Form) String() string {
	switch f {
	case FormJSONObject:
		return "json"
	case FormJSONArray:
		return "json-array"
	case FormMsgpack:
		return "msgpack"
	default:
		return fmt.Sprintf("form(%d)", uint8(f))
	}
}

// JSONBased reports whether the form emits JSON text.
func (f Form) JSONBased() bool {
	return f != FormMsgpack
}

// marshal encodes an already normalized value container. Map keys are
// sorted in every form so equal documents produce equal bytes.
func (f Form) marshal(v any) ([]byte, error) {
	if f.JSONBased() {
		return json.Marshal(v)
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encoding msgpack: %w", err)
	}
	return buf.Bytes(), nil
}

// unmarshal decodes wire bytes into normalized values: numbers become
// int64 when integral and float64 otherwise, containers become []any and
// map[string]any.
func (f Form) unmarshal(data []byte) (any, error) {
	if f.JSONBased() {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("decoding json: %w", err)
		}
		return state.Normalize(v), nil
	}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	v, err := dec.DecodeInterface()
	if err != nil {
		return nil, fmt.Errorf("decoding msgpack: %w", err)
	}
	return state.Normalize(v), nil
}
