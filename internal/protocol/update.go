package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sandstonelabs/sandstone/internal/state"
)

// UpdateEncoder serializes state updates for one stream scope. It owns the
// scope's dynamic key table, so one instance must see every update of its
// scope, in order. Callers serialize access; the sync gate already runs
// syncs one at a time.
type UpdateEncoder struct {
	form   Form
	hasher *PathHasher
	keys   *keySlots
}

// NewUpdateEncoder builds an encoder. A nil hasher disables path
// compression and paths travel as plain strings.
func NewUpdateEncoder(form Form, hasher *PathHasher) *UpdateEncoder {
	return &UpdateEncoder{form: form, hasher: hasher, keys: newKeySlots()}
}

// ForceDefinitions makes the next update re-define the dynamic keys it
// uses. Broadcast scopes call this when membership changes so that a
// newcomer can resolve slot references; first syncs do it implicitly.
func (e *UpdateEncoder) ForceDefinitions() {
	e.keys.forgetKnown()
}

// Encode serializes one update in the encoder's form. First syncs reset
// the key table: the receiver starts from a clean slate, so every dynamic
// key used afterwards is re-defined even if it had a slot before.
func (e *UpdateEncoder) Encode(u state.Update) ([]byte, error) {
	if e.form == FormJSONObject {
		obj := map[string]any{"type": u.Kind.String()}
		if u.Kind != state.KindNoChange {
			patches := make([]any, 0, len(u.Patches))
			for _, p := range u.Patches {
				po := map[string]any{"path": p.Path, "op": p.Op.String()}
				if p.Op != state.OpRemove {
					po["value"] = p.Value
				}
				patches = append(patches, po)
			}
			obj["patches"] = patches
		}
		return json.Marshal(obj)
	}

	if u.Kind == state.KindFirstSync {
		e.keys.forgetKnown()
	}
	arr := make([]any, 0, len(u.Patches)+1)
	arr = append(arr, int64(u.Kind))
	for _, p := range u.Patches {
		repr, err := e.pathRepr(p.Path)
		if err != nil {
			return nil, err
		}
		patch := []any{repr, int64(p.Op)}
		if p.Op != state.OpRemove {
			patch = append(patch, p.Value)
		}
		arr = append(arr, patch)
	}
	return e.form.marshal(arr)
}

func (e *UpdateEncoder) pathRepr(ptr string) (any, error) {
	if e.hasher == nil {
		return ptr, nil
	}
	hash, keys, ok := e.hasher.Compress(ptr)
	if !ok {
		return nil, fmt.Errorf("no path hash registered for %q", ptr)
	}
	if len(keys) == 0 {
		return []any{int64(hash), nil}, nil
	}
	reprs := make([]any, len(keys))
	for i, k := range keys {
		slot := e.keys.slot(k)
		if e.keys.isKnown(slot) {
			reprs[i] = int64(slot)
		} else {
			reprs[i] = []any{int64(slot), k}
			e.keys.markKnown(slot)
		}
	}
	return []any{int64(hash), reprs}, nil
}

// UpdateDecoder is the client-side mirror of UpdateEncoder. It keeps the
// receiver's view of the dynamic key table and fails fast on hashes or
// slot references it has never been given.
type UpdateDecoder struct {
	form   Form
	hasher *PathHasher
	names  *keyNames
}

// NewUpdateDecoder builds a decoder sharing the encoder's hash table.
func NewUpdateDecoder(form Form, hasher *PathHasher) *UpdateDecoder {
	return &UpdateDecoder{form: form, hasher: hasher, names: newKeyNames()}
}

// Decode parses one update. First syncs clear the key table before any
// patch is read.
func (d *UpdateDecoder) Decode(data []byte) (state.Update, error) {
	v, err := d.form.unmarshal(data)
	if err != nil {
		return state.Update{}, err
	}
	if d.form == FormJSONObject {
		return d.fromObject(v)
	}
	return d.fromArray(v)
}

func (d *UpdateDecoder) fromObject(v any) (state.Update, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return state.Update{}, fmt.Errorf("decoding update: expected object, got %T", v)
	}
	name, _ := obj["type"].(string)
	kind, err := state.ParseUpdateKind(name)
	if err != nil {
		return state.Update{}, fmt.Errorf("decoding update: %w", err)
	}
	u := state.Update{Kind: kind}
	raw, _ := obj["patches"].([]any)
	for _, e := range raw {
		po, ok := e.(map[string]any)
		if !ok {
			return state.Update{}, fmt.Errorf("decoding update: patch is %T, want object", e)
		}
		path, _ := po["path"].(string)
		if path == "" {
			return state.Update{}, errors.New("decoding update: patch without path")
		}
		opName, _ := po["op"].(string)
		op, err := state.ParseOp(opName)
		if err != nil {
			return state.Update{}, fmt.Errorf("decoding update: %w", err)
		}
		u.Patches = append(u.Patches, state.Patch{Path: path, Op: op, Value: po["value"]})
	}
	return u, nil
}

func (d *UpdateDecoder) fromArray(v any) (state.Update, error) {
	arr, ok := v.([]any)
	if !ok {
		return state.Update{}, fmt.Errorf("decoding update: expected array, got %T", v)
	}
	if len(arr) == 0 {
		return state.Update{}, errors.New("decoding update: empty array")
	}
	kindRaw, ok := arr[0].(int64)
	if !ok || kindRaw < 0 || kindRaw > int64(state.KindFirstSync) {
		return state.Update{}, fmt.Errorf("decoding update: bad kind %v", arr[0])
	}
	kind := state.UpdateKind(kindRaw)
	if kind == state.KindFirstSync {
		d.names.reset()
	}
	u := state.Update{Kind: kind}
	for _, e := range arr[1:] {
		patch, ok := e.([]any)
		if !ok || len(patch) < 2 || len(patch) > 3 {
			return state.Update{}, fmt.Errorf("decoding update: malformed patch %v", e)
		}
		path, err := d.path(patch[0])
		if err != nil {
			return state.Update{}, fmt.Errorf("decoding update: %w", err)
		}
		opRaw, ok := patch[1].(int64)
		if !ok || opRaw < int64(state.OpSet) || opRaw > int64(state.OpRemove) {
			return state.Update{}, fmt.Errorf("decoding update: bad op %v", patch[1])
		}
		p := state.Patch{Path: path, Op: state.Op(opRaw)}
		if len(patch) == 3 {
			p.Value = patch[2]
		}
		u.Patches = append(u.Patches, p)
	}
	return u, nil
}

func (d *UpdateDecoder) path(repr any) (string, error) {
	switch t := repr.(type) {
	case string:
		return t, nil
	case []any:
		if d.hasher == nil {
			return "", errors.New("compressed path but no hash table configured")
		}
		if len(t) == 0 {
			return "", errors.New("empty path representation")
		}
		hashRaw, ok := t[0].(int64)
		if !ok {
			return "", fmt.Errorf("path hash is %T, want integer", t[0])
		}
		var keys []string
		if len(t) > 1 && t[1] != nil {
			reprs, ok := t[1].([]any)
			if !ok {
				return "", fmt.Errorf("dynamic keys are %T, want array", t[1])
			}
			keys = make([]string, 0, len(reprs))
			for _, kr := range reprs {
				switch k := kr.(type) {
				case int64:
					name, ok := d.names.lookup(uint32(k))
					if !ok {
						return "", fmt.Errorf("reference to undefined key slot %d", k)
					}
					keys = append(keys, name)
				case []any:
					if len(k) != 2 {
						return "", fmt.Errorf("malformed key definition %v", k)
					}
					slot, ok := k[0].(int64)
					if !ok {
						return "", fmt.Errorf("key slot is %T, want integer", k[0])
					}
					name, ok := k[1].(string)
					if !ok {
						return "", fmt.Errorf("key name is %T, want string", k[1])
					}
					d.names.install(uint32(slot), name)
					keys = append(keys, name)
				default:
					return "", fmt.Errorf("malformed dynamic key %T", kr)
				}
			}
		}
		return d.hasher.Expand(uint32(hashRaw), keys)
	default:
		return "", fmt.Errorf("malformed path %T", repr)
	}
}

// IsStateUpdate distinguishes state-update bytes from transport messages.
// Array forms carry the update kind (0..2) where messages carry opcodes
// (101+); the object form carries "type" where messages carry "kind".
func IsStateUpdate(form Form, data []byte) bool {
	v, err := form.unmarshal(data)
	if err != nil {
		return false
	}
	switch t := v.(type) {
	case []any:
		if len(t) == 0 {
			return false
		}
		n, ok := t[0].(int64)
		return ok && n >= 0 && n <= int64(state.KindFirstSync)
	case map[string]any:
		_, hasKind := t["kind"]
		_, hasType := t["type"]
		return hasType && !hasKind
	default:
		return false
	}
}
