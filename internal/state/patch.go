package state

import "fmt"

// Op is a patch operation.
type Op uint8

const (
	// OpSet replaces the value at a path.
	OpSet Op = 1
	// OpAdd introduces a value at a previously absent path.
	OpAdd Op = 2
	// OpRemove deletes the value at a path. Remove patches carry no value.
	OpRemove Op = 3
)

// String returns the wire name used by the JSON object encoding.
func (o Op) String() string {
	switch o {
	case OpSet:
		return "set"
	case OpAdd:
		return "add"
	case OpRemove:
		return "remove"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// ParseOp maps a wire name back to an Op.
func ParseOp(s string) (Op, error) {
	switch s {
	case "set":
		return OpSet, nil
	case "add":
		return OpAdd, nil
	case "remove":
		return OpRemove, nil
	default:
		return 0, fmt.Errorf("unknown patch op %q", s)
	}
}

// Patch is one state mutation addressed by a JSON pointer.
type Patch struct {
	Path  string
	Op    Op
	Value any
}

// Apply applies patches to m in order and returns the mutated document.
// Set and add both write the value, creating intermediate objects along the
// path; remove deletes the leaf and is a no-op when the leaf is absent.
// A nil m starts from an empty document.
func Apply(m ValueMap, patches []Patch) (ValueMap, error) {
	if m == nil {
		m = ValueMap{}
	}
	for _, p := range patches {
		segs, err := SplitPointer(p.Path)
		if err != nil {
			return nil, fmt.Errorf("applying patch %q: %w", p.Path, err)
		}
		parent := m
		for i := 0; i < len(segs)-1; i++ {
			child, ok := parent[segs[i]]
			if !ok {
				if p.Op == OpRemove {
					parent = nil
					break
				}
				next := map[string]any{}
				parent[segs[i]] = next
				parent = next
				continue
			}
			obj, ok := child.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("applying patch %q: segment %q is not an object", p.Path, segs[i])
			}
			parent = obj
		}
		if parent == nil {
			continue
		}
		leaf := segs[len(segs)-1]
		switch p.Op {
		case OpSet, OpAdd:
			parent[leaf] = Clone(p.Value)
		case OpRemove:
			delete(parent, leaf)
		default:
			return nil, fmt.Errorf("applying patch %q: unknown op %d", p.Path, p.Op)
		}
	}
	return m, nil
}
