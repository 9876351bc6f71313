package protocol

import "fmt"

// EventRegistry assigns numeric opcodes to event type names, per direction.
// Registered events travel as integers in the array encodings; unregistered
// ones keep their string name. The registry is built during setup and must
// not be mutated once a codec uses it.
type EventRegistry struct {
	byName   [2]map[string]uint32
	byOpcode [2]map[uint32]string
}

// NewEventRegistry returns an empty registry.
func NewEventRegistry() *EventRegistry {
	return &EventRegistry{
		byName:   [2]map[string]uint32{{}, {}},
		byOpcode: [2]map[uint32]string{{}, {}},
	}
}

// Register binds name to opcode for one direction. Both the name and the
// opcode must be unused in that direction.
func (r *EventRegistry) Register(dir Direction, name string, opcode uint32) error {
	if name == "" {
		return fmt.Errorf("registering event: empty name")
	}
	if _, dup := r.byName[dir][name]; dup {
		return fmt.Errorf("registering event %q: name already registered", name)
	}
	if prev, dup := r.byOpcode[dir][opcode]; dup {
		return fmt.Errorf("registering event %q: opcode %d already bound to %q", name, opcode, prev)
	}
	r.byName[dir][name] = opcode
	r.byOpcode[dir][opcode] = name
	return nil
}

// Opcode looks up the opcode for a name.
func (r *EventRegistry) Opcode(dir Direction, name string) (uint32, bool) {
	op, ok := r.byName[dir][name]
	return op, ok
}

// Name looks up the name for an opcode.
func (r *EventRegistry) Name(dir Direction, opcode uint32) (string, bool) {
	name, ok := r.byOpcode[dir][opcode]
	return name, ok
}
