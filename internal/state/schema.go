package state

// Scope controls who receives a top-level snapshot field.
type Scope uint8

const (
	// ScopeBroadcast fields are visible to every player. Untagged fields
	// default to broadcast.
	ScopeBroadcast Scope = iota
	// ScopePerPlayer fields hold a map keyed by player ID; each player only
	// ever sees their own entry.
	ScopePerPlayer
)

// Schema maps top-level field names to their scope.
type Schema map[string]Scope

// FieldScope returns the scope for a field, defaulting to broadcast.
func (s Schema) FieldScope(field string) Scope {
	if s == nil {
		return ScopeBroadcast
	}
	return s[field]
}

// ProjectFor builds the view of full that a single player is allowed to
// see: broadcast fields are copied whole, per-player fields are narrowed to
// that player's slice. A per-player field with no entry for the player is
// kept as an empty object so the field itself is always present.
func ProjectFor(full ValueMap, playerID string, schema Schema) ValueMap {
	out := make(ValueMap, len(full))
	for k, v := range full {
		switch schema.FieldScope(k) {
		case ScopePerPlayer:
			slice := map[string]any{}
			if obj, ok := v.(map[string]any); ok {
				if pv, present := obj[playerID]; present {
					slice[playerID] = Clone(pv)
				}
			}
			out[k] = slice
		default:
			out[k] = Clone(v)
		}
	}
	return out
}

// ProjectBroadcast builds the shared view containing only broadcast fields.
func ProjectBroadcast(full ValueMap, schema Schema) ValueMap {
	out := make(ValueMap, len(full))
	for k, v := range full {
		if schema.FieldScope(k) == ScopeBroadcast {
			out[k] = Clone(v)
		}
	}
	return out
}
