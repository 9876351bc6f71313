package protocol

// keySlots is the encoder half of a dynamic key table for one stream scope
// (one player, or the broadcast audience). Slot assignment is stable for
// the life of the scope; only the record of which definitions the receiver
// has seen gets reset.
type keySlots struct {
	slots map[string]uint32
	next  uint32
	known map[uint32]bool
}

func newKeySlots() *keySlots {
	return &keySlots{slots: map[string]uint32{}, known: map[uint32]bool{}}
}

func (t *keySlots) slot(key string) uint32 {
	if s, ok := t.slots[key]; ok {
		return s
	}
	s := t.next
	t.next++
	t.slots[key] = s
	return s
}

func (t *keySlots) isKnown(slot uint32) bool { return t.known[slot] }

func (t *keySlots) markKnown(slot uint32) { t.known[slot] = true }

// forgetKnown makes the next update re-define every key it uses.
func (t *keySlots) forgetKnown() { clear(t.known) }

// keyNames is the decoder half: slot to key name, filled by definitions.
type keyNames struct {
	names map[uint32]string
}

func newKeyNames() *keyNames {
	return &keyNames{names: map[uint32]string{}}
}

func (t *keyNames) install(slot uint32, name string) { t.names[slot] = name }

func (t *keyNames) lookup(slot uint32) (string, bool) {
	n, ok := t.names[slot]
	return n, ok
}

func (t *keyNames) reset() { clear(t.names) }
