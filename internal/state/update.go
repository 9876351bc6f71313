package state

import "fmt"

// UpdateKind is the state-update discriminator carried on the wire.
type UpdateKind uint8

const (
	// KindNoChange means the diff was empty. NoChange updates are computed
	// for bookkeeping but never transmitted.
	KindNoChange UpdateKind = 0
	// KindDiff carries an incremental patch list.
	KindDiff UpdateKind = 1
	// KindFirstSync carries the patch list that rebuilds the player's view
	// from an empty document.
	KindFirstSync UpdateKind = 2
)

// String returns the wire name used by the JSON object encoding.
func (k UpdateKind) String() string {
	switch k {
	case KindNoChange:
		return "noChange"
	case KindDiff:
		return "diff"
	case KindFirstSync:
		return "firstSync"
	default:
		return fmt.Sprintf("updateKind(%d)", uint8(k))
	}
}

// ParseUpdateKind maps a wire name back to an UpdateKind.
func ParseUpdateKind(s string) (UpdateKind, error) {
	switch s {
	case "noChange":
		return KindNoChange, nil
	case "diff":
		return KindDiff, nil
	case "firstSync":
		return KindFirstSync, nil
	default:
		return 0, fmt.Errorf("unknown update kind %q", s)
	}
}

// Update is one state update addressed to a player or to the broadcast
// audience. NoChange updates never carry patches.
type Update struct {
	Kind    UpdateKind
	Patches []Patch
}
