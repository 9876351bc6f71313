package state

import (
	"slices"
)

// Diff computes the patches that transform prev into next. Keys present
// only in next become add patches, keys present only in prev become remove
// patches, and changed values become set patches. Nested objects are
// diffed recursively; arrays and scalars are replaced wholesale. Output
// order is deterministic: keys are visited in ascending byte order at each
// level. A nil prev diffs from the empty document, which is exactly the
// patch list of a first sync.
func Diff(prev, next ValueMap) []Patch {
	var out []Patch
	diffObjects(nil, prev, next, &out)
	return out
}

func diffObjects(prefix []string, prev, next map[string]any, out *[]Patch) {
	keys := make([]string, 0, len(prev)+len(next))
	seen := make(map[string]struct{}, len(prev)+len(next))
	for k := range prev {
		keys = append(keys, k)
		seen[k] = struct{}{}
	}
	for k := range next {
		if _, dup := seen[k]; !dup {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	for _, k := range keys {
		path := append(prefix, k)
		pv, inPrev := prev[k]
		nv, inNext := next[k]
		switch {
		case !inPrev:
			*out = append(*out, Patch{Path: JoinPointer(path...), Op: OpAdd, Value: Clone(nv)})
		case !inNext:
			*out = append(*out, Patch{Path: JoinPointer(path...), Op: OpRemove})
		case Equal(pv, nv):
			// unchanged
		default:
			po, pIsObj := pv.(map[string]any)
			no, nIsObj := nv.(map[string]any)
			if pIsObj && nIsObj {
				diffObjects(path, po, no, out)
			} else {
				*out = append(*out, Patch{Path: JoinPointer(path...), Op: OpSet, Value: Clone(nv)})
			}
		}
	}
}
