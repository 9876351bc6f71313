package protocol

import "slices"

// CompressPayload rewrites an object payload as a positional array: the
// values of its top-level fields in ascending byte order of the field
// names. Both sides must agree on the payload schema out of band, so the
// transform is not reversible here and nested objects are left intact.
// Non-object payloads pass through unchanged.
func CompressPayload(v any) any {
	obj, ok := v.(map[string]any)
	if !ok {
		return v
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = obj[k]
	}
	return out
}
