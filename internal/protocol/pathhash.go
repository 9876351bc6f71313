package protocol

import (
	"fmt"
	"hash/fnv"
	"slices"
	"strings"

	"github.com/sandstonelabs/sandstone/internal/state"
)

// PathHasher maps dotted path patterns such as "players.*.hp" to fixed
// 32-bit hashes agreed with the client ahead of time. Literal segments
// match exactly, "*" captures one dynamic segment. When several patterns
// match a path the one with the fewest wildcards wins.
type PathHasher struct {
	byHash  map[uint32]pathPattern
	buckets map[int][]pathPattern
}

type pathPattern struct {
	raw       string
	segs      []string
	hash      uint32
	wildcards int
}

// NewPathHasher validates a pattern table. Hashes must be unique.
func NewPathHasher(table map[string]uint32) (*PathHasher, error) {
	h := &PathHasher{
		byHash:  make(map[uint32]pathPattern, len(table)),
		buckets: make(map[int][]pathPattern),
	}
	for raw, hash := range table {
		if raw == "" {
			return nil, fmt.Errorf("building path hash table: empty pattern")
		}
		segs := strings.Split(raw, ".")
		wildcards := 0
		for _, s := range segs {
			if s == "*" {
				wildcards++
			} else if s == "" {
				return nil, fmt.Errorf("building path hash table: pattern %q has an empty segment", raw)
			}
		}
		if prev, dup := h.byHash[hash]; dup {
			return nil, fmt.Errorf("building path hash table: hash %d bound to both %q and %q", hash, prev.raw, raw)
		}
		p := pathPattern{raw: raw, segs: segs, hash: hash, wildcards: wildcards}
		h.byHash[hash] = p
		h.buckets[len(segs)] = append(h.buckets[len(segs)], p)
	}
	for n := range h.buckets {
		slices.SortFunc(h.buckets[n], func(a, b pathPattern) int {
			if a.wildcards != b.wildcards {
				return a.wildcards - b.wildcards
			}
			return strings.Compare(a.raw, b.raw)
		})
	}
	return h, nil
}

// Compress matches a JSON pointer against the table and returns the hash
// plus the captured dynamic segments.
func (h *PathHasher) Compress(ptr string) (uint32, []string, bool) {
	segs, err := state.SplitPointer(ptr)
	if err != nil {
		return 0, nil, false
	}
	for _, p := range h.buckets[len(segs)] {
		if keys, ok := p.match(segs); ok {
			return p.hash, keys, true
		}
	}
	return 0, nil, false
}

// Expand rebuilds a JSON pointer from a hash and its dynamic segments.
func (h *PathHasher) Expand(hash uint32, keys []string) (string, error) {
	p, ok := h.byHash[hash]
	if !ok {
		return "", fmt.Errorf("unknown path hash %d", hash)
	}
	if len(keys) != p.wildcards {
		return "", fmt.Errorf("path hash %d needs %d dynamic keys, got %d", hash, p.wildcards, len(keys))
	}
	segs := make([]string, len(p.segs))
	next := 0
	for i, s := range p.segs {
		if s == "*" {
			segs[i] = keys[next]
			next++
		} else {
			segs[i] = s
		}
	}
	return state.JoinPointer(segs...), nil
}

func (p pathPattern) match(segs []string) ([]string, bool) {
	var keys []string
	for i, ps := range p.segs {
		if ps == "*" {
			keys = append(keys, segs[i])
			continue
		}
		if ps != segs[i] {
			return nil, false
		}
	}
	return keys, true
}

// HashPattern derives a stable hash for one pattern. Deployments that do
// not hand-pick hash values build their tables with this.
func HashPattern(pattern string) uint32 {
	f := fnv.New32a()
	f.Write([]byte(pattern))
	return f.Sum32()
}

// BuildHashTable hashes a list of patterns with HashPattern.
func BuildHashTable(patterns ...string) map[string]uint32 {
	out := make(map[string]uint32, len(patterns))
	for _, p := range patterns {
		out[p] = HashPattern(p)
	}
	return out
}
