package main

import (
	"fmt"

	"github.com/sandstonelabs/sandstone/internal/land"
	"github.com/sandstonelabs/sandstone/internal/state"
)

// playgroundState is the built-in demo land: a shared counter everyone
// sees and a private bag per player.
type playgroundState struct {
	Counter int64
	Bags    map[string][]string
}

func clonePlayground(s playgroundState) playgroundState {
	out := playgroundState{Counter: s.Counter, Bags: make(map[string][]string, len(s.Bags))}
	for p, items := range s.Bags {
		out.Bags[p] = append([]string(nil), items...)
	}
	return out
}

// playgroundPathPatterns lists every patch path the playground can emit,
// for the compressed-path hash table of the array encodings.
func playgroundPathPatterns() []string {
	return []string{"counter", "bags", "bags.*", "bags.*.items"}
}

// playgroundDefinition makes `sandstone serve` usable end to end without
// any application code: connect, join "playground", poke the counter.
func playgroundDefinition() land.Definition[playgroundState] {
	return land.Definition[playgroundState]{
		New: func() playgroundState {
			return playgroundState{Bags: map[string][]string{}}
		},
		Clone: clonePlayground,
		Snapshot: func(s playgroundState) state.ValueMap {
			bags := make(map[string]any, len(s.Bags))
			for p, items := range s.Bags {
				arr := make([]any, len(items))
				for i, it := range items {
					arr[i] = it
				}
				bags[p] = map[string]any{"items": arr}
			}
			return state.ValueMap{"counter": s.Counter, "bags": bags}
		},
		Schema: state.Schema{"bags": state.ScopePerPlayer},
		OnJoin: func(s *playgroundState, ctx land.Context) error {
			if _, back := s.Bags[string(ctx.PlayerID)]; !back {
				s.Bags[string(ctx.PlayerID)] = []string{}
			}
			return nil
		},
		OnLeave: func(s *playgroundState, ctx land.Context) error {
			delete(s.Bags, string(ctx.PlayerID))
			return nil
		},
		Actions: map[string]land.ActionFunc[playgroundState]{
			"increment": func(s *playgroundState, payload any, _ land.Context) (any, error) {
				delta := int64(1)
				if obj, ok := payload.(map[string]any); ok {
					if d, ok := obj["delta"].(int64); ok {
						delta = d
					}
				}
				s.Counter += delta
				return map[string]any{"counter": s.Counter}, nil
			},
			"pickup": func(s *playgroundState, payload any, ctx land.Context) (any, error) {
				obj, _ := payload.(map[string]any)
				item, _ := obj["item"].(string)
				if item == "" {
					return nil, fmt.Errorf("pickup needs an item name")
				}
				bag := s.Bags[string(ctx.PlayerID)]
				s.Bags[string(ctx.PlayerID)] = append(bag, item)
				return map[string]any{"count": len(bag) + 1}, nil
			},
		},
		Events: map[string]land.EventFunc[playgroundState]{
			"drop_all": func(s *playgroundState, _ any, ctx land.Context) error {
				s.Bags[string(ctx.PlayerID)] = []string{}
				return nil
			},
		},
	}
}
