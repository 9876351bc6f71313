package land

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Realm is the collection of land-type servers one process hosts.
type Realm struct {
	log *slog.Logger

	mu      sync.RWMutex
	servers map[string]Server
}

// NewRealm builds an empty realm.
func NewRealm(log *slog.Logger) *Realm {
	if log == nil {
		log = slog.Default()
	}
	return &Realm{log: log, servers: map[string]Server{}}
}

// Register adds a land-type server. Types are unique.
func (r *Realm) Register(s Server) error {
	t := s.LandType()
	if t == "" {
		return errors.New("registering land type: empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.servers[t]; dup {
		return fmt.Errorf("land type %q already registered", t)
	}
	r.servers[t] = s
	r.log.Info("registered land type", "land_type", t)
	return nil
}

// Server looks up the server for a land type.
func (r *Realm) Server(landType string) (Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[landType]
	return s, ok
}

// Types returns the registered land types, sorted.
func (r *Realm) Types() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.servers))
	for t := range r.servers {
		out = append(out, t)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

// ListAllLands returns every live land grouped by land type.
func (r *Realm) ListAllLands() map[string][]LandID {
	r.mu.RLock()
	servers := make([]Server, 0, len(r.servers))
	for _, s := range r.servers {
		servers = append(servers, s)
	}
	r.mu.RUnlock()

	out := make(map[string][]LandID, len(servers))
	for _, s := range servers {
		out[s.LandType()] = s.List()
	}
	return out
}

// HealthCheck asks every server; the first failure set is returned joined.
func (r *Realm) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, t := range r.Types() {
		s, ok := r.Server(t)
		if !ok {
			continue
		}
		if err := s.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("land type %q: %w", t, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops every server. A failing server is logged and does not
// stop the others; the collected errors come back joined.
func (r *Realm) Shutdown(ctx context.Context) error {
	var errs []error
	for _, t := range r.Types() {
		s, ok := r.Server(t)
		if !ok {
			continue
		}
		if err := s.Shutdown(ctx); err != nil {
			r.log.Error("land type failed to shut down", "land_type", t, "error", err)
			errs = append(errs, fmt.Errorf("land type %q: %w", t, err))
		}
	}
	return errors.Join(errs...)
}
