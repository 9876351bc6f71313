package land

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// Server is the type-erased surface of a Manager used by the realm and the
// transport layer.
type Server interface {
	LandType() string
	GetOrCreate(ctx context.Context, id LandID) (KeeperHandle, bool, error)
	Get(id LandID) (KeeperHandle, bool)
	List() []LandID
	Stats(ctx context.Context, id LandID) (Stats, bool)
	Remove(ctx context.Context, id LandID) error
	Shutdown(ctx context.Context) error
	HealthCheck(ctx context.Context) error
}

// Manager owns every land instance of one land type.
type Manager[S any] struct {
	landType string
	def      Definition[S]
	keeper   KeeperOptions
	log      *slog.Logger

	mu       sync.RWMutex
	lands    map[LandID]*Keeper[S]
	shutdown bool
}

// NewManager validates the definition and builds an empty manager. The
// keeper options are applied to every instance it creates.
func NewManager[S any](landType string, def Definition[S], keeper KeeperOptions, log *slog.Logger) (*Manager[S], error) {
	if landType == "" {
		return nil, errors.New("land type must not be empty")
	}
	if strings.Contains(landType, ":") {
		return nil, fmt.Errorf("land type %q must not contain ':'", landType)
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("land type %q: %w", landType, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager[S]{
		landType: landType,
		def:      def,
		keeper:   keeper,
		log:      log.With("land_type", landType),
		lands:    map[LandID]*Keeper[S]{},
	}, nil
}

// LandType returns the type this manager serves.
func (m *Manager[S]) LandType() string { return m.landType }

// GetOrCreate returns the keeper for id, creating it from the definition's
// initial state when absent. The bool reports whether a new land was made.
// A destroyed leftover under the same id is replaced by a fresh instance.
func (m *Manager[S]) GetOrCreate(ctx context.Context, id LandID) (KeeperHandle, bool, error) {
	return m.getOrCreate(ctx, id, nil)
}

// CreateWith is GetOrCreate with a caller-provided initial state, for
// pre-seeding instances.
func (m *Manager[S]) CreateWith(ctx context.Context, id LandID, initial S) (KeeperHandle, bool, error) {
	return m.getOrCreate(ctx, id, func() S { return initial })
}

func (m *Manager[S]) getOrCreate(_ context.Context, id LandID, initial func() S) (KeeperHandle, bool, error) {
	if id.Type != m.landType {
		return nil, false, fmt.Errorf("land %s does not belong to type %q", id, m.landType)
	}
	if id.Instance == "" {
		return nil, false, errors.New("land instance id must not be empty")
	}

	m.mu.RLock()
	k, ok := m.lands[id]
	down := m.shutdown
	m.mu.RUnlock()
	if down {
		return nil, false, errors.New("manager is shut down")
	}
	if ok && !k.Destroyed() {
		return k, false, nil
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil, false, errors.New("manager is shut down")
	}
	if k, ok = m.lands[id]; ok && !k.Destroyed() {
		m.mu.Unlock()
		return k, false, nil
	}
	init := m.def.New
	if initial != nil {
		init = initial
	}
	opts := m.keeper
	opts.OnDestroyed = m.removeEntry
	opts.Log = m.log
	k = NewKeeper(id, m.def, init(), opts)
	m.lands[id] = k
	m.mu.Unlock()

	m.log.Info("created land", "land", id.String())
	return k, true, nil
}

// Get returns a live keeper for id.
func (m *Manager[S]) Get(id LandID) (KeeperHandle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.lands[id]
	if !ok || k.Destroyed() {
		return nil, false
	}
	return k, true
}

// List returns the ids of live lands, sorted.
func (m *Manager[S]) List() []LandID {
	m.mu.RLock()
	out := make([]LandID, 0, len(m.lands))
	for id, k := range m.lands {
		if !k.Destroyed() {
			out = append(out, id)
		}
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b LandID) int { return strings.Compare(a.String(), b.String()) })
	return out
}

// Stats returns the stats of one live land.
func (m *Manager[S]) Stats(ctx context.Context, id LandID) (Stats, bool) {
	k, ok := m.Get(id)
	if !ok {
		return Stats{}, false
	}
	s, err := k.Stats(ctx)
	if err != nil {
		return Stats{}, false
	}
	return s, true
}

// Remove destroys one land. Removing an absent land is a no-op.
func (m *Manager[S]) Remove(ctx context.Context, id LandID) error {
	m.mu.RLock()
	k, ok := m.lands[id]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := k.Destroy(ctx); err != nil {
		return fmt.Errorf("destroying land %s: %w", id, err)
	}
	return nil
}

// Shutdown destroys every land. Failures are logged and collected; one bad
// land does not stop the rest.
func (m *Manager[S]) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	keepers := make([]*Keeper[S], 0, len(m.lands))
	for _, k := range m.lands {
		keepers = append(keepers, k)
	}
	m.mu.Unlock()

	var errs []error
	for _, k := range keepers {
		if err := k.Destroy(ctx); err != nil {
			m.log.Error("failed to destroy land during shutdown", "land", k.ID().String(), "error", err)
			errs = append(errs, fmt.Errorf("land %s: %w", k.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// HealthCheck fails once the manager is shut down.
func (m *Manager[S]) HealthCheck(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.shutdown {
		return fmt.Errorf("land type %q is shut down", m.landType)
	}
	return nil
}

// removeEntry drops a destroyed keeper from the index. Runs from the
// keeper's own destroy path; a replacement keeper under the same id is
// left in place.
func (m *Manager[S]) removeEntry(id LandID) {
	m.mu.Lock()
	if k, ok := m.lands[id]; ok && k.Destroyed() {
		delete(m.lands, id)
	}
	m.mu.Unlock()
	m.log.Info("removed land", "land", id.String())
}
