// Package session keeps the mounted views of every caller and persists their
// restorable state so a view survives a restart or a hop to another replica.
package session

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	errordefs "github.com/RegistryAccord/patchview-go/internal/errors"
	"github.com/RegistryAccord/patchview-go/internal/storage"
	"github.com/RegistryAccord/patchview-go/internal/view"
)

// DefaultTTL is how long an untouched view is kept.
const DefaultTTL = 8 * time.Hour

// Handle is one open view owned by one subject.
type Handle struct {
	ID    string
	Owner string
	View  *view.View

	mu       sync.Mutex
	lastSeen time.Time
}

func (h *Handle) touch(now time.Time) {
	h.mu.Lock()
	h.lastSeen = now
	h.mu.Unlock()
}

func (h *Handle) idleSince() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSeen
}

// Options configures a Manager.
type Options struct {
	TTL    time.Duration // Snapshot and idle lifetime, DefaultTTL when zero
	View   view.Options  // Template for every view; OnChange is set by the manager
	Logger *slog.Logger
}

// Manager owns the in-memory views and their snapshots.
type Manager struct {
	store  storage.Store
	lister view.Lister
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewManager creates a manager that fetches through lister and persists to store.
func NewManager(store storage.Store, lister view.Lister, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   store,
		lister:  lister,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		handles: make(map[string]*Handle),
	}
}

// newView builds an unmounted view whose background changes are persisted.
func (m *Manager) newView(id, owner string, def *view.Definition, resourceID string) (*view.View, error) {
	vo := m.opts.View
	if vo.Logger == nil {
		vo.Logger = m.logger
	}
	vo.OnChange = func(v *view.View) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.persist(ctx, id, owner, v); err != nil {
			m.logger.Warn("failed to persist view after background change", "view_id", id, "error", err)
		}
	}
	return view.New(def, resourceID, m.lister, vo)
}

// Open mounts a new view of collection for owner.
// Parameters:
//   - ctx: Context for the snapshot write
//   - owner: Subject the view belongs to
//   - collection: Collection name, see view.Collections
//   - resourceID: Collection key, required by resource-scoped collections
//
// Returns:
//   - *Handle: The mounted view
//   - error: PV_NOT_FOUND for unknown collections, PV_VALIDATION for a missing resource id
func (m *Manager) Open(ctx context.Context, owner, collection, resourceID string) (*Handle, error) {
	def, err := view.Lookup(collection)
	if err != nil {
		return nil, err
	}

	id := ulid.MustNew(ulid.Timestamp(m.now()), rand.Reader).String()
	v, err := m.newView(id, owner, def, resourceID)
	if err != nil {
		return nil, err
	}

	h := &Handle{ID: id, Owner: owner, View: v, lastSeen: m.now()}
	v.Mount()

	m.mu.Lock()
	m.handles[id] = h
	m.mu.Unlock()

	if err := m.Save(ctx, h); err != nil {
		m.logger.Warn("failed to persist new view", "view_id", id, "error", err)
	}
	m.logger.Info("view opened", "view_id", id, "owner", owner, "collection", collection, "resource", resourceID)
	return h, nil
}

// Get returns owner's view. A view that is not in memory is rehydrated from
// its snapshot and remounted.
func (m *Manager) Get(ctx context.Context, owner, viewID string) (*Handle, error) {
	m.mu.Lock()
	h, ok := m.handles[viewID]
	m.mu.Unlock()
	if ok {
		if h.Owner != owner {
			return nil, errordefs.New(errordefs.PV_AUTHZ, "view belongs to another subject", "")
		}
		h.touch(m.now())
		return h, nil
	}

	snap, err := m.store.GetSnapshot(ctx, viewID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errordefs.New(errordefs.PV_NOT_FOUND, fmt.Sprintf("view %s not found", viewID), "")
	}
	if err != nil {
		return nil, errordefs.Wrap(errordefs.PV_UNAVAILABLE, "failed to load view", err)
	}
	if snap.Owner != owner {
		return nil, errordefs.New(errordefs.PV_AUTHZ, "view belongs to another subject", "")
	}

	var state view.Snapshot
	if err := json.Unmarshal(snap.State, &state); err != nil {
		return nil, errordefs.Wrap(errordefs.PV_INTERNAL, "stored view state is corrupt", err)
	}
	def, err := view.Lookup(snap.Collection)
	if err != nil {
		return nil, err
	}
	v, err := m.newView(viewID, owner, def, snap.ResourceID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.handles[viewID]; ok {
		m.mu.Unlock()
		existing.touch(m.now())
		return existing, nil
	}
	h = &Handle{ID: viewID, Owner: owner, View: v, lastSeen: m.now()}
	m.handles[viewID] = h
	m.mu.Unlock()

	if err := v.Restore(state); err != nil {
		m.logger.Warn("stored descriptor rejected, remounting with defaults", "view_id", viewID, "error", err)
		v.Mount()
	}
	m.logger.Info("view rehydrated", "view_id", viewID, "owner", owner, "collection", snap.Collection)
	return h, nil
}

// Save persists the view's restorable state.
func (m *Manager) Save(ctx context.Context, h *Handle) error {
	return m.persist(ctx, h.ID, h.Owner, h.View)
}

func (m *Manager) persist(ctx context.Context, id, owner string, v *view.View) error {
	if !v.Mounted() {
		return nil
	}
	s := v.Snapshot()
	state, err := json.Marshal(s)
	if err != nil {
		return err
	}
	now := m.now()
	return m.store.PutSnapshot(ctx, storage.Snapshot{
		ViewID:     id,
		Owner:      owner,
		Collection: s.Collection,
		ResourceID: s.ResourceID,
		State:      state,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(m.opts.TTL),
	})
}

// Close unmounts owner's view and forgets it.
func (m *Manager) Close(ctx context.Context, owner, viewID string) error {
	h, err := m.Get(ctx, owner, viewID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.handles, viewID)
	m.mu.Unlock()

	h.View.Unmount()
	if err := m.store.DeleteSnapshot(ctx, viewID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return errordefs.Wrap(errordefs.PV_UNAVAILABLE, "failed to delete view", err)
	}
	m.logger.Info("view closed", "view_id", viewID, "owner", owner)
	return nil
}

// Sweep unmounts views idle for longer than the TTL and purges expired
// snapshots. It returns the number of snapshots removed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.now()
	var idle []*Handle

	m.mu.Lock()
	for id, h := range m.handles {
		if now.Sub(h.idleSince()) >= m.opts.TTL {
			idle = append(idle, h)
			delete(m.handles, id)
		}
	}
	m.mu.Unlock()

	for _, h := range idle {
		h.View.Unmount()
	}
	if len(idle) > 0 {
		m.logger.Info("unmounted idle views", "count", len(idle))
	}
	return m.store.DeleteExpired(ctx, now)
}

// Run sweeps every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := m.Sweep(ctx); err != nil {
				m.logger.Warn("snapshot sweep failed", "error", err)
			} else if n > 0 {
				m.logger.Debug("purged expired snapshots", "count", n)
			}
		}
	}
}

// Shutdown unmounts every view and waits for their fetches to return.
// Snapshots are kept so the views can be rehydrated later.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for id, h := range m.handles {
		handles = append(handles, h)
		delete(m.handles, id)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.View.Unmount()
	}
	for _, h := range handles {
		h.View.Wait()
	}
}

// Len returns the number of views in memory.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}
