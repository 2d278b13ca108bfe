// internal/storage/memory.go
// Package storage provides implementations of the Store interface
// for both in-memory and PostgreSQL storage backends.
// A store keeps view snapshots for the lifetime of a session only.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // Returned when a snapshot is missing or expired
)

// Snapshot is the persisted state of one view.
type Snapshot struct {
	ViewID     string          // ULID of the view
	Owner      string          // Subject that opened the view
	Collection string          // Collection name
	ResourceID string          // Collection key, e.g. the package name
	State      json.RawMessage // Serialized view state
	UpdatedAt  time.Time       // Last write
	ExpiresAt  time.Time       // End of the session
}

// Store interface defines the snapshot operations required by the session registry.
// This interface is implemented by both in-memory and PostgreSQL storage backends.
type Store interface {
	PutSnapshot(ctx context.Context, s Snapshot) error                 // Insert or replace a snapshot
	GetSnapshot(ctx context.Context, viewID string) (*Snapshot, error) // Get an unexpired snapshot
	DeleteSnapshot(ctx context.Context, viewID string) error           // Delete a snapshot
	DeleteExpired(ctx context.Context, now time.Time) (int, error)     // Purge expired snapshots
	Ping(ctx context.Context) error                                    // Readiness probe
	Close()                                                            // Release resources
}

// memory implements the Store interface using in-memory storage.
// It's intended for development and testing purposes.
type memory struct {
	mu        sync.RWMutex         // Protects concurrent access to the map
	snapshots map[string]*Snapshot // Map of view ID to snapshot
	now       func() time.Time     // Clock, replaced in tests
}

// NewMemory creates a new in-memory storage implementation.
// Returns a Store interface that can be used for testing or development.
func NewMemory() Store {
	return &memory{
		snapshots: make(map[string]*Snapshot),
		now:       time.Now,
	}
}

func (m *memory) PutSnapshot(ctx context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := s
	cp.State = append(json.RawMessage(nil), s.State...)
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = m.now().UTC()
	}
	m.snapshots[s.ViewID] = &cp
	return nil
}

func (m *memory) GetSnapshot(ctx context.Context, viewID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.snapshots[viewID]
	if !exists || !s.ExpiresAt.After(m.now()) {
		return nil, ErrNotFound
	}
	cp := *s
	cp.State = append(json.RawMessage(nil), s.State...)
	return &cp, nil
}

func (m *memory) DeleteSnapshot(ctx context.Context, viewID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.snapshots[viewID]; !exists {
		return ErrNotFound
	}
	delete(m.snapshots, viewID)
	return nil
}

func (m *memory) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, s := range m.snapshots {
		if !s.ExpiresAt.After(now) {
			delete(m.snapshots, id)
			n++
		}
	}
	return n, nil
}

func (m *memory) Ping(ctx context.Context) error { return nil }

func (m *memory) Close() {}
