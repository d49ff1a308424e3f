package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arohanajit/kvstore-ecs/internal/hashring"
)

var (
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrStaleSnapshot    = errors.New("snapshot version is older than the stored one")
)

// Record is one persisted membership snapshot.
type Record struct {
	Version uint64            `json:"version"`
	Kind    string            `json:"kind"`
	SavedAt time.Time         `json:"saved_at"`
	Ring    hashring.Snapshot `json:"ring"`
}

// SnapshotStore persists the most recent membership snapshot so an
// operator (or a restarted coordinator) can inspect the last ring state
// broadcast to the cluster.
type SnapshotStore interface {
	Save(ctx context.Context, rec Record) error
	Latest(ctx context.Context) (Record, error)
	Close() error
}

// MemoryStore keeps the latest snapshot in process memory
type MemoryStore struct {
	mu     sync.RWMutex
	latest *Record
}

// NewMemoryStore creates a new instance of MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save replaces the stored snapshot. Older versions are rejected.
func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latest != nil && rec.Version < s.latest.Version {
		return ErrStaleSnapshot
	}
	s.latest = &rec
	return nil
}

// Latest returns the stored snapshot
func (s *MemoryStore) Latest(_ context.Context) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.latest == nil {
		return Record{}, ErrSnapshotNotFound
	}
	return *s.latest, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
