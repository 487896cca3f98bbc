package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-memory FeatureStore. It is the reference
// implementation for the store semantics and the default for tests and
// backtests.
type MemoryStore struct {
	mu        sync.RWMutex
	features  map[string]map[string][]Feature // token -> name -> newest first
	snapshots map[string][]Snapshot           // token -> newest first
}

// NewMemoryStore creates an empty in-memory feature store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		features:  make(map[string]map[string][]Feature),
		snapshots: make(map[string][]Snapshot),
	}
}

// WriteFeature appends a feature observation, keeping newest-first order
func (m *MemoryStore) WriteFeature(_ context.Context, f Feature) error {
	if f.Token == "" || f.Name == "" {
		return fmt.Errorf("feature requires token and name")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	byName, ok := m.features[f.Token]
	if !ok {
		byName = make(map[string][]Feature)
		m.features[f.Token] = byName
	}

	history := byName[f.Name]
	idx := sort.Search(len(history), func(i int) bool {
		return !history[i].Timestamp.After(f.Timestamp)
	})
	if idx < len(history) && history[idx].Timestamp.Equal(f.Timestamp) {
		return fmt.Errorf("duplicate feature %s/%s at %d", f.Token, f.Name, f.Timestamp.Unix())
	}

	history = append(history, Feature{})
	copy(history[idx+1:], history[idx:])
	history[idx] = f
	byName[f.Name] = history
	return nil
}

// ReadLatest returns the most recent feature for (token, name), or nil
func (m *MemoryStore) ReadLatest(_ context.Context, token, name string) (*Feature, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.features[token][name]
	if len(history) == 0 {
		return nil, nil
	}
	f := history[0]
	return &f, nil
}

// ReadHistory returns up to limit features, newest first
func (m *MemoryStore) ReadHistory(_ context.Context, token, name string, limit int) ([]Feature, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.features[token][name]
	if limit <= 0 || limit > len(history) {
		limit = len(history)
	}
	out := make([]Feature, limit)
	copy(out, history[:limit])
	return out, nil
}

// WriteSnapshot appends a score snapshot for the token
func (m *MemoryStore) WriteSnapshot(_ context.Context, s Snapshot) error {
	if s.Token == "" {
		return fmt.Errorf("snapshot requires token")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	history := m.snapshots[s.Token]
	idx := sort.Search(len(history), func(i int) bool {
		return !history[i].Timestamp.After(s.Timestamp)
	})
	if idx < len(history) && history[idx].Timestamp.Equal(s.Timestamp) {
		return fmt.Errorf("duplicate snapshot %s at %d", s.Token, s.Timestamp.Unix())
	}

	history = append(history, Snapshot{})
	copy(history[idx+1:], history[idx:])
	history[idx] = s
	m.snapshots[s.Token] = history
	return nil
}

// ReadSnapshotHistory returns up to limit snapshots, newest first
func (m *MemoryStore) ReadSnapshotHistory(_ context.Context, token string, limit int) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.snapshots[token]
	if limit <= 0 || limit > len(history) {
		limit = len(history)
	}
	out := make([]Snapshot, limit)
	copy(out, history[:limit])
	return out, nil
}

// ComputeScoreDelta compares the two most recent snapshots under the same
// lock that serializes snapshot writes, so it always observes a consistent
// consecutive pair.
func (m *MemoryStore) ComputeScoreDelta(_ context.Context, token string) (*ScoreDelta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.snapshots[token]
	if len(history) < 2 {
		return nil, nil
	}
	return ComputeDelta(history[1], history[0]), nil
}

// ClearOld removes features and snapshots older than maxAge
func (m *MemoryStore) ClearOld(_ context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for token, byName := range m.features {
		for name, history := range byName {
			idx := sort.Search(len(history), func(i int) bool {
				return history[i].Timestamp.Before(cutoff)
			})
			removed += len(history) - idx
			if idx == 0 {
				delete(byName, name)
			} else {
				byName[name] = history[:idx]
			}
		}
		if len(byName) == 0 {
			delete(m.features, token)
		}
	}

	for token, history := range m.snapshots {
		idx := sort.Search(len(history), func(i int) bool {
			return history[i].Timestamp.Before(cutoff)
		})
		removed += len(history) - idx
		if idx == 0 {
			delete(m.snapshots, token)
		} else {
			m.snapshots[token] = history[:idx]
		}
	}

	return removed, nil
}

// Close is a no-op for the in-memory store
func (m *MemoryStore) Close() error { return nil }
