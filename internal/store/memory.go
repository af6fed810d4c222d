package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore is the in-process driver. It mirrors the sqlite driver's
// semantics exactly, including the compare-and-set behavior of
// Claim/ReleaseExecution, so manager and loop tests exercise the same
// contract the real store provides.
type memoryStore struct {
	mu   sync.RWMutex
	rows map[string]*Schedule
	seq  map[string]uint64 // insertion order for deterministic tie-breaks
	next uint64
}

func NewMemory() Store {
	return &memoryStore{
		rows: make(map[string]*Schedule),
		seq:  make(map[string]uint64),
	}
}

func (m *memoryStore) Insert(_ context.Context, sc *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[sc.ID]; ok {
		return ErrExists
	}
	m.next++
	m.seq[sc.ID] = m.next
	m.rows[sc.ID] = sc.Clone()
	return nil
}

func (m *memoryStore) Get(_ context.Context, id string) (*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sc.Clone(), nil
}

func (m *memoryStore) ByOwner(_ context.Context, ownerID string) ([]*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Schedule
	for _, sc := range m.rows {
		if sc.OwnerID == ownerID {
			out = append(out, sc.Clone())
		}
	}
	m.sortByInsertion(out)
	return out, nil
}

func (m *memoryStore) ByOwnerDescription(_ context.Context, ownerID, description string) (*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *Schedule
	for _, sc := range m.rows {
		if sc.OwnerID != ownerID || sc.Description != description {
			continue
		}
		if found == nil || m.seq[sc.ID] < m.seq[found.ID] {
			found = sc
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found.Clone(), nil
}

func (m *memoryStore) SetEnabled(_ context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	sc.Enabled = enabled
	sc.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memoryStore) SetDependencies(_ context.Context, id string, deps []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	sc.Dependencies = append([]string(nil), deps...)
	sc.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return ErrNotFound
	}
	delete(m.rows, id)
	delete(m.seq, id)
	return nil
}

func (m *memoryStore) DueBefore(_ context.Context, now time.Time) ([]*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Schedule
	for _, sc := range m.rows {
		if !sc.Enabled || sc.NextFireAt == nil || sc.ExecutionID != "" {
			continue
		}
		if sc.NextFireAt.After(now) {
			continue
		}
		out = append(out, sc.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.NextFireAt.Equal(*b.NextFireAt) {
			return a.NextFireAt.Before(*b.NextFireAt)
		}
		return m.seq[a.ID] < m.seq[b.ID]
	})
	return out, nil
}

func (m *memoryStore) ClaimExecution(_ context.Context, id, execID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.rows[id]
	if !ok {
		return false, ErrNotFound
	}
	if sc.ExecutionID != "" {
		return false, nil
	}
	sc.ExecutionID = execID
	sc.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *memoryStore) ReleaseExecution(_ context.Context, id, execID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.rows[id]
	if !ok {
		return false, nil
	}
	if sc.ExecutionID != execID {
		return false, nil
	}
	sc.ExecutionID = ""
	sc.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *memoryStore) RecordFire(_ context.Context, id string, firedAt time.Time, next *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	t := firedAt
	sc.LastFiredAt = &t
	if next != nil {
		n := *next
		sc.NextFireAt = &n
	} else {
		sc.NextFireAt = nil
	}
	sc.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) sortByInsertion(out []*Schedule) {
	sort.SliceStable(out, func(i, j int) bool {
		return m.seq[out[i].ID] < m.seq[out[j].ID]
	})
}
