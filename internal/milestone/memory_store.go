package milestone

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and dev mode.
type MemoryStore struct {
	mu         sync.RWMutex
	milestones map[string]*Milestone
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{milestones: make(map[string]*Milestone)}
}

func (m *MemoryStore) Create(_ context.Context, ms *Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneMilestone(ms)
	m.milestones[ms.ID] = cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.milestones[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMilestone(ms), nil
}

func (m *MemoryStore) Update(_ context.Context, ms *Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.milestones[ms.ID]; !ok {
		return ErrNotFound
	}
	m.milestones[ms.ID] = cloneMilestone(ms)
	return nil
}

func (m *MemoryStore) ListByBooking(_ context.Context, bookingID string) ([]*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Milestone
	for _, ms := range m.milestones {
		if ms.BookingID == bookingID {
			result = append(result, cloneMilestone(ms))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func cloneMilestone(ms *Milestone) *Milestone {
	cp := *ms
	cp.Deliverables = append([]string(nil), ms.Deliverables...)
	return &cp
}
