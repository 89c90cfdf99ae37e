package incident

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"custodia.org/internal/errs"
)

// Store persists incidents. Update is a compare-and-swap keyed on the
// version the caller read; a stale version yields ErrConflict and the
// losing writer must re-read, never overwrite.
type Store interface {
	Create(ctx context.Context, inc *Incident) error
	Get(ctx context.Context, id string) (Incident, error)
	Update(ctx context.Context, inc Incident, expectedVersion uint64) (Incident, error)
	List(ctx context.Context, orgID string) ([]Incident, error)
}

// Memory implements Store in process.
type Memory struct {
	mu        sync.RWMutex
	incidents map[string]Incident
}

// NewMemory creates an empty in-memory incident store.
func NewMemory() *Memory {
	return &Memory{incidents: make(map[string]Incident)}
}

func (m *Memory) Create(ctx context.Context, inc *Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.incidents[inc.ID]; exists {
		return fmt.Errorf("%w: incident %s", errs.ErrConflict, inc.ID)
	}
	inc.Version = 1
	m.incidents[inc.ID] = cloneIncident(*inc)
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inc, ok := m.incidents[id]
	if !ok {
		return Incident{}, fmt.Errorf("%w: incident %s", errs.ErrNotFound, id)
	}
	return cloneIncident(inc), nil
}

func (m *Memory) Update(ctx context.Context, inc Incident, expectedVersion uint64) (Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.incidents[inc.ID]
	if !ok {
		return Incident{}, fmt.Errorf("%w: incident %s", errs.ErrNotFound, inc.ID)
	}
	if current.Version != expectedVersion {
		return Incident{}, fmt.Errorf("%w: incident %s changed concurrently", errs.ErrConflict, inc.ID)
	}
	inc.Version = expectedVersion + 1
	m.incidents[inc.ID] = cloneIncident(inc)
	return cloneIncident(inc), nil
}

func (m *Memory) List(ctx context.Context, orgID string) ([]Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Incident, 0, len(m.incidents))
	for _, inc := range m.incidents {
		if inc.OrgID != orgID {
			continue
		}
		out = append(out, cloneIncident(inc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out, nil
}

func cloneIncident(inc Incident) Incident {
	out := inc
	out.Timeline = make([]TimelineEntry, len(inc.Timeline))
	copy(out.Timeline, inc.Timeline)
	if inc.Metadata != nil {
		out.Metadata = make(map[string]string, len(inc.Metadata))
		for k, v := range inc.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
