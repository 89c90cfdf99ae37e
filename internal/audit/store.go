package audit

import (
	"context"
	"sort"
	"sync"
)

// Store persists audit entries. Append assigns Seq: a per-org monotonic
// sequence, so a timestamp-ordered query reflects true emission order for
// any single actor.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	Query(ctx context.Context, filter Filter) ([]Entry, error)
	Count(ctx context.Context, filter Filter) (int, error)
}

// Memory implements Store in process. Used by tests and dev mode.
type Memory struct {
	mu      sync.RWMutex
	entries []Entry
	seq     map[string]uint64
}

// NewMemory creates an empty in-memory audit store.
func NewMemory() *Memory {
	return &Memory{seq: make(map[string]uint64)}
}

func (m *Memory) Append(ctx context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[entry.OrgID]++
	entry.Seq = m.seq[entry.OrgID]
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *Memory) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	m.mu.RLock()
	matched := m.match(filter)
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].Seq < matched[j].Seq })

	page, size := normalizePaging(filter.Page, filter.PageSize)
	start := (page - 1) * size
	if start >= len(matched) {
		return nil, nil
	}
	end := start + size
	if end > len(matched) {
		end = len(matched)
	}
	out := make([]Entry, end-start)
	copy(out, matched[start:end])
	return out, nil
}

func (m *Memory) Count(ctx context.Context, filter Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.match(filter)), nil
}

func (m *Memory) match(filter Filter) []Entry {
	var matched []Entry
	for _, e := range m.entries {
		if filter.OrgID != "" && e.OrgID != filter.OrgID {
			continue
		}
		if filter.ActorID != "" && e.ActorID != filter.ActorID {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.ResourceType != "" && e.ResourceType != filter.ResourceType {
			continue
		}
		if filter.ResourceID != "" && e.ResourceID != filter.ResourceID {
			continue
		}
		if !filter.From.IsZero() && e.OccurredAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && e.OccurredAt.After(filter.To) {
			continue
		}
		matched = append(matched, e)
	}
	return matched
}

func normalizePaging(page, size int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 || size > 1000 {
		size = 100
	}
	return page, size
}
