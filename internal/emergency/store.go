package emergency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"custodia.org/internal/errs"
)

// Store persists grants and justifications. Mutations are compare-and-swap
// on the version the caller read; CreateJustification enforces the
// one-justification-per-grant invariant at the storage layer.
type Store interface {
	CreateGrant(ctx context.Context, grant *Grant) error
	GetGrant(ctx context.Context, id string) (Grant, error)
	UpdateGrant(ctx context.Context, grant Grant, expectedVersion uint64) (Grant, error)
	ListLapsedActive(ctx context.Context, now time.Time) ([]Grant, error)

	CreateJustification(ctx context.Context, j *Justification) error
	GetJustification(ctx context.Context, grantID string) (Justification, error)
	UpdateJustification(ctx context.Context, j Justification, expectedVersion uint64) (Justification, error)
}

// Memory implements Store in process.
type Memory struct {
	mu             sync.RWMutex
	grants         map[string]Grant
	justifications map[string]Justification
}

// NewMemory creates an empty in-memory emergency access store.
func NewMemory() *Memory {
	return &Memory{
		grants:         make(map[string]Grant),
		justifications: make(map[string]Justification),
	}
}

func (m *Memory) CreateGrant(ctx context.Context, grant *Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.grants[grant.ID]; exists {
		return fmt.Errorf("%w: grant %s", errs.ErrConflict, grant.ID)
	}
	grant.Version = 1
	m.grants[grant.ID] = *grant
	return nil
}

func (m *Memory) GetGrant(ctx context.Context, id string) (Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	grant, ok := m.grants[id]
	if !ok {
		return Grant{}, fmt.Errorf("%w: grant %s", errs.ErrNotFound, id)
	}
	return grant, nil
}

func (m *Memory) UpdateGrant(ctx context.Context, grant Grant, expectedVersion uint64) (Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.grants[grant.ID]
	if !ok {
		return Grant{}, fmt.Errorf("%w: grant %s", errs.ErrNotFound, grant.ID)
	}
	if current.Version != expectedVersion {
		return Grant{}, fmt.Errorf("%w: grant %s changed concurrently", errs.ErrConflict, grant.ID)
	}
	grant.Version = expectedVersion + 1
	m.grants[grant.ID] = grant
	return grant, nil
}

func (m *Memory) ListLapsedActive(ctx context.Context, now time.Time) ([]Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Grant
	for _, g := range m.grants {
		if g.Status == GrantActive && !now.Before(g.ExpiresAt) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *Memory) CreateJustification(ctx context.Context, j *Justification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.justifications[j.GrantID]; exists {
		return fmt.Errorf("%w: justification already submitted for grant %s", errs.ErrConflict, j.GrantID)
	}
	j.Version = 1
	m.justifications[j.GrantID] = *j
	return nil
}

func (m *Memory) GetJustification(ctx context.Context, grantID string) (Justification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.justifications[grantID]
	if !ok {
		return Justification{}, fmt.Errorf("%w: justification for grant %s", errs.ErrNotFound, grantID)
	}
	return j, nil
}

func (m *Memory) UpdateJustification(ctx context.Context, j Justification, expectedVersion uint64) (Justification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.justifications[j.GrantID]
	if !ok {
		return Justification{}, fmt.Errorf("%w: justification for grant %s", errs.ErrNotFound, j.GrantID)
	}
	if current.Version != expectedVersion {
		return Justification{}, fmt.Errorf("%w: justification for grant %s changed concurrently", errs.ErrConflict, j.GrantID)
	}
	j.Version = expectedVersion + 1
	m.justifications[j.GrantID] = j
	return j, nil
}
