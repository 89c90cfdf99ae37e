package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"custodia.org/internal/access"
	"custodia.org/internal/errs"
)

// Store persists users. Update is compare-and-swap on the version the
// caller read, and rejects any write that would leave an organization
// without an active admin. The guard runs under the same lock as the
// write, so two concurrent deactivations cannot both slip past it.
type Store interface {
	Create(ctx context.Context, user *User) error
	Get(ctx context.Context, id string) (User, error)
	List(ctx context.Context, orgID string) ([]User, error)
	Update(ctx context.Context, user User, expectedVersion uint64) (User, error)
}

// Memory implements Store in process.
type Memory struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemory creates an empty in-memory user store.
func NewMemory() *Memory {
	return &Memory{users: make(map[string]User)}
}

func (m *Memory) Create(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[user.ID]; exists {
		return fmt.Errorf("%w: user %s", errs.ErrConflict, user.ID)
	}
	for _, u := range m.users {
		if u.OrgID == user.OrgID && strings.EqualFold(u.Email, user.Email) {
			return fmt.Errorf("%w: email %s already registered", errs.ErrConflict, user.Email)
		}
	}
	user.Version = 1
	m.users[user.ID] = *user
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, fmt.Errorf("%w: user %s", errs.ErrNotFound, id)
	}
	return u, nil
}

func (m *Memory) List(ctx context.Context, orgID string) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []User
	for _, u := range m.users {
		if u.OrgID == orgID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) Update(ctx context.Context, user User, expectedVersion uint64) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.users[user.ID]
	if !ok {
		return User{}, fmt.Errorf("%w: user %s", errs.ErrNotFound, user.ID)
	}
	if current.Version != expectedVersion {
		return User{}, fmt.Errorf("%w: user %s changed concurrently", errs.ErrConflict, user.ID)
	}
	wasActiveAdmin := current.Role == access.RoleAdmin && current.Status == UserActive
	staysActiveAdmin := user.Role == access.RoleAdmin && user.Status == UserActive
	if wasActiveAdmin && !staysActiveAdmin && !m.hasOtherActiveAdmin(current.OrgID, user.ID) {
		return User{}, fmt.Errorf("%w: organization must keep at least one active admin", errs.ErrInvalid)
	}
	user.Version = expectedVersion + 1
	m.users[user.ID] = user
	return user, nil
}

func (m *Memory) hasOtherActiveAdmin(orgID, excludeID string) bool {
	for id, u := range m.users {
		if id != excludeID && u.OrgID == orgID && u.Status == UserActive && u.Role == access.RoleAdmin {
			return true
		}
	}
	return false
}
