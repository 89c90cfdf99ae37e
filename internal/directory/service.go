package directory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"custodia.org/internal/access"
	"custodia.org/internal/audit"
	"custodia.org/internal/errs"
	"custodia.org/internal/ids"
	"custodia.org/internal/obs"
)

// Service manages the org-scoped user directory. The store rejects any
// write that would leave an organization without an active admin, so role
// changes and deactivations here need no separate count check.
type Service struct {
	store   Store
	engine  *access.Engine
	auditor *audit.Service
	now     func() time.Time
}

// Option configures Service.
type Option func(*Service)

// WithClock overrides the time source for tests.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the directory service.
func NewService(store Store, engine *access.Engine, auditor *audit.Service, opts ...Option) *Service {
	s := &Service{store: store, engine: engine, auditor: auditor, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a user in the caller's organization.
func (s *Service) Create(ctx context.Context, actor access.Actor, email string, role access.Role) (User, error) {
	if err := s.engine.Require(actor.Role, access.PermUserManage); err != nil {
		obs.CountPermissionDenied(string(access.PermUserManage))
		return User{}, err
	}
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return User{}, fmt.Errorf("%w: email is required", errs.ErrInvalid)
	}
	if _, err := access.ParseRole(string(role)); err != nil {
		return User{}, err
	}

	now := s.now().UTC()
	user := &User{
		ID:        ids.New(),
		OrgID:     actor.OrgID,
		Email:     email,
		Role:      role,
		Status:    UserActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, user); err != nil {
		return User{}, err
	}

	s.auditor.Log(ctx, audit.Entry{
		ActorID:      actor.UserID,
		OrgID:        actor.OrgID,
		Action:       "user.created",
		ResourceType: "user",
		ResourceID:   user.ID,
		Metadata:     map[string]string{"email": email, "role": string(role)},
	})
	return *user, nil
}

// Get returns a user in the caller's organization.
func (s *Service) Get(ctx context.Context, actor access.Actor, id string) (User, error) {
	user, err := s.store.Get(ctx, id)
	if err != nil {
		return User{}, err
	}
	if user.OrgID != actor.OrgID {
		return User{}, fmt.Errorf("%w: user %s", errs.ErrNotFound, id)
	}
	return user, nil
}

// List returns all users in the caller's organization.
func (s *Service) List(ctx context.Context, actor access.Actor) ([]User, error) {
	if err := s.engine.Require(actor.Role, access.PermUserManage); err != nil {
		obs.CountPermissionDenied(string(access.PermUserManage))
		return nil, err
	}
	return s.store.List(ctx, actor.OrgID)
}

// ChangeRole moves a user to a new role. Demoting the organization's last
// active admin is rejected.
func (s *Service) ChangeRole(ctx context.Context, actor access.Actor, id string, role access.Role) (User, error) {
	if err := s.engine.Require(actor.Role, access.PermUserManage); err != nil {
		obs.CountPermissionDenied(string(access.PermUserManage))
		return User{}, err
	}
	if _, err := access.ParseRole(string(role)); err != nil {
		return User{}, err
	}
	user, err := s.Get(ctx, actor, id)
	if err != nil {
		return User{}, err
	}
	if user.Role == role {
		return user, nil
	}

	expected := user.Version
	prev := user.Role
	user.Role = role
	user.UpdatedAt = s.now().UTC()
	updated, err := s.store.Update(ctx, user, expected)
	if err != nil {
		return User{}, err
	}

	s.auditor.Log(ctx, audit.Entry{
		ActorID:      actor.UserID,
		OrgID:        actor.OrgID,
		Action:       "user.role_changed",
		ResourceType: "user",
		ResourceID:   id,
		Metadata:     map[string]string{"from": string(prev), "to": string(role)},
	})
	return updated, nil
}

// Deactivate disables a user. Deactivating the organization's last active
// admin is rejected.
func (s *Service) Deactivate(ctx context.Context, actor access.Actor, id string) (User, error) {
	if err := s.engine.Require(actor.Role, access.PermUserManage); err != nil {
		obs.CountPermissionDenied(string(access.PermUserManage))
		return User{}, err
	}
	user, err := s.Get(ctx, actor, id)
	if err != nil {
		return User{}, err
	}
	if user.Status == UserDeactivated {
		return User{}, fmt.Errorf("%w: user %s is already deactivated", errs.ErrInvalid, id)
	}

	expected := user.Version
	user.Status = UserDeactivated
	user.UpdatedAt = s.now().UTC()
	updated, err := s.store.Update(ctx, user, expected)
	if err != nil {
		return User{}, err
	}

	s.auditor.Log(ctx, audit.Entry{
		ActorID:      actor.UserID,
		OrgID:        actor.OrgID,
		Action:       "user.deactivated",
		ResourceType: "user",
		ResourceID:   id,
	})
	return updated, nil
}
