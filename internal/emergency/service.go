package emergency

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"custodia.org/internal/access"
	"custodia.org/internal/audit"
	"custodia.org/internal/errs"
	"custodia.org/internal/ids"
	"custodia.org/internal/obs"
)

const (
	minReasonLen        = 20
	minJustificationLen = 50
)

// Service runs the break-the-glass lifecycle: request, expiry or manual
// end, mandatory justification, and exactly-once compliance review.
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

// NewService constructs the emergency access service.
func NewService(store Store, engine *access.Engine, auditor *audit.Service, opts ...Option) *Service {
	s := &Service{store: store, engine: engine, auditor: auditor, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request issues a grant for the calling actor. The reason is part of the
// compliance record and travels into the audit trail verbatim.
func (s *Service) Request(ctx context.Context, actor access.Actor, reason string) (Grant, error) {
	if err := s.engine.Require(actor.Role, access.PermEmergencyAccess); err != nil {
		obs.CountPermissionDenied(string(access.PermEmergencyAccess))
		return Grant{}, err
	}
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) < minReasonLen {
		return Grant{}, fmt.Errorf("%w: reason must be at least %d characters", errs.ErrInvalid, minReasonLen)
	}

	now := s.now().UTC()
	grant := &Grant{
		ID:        ids.New(),
		UserID:    actor.UserID,
		OrgID:     actor.OrgID,
		Reason:    reason,
		GrantedAt: now,
		ExpiresAt: now.Add(GrantTTL),
		Status:    GrantActive,
	}
	if err := s.store.CreateGrant(ctx, grant); err != nil {
		return Grant{}, err
	}

	obs.CountEmergencyGrant()
	s.auditor.Log(ctx, audit.Entry{
		ActorID:      actor.UserID,
		OrgID:        actor.OrgID,
		Action:       "emergency.access.granted",
		ResourceType: "emergency_grant",
		ResourceID:   grant.ID,
		Metadata: map[string]string{
			"reason":     reason,
			"expires_at": grant.ExpiresAt.Format(time.RFC3339),
		},
	})
	return *grant, nil
}

// loadGrant fetches a grant for an actor. Grants outside the actor's
// organization read as not found, never as forbidden.
func (s *Service) loadGrant(ctx context.Context, actor access.Actor, grantID string) (Grant, error) {
	grant, err := s.store.GetGrant(ctx, grantID)
	if err != nil {
		return Grant{}, err
	}
	if grant.OrgID != actor.OrgID {
		return Grant{}, fmt.Errorf("%w: grant %s", errs.ErrNotFound, grantID)
	}
	return grant, nil
}

// Get returns a grant with its effective status resolved against the
// current clock, never the possibly-stale persisted flag. The reason text
// is compliance-sensitive, so reading is limited to the holder and the
// oversight role.
func (s *Service) Get(ctx context.Context, actor access.Actor, grantID string) (Grant, error) {
	grant, err := s.loadGrant(ctx, actor, grantID)
	if err != nil {
		return Grant{}, err
	}
	if actor.UserID != grant.UserID && !s.engine.Has(actor.Role, access.PermEmergencyEndAny) {
		obs.CountPermissionDenied(string(access.PermEmergencyEndAny))
		return Grant{}, fmt.Errorf("%w: only the grant holder or a compliance role may view a grant", errs.ErrUnauthorized)
	}
	grant.Status = grant.EffectiveStatus(s.now().UTC())
	return grant, nil
}

// End terminates an active grant early. Only the grant's holder or a role
// holding emergency.end.any may call it.
func (s *Service) End(ctx context.Context, actor access.Actor, grantID string) (Grant, error) {
	grant, err := s.loadGrant(ctx, actor, grantID)
	if err != nil {
		return Grant{}, err
	}
	if actor.UserID != grant.UserID && !s.engine.Has(actor.Role, access.PermEmergencyEndAny) {
		obs.CountPermissionDenied(string(access.PermEmergencyEndAny))
		return Grant{}, fmt.Errorf("%w: only the grant holder or a compliance role may end a grant", errs.ErrUnauthorized)
	}

	now := s.now().UTC()
	if grant.EffectiveStatus(now) != GrantActive {
		return Grant{}, fmt.Errorf("%w: grant is not active", errs.ErrInvalid)
	}

	expected := grant.Version
	grant.Status = GrantEnded
	grant.EndedAt = &now
	updated, err := s.store.UpdateGrant(ctx, grant, expected)
	if err != nil {
		return Grant{}, err
	}

	s.auditor.Log(ctx, audit.Entry{
		ActorID:      actor.UserID,
		OrgID:        grant.OrgID,
		Action:       "emergency.access.ended",
		ResourceType: "emergency_grant",
		ResourceID:   grant.ID,
		Metadata: map[string]string{
			"holder":       grant.UserID,
			"used_minutes": strconv.Itoa(int(updated.UsedDuration().Minutes())),
		},
	})
	return updated, nil
}

// CompleteJustification records the mandatory post-hoc explanation. Only
// the original holder may submit, only after the grant stopped being
// usable, and only once.
func (s *Service) CompleteJustification(ctx context.Context, actor access.Actor, grantID, text string) (Justification, error) {
	grant, err := s.loadGrant(ctx, actor, grantID)
	if err != nil {
		return Justification{}, err
	}
	if actor.UserID != grant.UserID {
		return Justification{}, fmt.Errorf("%w: only the grant holder may justify the access", errs.ErrUnauthorized)
	}

	now := s.now().UTC()
	switch grant.EffectiveStatus(now) {
	case GrantExpired, GrantEnded:
	default:
		return Justification{}, fmt.Errorf("%w: justification requires an expired or ended grant", errs.ErrInvalid)
	}

	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < minJustificationLen {
		return Justification{}, fmt.Errorf("%w: justification must be at least %d characters", errs.ErrInvalid, minJustificationLen)
	}

	j := &Justification{
		GrantID:      grant.ID,
		UserID:       grant.UserID,
		OrgID:        grant.OrgID,
		Text:         text,
		SubmittedAt:  now,
		ReviewStatus: ReviewPending,
	}
	if err := s.store.CreateJustification(ctx, j); err != nil {
		return Justification{}, err
	}

	s.auditor.Log(ctx, audit.Entry{
		ActorID:      actor.UserID,
		OrgID:        grant.OrgID,
		Action:       "emergency.justification.submitted",
		ResourceType: "emergency_grant",
		ResourceID:   grant.ID,
		Metadata: map[string]string{
			"used_minutes": strconv.Itoa(int(grant.UsedDuration().Minutes())),
		},
	})
	return *j, nil
}

// ReviewJustification records the compliance decision, exactly once.
func (s *Service) ReviewJustification(ctx context.Context, actor access.Actor, grantID string, approve bool) (Justification, error) {
	if err := s.engine.Require(actor.Role, access.PermJustificationReview); err != nil {
		obs.CountPermissionDenied(string(access.PermJustificationReview))
		return Justification{}, err
	}
	j, err := s.store.GetJustification(ctx, grantID)
	if err != nil {
		return Justification{}, err
	}
	if j.OrgID != actor.OrgID {
		return Justification{}, fmt.Errorf("%w: justification for grant %s", errs.ErrNotFound, grantID)
	}
	if j.ReviewStatus != ReviewPending {
		return Justification{}, fmt.Errorf("%w: justification already reviewed as %s", errs.ErrConflict, j.ReviewStatus)
	}

	expected := j.Version
	now := s.now().UTC()
	if approve {
		j.ReviewStatus = ReviewApproved
	} else {
		j.ReviewStatus = ReviewRejected
	}
	j.ReviewedBy = actor.UserID
	j.ReviewedAt = &now

	updated, err := s.store.UpdateJustification(ctx, j, expected)
	if err != nil {
		return Justification{}, err
	}
	s.auditor.Log(ctx, audit.Entry{
		ActorID:      actor.UserID,
		OrgID:        j.OrgID,
		Action:       "emergency.justification.reviewed",
		ResourceType: "emergency_grant",
		ResourceID:   grantID,
		Metadata:     map[string]string{"outcome": string(updated.ReviewStatus)},
	})
	return updated, nil
}

// GetJustification returns the justification for a grant. Readable by the
// submitting holder and by reviewers of the same organization.
func (s *Service) GetJustification(ctx context.Context, actor access.Actor, grantID string) (Justification, error) {
	j, err := s.store.GetJustification(ctx, grantID)
	if err != nil {
		return Justification{}, err
	}
	if j.OrgID != actor.OrgID {
		return Justification{}, fmt.Errorf("%w: justification for grant %s", errs.ErrNotFound, grantID)
	}
	if actor.UserID != j.UserID && !s.engine.Has(actor.Role, access.PermJustificationReview) {
		obs.CountPermissionDenied(string(access.PermJustificationReview))
		return Justification{}, fmt.Errorf("%w: only the submitter or a reviewing role may read a justification", errs.ErrUnauthorized)
	}
	return j, nil
}
