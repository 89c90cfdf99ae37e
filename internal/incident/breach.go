package incident

import (
	"context"
	"fmt"
	"time"

	"custodia.org/internal/access"
	"custodia.org/internal/audit"
	"custodia.org/internal/errs"
	"custodia.org/internal/obs"
)

// Metadata markers that document confirmed PHI exposure.
const (
	phiConfirmedKey   = "phi_confirmed"
	phiExposureCat    = "phi-exposure"
	breachNotifiedKey = "breach_notified_at"
)

// BreachEvaluation is the derived regulatory view of an incident: when the
// clock started, when notification is due, and whether the duty applies.
type BreachEvaluation struct {
	IncidentID       string    `json:"incident_id"`
	DiscoveredAt     time.Time `json:"discovered_at"`
	Deadline         time.Time `json:"deadline"`
	ThresholdCrossed bool      `json:"threshold_crossed"`
	Overdue          bool      `json:"overdue"`
	NotifiedAt       string    `json:"notified_at,omitempty"`
	Rationale        string    `json:"rationale"`
}

// EvaluateBreach computes the notification deadline for an incident of the
// actor's organization. It never mutates state; recording that notification
// happened is MarkNotified.
func (s *Service) EvaluateBreach(ctx context.Context, actor access.Actor, id string) (BreachEvaluation, error) {
	if err := s.engine.Require(actor.Role, access.PermIncidentManage); err != nil {
		obs.CountPermissionDenied(string(access.PermIncidentManage))
		return BreachEvaluation{}, err
	}
	inc, err := s.loadScoped(ctx, actor, id)
	if err != nil {
		return BreachEvaluation{}, err
	}
	s.mu.RLock()
	window := s.breachAfter
	s.mu.RUnlock()
	return evaluateBreach(inc, window, s.now().UTC()), nil
}

func evaluateBreach(inc Incident, window time.Duration, now time.Time) BreachEvaluation {
	eval := BreachEvaluation{
		IncidentID:   inc.ID,
		DiscoveredAt: inc.OpenedAt,
		Deadline:     inc.OpenedAt.Add(window),
		NotifiedAt:   inc.Metadata[breachNotifiedKey],
	}
	crossed := inc.Category == phiExposureCat || inc.Metadata[phiConfirmedKey] == "true"
	eval.ThresholdCrossed = crossed
	if !crossed {
		eval.Rationale = "no confirmed PHI exposure documented; notification duty does not apply"
		return eval
	}
	eval.Overdue = now.After(eval.Deadline)
	hours := int(window / time.Hour)
	if eval.Overdue {
		eval.Rationale = fmt.Sprintf("PHI exposure confirmed; %d-hour notification window elapsed at %s", hours, eval.Deadline.Format(time.RFC3339))
	} else {
		eval.Rationale = fmt.Sprintf("PHI exposure confirmed; notification due by %s", eval.Deadline.Format(time.RFC3339))
	}
	return eval
}

// MarkNotified records that the regulatory notification was sent. This is
// the explicit mutation paired with EvaluateBreach: it appends a compliance
// checklist entry to the timeline and stamps the incident metadata.
func (s *Service) MarkNotified(ctx context.Context, actor access.Actor, id string) (Incident, error) {
	if err := s.engine.Require(actor.Role, access.PermIncidentManage); err != nil {
		obs.CountPermissionDenied(string(access.PermIncidentManage))
		return Incident{}, err
	}
	inc, err := s.loadScoped(ctx, actor, id)
	if err != nil {
		return Incident{}, err
	}
	if inc.Metadata[breachNotifiedKey] != "" {
		return Incident{}, fmt.Errorf("%w: breach notification already recorded", errs.ErrConflict)
	}

	expected := inc.Version
	now := s.now().UTC()
	if inc.Metadata == nil {
		inc.Metadata = make(map[string]string, 1)
	}
	inc.Metadata[breachNotifiedKey] = now.Format(time.RFC3339)
	inc.Timeline = append(inc.Timeline, TimelineEntry{
		Timestamp:   now,
		Actor:       actor.UserID,
		Description: "compliance checklist: breach notification sent",
		Status:      inc.Status,
	})

	updated, err := s.store.Update(ctx, inc, expected)
	if err != nil {
		return Incident{}, err
	}
	s.auditor.Log(ctx, audit.Entry{
		ActorID:      actor.UserID,
		OrgID:        updated.OrgID,
		Action:       "incident.breach_notified",
		ResourceType: "incident",
		ResourceID:   updated.ID,
	})
	return updated, nil
}
