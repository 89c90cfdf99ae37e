package incident

import (
	"context"
	"fmt"
	"sync"
	"time"

	"custodia.org/internal/access"
	"custodia.org/internal/alerting"
	"custodia.org/internal/audit"
	"custodia.org/internal/errs"
	"custodia.org/internal/ids"
	"custodia.org/internal/obs"
)

const (
	systemActor    = "system"
	defaultRecents = 20
)

// Service classifies raw security events into incidents and runs the
// incident lifecycle. Threshold and escalation configuration is swappable
// at runtime (hot reload by an external admin action); everything else is
// keyed mutation over the store's compare-and-swap.
type Service struct {
	store    Store
	auditor  *audit.Service
	engine   *access.Engine
	notifier alerting.Notifier
	now      func() time.Time

	mu          sync.RWMutex
	thresholds  []Threshold
	escalation  EscalationPath
	breachAfter time.Duration
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

// WithBreachWindow overrides the regulatory notification window.
func WithBreachWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.breachAfter = d
		}
	}
}

// NewService constructs the incident response service.
func NewService(store Store, auditor *audit.Service, engine *access.Engine, notifier alerting.Notifier, opts ...Option) *Service {
	if notifier == nil {
		notifier = alerting.LogNotifier{}
	}
	s := &Service{
		store:       store,
		auditor:     auditor,
		engine:      engine,
		notifier:    notifier,
		now:         time.Now,
		escalation:  EscalationPath{},
		breachAfter: 72 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetThresholds replaces the alert threshold configuration. Order is the
// configured order and is the tie-break between equal-severity matches.
func (s *Service) SetThresholds(thresholds []Threshold) {
	copied := make([]Threshold, len(thresholds))
	copy(copied, thresholds)
	s.mu.Lock()
	s.thresholds = copied
	s.mu.Unlock()
}

// SetEscalationPath replaces the severity to on-call target mapping.
func (s *Service) SetEscalationPath(path EscalationPath) {
	copied := make(EscalationPath, len(path))
	for sev, targets := range path {
		copied[sev] = append([]string(nil), targets...)
	}
	s.mu.Lock()
	s.escalation = copied
	s.mu.Unlock()
}

// Classify applies the configured thresholds to a raw event. The highest
// matching severity wins; among equals the earliest configured rule wins.
// No match means no incident and no error. A matching event produces an
// incident already in classified state, with the detection and the matched
// rule recorded on the timeline in one atomic create.
func (s *Service) Classify(ctx context.Context, ev RawEvent) (*Incident, error) {
	if ev.Type == "" {
		return nil, fmt.Errorf("%w: event type is required", errs.ErrInvalid)
	}
	if ev.OrgID == "" {
		return nil, fmt.Errorf("%w: event organization is required", errs.ErrInvalid)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now().UTC()
	}

	matched, ok := s.bestMatch(ev)
	if !ok {
		return nil, nil
	}

	confidence := matched.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = 0.9
	}

	inc := &Incident{
		ID:         ids.New(),
		OrgID:      ev.OrgID,
		Category:   matched.Category,
		Severity:   matched.Severity,
		Status:     StatusClassified,
		Confidence: confidence,
		OpenedAt:   ev.OccurredAt,
		Metadata:   copyMetadata(ev.Metadata),
		Timeline: []TimelineEntry{
			{
				Timestamp:   ev.OccurredAt,
				Actor:       systemActor,
				Description: fmt.Sprintf("detected event %s: %s", ev.Type, ev.Message),
				Status:      StatusDetected,
			},
			{
				Timestamp:   ev.OccurredAt,
				Actor:       systemActor,
				Description: fmt.Sprintf("classified by rule %q as %s/%s", matched.Name, matched.Category, matched.Severity),
				Status:      StatusClassified,
			},
		},
	}
	if err := s.store.Create(ctx, inc); err != nil {
		return nil, err
	}

	obs.CountIncidentOpened(string(inc.Severity))
	s.auditor.Log(ctx, audit.Entry{
		ActorID:      systemActor,
		OrgID:        inc.OrgID,
		Action:       "incident.classified",
		ResourceType: "incident",
		ResourceID:   inc.ID,
		Metadata: map[string]string{
			"rule":     matched.Name,
			"category": inc.Category,
			"severity": string(inc.Severity),
			"event":    ev.Type,
		},
	})
	return inc, nil
}

func (s *Service) bestMatch(ev RawEvent) (Threshold, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  Threshold
		found bool
	)
	for _, t := range s.thresholds {
		if !t.Matches(ev) {
			continue
		}
		if !found || t.Severity.Rank() > best.Severity.Rank() {
			best = t
			found = true
		}
	}
	return best, found
}

// Escalate raises an incident's severity. Valid only from classified or
// contained; severity may only rise. The alert handed to the paging
// collaborator is logged but never retried here.
func (s *Service) Escalate(ctx context.Context, actor access.Actor, id string, target Severity, reason string) (Incident, error) {
	if err := s.engine.Require(actor.Role, access.PermIncidentManage); err != nil {
		obs.CountPermissionDenied(string(access.PermIncidentManage))
		return Incident{}, err
	}
	if reason == "" {
		return Incident{}, fmt.Errorf("%w: escalation reason is required", errs.ErrInvalid)
	}
	if _, ok := severityRank[target]; !ok {
		return Incident{}, fmt.Errorf("%w: unknown severity %q", errs.ErrInvalid, target)
	}

	inc, err := s.loadScoped(ctx, actor, id)
	if err != nil {
		return Incident{}, err
	}
	if inc.Status != StatusClassified && inc.Status != StatusContained {
		return Incident{}, fmt.Errorf("%w: cannot escalate incident in status %s", errs.ErrInvalid, inc.Status)
	}
	if target.Rank() <= inc.Severity.Rank() {
		return Incident{}, fmt.Errorf("%w: severity may only rise (current %s)", errs.ErrInvalid, inc.Severity)
	}

	expected := inc.Version
	previous := inc.Severity
	inc.Severity = target
	if inc.Status == StatusClassified {
		inc.Status = StatusEscalated
	}
	inc.Timeline = append(inc.Timeline, TimelineEntry{
		Timestamp:   s.now().UTC(),
		Actor:       actor.UserID,
		Description: fmt.Sprintf("escalated %s -> %s: %s", previous, target, reason),
		Status:      inc.Status,
	})

	updated, err := s.store.Update(ctx, inc, expected)
	if err != nil {
		return Incident{}, err
	}

	s.sendAlert(ctx, updated, reason)
	s.auditor.Log(ctx, audit.Entry{
		ActorID:      actor.UserID,
		OrgID:        updated.OrgID,
		Action:       "incident.escalated",
		ResourceType: "incident",
		ResourceID:   updated.ID,
		Metadata: map[string]string{
			"from":   string(previous),
			"to":     string(target),
			"reason": reason,
		},
	})
	return updated, nil
}

func (s *Service) sendAlert(ctx context.Context, inc Incident, message string) {
	s.mu.RLock()
	path := append([]string(nil), s.escalation[inc.Severity]...)
	s.mu.RUnlock()

	payload := alerting.Payload{
		IncidentID:     inc.ID,
		Category:       inc.Category,
		Severity:       string(inc.Severity),
		Message:        message,
		EscalationPath: path,
	}
	if err := s.notifier.Notify(ctx, payload); err != nil {
		obs.CountAlert("failed")
		obs.LogRequest(map[string]any{
			"ts":          s.now().UTC().Format(time.RFC3339Nano),
			"type":        "alert_degraded",
			"incident_id": inc.ID,
			"error":       fmt.Errorf("%w: %v", errs.ErrDegraded, err).Error(),
		})
		return
	}
	obs.CountAlert("sent")
}

// UpdateStatus moves an incident forward along the lifecycle. Backward
// moves are rejected; reopening a closed incident is its own action.
func (s *Service) UpdateStatus(ctx context.Context, actor access.Actor, id string, target Status, note string) (Incident, error) {
	if err := s.engine.Require(actor.Role, access.PermIncidentManage); err != nil {
		obs.CountPermissionDenied(string(access.PermIncidentManage))
		return Incident{}, err
	}
	if _, ok := statusRank[target]; !ok {
		return Incident{}, fmt.Errorf("%w: unknown status %q", errs.ErrInvalid, target)
	}

	inc, err := s.loadScoped(ctx, actor, id)
	if err != nil {
		return Incident{}, err
	}
	if inc.Status == StatusClosed {
		return Incident{}, fmt.Errorf("%w: incident is closed; use reopen", errs.ErrInvalid)
	}
	if !canAdvance(inc.Status, target) {
		return Incident{}, fmt.Errorf("%w: cannot move incident from %s to %s", errs.ErrInvalid, inc.Status, target)
	}

	expected := inc.Version
	inc.Status = target
	desc := fmt.Sprintf("status set to %s", target)
	if note != "" {
		desc += ": " + note
	}
	inc.Timeline = append(inc.Timeline, TimelineEntry{
		Timestamp:   s.now().UTC(),
		Actor:       actor.UserID,
		Description: desc,
		Status:      target,
	})

	updated, err := s.store.Update(ctx, inc, expected)
	if err != nil {
		return Incident{}, err
	}
	s.auditor.Log(ctx, audit.Entry{
		ActorID:      actor.UserID,
		OrgID:        updated.OrgID,
		Action:       "incident.status",
		ResourceType: "incident",
		ResourceID:   updated.ID,
		Metadata:     map[string]string{"status": string(target)},
	})
	return updated, nil
}

// Reopen moves a closed incident back to classified through an explicit,
// authorized action. The reopen itself and the resulting classification
// both land on the timeline.
func (s *Service) Reopen(ctx context.Context, actor access.Actor, id, reason string) (Incident, error) {
	if err := s.engine.Require(actor.Role, access.PermIncidentReopen); err != nil {
		obs.CountPermissionDenied(string(access.PermIncidentReopen))
		return Incident{}, err
	}
	if reason == "" {
		return Incident{}, fmt.Errorf("%w: reopen reason is required", errs.ErrInvalid)
	}

	inc, err := s.loadScoped(ctx, actor, id)
	if err != nil {
		return Incident{}, err
	}
	if inc.Status != StatusClosed {
		return Incident{}, fmt.Errorf("%w: only closed incidents can be reopened (status %s)", errs.ErrInvalid, inc.Status)
	}

	expected := inc.Version
	now := s.now().UTC()
	inc.Status = StatusClassified
	inc.Timeline = append(inc.Timeline,
		TimelineEntry{Timestamp: now, Actor: actor.UserID, Description: "reopened: " + reason, Status: StatusReopened},
		TimelineEntry{Timestamp: now, Actor: systemActor, Description: "returned to classification after reopen", Status: StatusClassified},
	)

	updated, err := s.store.Update(ctx, inc, expected)
	if err != nil {
		return Incident{}, err
	}
	s.auditor.Log(ctx, audit.Entry{
		ActorID:      actor.UserID,
		OrgID:        updated.OrgID,
		Action:       "incident.reopened",
		ResourceType: "incident",
		ResourceID:   updated.ID,
		Metadata:     map[string]string{"reason": reason},
	})
	return updated, nil
}

// loadScoped fetches an incident for an actor. Incidents outside the
// actor's organization read as not found, never as forbidden.
func (s *Service) loadScoped(ctx context.Context, actor access.Actor, id string) (Incident, error) {
	inc, err := s.store.Get(ctx, id)
	if err != nil {
		return Incident{}, err
	}
	if inc.OrgID != actor.OrgID {
		return Incident{}, fmt.Errorf("%w: incident %s", errs.ErrNotFound, id)
	}
	return inc, nil
}

// Get returns one incident from the actor's organization.
func (s *Service) Get(ctx context.Context, actor access.Actor, id string) (Incident, error) {
	if err := s.engine.Require(actor.Role, access.PermIncidentManage); err != nil {
		obs.CountPermissionDenied(string(access.PermIncidentManage))
		return Incident{}, err
	}
	return s.loadScoped(ctx, actor, id)
}

// AlertSummary aggregates the actor's organization's incidents for the
// monitoring collaborator.
func (s *Service) AlertSummary(ctx context.Context, actor access.Actor) (Summary, error) {
	if err := s.engine.Require(actor.Role, access.PermAlertsView); err != nil {
		obs.CountPermissionDenied(string(access.PermAlertsView))
		return Summary{}, err
	}
	incidents, err := s.store.List(ctx, actor.OrgID)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{
		Total:      len(incidents),
		BySeverity: make(map[Severity]int),
		ByCategory: make(map[string]int),
	}
	for _, inc := range incidents {
		summary.BySeverity[inc.Severity]++
		summary.ByCategory[inc.Category]++
		if len(summary.Recent) < defaultRecents {
			message := ""
			if n := len(inc.Timeline); n > 0 {
				message = inc.Timeline[n-1].Description
			}
			summary.Recent = append(summary.Recent, Alert{
				IncidentID: inc.ID,
				Category:   inc.Category,
				Severity:   inc.Severity,
				Message:    message,
				OpenedAt:   inc.OpenedAt,
			})
		}
	}
	return summary, nil
}

func copyMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
