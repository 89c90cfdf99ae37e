package incident

import (
	"fmt"
	"strings"
	"time"

	"custodia.org/internal/errs"
)

// Severity orders incident impact. Comparison goes through Rank.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityError:    3,
	SeverityCritical: 4,
}

// Rank returns the ordering weight; unknown severities rank below info.
func (s Severity) Rank() int { return severityRank[s] }

// ParseSeverity validates an externally supplied severity string.
func ParseSeverity(raw string) (Severity, error) {
	s := Severity(strings.TrimSpace(strings.ToLower(raw)))
	if _, ok := severityRank[s]; !ok {
		return "", fmt.Errorf("%w: unknown severity %q", errs.ErrInvalid, raw)
	}
	return s, nil
}

// Status is a stage in the incident lifecycle. Transitions are monotonic
// along the rank below; the only way back is an explicit reopen.
type Status string

const (
	StatusDetected   Status = "detected"
	StatusClassified Status = "classified"
	StatusEscalated  Status = "escalated"
	StatusContained  Status = "contained"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
	StatusReopened   Status = "reopened"
)

var statusRank = map[Status]int{
	StatusDetected:   1,
	StatusClassified: 2,
	StatusEscalated:  3,
	StatusContained:  4,
	StatusResolved:   5,
	StatusClosed:     6,
}

// ParseStatus validates an externally supplied status string. Reopened is
// not accepted here: it is reachable only through the reopen action.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.TrimSpace(strings.ToLower(raw)))
	if _, ok := statusRank[s]; !ok {
		return "", fmt.Errorf("%w: unknown status %q", errs.ErrInvalid, raw)
	}
	return s, nil
}

// canAdvance reports whether to is a forward move from from.
func canAdvance(from, to Status) bool {
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	return tr > fr
}

// TimelineEntry is one appended step in an incident's history.
type TimelineEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	Actor       string    `json:"actor"` // "system" or a user id
	Description string    `json:"description"`
	Status      Status    `json:"status"`
}

// Incident is a classified security or compliance event under investigation.
// Version backs the optimistic-concurrency guard on every mutation.
type Incident struct {
	ID         string            `json:"id"`
	OrgID      string            `json:"org_id"`
	Category   string            `json:"category"`
	Severity   Severity          `json:"severity"`
	Status     Status            `json:"status"`
	Confidence float64           `json:"confidence"`
	OpenedAt   time.Time         `json:"opened_at"`
	Timeline   []TimelineEntry   `json:"timeline"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Version    uint64            `json:"version"`
}

// RawEvent is an unclassified security event reported to the service.
type RawEvent struct {
	Type       string            `json:"type"`
	ActorID    string            `json:"actor_id"`
	OrgID      string            `json:"org_id"`
	Message    string            `json:"message"`
	OccurredAt time.Time         `json:"occurred_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Matcher is the trigger predicate of a threshold, expressed as data so
// thresholds stay configuration.
type Matcher struct {
	EventType      string            `yaml:"event_type" koanf:"event_type"`
	MetadataEquals map[string]string `yaml:"metadata_equals" koanf:"metadata_equals"`
}

// Threshold turns a matching raw event into an incident.
type Threshold struct {
	Name       string   `yaml:"name" koanf:"name"`
	Severity   Severity `yaml:"severity" koanf:"severity"`
	Category   string   `yaml:"category" koanf:"category"`
	Message    string   `yaml:"message" koanf:"message"`
	Confidence float64  `yaml:"confidence" koanf:"confidence"`
	Match      Matcher  `yaml:"match" koanf:"match"`
}

// Matches reports whether the event satisfies the trigger predicate.
func (t Threshold) Matches(ev RawEvent) bool {
	if t.Match.EventType != "" && t.Match.EventType != ev.Type {
		return false
	}
	for k, want := range t.Match.MetadataEquals {
		if ev.Metadata[k] != want {
			return false
		}
	}
	return true
}

// EscalationPath maps severity to the ordered on-call targets. The service
// consults but does not own this mapping.
type EscalationPath map[Severity][]string

// Alert is one recent incident-derived alert in the monitoring summary.
type Alert struct {
	IncidentID string    `json:"incident_id"`
	Category   string    `json:"category"`
	Severity   Severity  `json:"severity"`
	Message    string    `json:"message"`
	OpenedAt   time.Time `json:"opened_at"`
}

// Summary is the aggregate alert view for the monitoring collaborator.
type Summary struct {
	Total      int              `json:"total"`
	BySeverity map[Severity]int `json:"by_severity"`
	ByCategory map[string]int   `json:"by_category"`
	Recent     []Alert          `json:"recent"`
}
