package audit

import (
	"context"
	"fmt"
	"time"

	"custodia.org/internal/access"
	"custodia.org/internal/errs"
	"custodia.org/internal/ids"
	"custodia.org/internal/obs"
)

const (
	// defaultExportCap is the hard row limit for exports.
	defaultExportCap = 100_000

	// writeTimeout bounds a single audit append so a slow sink can never
	// stall the business operation that triggered it.
	writeTimeout = 2 * time.Second
)

// Service is the structured event sink plus its query and export surfaces.
type Service struct {
	store      Store
	engine     *access.Engine
	redactKeys map[string]struct{}
	exportCap  int
	now        func() time.Time
}

// Option configures Service.
type Option func(*Service)

// WithRedactKeys sets the metadata keys hidden from roles that hold
// audit.view but not audit.metadata. Redaction rules are policy data.
func WithRedactKeys(keys []string) Option {
	return func(s *Service) {
		set := make(map[string]struct{}, len(keys))
		for _, k := range keys {
			set[k] = struct{}{}
		}
		s.redactKeys = set
	}
}

// WithExportCap overrides the export row cap.
func WithExportCap(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.exportCap = n
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the audit service.
func NewService(store Store, engine *access.Engine, opts ...Option) *Service {
	s := &Service{
		store:      store,
		engine:     engine,
		redactKeys: map[string]struct{}{},
		exportCap:  defaultExportCap,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Log appends one entry. It never fails the triggering business operation:
// when the sink is unavailable the entry goes to the fallback log channel
// and the dropped-writes counter, not back to the caller. Blocking all
// writes on audit storage availability would be a larger availability risk
// than a gap flagged to the operator.
func (s *Service) Log(ctx context.Context, entry Entry) {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = s.now().UTC()
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := s.store.Append(writeCtx, &entry); err != nil {
		obs.CountAuditDropped()
		obs.LogRequest(map[string]any{
			"ts":     s.now().UTC().Format(time.RFC3339Nano),
			"type":   "audit_fallback",
			"error":  fmt.Errorf("%w: %v", errs.ErrDegraded, err).Error(),
			"action": entry.Action,
			"actor":  entry.ActorID,
			"org":    entry.OrgID,
		})
	}
}

// Query returns entries matching filter, scoped to the actor's organization.
func (s *Service) Query(ctx context.Context, actor access.Actor, filter Filter) (Page, error) {
	if err := s.engine.Require(actor.Role, access.PermAuditView); err != nil {
		obs.CountPermissionDenied(string(access.PermAuditView))
		return Page{}, err
	}
	scoped, err := s.scopeFilter(actor, filter)
	if err != nil {
		return Page{}, err
	}

	total, err := s.store.Count(ctx, scoped)
	if err != nil {
		return Page{}, err
	}
	entries, err := s.store.Query(ctx, scoped)
	if err != nil {
		return Page{}, err
	}
	if !s.engine.Has(actor.Role, access.PermAuditMetadata) {
		for i := range entries {
			entries[i].Metadata = s.redact(entries[i].Metadata)
		}
	}
	return Page{Entries: entries, Total: total}, nil
}

func (s *Service) scopeFilter(actor access.Actor, filter Filter) (Filter, error) {
	if filter.OrgID != "" && filter.OrgID != actor.OrgID {
		return Filter{}, fmt.Errorf("%w: cross-organization audit query", errs.ErrUnauthorized)
	}
	filter.OrgID = actor.OrgID
	return filter, nil
}

func (s *Service) redact(metadata map[string]string) map[string]string {
	if len(metadata) == 0 || len(s.redactKeys) == 0 {
		return metadata
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		if _, hidden := s.redactKeys[k]; hidden {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = v
	}
	return out
}
