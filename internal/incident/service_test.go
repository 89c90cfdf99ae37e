package incident

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"custodia.org/internal/access"
	"custodia.org/internal/audit"
	"custodia.org/internal/errs"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *Memory) {
	t.Helper()
	store := NewMemory()
	auditor := audit.NewService(audit.NewMemory(), access.NewEngine())
	svc := NewService(store, auditor, access.NewEngine(), nil, opts...)
	svc.SetThresholds([]Threshold{
		{
			Name:     "repeated-denials",
			Severity: SeverityWarning,
			Category: "unauthorized-access",
			Match:    Matcher{EventType: "auth.denied"},
		},
		{
			Name:     "denial-on-phi",
			Severity: SeverityCritical,
			Category: "phi-exposure",
			Match:    Matcher{EventType: "auth.denied", MetadataEquals: map[string]string{"resource": "patient_record"}},
		},
		{
			Name:     "export-spike",
			Severity: SeverityError,
			Category: "data-exfiltration",
			Match:    Matcher{EventType: "audit.export.large"},
		},
	})
	svc.SetEscalationPath(EscalationPath{
		SeverityCritical: {"security-oncall", "ciso"},
		SeverityError:    {"security-oncall"},
	})
	return svc, store
}

func securityActor() access.Actor {
	return access.Actor{UserID: "sec1", OrgID: "org1", Role: access.RoleCompliance}
}

func TestClassifyNoMatchIsNotAnError(t *testing.T) {
	svc, _ := newTestService(t)
	inc, err := svc.Classify(context.Background(), RawEvent{Type: "login.ok", OrgID: "org1"})
	if err != nil {
		t.Fatal(err)
	}
	if inc != nil {
		t.Fatalf("no threshold matched, no incident expected: %#v", inc)
	}
}

func TestClassifyMalformedEvent(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Classify(context.Background(), RawEvent{OrgID: "org1"}); !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if _, err := svc.Classify(context.Background(), RawEvent{Type: "auth.denied"}); !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestClassifyHighestSeverityWins(t *testing.T) {
	svc, _ := newTestService(t)
	// Matches both the warning rule and the critical rule.
	inc, err := svc.Classify(context.Background(), RawEvent{
		Type:     "auth.denied",
		OrgID:    "org1",
		Metadata: map[string]string{"resource": "patient_record"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if inc == nil {
		t.Fatal("expected an incident")
	}
	if inc.Severity != SeverityCritical || inc.Category != "phi-exposure" {
		t.Fatalf("highest-severity match must win: %s/%s", inc.Severity, inc.Category)
	}
	if inc.Status != StatusClassified {
		t.Fatalf("new incident should be classified, got %s", inc.Status)
	}
	if len(inc.Timeline) != 2 || inc.Timeline[0].Status != StatusDetected {
		t.Fatalf("timeline missing detection/classification steps: %#v", inc.Timeline)
	}
}

func TestClassifyTieBreakByConfiguredOrder(t *testing.T) {
	svc, _ := newTestService(t)
	svc.SetThresholds([]Threshold{
		{Name: "first", Severity: SeverityError, Category: "a", Match: Matcher{EventType: "x"}},
		{Name: "second", Severity: SeverityError, Category: "b", Match: Matcher{EventType: "x"}},
	})
	inc, err := svc.Classify(context.Background(), RawEvent{Type: "x", OrgID: "org1"})
	if err != nil {
		t.Fatal(err)
	}
	if inc.Category != "a" {
		t.Fatalf("earliest configured rule must win the tie, got %s", inc.Category)
	}
}

func TestEscalateLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	inc, err := svc.Classify(ctx, RawEvent{Type: "auth.denied", OrgID: "org1"})
	if err != nil || inc == nil {
		t.Fatalf("classify failed: %v", err)
	}

	updated, err := svc.Escalate(ctx, securityActor(), inc.ID, SeverityCritical, "pattern continues")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Severity != SeverityCritical || updated.Status != StatusEscalated {
		t.Fatalf("unexpected state after escalation: %s/%s", updated.Severity, updated.Status)
	}
	if len(updated.Timeline) != 3 {
		t.Fatalf("expected one appended timeline entry, got %d", len(updated.Timeline))
	}

	// Severity may only rise.
	if _, err := svc.Escalate(ctx, securityActor(), inc.ID, SeverityWarning, "nope"); err == nil {
		t.Fatal("lowering severity must fail")
	}
}

func TestEscalateRequiresPermission(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	inc, _ := svc.Classify(ctx, RawEvent{Type: "auth.denied", OrgID: "org1"})

	actor := access.Actor{UserID: "s1", OrgID: "org1", Role: access.RoleStaff}
	if _, err := svc.Escalate(ctx, actor, inc.ID, SeverityCritical, "r"); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestStatusMonotonic(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	inc, _ := svc.Classify(ctx, RawEvent{Type: "auth.denied", OrgID: "org1"})
	actor := securityActor()

	if _, err := svc.UpdateStatus(ctx, actor, inc.ID, StatusContained, ""); err != nil {
		t.Fatal(err)
	}
	// Backward move is rejected.
	if _, err := svc.UpdateStatus(ctx, actor, inc.ID, StatusClassified, ""); !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("expected ErrInvalid on backward transition, got %v", err)
	}

	if _, err := svc.UpdateStatus(ctx, actor, inc.ID, StatusResolved, "fixed"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.UpdateStatus(ctx, actor, inc.ID, StatusClosed, ""); err != nil {
		t.Fatal(err)
	}

	// Closed is terminal for every action except reopen.
	if _, err := svc.UpdateStatus(ctx, actor, inc.ID, StatusResolved, ""); !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("expected ErrInvalid on closed incident, got %v", err)
	}
	if _, err := svc.Escalate(ctx, actor, inc.ID, SeverityCritical, "r"); !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("escalating a closed incident must fail, got %v", err)
	}
}

func TestReopen(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	actor := securityActor()
	inc, _ := svc.Classify(ctx, RawEvent{Type: "auth.denied", OrgID: "org1"})
	if _, err := svc.UpdateStatus(ctx, actor, inc.ID, StatusClosed, ""); err != nil {
		t.Fatal(err)
	}

	// Reopen is rejected for a non-closed incident and for missing rights.
	if _, err := svc.Reopen(ctx, access.Actor{UserID: "p", OrgID: "org1", Role: access.RoleProvider}, inc.ID, "new evidence"); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	reopened, err := svc.Reopen(ctx, actor, inc.ID, "new evidence")
	if err != nil {
		t.Fatal(err)
	}
	if reopened.Status != StatusClassified {
		t.Fatalf("reopened incident should return to classified, got %s", reopened.Status)
	}
	n := len(reopened.Timeline)
	if n < 2 || reopened.Timeline[n-2].Status != StatusReopened {
		t.Fatalf("timeline missing reopen entry: %#v", reopened.Timeline)
	}

	if _, err := svc.Reopen(ctx, actor, inc.ID, "again"); !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("reopening a non-closed incident must fail, got %v", err)
	}
}

func TestConcurrentEscalationOneWins(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	inc, _ := svc.Classify(ctx, RawEvent{Type: "auth.denied", OrgID: "org1"})
	actor := securityActor()

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Escalate(ctx, actor, inc.ID, SeverityCritical, "concurrent")
		}(i)
	}
	wg.Wait()

	var ok, conflict int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, errs.ErrConflict), errors.Is(err, errs.ErrInvalid):
			// The loser either hits the version guard or re-reads the
			// already-escalated state; both count as the lost race.
			conflict++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflict != 1 {
		t.Fatalf("exactly one escalation must win: ok=%d conflict=%d", ok, conflict)
	}

	final, err := svc.Get(ctx, actor, inc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(final.Timeline) != 3 {
		t.Fatalf("exactly one timeline entry must be added, got %d total", len(final.Timeline))
	}
}

func TestIncidentHiddenFromOtherOrg(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	inc, err := svc.Classify(ctx, RawEvent{Type: "auth.denied", OrgID: "org1"})
	if err != nil || inc == nil {
		t.Fatalf("classify failed: %v", err)
	}

	outsider := access.Actor{UserID: "c9", OrgID: "org2", Role: access.RoleCompliance}
	if _, err := svc.Get(ctx, outsider, inc.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("cross-org read must be not found, got %v", err)
	}
	if _, err := svc.Escalate(ctx, outsider, inc.ID, SeverityCritical, "r"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("cross-org escalation must be not found, got %v", err)
	}
	if _, err := svc.UpdateStatus(ctx, outsider, inc.ID, StatusContained, ""); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("cross-org status change must be not found, got %v", err)
	}
	if _, err := svc.MarkNotified(ctx, outsider, inc.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("cross-org notification record must be not found, got %v", err)
	}
}

func TestGetRequiresPermission(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	inc, err := svc.Classify(ctx, RawEvent{Type: "auth.denied", OrgID: "org1"})
	if err != nil || inc == nil {
		t.Fatalf("classify failed: %v", err)
	}

	staff := access.Actor{UserID: "s1", OrgID: "org1", Role: access.RoleStaff}
	if _, err := svc.Get(ctx, staff, inc.ID); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := svc.Get(ctx, securityActor(), inc.ID); err != nil {
		t.Fatal(err)
	}
}

func TestStoreConflictOnStaleVersion(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	inc := &Incident{ID: "i1", OrgID: "org1", Status: StatusClassified, Severity: SeverityWarning, OpenedAt: time.Now()}
	if err := store.Create(ctx, inc); err != nil {
		t.Fatal(err)
	}
	read, _ := store.Get(ctx, "i1")
	if _, err := store.Update(ctx, read, read.Version); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Update(ctx, read, read.Version); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("stale version must conflict, got %v", err)
	}
}

func TestAlertSummary(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Classify(ctx, RawEvent{Type: "auth.denied", OrgID: "org1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Classify(ctx, RawEvent{Type: "audit.export.large", OrgID: "org1"}); err != nil {
		t.Fatal(err)
	}

	summary, err := svc.AlertSummary(ctx, securityActor())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Total != 2 {
		t.Fatalf("expected 2 incidents, got %d", summary.Total)
	}
	if summary.BySeverity[SeverityWarning] != 1 || summary.BySeverity[SeverityError] != 1 {
		t.Fatalf("unexpected severity counts: %#v", summary.BySeverity)
	}
	if summary.ByCategory["data-exfiltration"] != 1 {
		t.Fatalf("unexpected category counts: %#v", summary.ByCategory)
	}
	if len(summary.Recent) != 2 {
		t.Fatalf("expected 2 recent alerts, got %d", len(summary.Recent))
	}
}

func TestAlertSummaryScopedToOrg(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Classify(ctx, RawEvent{Type: "auth.denied", OrgID: "org1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Classify(ctx, RawEvent{Type: "auth.denied", OrgID: "org2"}); err != nil {
		t.Fatal(err)
	}

	summary, err := svc.AlertSummary(ctx, securityActor())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Total != 1 {
		t.Fatalf("summary must only count the actor's org, got %d", summary.Total)
	}
	if len(summary.Recent) != 1 || summary.Recent[0].Category != "unauthorized-access" {
		t.Fatalf("unexpected recent alerts: %#v", summary.Recent)
	}
}
