package incident

import (
	"context"
	"errors"
	"testing"
	"time"

	"custodia.org/internal/access"
	"custodia.org/internal/audit"
	"custodia.org/internal/errs"
)

func breachService(t *testing.T, now time.Time) (*Service, *Memory) {
	t.Helper()
	store := NewMemory()
	auditor := audit.NewService(audit.NewMemory(), access.NewEngine())
	svc := NewService(store, auditor, access.NewEngine(), nil, WithClock(func() time.Time { return now }))
	return svc, store
}

func TestEvaluateBreachWindow(t *testing.T) {
	opened := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc, store := breachService(t, opened.Add(24*time.Hour))
	ctx := context.Background()

	inc := &Incident{
		ID:       "i1",
		OrgID:    "org1",
		Category: phiExposureCat,
		Severity: SeverityCritical,
		Status:   StatusClassified,
		OpenedAt: opened,
	}
	if err := store.Create(ctx, inc); err != nil {
		t.Fatal(err)
	}

	eval, err := svc.EvaluateBreach(ctx, securityActor(), "i1")
	if err != nil {
		t.Fatal(err)
	}
	if !eval.ThresholdCrossed {
		t.Fatal("phi-exposure category must cross the notification threshold")
	}
	if want := opened.Add(72 * time.Hour); !eval.Deadline.Equal(want) {
		t.Fatalf("deadline = %v, want %v", eval.Deadline, want)
	}
	if eval.Overdue {
		t.Fatal("24h after discovery must not be overdue")
	}
}

func TestEvaluateBreachOverdue(t *testing.T) {
	opened := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc, store := breachService(t, opened.Add(73*time.Hour))
	ctx := context.Background()

	inc := &Incident{
		ID:       "i1",
		OrgID:    "org1",
		Category: "unauthorized-access",
		Severity: SeverityCritical,
		Status:   StatusClassified,
		OpenedAt: opened,
		Metadata: map[string]string{"phi_confirmed": "true"},
	}
	if err := store.Create(ctx, inc); err != nil {
		t.Fatal(err)
	}

	eval, err := svc.EvaluateBreach(ctx, securityActor(), "i1")
	if err != nil {
		t.Fatal(err)
	}
	if !eval.ThresholdCrossed || !eval.Overdue {
		t.Fatalf("expected crossed and overdue: %#v", eval)
	}
}

func TestEvaluateBreachNotApplicable(t *testing.T) {
	opened := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc, store := breachService(t, opened.Add(100*time.Hour))
	ctx := context.Background()

	inc := &Incident{ID: "i1", OrgID: "org1", Category: "unauthorized-access", Severity: SeverityWarning, Status: StatusClassified, OpenedAt: opened}
	if err := store.Create(ctx, inc); err != nil {
		t.Fatal(err)
	}

	eval, err := svc.EvaluateBreach(ctx, securityActor(), "i1")
	if err != nil {
		t.Fatal(err)
	}
	if eval.ThresholdCrossed || eval.Overdue {
		t.Fatalf("no confirmed exposure, threshold must not apply: %#v", eval)
	}
}

func TestEvaluateBreachDoesNotMutate(t *testing.T) {
	opened := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc, store := breachService(t, opened.Add(time.Hour))
	ctx := context.Background()

	inc := &Incident{ID: "i1", OrgID: "org1", Category: phiExposureCat, Severity: SeverityCritical, Status: StatusClassified, OpenedAt: opened}
	if err := store.Create(ctx, inc); err != nil {
		t.Fatal(err)
	}
	before, _ := store.Get(ctx, "i1")
	if _, err := svc.EvaluateBreach(ctx, securityActor(), "i1"); err != nil {
		t.Fatal(err)
	}
	after, _ := store.Get(ctx, "i1")
	if before.Version != after.Version || len(before.Timeline) != len(after.Timeline) {
		t.Fatal("evaluation must not mutate the incident")
	}
}

func TestEvaluateBreachScopedToOrg(t *testing.T) {
	opened := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc, store := breachService(t, opened.Add(time.Hour))
	ctx := context.Background()

	inc := &Incident{ID: "i1", OrgID: "org1", Category: phiExposureCat, Severity: SeverityCritical, Status: StatusClassified, OpenedAt: opened}
	if err := store.Create(ctx, inc); err != nil {
		t.Fatal(err)
	}

	outsider := access.Actor{UserID: "c9", OrgID: "org2", Role: access.RoleCompliance}
	if _, err := svc.EvaluateBreach(ctx, outsider, "i1"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("cross-org evaluation must be not found, got %v", err)
	}

	staff := access.Actor{UserID: "s1", OrgID: "org1", Role: access.RoleStaff}
	if _, err := svc.EvaluateBreach(ctx, staff, "i1"); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestMarkNotifiedOnce(t *testing.T) {
	opened := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc, store := breachService(t, opened.Add(time.Hour))
	ctx := context.Background()
	actor := access.Actor{UserID: "c1", OrgID: "org1", Role: access.RoleCompliance}

	inc := &Incident{ID: "i1", OrgID: "org1", Category: phiExposureCat, Severity: SeverityCritical, Status: StatusClassified, OpenedAt: opened}
	if err := store.Create(ctx, inc); err != nil {
		t.Fatal(err)
	}

	updated, err := svc.MarkNotified(ctx, actor, "i1")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Metadata[breachNotifiedKey] == "" {
		t.Fatal("notification timestamp missing")
	}

	eval, err := svc.EvaluateBreach(ctx, securityActor(), "i1")
	if err != nil {
		t.Fatal(err)
	}
	if eval.NotifiedAt == "" {
		t.Fatal("evaluation should surface the recorded notification")
	}

	if _, err := svc.MarkNotified(ctx, actor, "i1"); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("second notification record must conflict, got %v", err)
	}
}
