package emergency

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"custodia.org/internal/access"
	"custodia.org/internal/audit"
	"custodia.org/internal/errs"
)

func newTestService(t *testing.T, now *time.Time) (*Service, *audit.Service) {
	t.Helper()
	engine := access.NewEngine()
	auditor := audit.NewService(audit.NewMemory(), engine)
	svc := NewService(NewMemory(), engine, auditor, WithClock(func() time.Time { return *now }))
	return svc, auditor
}

func provider() access.Actor {
	return access.Actor{UserID: "dr1", OrgID: "org1", Role: access.RoleProvider}
}

func compliance() access.Actor {
	return access.Actor{UserID: "c1", OrgID: "org1", Role: access.RoleCompliance}
}

const validReason = "patient coding in ER, attending unavailable"

func TestRequestReasonLength(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, &now)
	ctx := context.Background()

	if _, err := svc.Request(ctx, provider(), strings.Repeat("x", 19)); !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("19-char reason must fail, got %v", err)
	}
	grant, err := svc.Request(ctx, provider(), strings.Repeat("x", 20))
	if err != nil {
		t.Fatal(err)
	}
	if want := now.Add(4 * time.Hour); !grant.ExpiresAt.Equal(want) {
		t.Fatalf("expiry = %v, want %v", grant.ExpiresAt, want)
	}
	if grant.Status != GrantActive {
		t.Fatalf("new grant should be active, got %s", grant.Status)
	}
}

func TestReasonLengthCountsCharacters(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, &now)
	ctx := context.Background()

	// 19 characters but 38 bytes; byte length must not satisfy the minimum.
	if _, err := svc.Request(ctx, provider(), strings.Repeat("ü", 19)); !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("19-character multi-byte reason must fail, got %v", err)
	}
	if _, err := svc.Request(ctx, provider(), strings.Repeat("ü", 20)); err != nil {
		t.Fatal(err)
	}
}

func TestRequestRequiresPermission(t *testing.T) {
	now := time.Now()
	svc, _ := newTestService(t, &now)
	actor := access.Actor{UserID: "s1", OrgID: "org1", Role: access.RoleStaff}
	if _, err := svc.Request(context.Background(), actor, validReason); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRequestIsAudited(t *testing.T) {
	now := time.Now().UTC()
	svc, auditor := newTestService(t, &now)
	ctx := context.Background()

	grant, err := svc.Request(ctx, provider(), validReason)
	if err != nil {
		t.Fatal(err)
	}

	page, err := auditor.Query(ctx, access.Actor{UserID: "a", OrgID: "org1", Role: access.RoleAdmin}, audit.Filter{Action: "emergency.access.granted"})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(page.Entries))
	}
	entry := page.Entries[0]
	if entry.ResourceID != grant.ID || entry.Metadata["reason"] != validReason {
		t.Fatalf("audit entry missing grant details: %#v", entry)
	}
}

func TestStaleActiveGrantReadsExpired(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, &now)
	ctx := context.Background()

	grant, err := svc.Request(ctx, provider(), validReason)
	if err != nil {
		t.Fatal(err)
	}

	// The persisted row still says active; the clock says otherwise.
	now = now.Add(4 * time.Hour)
	got, err := svc.Get(ctx, provider(), grant.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != GrantExpired {
		t.Fatalf("grant past expiry must read as expired, got %s", got.Status)
	}
}

func TestEndGrant(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, &now)
	ctx := context.Background()

	grant, err := svc.Request(ctx, provider(), validReason)
	if err != nil {
		t.Fatal(err)
	}

	// A stranger without emergency.end.any cannot end it.
	other := access.Actor{UserID: "dr2", OrgID: "org1", Role: access.RoleProvider}
	if _, err := svc.End(ctx, other, grant.ID); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	now = now.Add(30 * time.Minute)
	ended, err := svc.End(ctx, provider(), grant.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ended.Status != GrantEnded || ended.EndedAt == nil {
		t.Fatalf("unexpected state after end: %#v", ended)
	}
	if got := ended.UsedDuration(); got != 30*time.Minute {
		t.Fatalf("used duration = %v, want 30m", got)
	}

	if _, err := svc.End(ctx, provider(), grant.ID); !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("ending twice must fail, got %v", err)
	}
}

func TestComplianceCanEndAnyGrant(t *testing.T) {
	now := time.Now().UTC()
	svc, _ := newTestService(t, &now)
	ctx := context.Background()

	grant, err := svc.Request(ctx, provider(), validReason)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.End(ctx, compliance(), grant.ID); err != nil {
		t.Fatal(err)
	}
}

func TestEndExpiredGrantFails(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, &now)
	ctx := context.Background()

	grant, err := svc.Request(ctx, provider(), validReason)
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(5 * time.Hour)
	if _, err := svc.End(ctx, provider(), grant.ID); !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("ending an expired grant must fail, got %v", err)
	}
}

func TestJustificationLifecycle(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, &now)
	ctx := context.Background()

	grant, err := svc.Request(ctx, provider(), validReason)
	if err != nil {
		t.Fatal(err)
	}

	// Too early: the grant is still active.
	if _, err := svc.CompleteJustification(ctx, provider(), grant.ID, strings.Repeat("y", 50)); !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("justifying an active grant must fail, got %v", err)
	}

	now = now.Add(4 * time.Hour)

	if _, err := svc.CompleteJustification(ctx, provider(), grant.ID, strings.Repeat("y", 49)); !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("49-char text must fail, got %v", err)
	}
	// Character minimum, not bytes: 49 two-byte runes stay short.
	if _, err := svc.CompleteJustification(ctx, provider(), grant.ID, strings.Repeat("é", 49)); !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("49-character multi-byte text must fail, got %v", err)
	}
	j, err := svc.CompleteJustification(ctx, provider(), grant.ID, strings.Repeat("y", 50))
	if err != nil {
		t.Fatal(err)
	}
	if j.ReviewStatus != ReviewPending {
		t.Fatalf("fresh justification should be pending, got %s", j.ReviewStatus)
	}

	if _, err := svc.CompleteJustification(ctx, provider(), grant.ID, strings.Repeat("z", 60)); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("second justification must conflict, got %v", err)
	}
}

func TestJustificationHolderOnly(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, &now)
	ctx := context.Background()

	grant, err := svc.Request(ctx, provider(), validReason)
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(4 * time.Hour)

	other := access.Actor{UserID: "dr2", OrgID: "org1", Role: access.RoleProvider}
	if _, err := svc.CompleteJustification(ctx, other, grant.ID, strings.Repeat("y", 50)); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestReviewExactlyOnce(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, &now)
	ctx := context.Background()

	grant, err := svc.Request(ctx, provider(), validReason)
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(4 * time.Hour)
	if _, err := svc.CompleteJustification(ctx, provider(), grant.ID, strings.Repeat("y", 50)); err != nil {
		t.Fatal(err)
	}

	// Providers cannot review.
	if _, err := svc.ReviewJustification(ctx, provider(), grant.ID, true); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	reviewed, err := svc.ReviewJustification(ctx, compliance(), grant.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if reviewed.ReviewStatus != ReviewRejected || reviewed.ReviewedBy != "c1" {
		t.Fatalf("unexpected review state: %#v", reviewed)
	}

	if _, err := svc.ReviewJustification(ctx, compliance(), grant.ID, true); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("second review must conflict, got %v", err)
	}
}

func TestGrantHiddenFromOtherOrg(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, &now)
	ctx := context.Background()

	grant, err := svc.Request(ctx, provider(), validReason)
	if err != nil {
		t.Fatal(err)
	}

	// Even the oversight role of another organization reads nothing.
	outsider := access.Actor{UserID: "c9", OrgID: "org2", Role: access.RoleCompliance}
	if _, err := svc.Get(ctx, outsider, grant.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("cross-org read must be not found, got %v", err)
	}
	if _, err := svc.End(ctx, outsider, grant.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("cross-org end must be not found, got %v", err)
	}

	now = now.Add(4 * time.Hour)
	if _, err := svc.CompleteJustification(ctx, outsider, grant.ID, strings.Repeat("y", 50)); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("cross-org justification must be not found, got %v", err)
	}
	if _, err := svc.CompleteJustification(ctx, provider(), grant.ID, strings.Repeat("y", 50)); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ReviewJustification(ctx, outsider, grant.ID, true); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("cross-org review must be not found, got %v", err)
	}
	if _, err := svc.GetJustification(ctx, outsider, grant.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("cross-org justification read must be not found, got %v", err)
	}
}

func TestGrantReadLimitedToHolderAndOversight(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, &now)
	ctx := context.Background()

	grant, err := svc.Request(ctx, provider(), validReason)
	if err != nil {
		t.Fatal(err)
	}

	// A same-org colleague cannot read the reason text.
	other := access.Actor{UserID: "dr2", OrgID: "org1", Role: access.RoleProvider}
	if _, err := svc.Get(ctx, other, grant.ID); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	if _, err := svc.Get(ctx, provider(), grant.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Get(ctx, compliance(), grant.ID); err != nil {
		t.Fatal(err)
	}

	now = now.Add(4 * time.Hour)
	if _, err := svc.CompleteJustification(ctx, provider(), grant.ID, strings.Repeat("y", 50)); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.GetJustification(ctx, other, grant.ID); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := svc.GetJustification(ctx, compliance(), grant.ID); err != nil {
		t.Fatal(err)
	}
}

func TestSweepExpired(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	svc, auditor := newTestService(t, &now)
	ctx := context.Background()

	grant, err := svc.Request(ctx, provider(), validReason)
	if err != nil {
		t.Fatal(err)
	}
	if n := svc.SweepExpired(ctx); n != 0 {
		t.Fatalf("nothing lapsed yet, swept %d", n)
	}

	now = now.Add(4 * time.Hour)
	if n := svc.SweepExpired(ctx); n != 1 {
		t.Fatalf("expected one sweep, got %d", n)
	}

	got, err := svc.Get(ctx, provider(), grant.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != GrantExpired {
		t.Fatalf("swept grant should persist expired, got %s", got.Status)
	}

	page, err := auditor.Query(ctx, access.Actor{UserID: "a", OrgID: "org1", Role: access.RoleAdmin}, audit.Filter{Action: "emergency.access.expired"})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Entries) != 1 {
		t.Fatalf("sweep should audit the lapse, got %d entries", len(page.Entries))
	}

	// Idempotent: the grant is no longer active.
	if n := svc.SweepExpired(ctx); n != 0 {
		t.Fatalf("second sweep should find nothing, got %d", n)
	}
}
