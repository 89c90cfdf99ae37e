package audit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"custodia.org/internal/access"
	"custodia.org/internal/errs"
)

type failingStore struct{}

func (failingStore) Append(ctx context.Context, entry *Entry) error {
	return fmt.Errorf("sink unavailable")
}
func (failingStore) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	return nil, fmt.Errorf("sink unavailable")
}
func (failingStore) Count(ctx context.Context, filter Filter) (int, error) {
	return 0, fmt.Errorf("sink unavailable")
}

func testActor(role access.Role) access.Actor {
	return access.Actor{UserID: "u1", OrgID: "org1", Role: role}
}

func TestLogAssignsIDAndSequence(t *testing.T) {
	store := NewMemory()
	svc := NewService(store, access.NewEngine())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		svc.Log(ctx, Entry{ActorID: "u1", OrgID: "org1", Action: "op"})
	}

	page, err := svc.Query(ctx, testActor(access.RoleAdmin), Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 3 {
		t.Fatalf("expected 3 entries, got %d", page.Total)
	}
	for i, e := range page.Entries {
		if e.ID == "" {
			t.Fatal("entry missing id")
		}
		if e.Seq != uint64(i+1) {
			t.Fatalf("sequence out of order: entry %d has seq %d", i, e.Seq)
		}
	}
}

func TestLogSwallowsSinkFailure(t *testing.T) {
	svc := NewService(failingStore{}, access.NewEngine())
	// Must not panic and must not propagate: a failed audit write degrades,
	// it never rolls back the business action.
	svc.Log(context.Background(), Entry{ActorID: "u1", OrgID: "org1", Action: "op"})
}

func TestQueryRequiresAuditView(t *testing.T) {
	svc := NewService(NewMemory(), access.NewEngine())
	_, err := svc.Query(context.Background(), testActor(access.RoleStaff), Filter{})
	if !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestQueryRejectsCrossOrg(t *testing.T) {
	svc := NewService(NewMemory(), access.NewEngine())
	_, err := svc.Query(context.Background(), testActor(access.RoleAdmin), Filter{OrgID: "other-org"})
	if !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestQueryScopesToActorOrg(t *testing.T) {
	store := NewMemory()
	svc := NewService(store, access.NewEngine())
	ctx := context.Background()

	svc.Log(ctx, Entry{ActorID: "a", OrgID: "org1", Action: "op"})
	svc.Log(ctx, Entry{ActorID: "b", OrgID: "org2", Action: "op"})

	page, err := svc.Query(ctx, testActor(access.RoleAdmin), Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || page.Entries[0].OrgID != "org1" {
		t.Fatalf("query leaked across organizations: %#v", page)
	}
}

func TestQueryFilters(t *testing.T) {
	store := NewMemory()
	svc := NewService(store, access.NewEngine())
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	svc.Log(ctx, Entry{ActorID: "a", OrgID: "org1", Action: "x", ResourceType: "grant", ResourceID: "g1", OccurredAt: base})
	svc.Log(ctx, Entry{ActorID: "b", OrgID: "org1", Action: "y", ResourceType: "incident", ResourceID: "i1", OccurredAt: base.Add(time.Hour)})

	page, err := svc.Query(ctx, testActor(access.RoleAdmin), Filter{Action: "y"})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || page.Entries[0].ResourceID != "i1" {
		t.Fatalf("action filter failed: %#v", page)
	}

	page, err = svc.Query(ctx, testActor(access.RoleAdmin), Filter{To: base.Add(time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || page.Entries[0].ActorID != "a" {
		t.Fatalf("time filter failed: %#v", page)
	}
}

func TestMetadataRedaction(t *testing.T) {
	store := NewMemory()
	engine := access.NewEngine()
	svc := NewService(store, engine, WithRedactKeys([]string{"reason"}))
	ctx := context.Background()

	svc.Log(ctx, Entry{
		ActorID:  "a",
		OrgID:    "org1",
		Action:   "emergency.access.granted",
		Metadata: map[string]string{"reason": "patient in cardiac arrest", "grant_id": "g1"},
	})

	// admin holds audit.metadata: sees everything.
	page, err := svc.Query(ctx, testActor(access.RoleAdmin), Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if page.Entries[0].Metadata["reason"] != "patient in cardiac arrest" {
		t.Fatalf("elevated role should see raw metadata: %#v", page.Entries[0].Metadata)
	}

	// auditor holds audit.view but not audit.metadata: reason is hidden,
	// non-sensitive keys stay visible.
	page, err = svc.Query(ctx, testActor(access.RoleAuditor), Filter{})
	if err != nil {
		t.Fatal(err)
	}
	meta := page.Entries[0].Metadata
	if meta["reason"] != "[REDACTED]" {
		t.Fatalf("expected redacted reason, got %q", meta["reason"])
	}
	if meta["grant_id"] != "g1" {
		t.Fatalf("non-sensitive key should survive redaction: %#v", meta)
	}
}
