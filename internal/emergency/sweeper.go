package emergency

import (
	"context"
	"time"

	"custodia.org/internal/audit"
	"custodia.org/internal/obs"
)

// StartSweeper runs a background loop that persists the EXPIRED status for
// active grants past their expiry and audits each lapse. Readers are
// already protected by EffectiveStatus; the sweeper keeps the stored state
// and the audit trail converged. The returned function stops the loop.
func (s *Service) StartSweeper(interval time.Duration) func() {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SweepExpired(ctx)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// SweepExpired marks every lapsed active grant as expired. Version
// conflicts are skipped; the losing writer already moved the grant on.
func (s *Service) SweepExpired(ctx context.Context) int {
	now := s.now().UTC()
	lapsed, err := s.store.ListLapsedActive(ctx, now)
	if err != nil {
		obs.LogRequest(map[string]any{"type": "sweep_error", "error": err.Error()})
		return 0
	}

	swept := 0
	for _, grant := range lapsed {
		expected := grant.Version
		grant.Status = GrantExpired
		if _, err := s.store.UpdateGrant(ctx, grant, expected); err != nil {
			continue
		}
		swept++
		s.auditor.Log(ctx, audit.Entry{
			ActorID:      "system",
			OrgID:        grant.OrgID,
			Action:       "emergency.access.expired",
			ResourceType: "emergency_grant",
			ResourceID:   grant.ID,
			Metadata:     map[string]string{"holder": grant.UserID},
		})
	}
	return swept
}
