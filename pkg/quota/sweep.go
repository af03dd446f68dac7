package quota

import (
	"context"
	"log/slog"
	"time"

	"github.com/guptadeepak8/archestra/pkg/models"
)

// Sweeper periodically resets organization-scope limit counters whose
// cleanup interval has elapsed. Agent and team limits are swept inline by
// the enforcer pre-check, where their governing organization is known; the
// background loop keeps idle organizations from accumulating stale counters
// between requests. Resets are guarded on last_cleanup, so overlapping
// sweeps from multiple pods are idempotent.
type Sweeper struct {
	interval time.Duration
	orgs     OrganizationStore
	limits   LimitStore

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper ticking at the given interval.
func NewSweeper(interval time.Duration, orgs OrganizationStore, limits LimitStore) *Sweeper {
	return &Sweeper{
		interval: interval,
		orgs:     orgs,
		limits:   limits,
	}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Quota reset sweep started", "interval", s.interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Quota reset sweep stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	orgs, err := s.orgs.List(ctx)
	if err != nil {
		slog.Error("Quota sweep: failed to list organizations", "error", err)
		return
	}

	for _, org := range orgs {
		staleBefore := time.Now().Add(-org.LimitCleanupInterval.Duration())

		limits, err := s.limits.ListForEntity(ctx, models.EntityTypeOrganization, org.ID)
		if err != nil {
			slog.Error("Quota sweep: failed to list limits",
				"org_id", org.ID, "error", err)
			continue
		}

		resetCount := 0
		for _, lim := range limits {
			if lim.LastCleanup != nil && !lim.LastCleanup.Before(staleBefore) {
				continue
			}
			reset, err := s.limits.ResetIfStale(ctx, lim.ID, staleBefore)
			if err != nil {
				slog.Error("Quota sweep: reset failed",
					"limit_id", lim.ID, "error", err)
				continue
			}
			if reset {
				resetCount++
			}
		}
		if resetCount > 0 {
			slog.Info("Quota sweep: reset stale limits",
				"org_id", org.ID, "count", resetCount)
		}
	}
}
