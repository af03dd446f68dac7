// Package quota enforces token-cost limits around proxied completions:
// a synchronous pre-check before the upstream call, asynchronous usage
// increments after it, and a periodic reset sweep driven by each
// organization's cleanup interval.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/guptadeepak8/archestra/pkg/models"
	"github.com/guptadeepak8/archestra/pkg/policy"
	"github.com/guptadeepak8/archestra/pkg/services"
)

// AgentStore resolves the team memberships that scope an agent's limits.
type AgentStore interface {
	ListTeams(ctx context.Context, agentID string) ([]*models.Team, error)
}

// OrganizationStore resolves governing organizations.
type OrganizationStore interface {
	GetByID(ctx context.Context, id string) (*models.Organization, error)
	List(ctx context.Context) ([]*models.Organization, error)
}

// LimitStore reads limits and mutates their usage counters.
type LimitStore interface {
	ListForEntity(ctx context.Context, entityType models.EntityType, entityID string) ([]*models.Limit, error)
	ResetIfStale(ctx context.Context, limitID string, staleBefore time.Time) (bool, error)
	AddUsage(ctx context.Context, refs []services.EntityRef, tokensIn, tokensOut int64) error
}

// PriceStore resolves per-model token prices.
type PriceStore interface {
	GetByModel(ctx context.Context, model string) (*models.TokenPrice, error)
}

// Scopes is the resolved limit hierarchy for one agent, in priority order
// agent, teams, organization. The proxy carries it from the pre-check to the
// post-completion usage update so resolution happens once per request.
type Scopes struct {
	AgentID string
	TeamIDs []string
	OrgID   string
}

// EntityRefs returns the scopes as limit entity references, priority order
// preserved.
func (s *Scopes) EntityRefs() []services.EntityRef {
	refs := []services.EntityRef{{Type: models.EntityTypeAgent, ID: s.AgentID}}
	for _, teamID := range s.TeamIDs {
		refs = append(refs, services.EntityRef{Type: models.EntityTypeTeam, ID: teamID})
	}
	if s.OrgID != "" {
		refs = append(refs, services.EntityRef{Type: models.EntityTypeOrganization, ID: s.OrgID})
	}
	return refs
}

// Enforcer performs the synchronous pre-flight quota check.
type Enforcer struct {
	agents AgentStore
	orgs   OrganizationStore
	limits LimitStore
	prices PriceStore
}

// NewEnforcer creates an enforcer over the given stores
func NewEnforcer(agents AgentStore, orgs OrganizationStore, limits LimitStore, prices PriceStore) *Enforcer {
	return &Enforcer{
		agents: agents,
		orgs:   orgs,
		limits: limits,
		prices: prices,
	}
}

// PreCheck resolves the agent's governing limits and compares their usage
// against the configured ceilings. Stale counters are reset in place before
// comparison. The first exceeded limit short-circuits with a token_cost
// refusal; agent-scope limits win ties by being checked first. The returned
// scopes are always valid when err is nil, so callers can reuse them for the
// post-completion usage update.
func (e *Enforcer) PreCheck(ctx context.Context, agentID string) (*Scopes, *policy.Refusal, error) {
	scopes, org, err := e.resolveScopes(ctx, agentID)
	if err != nil {
		return nil, nil, err
	}

	interval := models.DefaultCleanupInterval.Duration()
	if org != nil {
		interval = org.LimitCleanupInterval.Duration()
	}
	staleBefore := time.Now().Add(-interval)

	for _, ref := range scopes.EntityRefs() {
		limits, err := e.limits.ListForEntity(ctx, ref.Type, ref.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to list limits for %s %s: %w", ref.Type, ref.ID, err)
		}

		for _, lim := range limits {
			e.resetIfStale(ctx, lim, staleBefore)

			exceeded, usage, err := e.exceeded(ctx, lim)
			if err != nil {
				return nil, nil, err
			}
			if exceeded {
				slog.Info("Quota exceeded, refusing request",
					"agent_id", agentID,
					"limit_id", lim.ID,
					"entity_type", lim.EntityType,
					"entity_id", lim.EntityID,
					"usage", usage,
					"limit_value", lim.LimitValue)
				return scopes, refuseExceeded(lim), nil
			}
		}
	}

	return scopes, nil, nil
}

// resolveScopes walks agent → teams → organization. Agents with teams are
// governed by their first team's organization; teamless agents fall back to
// the first organization carrying a token_cost limit.
func (e *Enforcer) resolveScopes(ctx context.Context, agentID string) (*Scopes, *models.Organization, error) {
	teams, err := e.agents.ListTeams(ctx, agentID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve teams for agent %s: %w", agentID, err)
	}

	scopes := &Scopes{AgentID: agentID}
	for _, team := range teams {
		scopes.TeamIDs = append(scopes.TeamIDs, team.ID)
	}

	if len(teams) > 0 {
		org, err := e.orgs.GetByID(ctx, teams[0].OrgID)
		if err != nil && !errors.Is(err, services.ErrNotFound) {
			return nil, nil, fmt.Errorf("failed to resolve organization %s: %w", teams[0].OrgID, err)
		}
		scopes.OrgID = teams[0].OrgID
		return scopes, org, nil
	}

	orgs, err := e.orgs.List(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	if len(orgs) == 0 {
		return scopes, nil, nil
	}

	for _, org := range orgs {
		limits, err := e.limits.ListForEntity(ctx, models.EntityTypeOrganization, org.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to list limits for organization %s: %w", org.ID, err)
		}
		if len(limits) > 0 {
			scopes.OrgID = org.ID
			return scopes, org, nil
		}
	}

	// No organization carries a limit; the oldest one still governs the
	// cleanup interval for agent and team scopes.
	return scopes, orgs[0], nil
}

// resetIfStale zeroes the limit's counters when its last cleanup predates the
// staleness threshold. The guarded UPDATE makes concurrent resets idempotent;
// whichever worker loses the race still observes zeroed counters, so the
// local copy is cleared either way. Reset failures fall through to a check
// against the stale counters.
func (e *Enforcer) resetIfStale(ctx context.Context, lim *models.Limit, staleBefore time.Time) {
	if lim.LastCleanup != nil && !lim.LastCleanup.Before(staleBefore) {
		return
	}

	reset, err := e.limits.ResetIfStale(ctx, lim.ID, staleBefore)
	if err != nil {
		slog.Warn("Limit reset failed, checking against current counters",
			"limit_id", lim.ID, "error", err)
		return
	}
	if reset {
		slog.Info("Reset limit usage counters",
			"limit_id", lim.ID, "entity_type", lim.EntityType, "entity_id", lim.EntityID)
	}

	lim.CurrentUsageTokensIn = 0
	lim.CurrentUsageTokensOut = 0
}

// exceeded reports whether the limit's accumulated usage has reached its
// ceiling, returning the usage figure in the limit's own unit: raw tokens for
// model-less limits, dollars for model-scoped ones. A model-scoped limit with
// no price row cannot be valued and is skipped.
func (e *Enforcer) exceeded(ctx context.Context, lim *models.Limit) (bool, float64, error) {
	if lim.Model == nil || *lim.Model == "" {
		usage := float64(lim.CurrentUsageTokensIn + lim.CurrentUsageTokensOut)
		return usage >= lim.LimitValue, usage, nil
	}

	price, err := e.prices.GetByModel(ctx, *lim.Model)
	if errors.Is(err, services.ErrNotFound) {
		slog.Warn("No token price configured for model, skipping limit",
			"model", *lim.Model, "limit_id", lim.ID)
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("failed to resolve token price for %s: %w", *lim.Model, err)
	}

	cost := float64(lim.CurrentUsageTokensIn)*price.PricePerMillionInput/1_000_000 +
		float64(lim.CurrentUsageTokensOut)*price.PricePerMillionOutput/1_000_000
	return cost >= lim.LimitValue, cost, nil
}

func refuseExceeded(lim *models.Limit) *policy.Refusal {
	return &policy.Refusal{
		Type:   policy.RefusalTypeTokenCost,
		Reason: lim.ID,
		Message: fmt.Sprintf(
			"The token cost limit for this %s has been exhausted. Contact your administrator to raise the limit.",
			lim.EntityType),
	}
}
