package tally

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

// ──────────────────────────────────────────────────
// Plan Management
// ──────────────────────────────────────────────────

// CreatePlan validates and stores a new plan. A plan without a status is
// created active.
func (e *Engine) CreatePlan(ctx context.Context, p *plan.Plan) error {
	if p.ID.IsNil() {
		p.ID = id.NewPlanID()
	}
	if p.Status == "" {
		p.Status = plan.StatusActive
	}
	if err := validatePlan(p); err != nil {
		return err
	}
	p.Entity = types.NewEntityAt(e.now())

	if err := e.store.CreatePlan(ctx, p); err != nil {
		return err
	}

	e.plugins.EmitPlanCreated(ctx, p)
	return nil
}

// GetPlan retrieves a plan by ID.
func (e *Engine) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	return e.store.GetPlan(ctx, planID)
}

// GetPlanBySlug retrieves a plan by slug.
func (e *Engine) GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error) {
	return e.store.GetPlanBySlug(ctx, slug)
}

// ListPlans lists the catalog.
func (e *Engine) ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	return e.store.ListPlans(ctx, opts)
}

// UpdatePlan replaces a plan. Prices are locked while any non-terminal
// subscription references the plan; other catalog edits are allowed.
func (e *Engine) UpdatePlan(ctx context.Context, p *plan.Plan) error {
	if err := validatePlan(p); err != nil {
		return err
	}
	old, err := e.store.GetPlan(ctx, p.ID)
	if err != nil {
		return err
	}

	if !old.SamePricing(p) {
		inUse, err := e.planInUse(ctx, p.ID)
		if err != nil {
			return err
		}
		if inUse {
			return fmt.Errorf("%w: %s", ErrPlanInUse, p.Slug)
		}
	}

	p.Entity = old.Entity
	p.Touch(e.now())
	if err := e.store.UpdatePlan(ctx, p); err != nil {
		return err
	}

	e.plugins.EmitPlanUpdated(ctx, old, p)
	return nil
}

// ArchivePlan hides a plan from new checkouts. Existing subscriptions keep
// it.
func (e *Engine) ArchivePlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	p, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if p.Status == plan.StatusArchived {
		return p, nil
	}
	p.Status = plan.StatusArchived
	if err := e.UpdatePlan(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (e *Engine) planInUse(ctx context.Context, planID id.PlanID) (bool, error) {
	for _, st := range subscription.NonTerminal {
		subs, err := e.store.ListSubscriptions(ctx, subscription.ListOpts{Status: st})
		if err != nil {
			return false, fmt.Errorf("tally: list %s subscriptions: %w", st, err)
		}
		if slices.ContainsFunc(subs, func(s *subscription.Subscription) bool {
			return s.PlanID.String() == planID.String()
		}) {
			return true, nil
		}
	}
	return false, nil
}

func validatePlan(p *plan.Plan) error {
	var errs MultiError
	if strings.TrimSpace(p.Name) == "" {
		errs.Add(ValidationError{Field: "name", Message: "is required"})
	}
	if strings.TrimSpace(p.Slug) == "" {
		errs.Add(ValidationError{Field: "slug", Message: "is required"})
	}
	currency := strings.ToLower(p.Currency)
	if currency == "" {
		errs.Add(ValidationError{Field: "currency", Message: "is required"})
	}
	prices := []struct {
		field string
		price types.Money
	}{{"monthly_price", p.MonthlyPrice}, {"yearly_price", p.YearlyPrice}}
	for _, fp := range prices {
		field, price := fp.field, fp.price
		if price.IsNegative() {
			errs.Add(ValidationError{Field: field, Message: "must not be negative"})
		}
		if currency != "" && price.Currency != "" && price.Currency != currency {
			errs.Add(ValidationError{Field: field, Message: fmt.Sprintf("currency %s does not match plan currency %s", price.Currency, currency)})
		}
	}
	switch p.Status {
	case plan.StatusActive, plan.StatusArchived, plan.StatusDraft:
	default:
		errs.Add(ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", p.Status)})
	}
	for _, f := range p.Features {
		if f.Key == "" {
			errs.Add(ValidationError{Field: "features", Message: "feature key is required"})
		}
		if f.Type == plan.FeatureMetered && f.Limit < plan.Unlimited {
			errs.Add(ValidationError{Field: "features." + f.Key, Message: "limit must be -1 or more"})
		}
		if f.OverageRate.IsNegative() {
			errs.Add(ValidationError{Field: "features." + f.Key, Message: "overage rate must not be negative"})
		}
	}
	return errs.Err()
}
