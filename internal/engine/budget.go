package engine

import (
	"context"
	"fmt"

	"sceneline/internal/domain"
	"sceneline/internal/engine/errs"
	"sceneline/internal/events"
)

// BudgetStatus reports a project's cap against its spend to date. Spend is
// folded live from proposal history, never stored, so it cannot drift from
// the ledger.
type BudgetStatus struct {
	ProjectID       string  `json:"project_id"`
	BudgetCapUSD    float64 `json:"budget_cap_usd"`
	CurrentSpendUSD float64 `json:"current_spend_usd"`
	Unlimited       bool    `json:"unlimited"`
}

func (e Engine) BudgetStatus(ctx context.Context, projectID string) (BudgetStatus, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return BudgetStatus{}, err
	}
	spend, err := e.Repo.ProjectSpend(ctx, projectID)
	if err != nil {
		return BudgetStatus{}, err
	}
	return BudgetStatus{
		ProjectID:       p.ID,
		BudgetCapUSD:    p.BudgetCapUSD,
		CurrentSpendUSD: spend,
		Unlimited:       p.BudgetCapUSD <= 0,
	}, nil
}

// AuthorizeSpend checks an estimated increment against the project cap
// before the spend happens. A cap of zero means unlimited.
//
// Two scenes' pipelines running at once can both authorize against the same
// snapshot and overshoot the cap together; enforcement is best-effort under
// cross-scene concurrency, serialized only within a scene by its lock.
func (e Engine) AuthorizeSpend(ctx context.Context, projectID string, estimatedUSD float64) error {
	status, err := e.BudgetStatus(ctx, projectID)
	if err != nil {
		return err
	}
	if status.Unlimited {
		return nil
	}
	const eps = 1e-9
	if status.CurrentSpendUSD+estimatedUSD > status.BudgetCapUSD+eps {
		return fmt.Errorf("spend %.2f + estimate %.2f exceeds cap %.2f: %w",
			status.CurrentSpendUSD, estimatedUSD, status.BudgetCapUSD, errs.ErrBudgetExceeded)
	}
	return nil
}

// SetBudgetCap updates the project's cap. Zero disables enforcement;
// negative values are rejected.
func (e Engine) SetBudgetCap(ctx context.Context, projectID string, capUSD float64, actorID string) (domain.Project, error) {
	if capUSD < 0 {
		return domain.Project{}, fmt.Errorf("cap %.2f: %w", capUSD, errs.ErrNegativeBudgetCap)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return p, err
	}
	if err := e.Repo.SetBudgetCap(ctx, tx, projectID, capUSD); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, "project.budget.updated", projectID, "project", projectID, actorID, events.EventPayload{
		"old_cap_usd": p.BudgetCapUSD,
		"new_cap_usd": capUSD,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	p.BudgetCapUSD = capUSD
	return p, nil
}
