package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sceneline/internal/agent"
	"sceneline/internal/domain"
	"sceneline/internal/engine"
	"sceneline/internal/engine/errs"
	"sceneline/internal/events"
	"sceneline/internal/repo"
)

// Orchestrator runs the role pipeline for one scene under the scene lock.
// It is driven by the job runner: Run is one job attempt, and everything it
// does is keyed by the job ID so a retried attempt picks up where the
// previous one stopped.
type Orchestrator struct {
	Engine engine.Engine
	Exec   agent.Executor
}

func New(eng engine.Engine, exec agent.Executor) Orchestrator {
	return Orchestrator{Engine: eng, Exec: exec}
}

// Run executes the pipeline roles in order against the scene of a pipeline
// job. The scene lock is held for the whole run and always released, even on
// failure. Budget exhaustion aborts the run: roles already proposed stay,
// the abort is recorded in the ledger, and the error propagates so the job
// fails with the budget reason. Re-running cannot help, so the failure is
// immediate rather than retried.
func (o Orchestrator) Run(ctx context.Context, job domain.PipelineJob) error {
	eng := o.Engine
	holder := "pipeline:" + job.ID

	s, err := eng.AcquireSceneLock(ctx, job.SceneID, holder, 0)
	if err != nil {
		return err
	}
	defer func() {
		// release must not depend on the run's context still being live
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.ReleaseSceneLock(rctx, job.SceneID, holder)
	}()

	if s.Status != "draft" {
		o.appendEvent(ctx, "pipeline.aborted", s, holder, events.EventPayload{
			"job_id": job.ID,
			"reason": "scene_not_editable",
		})
		return fmt.Errorf("scene %s has status %s: %w", s.ID, s.Status, errs.ErrSceneNotEditable)
	}

	o.appendEvent(ctx, "pipeline.started", s, holder, events.EventPayload{
		"job_id":  job.ID,
		"attempt": job.Attempt,
		"roles":   agent.Roles,
	})

	for _, role := range agent.Roles {
		if err := ctx.Err(); err != nil {
			return err
		}

		// a prior attempt of this job may already have produced this role
		if _, err := eng.Repo.GetProposalByJobRole(ctx, job.ID, role); err == nil {
			continue
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}

		estimate := eng.Config.RoleCost(role)
		if err := eng.AuthorizeSpend(ctx, s.ProjectID, estimate); err != nil {
			if errors.Is(err, errs.ErrBudgetExceeded) {
				o.appendEvent(ctx, "pipeline.aborted", s, holder, events.EventPayload{
					"job_id": job.ID,
					"reason": "budget_exceeded",
					"role":   role,
					"detail": err.Error(),
				})
				return fmt.Errorf("pipeline stopped at %s: %w", role, err)
			}
			return err
		}

		// refresh the snapshot so each role sees the scene as it stands
		s, err = eng.Repo.GetScene(ctx, s.ID)
		if err != nil {
			return err
		}

		draft, err := o.Exec.Execute(ctx, s, role)
		if err != nil {
			o.appendEvent(ctx, "pipeline.aborted", s, holder, events.EventPayload{
				"job_id": job.ID,
				"reason": "agent_failed",
				"role":   role,
				"detail": err.Error(),
			})
			return err
		}
		draft.Role = role
		if _, err := eng.CreateProposal(ctx, s.ID, job.ID, draft); err != nil {
			return err
		}
	}

	o.appendEvent(ctx, "pipeline.completed", s, holder, events.EventPayload{
		"job_id": job.ID,
	})
	return nil
}

// appendEvent writes a pipeline lifecycle event in its own transaction.
// Unlike engine mutations there is no state change to keep atomic with it,
// and a failed append must not kill the run.
func (o Orchestrator) appendEvent(ctx context.Context, evtType string, s domain.Scene, actorID string, payload events.EventPayload) {
	tx, err := o.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := o.Engine.Events.Append(ctx, tx, evtType, s.ProjectID, "scene", s.ID, actorID, payload); err != nil {
		return
	}
	_ = tx.Commit()
}
