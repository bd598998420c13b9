package jobs

import (
	"context"
	"fmt"

	"sceneline/internal/domain"
	"sceneline/internal/engine"
	"sceneline/internal/engine/errs"
	"sceneline/internal/events"
)

// RenderHandler finalizes an approved scene. The render itself happens
// outside this system; the job records that the scene was handed off and
// when, so the ledger shows the full path from draft to delivered.
func RenderHandler(eng engine.Engine) Handler {
	return func(ctx context.Context, job domain.PipelineJob) error {
		tx, err := eng.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		s, err := eng.Repo.GetSceneTx(ctx, tx, job.SceneID)
		if err != nil {
			return err
		}
		if s.Status != "approved" {
			return fmt.Errorf("scene %s has status %s: %w", s.ID, s.Status, errs.ErrSceneNotApproved)
		}
		if err := eng.Events.Append(ctx, tx, "render.completed", s.ProjectID, "scene", s.ID, "render:"+job.ID, events.EventPayload{
			"job_id":  job.ID,
			"version": s.Version,
		}); err != nil {
			return err
		}
		return tx.Commit()
	}
}
