package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"sceneline/internal/domain"
	"sceneline/internal/engine"
	"sceneline/internal/engine/errs"
	"sceneline/internal/events"
	"sceneline/internal/repo"
)

const maxAttempts = 3

// backoff delays per failed attempt: first retry after 30s, then 60s, 120s.
var backoff = []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}

// Handler executes one claimed job attempt.
type Handler func(ctx context.Context, job domain.PipelineJob) error

// Runner drains the pipeline_jobs queue. Workers poll for due scheduled
// jobs, claim them one at a time, and dispatch by kind. Failed attempts are
// rescheduled with backoff unless the error is a deterministic business-rule
// failure or the attempt budget is spent.
type Runner struct {
	Engine   engine.Engine
	Handlers map[string]Handler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(eng engine.Engine, handlers map[string]Handler) *Runner {
	return &Runner{Engine: eng, Handlers: handlers}
}

// Enqueue schedules a pipeline job for a scene, due immediately. The scene
// must exist and be in draft; a job on a reviewed or approved scene would
// only fail at claim time, so it is rejected up front.
func (r *Runner) Enqueue(ctx context.Context, sceneID, actorID string) (domain.PipelineJob, error) {
	eng := r.Engine
	tx, err := eng.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PipelineJob{}, err
	}
	defer tx.Rollback()
	s, err := eng.Repo.GetSceneTx(ctx, tx, sceneID)
	if err != nil {
		return domain.PipelineJob{}, err
	}
	if s.Status != "draft" {
		return domain.PipelineJob{}, fmt.Errorf("scene %s has status %s: %w", s.ID, s.Status, errs.ErrSceneNotEditable)
	}
	now := timeStr(eng)
	job := domain.PipelineJob{
		ID:        uuid.New().String(),
		SceneID:   sceneID,
		Kind:      "pipeline",
		State:     "scheduled",
		NextRunAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := eng.Repo.InsertJob(ctx, tx, job); err != nil {
		return job, fmt.Errorf("enqueue pipeline job: %w", err)
	}
	if err := eng.Events.Append(ctx, tx, "pipeline.enqueued", s.ProjectID, "job", job.ID, actorID, events.EventPayload{
		"scene_id": sceneID,
	}); err != nil {
		return job, err
	}
	if err := tx.Commit(); err != nil {
		return job, err
	}
	return job, nil
}

// EnqueueRender schedules a render job for an approved scene, due
// immediately. Approval already enqueues one; this re-enqueues after a
// failed or stale render.
func (r *Runner) EnqueueRender(ctx context.Context, sceneID, actorID string) (domain.PipelineJob, error) {
	eng := r.Engine
	tx, err := eng.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PipelineJob{}, err
	}
	defer tx.Rollback()
	s, err := eng.Repo.GetSceneTx(ctx, tx, sceneID)
	if err != nil {
		return domain.PipelineJob{}, err
	}
	if s.Status != "approved" {
		return domain.PipelineJob{}, fmt.Errorf("scene %s has status %s: %w", s.ID, s.Status, errs.ErrSceneNotApproved)
	}
	now := timeStr(eng)
	job := domain.PipelineJob{
		ID:        uuid.New().String(),
		SceneID:   sceneID,
		Kind:      "render",
		State:     "scheduled",
		NextRunAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := eng.Repo.InsertJob(ctx, tx, job); err != nil {
		return job, fmt.Errorf("enqueue render job: %w", err)
	}
	if err := eng.Events.Append(ctx, tx, "render.enqueued", s.ProjectID, "job", job.ID, actorID, events.EventPayload{
		"scene_id": sceneID,
	}); err != nil {
		return job, err
	}
	if err := tx.Commit(); err != nil {
		return job, err
	}
	return job, nil
}

// GetJob returns the job's current state for status polling.
func (r *Runner) GetJob(ctx context.Context, id string) (domain.PipelineJob, error) {
	return r.Engine.Repo.GetJob(ctx, id)
}

// Start launches the worker pool. Stop cancels it and waits for in-flight
// attempts to finish.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	for i := 0; i < r.Engine.Config.WorkerCount(); i++ {
		r.wg.Add(1)
		go r.work(ctx)
	}
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Runner) work(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.Engine.Config.PollInterval())
	defer ticker.Stop()
	for {
		// drain everything due before sleeping again
		for r.RunOnce(ctx) {
			if ctx.Err() != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims and executes at most one due job. It reports whether a job
// was claimed, so pollers know to immediately look for the next one.
func (r *Runner) RunOnce(ctx context.Context) bool {
	eng := r.Engine
	now := timeStr(eng)
	job, err := eng.Repo.ClaimDueJob(ctx, now, now)
	if errors.Is(err, repo.ErrNotFound) {
		return false
	}
	if err != nil {
		log.Printf("jobs: claim failed: %v", err)
		return false
	}

	handler, ok := r.Handlers[job.Kind]
	if !ok {
		log.Printf("jobs: no handler for kind %s, failing job %s", job.Kind, job.ID)
		_ = eng.Repo.MarkJobFailed(ctx, job.ID, "no handler for kind "+job.Kind, timeStr(eng))
		return true
	}

	runErr := handler(ctx, job)
	if runErr == nil {
		if err := eng.Repo.MarkJobSucceeded(ctx, job.ID, timeStr(eng)); err != nil {
			log.Printf("jobs: mark succeeded failed: %v", err)
		}
		return true
	}

	if errs.Terminal(runErr) || job.Attempt >= maxAttempts {
		if err := eng.Repo.MarkJobFailed(ctx, job.ID, runErr.Error(), timeStr(eng)); err != nil {
			log.Printf("jobs: mark failed failed: %v", err)
		}
		return true
	}

	delay := backoff[len(backoff)-1]
	if job.Attempt-1 < len(backoff) {
		delay = backoff[job.Attempt-1]
	}
	next := clock(eng)().UTC().Add(delay).Format(time.RFC3339)
	if err := eng.Repo.RescheduleJob(ctx, job.ID, next, runErr.Error(), timeStr(eng)); err != nil {
		log.Printf("jobs: reschedule failed: %v", err)
	}
	return true
}

func clock(eng engine.Engine) func() time.Time {
	if eng.Now != nil {
		return eng.Now
	}
	return time.Now
}

func timeStr(eng engine.Engine) string {
	return clock(eng)().UTC().Format(time.RFC3339)
}
