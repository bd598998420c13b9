package jobs_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"sceneline/internal/config"
	"sceneline/internal/db"
	"sceneline/internal/domain"
	"sceneline/internal/engine"
	"sceneline/internal/engine/errs"
	"sceneline/internal/jobs"
	"sceneline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Scene  domain.Scene
	Ctx    context.Context
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{Ctx: context.Background(), now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	env.Engine = engine.New(conn, config.Default("proj-1"))
	env.Engine.Now = func() time.Time { return env.now }
	if _, err := env.Engine.CreateProject(env.Ctx, "proj-1", "test", "", "tester"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	env.Scene, err = env.Engine.CreateScene(env.Ctx, engine.SceneCreateOptions{ProjectID: "proj-1", Title: "Opening", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create scene: %v", err)
	}
	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func (env *testEnv) runner(handler jobs.Handler) *jobs.Runner {
	return jobs.NewRunner(env.Engine, map[string]jobs.Handler{"pipeline": handler})
}

func TestEnqueueRejectsNonDraftScene(t *testing.T) {
	env := newTestEnv(t)
	r := env.runner(func(ctx context.Context, job domain.PipelineJob) error { return nil })
	if _, err := env.Engine.SetSceneStatus(env.Ctx, env.Scene.ID, "review", "tester"); err != nil {
		t.Fatal(err)
	}
	_, err := r.Enqueue(env.Ctx, env.Scene.ID, "tester")
	if !errors.Is(err, errs.ErrSceneNotEditable) {
		t.Fatalf("expected rejection on review scene, got %v", err)
	}
}

func TestRunOnceSuccess(t *testing.T) {
	env := newTestEnv(t)
	calls := 0
	r := env.runner(func(ctx context.Context, job domain.PipelineJob) error {
		calls++
		if job.Attempt != 1 {
			t.Fatalf("expected first attempt, got %d", job.Attempt)
		}
		return nil
	})
	job, err := r.Enqueue(env.Ctx, env.Scene.ID, "tester")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !r.RunOnce(env.Ctx) {
		t.Fatalf("expected a job to be claimed")
	}
	if calls != 1 {
		t.Fatalf("expected one handler call, got %d", calls)
	}
	got, err := r.GetJob(env.Ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != "succeeded" {
		t.Fatalf("expected succeeded, got %s", got.State)
	}
	// queue is drained
	if r.RunOnce(env.Ctx) {
		t.Fatalf("expected empty queue")
	}
}

func TestRetryableErrorReschedulesWithBackoff(t *testing.T) {
	env := newTestEnv(t)
	r := env.runner(func(ctx context.Context, job domain.PipelineJob) error {
		return &errs.AgentRunError{SceneID: job.SceneID, Role: "writer", Err: errors.New("model timeout")}
	})
	job, err := r.Enqueue(env.Ctx, env.Scene.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if !r.RunOnce(env.Ctx) {
		t.Fatalf("expected claim")
	}
	got, err := r.GetJob(env.Ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != "scheduled" || got.Attempt != 1 {
		t.Fatalf("expected rescheduled after attempt 1, got %+v", got)
	}
	if got.LastError == nil || !strings.Contains(*got.LastError, "model timeout") {
		t.Fatalf("expected error text preserved, got %+v", got.LastError)
	}
	wantNext := env.now.Add(30 * time.Second).UTC().Format(time.RFC3339)
	if got.NextRunAt != wantNext {
		t.Fatalf("expected 30s backoff (%s), got %s", wantNext, got.NextRunAt)
	}
	// not due yet
	if r.RunOnce(env.Ctx) {
		t.Fatalf("job must not be claimable before its backoff elapses")
	}
	env.advance(31 * time.Second)
	if !r.RunOnce(env.Ctx) {
		t.Fatalf("expected claim after backoff")
	}
}

func TestTerminalErrorFailsImmediately(t *testing.T) {
	env := newTestEnv(t)
	r := env.runner(func(ctx context.Context, job domain.PipelineJob) error {
		return errs.ErrInvalidStatusTransition
	})
	job, err := r.Enqueue(env.Ctx, env.Scene.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if !r.RunOnce(env.Ctx) {
		t.Fatalf("expected claim")
	}
	got, err := r.GetJob(env.Ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != "failed" || got.Attempt != 1 {
		t.Fatalf("expected failed on first attempt, got %+v", got)
	}
}

func TestAttemptsExhausted(t *testing.T) {
	env := newTestEnv(t)
	r := env.runner(func(ctx context.Context, job domain.PipelineJob) error {
		return &errs.AgentRunError{SceneID: job.SceneID, Role: "writer", Err: errors.New("still down")}
	})
	job, err := r.Enqueue(env.Ctx, env.Scene.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if !r.RunOnce(env.Ctx) {
			t.Fatalf("expected claim on attempt %d", i+1)
		}
		env.advance(3 * time.Minute)
	}
	got, err := r.GetJob(env.Ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != "failed" || got.Attempt != 3 {
		t.Fatalf("expected failure after 3 attempts, got %+v", got)
	}
	if r.RunOnce(env.Ctx) {
		t.Fatalf("failed job must not be claimed again")
	}
}

func TestUnknownKindFails(t *testing.T) {
	env := newTestEnv(t)
	// runner with no handler for the enqueued kind
	r := jobs.NewRunner(env.Engine, map[string]jobs.Handler{})
	job, err := r.Enqueue(env.Ctx, env.Scene.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if !r.RunOnce(env.Ctx) {
		t.Fatalf("expected claim")
	}
	got, err := r.GetJob(env.Ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != "failed" {
		t.Fatalf("expected failure without a handler, got %+v", got)
	}
}

func TestRenderJobCompletesApprovedScene(t *testing.T) {
	env := newTestEnv(t)
	r := jobs.NewRunner(env.Engine, map[string]jobs.Handler{"render": jobs.RenderHandler(env.Engine)})
	if _, err := env.Engine.SetSceneStatus(env.Ctx, env.Scene.ID, "review", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetSceneStatus(env.Ctx, env.Scene.ID, "approved", "tester"); err != nil {
		t.Fatal(err)
	}
	if !r.RunOnce(env.Ctx) {
		t.Fatalf("expected the render job enqueued by approval")
	}
	jobsForScene, err := env.Engine.Repo.ListJobs(env.Ctx, env.Scene.ID)
	if err != nil {
		t.Fatal(err)
	}
	var render domain.PipelineJob
	for _, j := range jobsForScene {
		if j.Kind == "render" {
			render = j
		}
	}
	if render.State != "succeeded" {
		t.Fatalf("expected render success, got %+v", render)
	}
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE type='render.completed' AND entity_id=?`, env.Scene.ID)
	var count int
	if err := row.Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected one render.completed event, got %d", count)
	}
}

func TestEnqueueRenderRequiresApproval(t *testing.T) {
	env := newTestEnv(t)
	r := jobs.NewRunner(env.Engine, map[string]jobs.Handler{"render": jobs.RenderHandler(env.Engine)})
	_, err := r.EnqueueRender(env.Ctx, env.Scene.ID, "tester")
	if !errors.Is(err, errs.ErrSceneNotApproved) {
		t.Fatalf("expected rejection on draft scene, got %v", err)
	}
	if _, err := env.Engine.SetSceneStatus(env.Ctx, env.Scene.ID, "review", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetSceneStatus(env.Ctx, env.Scene.ID, "approved", "tester"); err != nil {
		t.Fatal(err)
	}
	job, err := r.EnqueueRender(env.Ctx, env.Scene.ID, "tester")
	if err != nil {
		t.Fatalf("enqueue render: %v", err)
	}
	if job.Kind != "render" || job.State != "scheduled" {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestRenderHandlerRequiresApproval(t *testing.T) {
	env := newTestEnv(t)
	handler := jobs.RenderHandler(env.Engine)
	err := handler(env.Ctx, domain.PipelineJob{ID: "job-1", SceneID: env.Scene.ID, Kind: "render", Attempt: 1})
	if !errors.Is(err, errs.ErrSceneNotApproved) {
		t.Fatalf("expected not approved, got %v", err)
	}
	if !errs.Terminal(err) {
		t.Fatalf("unapproved scene is a deterministic failure")
	}
}
