package pipeline_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"sceneline/internal/agent"
	"sceneline/internal/config"
	"sceneline/internal/db"
	"sceneline/internal/domain"
	"sceneline/internal/engine"
	"sceneline/internal/engine/errs"
	"sceneline/internal/jobs"
	"sceneline/internal/migrate"
	"sceneline/internal/pipeline"
	"sceneline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Exec   *agent.StaticExecutor
	Orch   pipeline.Orchestrator
	Scene  domain.Scene
	Ctx    context.Context
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
	eng := engine.New(conn, config.Default("proj-1"))
	ctx := context.Background()
	if _, err := eng.CreateProject(ctx, "proj-1", "test", "", "tester"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	s, err := eng.CreateScene(ctx, engine.SceneCreateOptions{ProjectID: "proj-1", Title: "Opening", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create scene: %v", err)
	}
	exec := &agent.StaticExecutor{}
	return &testEnv{
		Engine: eng,
		Exec:   exec,
		Orch:   pipeline.New(eng, exec),
		Scene:  s,
		Ctx:    ctx,
	}
}

func (env *testEnv) job(id string) domain.PipelineJob {
	return domain.PipelineJob{ID: id, SceneID: env.Scene.ID, Kind: "pipeline", Attempt: 1}
}

func (env *testEnv) eventCount(t *testing.T, evtType string) int {
	t.Helper()
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE type=?`, evtType)
	var count int
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count events: %v", err)
	}
	return count
}

func TestPipelineFullRun(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Orch.Run(env.Ctx, env.job("job-1")); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(env.Exec.Calls) != len(agent.Roles) {
		t.Fatalf("expected %d role calls, got %v", len(agent.Roles), env.Exec.Calls)
	}
	for i, role := range agent.Roles {
		if env.Exec.Calls[i] != role {
			t.Fatalf("expected role order %v, got %v", agent.Roles, env.Exec.Calls)
		}
	}
	proposals, err := env.Engine.Repo.ListProposals(env.Ctx, repo.ProposalFilters{SceneID: env.Scene.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(proposals) != len(agent.Roles) {
		t.Fatalf("expected one proposal per role, got %d", len(proposals))
	}
	for _, p := range proposals {
		if p.Status != "pending" {
			t.Fatalf("expected pending proposals, got %+v", p)
		}
		if p.JobID == nil || *p.JobID != "job-1" {
			t.Fatalf("expected proposal tied to job, got %+v", p.JobID)
		}
	}
	if env.eventCount(t, "pipeline.started") != 1 || env.eventCount(t, "pipeline.completed") != 1 {
		t.Fatalf("expected start and completion events")
	}
	locked, err := env.Engine.SceneLocked(env.Ctx, env.Scene.ID)
	if err != nil || locked {
		t.Fatalf("expected lock released after run, locked=%v err=%v", locked, err)
	}
}

func TestPipelineBudgetAbort(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetBudgetCap(env.Ctx, "proj-1", 1.50, "tester"); err != nil {
		t.Fatal(err)
	}
	env.Exec.Drafts = map[string]domain.ProposalDraft{}
	for _, role := range agent.Roles {
		env.Exec.Drafts[role] = domain.ProposalDraft{CostUSD: env.Engine.Config.RoleCost(role)}
	}
	err := env.Orch.Run(env.Ctx, env.job("job-1"))
	if !errors.Is(err, errs.ErrBudgetExceeded) {
		t.Fatalf("expected budget exceeded, got %v", err)
	}
	// re-running cannot help, so the failure must not be retried
	if !errs.Terminal(err) {
		t.Fatalf("budget exhaustion must fail the job immediately")
	}
	proposals, err := env.Engine.Repo.ListProposals(env.Ctx, repo.ProposalFilters{SceneID: env.Scene.ID})
	if err != nil {
		t.Fatal(err)
	}
	// writer 0.80 + director 0.60 fit under 1.50; cinematographer does not
	if len(proposals) != 2 {
		t.Fatalf("expected 2 proposals before the cap, got %d", len(proposals))
	}
	if env.eventCount(t, "pipeline.aborted") != 1 {
		t.Fatalf("expected abort event")
	}
	if env.eventCount(t, "pipeline.completed") != 0 {
		t.Fatalf("aborted run must not complete")
	}
	locked, err := env.Engine.SceneLocked(env.Ctx, env.Scene.ID)
	if err != nil || locked {
		t.Fatalf("expected lock released, locked=%v err=%v", locked, err)
	}
}

func TestBudgetAbortFailsJob(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetBudgetCap(env.Ctx, "proj-1", 0.50, "tester"); err != nil {
		t.Fatal(err)
	}
	env.Exec.Drafts = map[string]domain.ProposalDraft{}
	for _, role := range agent.Roles {
		env.Exec.Drafts[role] = domain.ProposalDraft{CostUSD: env.Engine.Config.RoleCost(role)}
	}
	r := jobs.NewRunner(env.Engine, map[string]jobs.Handler{"pipeline": env.Orch.Run})
	job, err := r.Enqueue(env.Ctx, env.Scene.ID, "tester")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !r.RunOnce(env.Ctx) {
		t.Fatalf("expected claim")
	}
	got, err := r.GetJob(env.Ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	// the budget reason must survive to the job-status surface
	if got.State != "failed" || got.Attempt != 1 {
		t.Fatalf("expected failed on first attempt, got %+v", got)
	}
	if got.LastError == nil || !strings.Contains(*got.LastError, "budget exceeded") {
		t.Fatalf("expected budget reason in last_error, got %+v", got.LastError)
	}
	if env.eventCount(t, "pipeline.aborted") != 1 {
		t.Fatalf("expected abort event")
	}
}

func TestPipelineAgentFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Exec.Errs = map[string]error{"director": errors.New("model timeout")}
	err := env.Orch.Run(env.Ctx, env.job("job-1"))
	if err == nil {
		t.Fatalf("expected agent failure to propagate")
	}
	var are *errs.AgentRunError
	if !errors.As(err, &are) || are.Role != "director" {
		t.Fatalf("expected AgentRunError for director, got %v", err)
	}
	if errs.Terminal(err) {
		t.Fatalf("agent failures must be retryable")
	}
	proposals, err2 := env.Engine.Repo.ListProposals(env.Ctx, repo.ProposalFilters{SceneID: env.Scene.ID})
	if err2 != nil {
		t.Fatal(err2)
	}
	if len(proposals) != 1 || proposals[0].Role != "writer" {
		t.Fatalf("expected only writer proposal, got %+v", proposals)
	}
	locked, err2 := env.Engine.SceneLocked(env.Ctx, env.Scene.ID)
	if err2 != nil || locked {
		t.Fatalf("expected lock released after failure, locked=%v err=%v", locked, err2)
	}
}

func TestPipelineRetrySkipsDoneRoles(t *testing.T) {
	env := newTestEnv(t)
	env.Exec.Errs = map[string]error{"cinematographer": errors.New("model timeout")}
	if err := env.Orch.Run(env.Ctx, env.job("job-1")); err == nil {
		t.Fatalf("expected first attempt to fail")
	}
	env.Exec.Errs = nil
	env.Exec.Calls = nil
	if err := env.Orch.Run(env.Ctx, env.job("job-1")); err != nil {
		t.Fatalf("retry: %v", err)
	}
	// writer and director were billed on attempt one; the retry resumes
	if len(env.Exec.Calls) == 0 || env.Exec.Calls[0] != "cinematographer" {
		t.Fatalf("expected retry to resume at cinematographer, got %v", env.Exec.Calls)
	}
	proposals, err := env.Engine.Repo.ListProposals(env.Ctx, repo.ProposalFilters{SceneID: env.Scene.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(proposals) != len(agent.Roles) {
		t.Fatalf("expected exactly one proposal per role after retry, got %d", len(proposals))
	}
}

func TestPipelineRejectsNonDraftScene(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetSceneStatus(env.Ctx, env.Scene.ID, "review", "tester"); err != nil {
		t.Fatal(err)
	}
	err := env.Orch.Run(env.Ctx, env.job("job-1"))
	if !errors.Is(err, errs.ErrSceneNotEditable) {
		t.Fatalf("expected not editable, got %v", err)
	}
	if !errs.Terminal(err) {
		t.Fatalf("non-draft scene is a deterministic failure")
	}
	if len(env.Exec.Calls) != 0 {
		t.Fatalf("no role should run on a non-draft scene")
	}
}

func TestPipelineLockContention(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AcquireSceneLock(env.Ctx, env.Scene.ID, "alice", time.Minute); err != nil {
		t.Fatal(err)
	}
	err := env.Orch.Run(env.Ctx, env.job("job-1"))
	if !errors.Is(err, errs.ErrSceneLocked) {
		t.Fatalf("expected lock contention, got %v", err)
	}
	// locks expire, so contention stays retryable
	if errs.Terminal(err) {
		t.Fatalf("lock contention must be retryable")
	}
	// the holder's lock is untouched
	locked, err2 := env.Engine.SceneLocked(env.Ctx, env.Scene.ID)
	if err2 != nil || !locked {
		t.Fatalf("expected alice's lock to survive, locked=%v err=%v", locked, err2)
	}
}
