package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"sceneline/internal/config"
	"sceneline/internal/db"
	"sceneline/internal/domain"
	"sceneline/internal/engine"
	"sceneline/internal/engine/errs"
	"sceneline/internal/migrate"
	"sceneline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
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
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.CreateProject(ctx, "proj-1", "test", "", "tester"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func newScene(t *testing.T, env testEnv) domain.Scene {
	t.Helper()
	s, err := env.Engine.CreateScene(env.Ctx, engine.SceneCreateOptions{
		ProjectID: "proj-1",
		Title:     "Opening",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create scene: %v", err)
	}
	return s
}

func strPtr(v string) *string { return &v }

func TestUpdateProjectAppendsEvent(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.UpdateProject(env.Ctx, "proj-1", "renamed", "", strPtr("pilot season"), "tester")
	if err != nil {
		t.Fatalf("update project: %v", err)
	}
	if p.Name != "renamed" || p.Description != "pilot season" {
		t.Fatalf("expected fields applied, got %+v", p)
	}
	countEvents := func() int {
		row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE type='project.updated' AND entity_id='proj-1'`)
		var count int
		if err := row.Scan(&count); err != nil {
			t.Fatalf("count events: %v", err)
		}
		return count
	}
	if countEvents() != 1 {
		t.Fatalf("expected one project.updated event, got %d", countEvents())
	}
	// an edit with no fields mutates nothing and emits nothing
	if _, err := env.Engine.UpdateProject(env.Ctx, "proj-1", "", "", nil, "tester"); err != nil {
		t.Fatalf("empty update: %v", err)
	}
	if countEvents() != 1 {
		t.Fatalf("empty update must not emit, got %d events", countEvents())
	}
	if _, err := env.Engine.UpdateProject(env.Ctx, "missing", "x", "", nil, "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSceneStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	s := newScene(t, env)
	// draft cannot jump straight to approved
	_, err := env.Engine.SetSceneStatus(env.Ctx, s.ID, "approved", "tester")
	if !errors.Is(err, errs.ErrInvalidStatusTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	s, err = env.Engine.SetSceneStatus(env.Ctx, s.ID, "review", "tester")
	if err != nil || s.Status != "review" {
		t.Fatalf("to review: %v", err)
	}
	// review can fall back to draft
	s, err = env.Engine.SetSceneStatus(env.Ctx, s.ID, "draft", "tester")
	if err != nil || s.Status != "draft" {
		t.Fatalf("back to draft: %v", err)
	}
	_, _ = env.Engine.SetSceneStatus(env.Ctx, s.ID, "review", "tester")
	s, err = env.Engine.SetSceneStatus(env.Ctx, s.ID, "approved", "tester")
	if err != nil || s.Status != "approved" {
		t.Fatalf("to approved: %v", err)
	}
	// approved is terminal
	_, err = env.Engine.SetSceneStatus(env.Ctx, s.ID, "draft", "tester")
	if !errors.Is(err, errs.ErrInvalidStatusTransition) {
		t.Fatalf("expected approved to be terminal, got %v", err)
	}
}

func TestApprovalEnqueuesRenderJob(t *testing.T) {
	env := newTestEnv(t)
	s := newScene(t, env)
	_, _ = env.Engine.SetSceneStatus(env.Ctx, s.ID, "review", "tester")
	if _, err := env.Engine.SetSceneStatus(env.Ctx, s.ID, "approved", "tester"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	jobs, err := env.Engine.Repo.ListJobs(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	found := false
	for _, j := range jobs {
		if j.Kind == "render" && j.State == "scheduled" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected scheduled render job, got %+v", jobs)
	}
}

func TestSceneLockMutualExclusion(t *testing.T) {
	env := newTestEnv(t)
	s := newScene(t, env)
	if _, err := env.Engine.AcquireSceneLock(env.Ctx, s.ID, "alice", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err := env.Engine.AcquireSceneLock(env.Ctx, s.ID, "bob", time.Minute)
	if !errors.Is(err, errs.ErrSceneLocked) {
		t.Fatalf("expected lock contention, got %v", err)
	}
	// a live lock owned by someone else refuses release
	err = env.Engine.ReleaseSceneLock(env.Ctx, s.ID, "bob")
	if !errors.Is(err, errs.ErrNotLockHolder) {
		t.Fatalf("expected not-holder error, got %v", err)
	}
	if err := env.Engine.ReleaseSceneLock(env.Ctx, s.ID, "alice"); err != nil {
		t.Fatalf("release: %v", err)
	}
	// releasing an absent lock is a no-op
	if err := env.Engine.ReleaseSceneLock(env.Ctx, s.ID, "alice"); err != nil {
		t.Fatalf("idempotent release: %v", err)
	}
}

func TestSceneLockExpiryReclaim(t *testing.T) {
	env := newTestEnv(t)
	s := newScene(t, env)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return t0 }
	if _, err := env.Engine.AcquireSceneLock(env.Ctx, s.ID, "alice", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	env.Engine.Now = func() time.Time { return t0.Add(2 * time.Minute) }
	got, err := env.Engine.AcquireSceneLock(env.Ctx, s.ID, "bob", time.Minute)
	if err != nil {
		t.Fatalf("expected reclaim after expiry: %v", err)
	}
	if got.LockedBy == nil || *got.LockedBy != "bob" {
		t.Fatalf("expected bob to hold the lock, got %+v", got.LockedBy)
	}
}

func TestManualEditBumpsVersionOnce(t *testing.T) {
	env := newTestEnv(t)
	s := newScene(t, env)
	got, err := env.Engine.UpdateScene(env.Ctx, engine.SceneUpdateOptions{
		ID:       s.ID,
		Title:    strPtr("Opening v2"),
		Script:   strPtr("INT. KITCHEN - DAY"),
		Location: strPtr("kitchen"),
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Version != s.Version+1 {
		t.Fatalf("expected one version bump, got %d -> %d", s.Version, got.Version)
	}
	// no-op edit leaves the version alone
	same, err := env.Engine.UpdateScene(env.Ctx, engine.SceneUpdateOptions{
		ID:      s.ID,
		Title:   strPtr("Opening v2"),
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("noop update: %v", err)
	}
	if same.Version != got.Version {
		t.Fatalf("expected unchanged version, got %d", same.Version)
	}
}

func TestEditGates(t *testing.T) {
	env := newTestEnv(t)
	s := newScene(t, env)
	_, _ = env.Engine.SetSceneStatus(env.Ctx, s.ID, "review", "tester")
	_, err := env.Engine.UpdateScene(env.Ctx, engine.SceneUpdateOptions{ID: s.ID, Title: strPtr("x"), ActorID: "tester"})
	if !errors.Is(err, errs.ErrSceneNotEditable) {
		t.Fatalf("expected review scene to reject edit, got %v", err)
	}
	_, _ = env.Engine.SetSceneStatus(env.Ctx, s.ID, "draft", "tester")
	if _, err := env.Engine.AcquireSceneLock(env.Ctx, s.ID, "pipeline:job-1", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err = env.Engine.UpdateScene(env.Ctx, engine.SceneUpdateOptions{ID: s.ID, Title: strPtr("x"), ActorID: "tester"})
	if !errors.Is(err, errs.ErrSceneLocked) {
		t.Fatalf("expected locked scene to reject edit, got %v", err)
	}
}

func TestBudgetAuthorization(t *testing.T) {
	env := newTestEnv(t)
	s := newScene(t, env)
	if _, err := env.Engine.SetBudgetCap(env.Ctx, "proj-1", 1.0, "tester"); err != nil {
		t.Fatalf("set cap: %v", err)
	}
	if err := env.Engine.AuthorizeSpend(env.Ctx, "proj-1", 0.80); err != nil {
		t.Fatalf("expected spend within cap: %v", err)
	}
	if _, err := env.Engine.CreateProposal(env.Ctx, s.ID, "", domain.ProposalDraft{
		Role: "writer", Summary: "draft", CostUSD: 0.80,
	}); err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	err := env.Engine.AuthorizeSpend(env.Ctx, "proj-1", 0.50)
	if !errors.Is(err, errs.ErrBudgetExceeded) {
		t.Fatalf("expected budget exceeded, got %v", err)
	}
	// cap zero means unlimited
	if _, err := env.Engine.SetBudgetCap(env.Ctx, "proj-1", 0, "tester"); err != nil {
		t.Fatalf("unset cap: %v", err)
	}
	if err := env.Engine.AuthorizeSpend(env.Ctx, "proj-1", 1000); err != nil {
		t.Fatalf("expected unlimited to pass: %v", err)
	}
	_, err = env.Engine.SetBudgetCap(env.Ctx, "proj-1", -1, "tester")
	if !errors.Is(err, errs.ErrNegativeBudgetCap) {
		t.Fatalf("expected negative cap rejection, got %v", err)
	}
}

func TestBudgetSpendFoldsAllProposals(t *testing.T) {
	env := newTestEnv(t)
	s := newScene(t, env)
	p, err := env.Engine.CreateProposal(env.Ctx, s.ID, "", domain.ProposalDraft{Role: "writer", CostUSD: 0.30})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DismissProposal(env.Ctx, p.ID, "tester"); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	status, err := env.Engine.BudgetStatus(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("budget status: %v", err)
	}
	// dismissed proposals still cost money
	if status.CurrentSpendUSD != 0.30 {
		t.Fatalf("expected spend 0.30, got %.2f", status.CurrentSpendUSD)
	}
}

func TestApplyProposal(t *testing.T) {
	env := newTestEnv(t)
	s := newScene(t, env)
	p, err := env.Engine.CreateProposal(env.Ctx, s.ID, "", domain.ProposalDraft{
		Role:    "writer",
		Summary: "tighten the opening",
		Diff: domain.SceneDiff{
			Title:  strPtr("Cold Open"),
			Script: strPtr("INT. STAIRWELL - NIGHT"),
		},
		CostUSD: 0.80,
	})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	applied, err := env.Engine.ApplyProposal(env.Ctx, p.ID, "tester")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied.Status != "applied" || applied.ResolvedAt == nil {
		t.Fatalf("expected applied with resolved_at, got %+v", applied)
	}
	got, err := env.Engine.Repo.GetScene(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Cold Open" || got.Script != "INT. STAIRWELL - NIGHT" {
		t.Fatalf("diff not applied: %+v", got)
	}
	// two fields, one version bump
	if got.Version != s.Version+1 {
		t.Fatalf("expected single version bump, got %d", got.Version)
	}
	// resolution is terminal
	_, err = env.Engine.ApplyProposal(env.Ctx, p.ID, "tester")
	if !errors.Is(err, errs.ErrProposalNotPending) {
		t.Fatalf("expected not pending, got %v", err)
	}
	_, err = env.Engine.DismissProposal(env.Ctx, p.ID, "tester")
	if !errors.Is(err, errs.ErrProposalNotPending) {
		t.Fatalf("expected not pending on dismiss, got %v", err)
	}
}

func TestApplyProposalReplacesCharacters(t *testing.T) {
	env := newTestEnv(t)
	s := newScene(t, env)
	if _, err := env.Engine.AddCharacter(env.Ctx, s.ID, domain.Character{Name: "Maya"}, "tester"); err != nil {
		t.Fatal(err)
	}
	chars := []string{"Ray", "Elena"}
	p, err := env.Engine.CreateProposal(env.Ctx, s.ID, "", domain.ProposalDraft{
		Role: "director",
		Diff: domain.SceneDiff{Characters: &chars},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApplyProposal(env.Ctx, p.ID, "tester"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, err := env.Engine.Repo.GetScene(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Characters) != 2 {
		t.Fatalf("expected character list replaced, got %+v", got.Characters)
	}
}

func TestApplyEmptyDiff(t *testing.T) {
	env := newTestEnv(t)
	s := newScene(t, env)
	p, err := env.Engine.CreateProposal(env.Ctx, s.ID, "", domain.ProposalDraft{Role: "producer", Summary: "looks fine"})
	if err != nil {
		t.Fatal(err)
	}
	applied, err := env.Engine.ApplyProposal(env.Ctx, p.ID, "tester")
	if err != nil || applied.Status != "applied" {
		t.Fatalf("apply empty diff: %v", err)
	}
	got, err := env.Engine.Repo.GetScene(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != s.Version {
		t.Fatalf("empty diff must not bump version, got %d", got.Version)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT count(*) FROM events WHERE type='scene.updated' AND entity_id=?`, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var count int
	rows.Next()
	rows.Scan(&count)
	if count != 0 {
		t.Fatalf("empty diff must not emit scene.updated, got %d", count)
	}
}

func TestMalformedDiff(t *testing.T) {
	if _, err := engine.ParseSceneDiff(`{"title": 42}`); !errors.Is(err, errs.ErrMalformedDiff) {
		t.Fatalf("expected malformed diff for wrong type, got %v", err)
	}
	if _, err := engine.ParseSceneDiff(`not json`); !errors.Is(err, errs.ErrMalformedDiff) {
		t.Fatalf("expected malformed diff for invalid json, got %v", err)
	}
	diff, err := engine.ParseSceneDiff(`{"title":"ok","unknown_field":true}`)
	if err != nil {
		t.Fatalf("unknown fields should be ignored: %v", err)
	}
	if diff.Title == nil || *diff.Title != "ok" {
		t.Fatalf("expected title parsed, got %+v", diff)
	}
}

func TestApplyRequiresEditableScene(t *testing.T) {
	env := newTestEnv(t)
	s := newScene(t, env)
	p, err := env.Engine.CreateProposal(env.Ctx, s.ID, "", domain.ProposalDraft{
		Role: "editor",
		Diff: domain.SceneDiff{Title: strPtr("late change")},
	})
	if err != nil {
		t.Fatal(err)
	}
	_, _ = env.Engine.SetSceneStatus(env.Ctx, s.ID, "review", "tester")
	_, err = env.Engine.ApplyProposal(env.Ctx, p.ID, "tester")
	if !errors.Is(err, errs.ErrSceneNotEditable) {
		t.Fatalf("expected gate on review scene, got %v", err)
	}
	// the proposal stays pending for when the scene comes back to draft
	got, err := env.Engine.Repo.GetProposal(env.Ctx, p.ID)
	if err != nil || got.Status != "pending" {
		t.Fatalf("expected pending proposal, got %+v (%v)", got, err)
	}
}

func TestDuplicateCharacter(t *testing.T) {
	env := newTestEnv(t)
	s := newScene(t, env)
	if _, err := env.Engine.AddCharacter(env.Ctx, s.ID, domain.Character{Name: "Maya"}, "tester"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.AddCharacter(env.Ctx, s.ID, domain.Character{Name: "maya"}, "tester")
	if !errors.Is(err, errs.ErrDuplicateCharacter) {
		t.Fatalf("expected case-insensitive duplicate rejection, got %v", err)
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	s := newScene(t, env)
	_, _ = env.Engine.UpdateScene(env.Ctx, engine.SceneUpdateOptions{ID: s.ID, Title: strPtr("v2"), ActorID: "tester"})
	_, _ = env.Engine.SetSceneStatus(env.Ctx, s.ID, "review", "tester")
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE entity_id=?`, s.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		count++
	}
	if count < 3 {
		t.Fatalf("expected created/updated/status events, got %d", count)
	}
}
