package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sceneline/internal/config"
	"sceneline/internal/domain"
	"sceneline/internal/engine/errs"
	"sceneline/internal/events"
	"sceneline/internal/repo"
)

// Engine is the aggregate-root API. Every mutation of projects, scenes and
// proposals goes through it so state changes and their ledger events commit
// in one transaction.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CreateProject initializes a project with the configured default budget cap.
func (e Engine) CreateProject(ctx context.Context, id, name, description string, actorID string) (domain.Project, error) {
	if name == "" {
		return domain.Project{}, errors.New("name is required")
	}
	if id == "" {
		id = uuid.New().String()
	}
	capUSD := 0.0
	if e.Config != nil {
		capUSD = e.Config.Project.DefaultBudgetUSD
	}
	p := domain.Project{
		ID:           id,
		Name:         name,
		Status:       "active",
		Description:  description,
		BudgetCapUSD: capUSD,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.created", p.ID, "project", p.ID, actorID, events.EventPayload{
		"name":           p.Name,
		"budget_cap_usd": p.BudgetCapUSD,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// UpdateProject applies a partial edit to project metadata. Empty fields
// stay untouched; an edit that changes nothing mutates nothing and emits
// nothing.
func (e Engine) UpdateProject(ctx context.Context, id, name, status string, description *string, actorID string) (domain.Project, error) {
	if name == "" && status == "" && description == nil {
		return e.Repo.GetProject(ctx, id)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProject(ctx, tx, id, name, status, description); err != nil {
		return domain.Project{}, err
	}
	p, err := e.Repo.GetProjectTx(ctx, tx, id)
	if err != nil {
		return p, err
	}
	changed := map[string]any{}
	if name != "" {
		changed["name"] = name
	}
	if status != "" {
		changed["status"] = status
	}
	if description != nil {
		changed["description"] = *description
	}
	if err := e.Events.Append(ctx, tx, "project.updated", id, "project", id, actorID, events.EventPayload{
		"fields": changed,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return p, nil
}

// DeleteProject removes the project; scenes, proposals and jobs cascade.
func (e Engine) DeleteProject(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteProject(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "project.deleted", id, "project", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// SceneCreateOptions are parameters for creating a scene.
type SceneCreateOptions struct {
	ID            string
	ProjectID     string
	Title         string
	Script        string
	NarrativeGoal string
	EmotionalBeat string
	Location      string
	TimeOfDay     string
	ActorID       string
}

func (e Engine) CreateScene(ctx context.Context, opts SceneCreateOptions) (domain.Scene, error) {
	if opts.Title == "" {
		return domain.Scene{}, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Scene{}, errors.New("project is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Scene{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	s := domain.Scene{
		ID:            id,
		ProjectID:     opts.ProjectID,
		Title:         opts.Title,
		Script:        opts.Script,
		NarrativeGoal: opts.NarrativeGoal,
		EmotionalBeat: opts.EmotionalBeat,
		Location:      opts.Location,
		TimeOfDay:     opts.TimeOfDay,
		Status:        "draft",
		Version:       0,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Scene{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertScene(ctx, tx, s); err != nil {
		return domain.Scene{}, fmt.Errorf("insert scene: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "scene.created", s.ProjectID, "scene", s.ID, opts.ActorID, events.EventPayload{
		"title": s.Title,
	}); err != nil {
		return domain.Scene{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Scene{}, err
	}
	return s, nil
}

// SceneUpdateOptions carries a manual edit. Nil fields are untouched.
type SceneUpdateOptions struct {
	ID            string
	Title         *string
	Script        *string
	NarrativeGoal *string
	EmotionalBeat *string
	Location      *string
	TimeOfDay     *string
	ActorID       string
}

// UpdateScene applies a manual edit as one versioned update. Manual edits
// compete with the pipeline through the scene lock: a live lock held by
// anyone rejects the edit.
func (e Engine) UpdateScene(ctx context.Context, opts SceneUpdateOptions) (domain.Scene, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Scene{}, err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetSceneTx(ctx, tx, opts.ID)
	if err != nil {
		return s, err
	}
	if err := e.ensureEditable(s); err != nil {
		return s, err
	}
	changed := map[string]any{}
	apply := func(field string, dst *string, src *string) {
		if src != nil && *src != *dst {
			changed[field] = *src
			*dst = *src
		}
	}
	apply("title", &s.Title, opts.Title)
	apply("script", &s.Script, opts.Script)
	apply("narrative_goal", &s.NarrativeGoal, opts.NarrativeGoal)
	apply("emotional_beat", &s.EmotionalBeat, opts.EmotionalBeat)
	apply("location", &s.Location, opts.Location)
	apply("time_of_day", &s.TimeOfDay, opts.TimeOfDay)
	if len(changed) == 0 {
		return s, nil
	}
	prev := s.Version
	s.Version++
	s.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateSceneVersioned(ctx, tx, s, prev); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return s, fmt.Errorf("scene %s changed underneath the edit: %w", s.ID, errs.ErrSceneLocked)
		}
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "scene.updated", s.ProjectID, "scene", s.ID, opts.ActorID, events.EventPayload{
		"fields":  changed,
		"version": s.Version,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

func ensureSceneTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "draft":
		if newStatus == "review" {
			return nil
		}
	case "review":
		if newStatus == "approved" || newStatus == "draft" {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", errs.ErrInvalidStatusTransition, oldStatus, newStatus)
}

// SetSceneStatus moves a scene along draft -> review -> approved (review may
// fall back to draft). Approval enqueues a render job on the shared queue.
func (e Engine) SetSceneStatus(ctx context.Context, id, status, actorID string) (domain.Scene, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Scene{}, err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetSceneTx(ctx, tx, id)
	if err != nil {
		return s, err
	}
	if locked, holder := e.lockLive(s); locked {
		return s, fmt.Errorf("scene %s locked by %s: %w", s.ID, holder, errs.ErrSceneLocked)
	}
	if err := ensureSceneTransition(s.Status, status); err != nil {
		return s, err
	}
	from := s.Status
	prev := s.Version
	s.Status = status
	s.Version++
	s.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateSceneVersioned(ctx, tx, s, prev); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "scene.status.changed", s.ProjectID, "scene", s.ID, actorID, events.EventPayload{
		"from": from,
		"to":   status,
	}); err != nil {
		return s, err
	}
	if status == "approved" {
		now := e.now().UTC().Format(time.RFC3339)
		job := domain.PipelineJob{
			ID:        uuid.New().String(),
			SceneID:   s.ID,
			Kind:      "render",
			State:     "scheduled",
			NextRunAt: now,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.Repo.InsertJob(ctx, tx, job); err != nil {
			return s, fmt.Errorf("enqueue render job: %w", err)
		}
		if err := e.Events.Append(ctx, tx, "render.enqueued", s.ProjectID, "job", job.ID, actorID, events.EventPayload{
			"scene_id": s.ID,
		}); err != nil {
			return s, err
		}
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

func (e Engine) DeleteScene(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetSceneTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if locked, holder := e.lockLive(s); locked {
		return fmt.Errorf("scene %s locked by %s: %w", s.ID, holder, errs.ErrSceneLocked)
	}
	if err := e.Repo.DeleteScene(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "scene.deleted", s.ProjectID, "scene", s.ID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// AddCharacter attaches a character to a scene. Names are unique per scene,
// case-insensitively.
func (e Engine) AddCharacter(ctx context.Context, sceneID string, c domain.Character, actorID string) (domain.Scene, error) {
	if c.Name == "" {
		return domain.Scene{}, errors.New("character name is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Scene{}, err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetSceneTx(ctx, tx, sceneID)
	if err != nil {
		return s, err
	}
	if err := e.ensureEditable(s); err != nil {
		return s, err
	}
	exists, err := e.Repo.CharacterExists(ctx, tx, sceneID, c.Name)
	if err != nil {
		return s, err
	}
	if exists {
		return s, fmt.Errorf("%w: %s", errs.ErrDuplicateCharacter, c.Name)
	}
	if err := e.Repo.InsertCharacter(ctx, tx, sceneID, c); err != nil {
		return s, err
	}
	prev := s.Version
	s.Version++
	s.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateSceneVersioned(ctx, tx, s, prev); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "scene.character.added", s.ProjectID, "scene", s.ID, actorID, events.EventPayload{
		"name": c.Name,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	s.Characters = append(s.Characters, c)
	return s, nil
}

func (e Engine) RemoveCharacter(ctx context.Context, sceneID, name, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetSceneTx(ctx, tx, sceneID)
	if err != nil {
		return err
	}
	if err := e.ensureEditable(s); err != nil {
		return err
	}
	if err := e.Repo.DeleteCharacter(ctx, tx, sceneID, name); err != nil {
		return err
	}
	prev := s.Version
	s.Version++
	s.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateSceneVersioned(ctx, tx, s, prev); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "scene.character.removed", s.ProjectID, "scene", s.ID, actorID, events.EventPayload{
		"name": name,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ensureEditable enforces the universal mutation gate: draft status and no
// live lock.
func (e Engine) ensureEditable(s domain.Scene) error {
	if s.Status != "draft" {
		return fmt.Errorf("scene %s has status %s: %w", s.ID, s.Status, errs.ErrSceneNotEditable)
	}
	if locked, holder := e.lockLive(s); locked {
		return fmt.Errorf("scene %s locked by %s: %w", s.ID, holder, errs.ErrSceneLocked)
	}
	return nil
}
