package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sceneline/internal/domain"
	"sceneline/internal/engine/errs"
	"sceneline/internal/events"
	"sceneline/internal/repo"
)

// CreateProposal persists an agent draft as a pending proposal. The jobID,
// when set, marks which pipeline job produced it; a retried job finds the
// existing row and skips the role instead of billing it again.
func (e Engine) CreateProposal(ctx context.Context, sceneID, jobID string, draft domain.ProposalDraft) (domain.Proposal, error) {
	if draft.Role == "" {
		return domain.Proposal{}, errors.New("role is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetSceneTx(ctx, tx, sceneID)
	if err != nil {
		return domain.Proposal{}, err
	}
	diffJSON, err := json.Marshal(draft.Diff)
	if err != nil {
		return domain.Proposal{}, fmt.Errorf("marshal diff: %w", err)
	}
	p := domain.Proposal{
		ID:         uuid.New().String(),
		SceneID:    sceneID,
		Role:       draft.Role,
		Status:     "pending",
		Summary:    draft.Summary,
		Rationale:  draft.Rationale,
		DiffJSON:   string(diffJSON),
		TokensUsed: draft.TokensUsed,
		CostUSD:    draft.CostUSD,
		CreatedAt:  e.now().UTC().Format(time.RFC3339),
	}
	if jobID != "" {
		p.JobID = &jobID
	}
	if err := e.Repo.InsertProposal(ctx, tx, p); err != nil {
		return p, fmt.Errorf("insert proposal: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "proposal.created", s.ProjectID, "proposal", p.ID, draft.Role, events.EventPayload{
		"scene_id": sceneID,
		"role":     draft.Role,
		"cost_usd": draft.CostUSD,
		"tokens":   draft.TokensUsed,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return p, nil
}

// ParseSceneDiff decodes a proposal's diff payload. Structural problems
// (invalid JSON, wrong field types) wrap ErrMalformedDiff; unknown fields
// are simply not recognized and ignored.
func ParseSceneDiff(raw string) (domain.SceneDiff, error) {
	var diff domain.SceneDiff
	if raw == "" {
		return diff, nil
	}
	if err := json.Unmarshal([]byte(raw), &diff); err != nil {
		return diff, fmt.Errorf("%w: %v", errs.ErrMalformedDiff, err)
	}
	return diff, nil
}

// ApplyProposal interprets the proposal's diff as one scene update: however
// many fields it touches, the scene version moves by exactly one and a
// single scene.updated event is appended. An empty diff still resolves the
// proposal but leaves the scene untouched and emits no scene event.
func (e Engine) ApplyProposal(ctx context.Context, proposalID, actorID string) (domain.Proposal, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return p, err
	}
	if p.Status != "pending" {
		return p, fmt.Errorf("proposal %s is %s: %w", p.ID, p.Status, errs.ErrProposalNotPending)
	}
	s, err := e.Repo.GetSceneTx(ctx, tx, p.SceneID)
	if err != nil {
		return p, err
	}
	if err := e.ensureEditable(s); err != nil {
		return p, err
	}
	diff, err := ParseSceneDiff(p.DiffJSON)
	if err != nil {
		return p, err
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	if !diff.Empty() {
		changed := applyDiff(&s, diff)
		prev := s.Version
		s.Version++
		s.UpdatedAt = nowStr
		if err := e.Repo.UpdateSceneVersioned(ctx, tx, s, prev); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return p, fmt.Errorf("scene %s changed underneath the apply: %w", s.ID, errs.ErrSceneLocked)
			}
			return p, err
		}
		if diff.Characters != nil {
			if err := e.Repo.ReplaceCharacters(ctx, tx, s.ID, *diff.Characters); err != nil {
				return p, err
			}
		}
		if err := e.Events.Append(ctx, tx, "scene.updated", s.ProjectID, "scene", s.ID, actorID, events.EventPayload{
			"fields":      changed,
			"version":     s.Version,
			"proposal_id": p.ID,
		}); err != nil {
			return p, err
		}
	}
	if err := e.Repo.ResolveProposal(ctx, tx, p.ID, "applied", nowStr); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return p, fmt.Errorf("proposal %s: %w", p.ID, errs.ErrProposalNotPending)
		}
		return p, err
	}
	if err := e.Events.Append(ctx, tx, "proposal.applied", s.ProjectID, "proposal", p.ID, actorID, events.EventPayload{
		"scene_id": s.ID,
		"role":     p.Role,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	p.Status = "applied"
	p.ResolvedAt = &nowStr
	return p, nil
}

// DismissProposal resolves a pending proposal without touching the scene.
// The same editability gate applies as for apply: dismissing is still a
// decision about a draft scene and must not race the pipeline.
func (e Engine) DismissProposal(ctx context.Context, proposalID, actorID string) (domain.Proposal, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return p, err
	}
	if p.Status != "pending" {
		return p, fmt.Errorf("proposal %s is %s: %w", p.ID, p.Status, errs.ErrProposalNotPending)
	}
	s, err := e.Repo.GetSceneTx(ctx, tx, p.SceneID)
	if err != nil {
		return p, err
	}
	if err := e.ensureEditable(s); err != nil {
		return p, err
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.ResolveProposal(ctx, tx, p.ID, "dismissed", nowStr); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return p, fmt.Errorf("proposal %s: %w", p.ID, errs.ErrProposalNotPending)
		}
		return p, err
	}
	if err := e.Events.Append(ctx, tx, "proposal.dismissed", s.ProjectID, "proposal", p.ID, actorID, events.EventPayload{
		"scene_id": s.ID,
		"role":     p.Role,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	p.Status = "dismissed"
	p.ResolvedAt = &nowStr
	return p, nil
}

func applyDiff(s *domain.Scene, diff domain.SceneDiff) map[string]any {
	changed := map[string]any{}
	set := func(field string, dst *string, src *string) {
		if src != nil {
			changed[field] = *src
			*dst = *src
		}
	}
	set("title", &s.Title, diff.Title)
	set("script", &s.Script, diff.Script)
	set("narrative_goal", &s.NarrativeGoal, diff.NarrativeGoal)
	set("emotional_beat", &s.EmotionalBeat, diff.EmotionalBeat)
	set("location", &s.Location, diff.Location)
	set("time_of_day", &s.TimeOfDay, diff.TimeOfDay)
	if diff.Characters != nil {
		changed["characters"] = *diff.Characters
	}
	return changed
}
