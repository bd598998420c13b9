package server

import (
	"encoding/json"

	"sceneline/internal/domain"
	"sceneline/internal/engine"
)

// Request payloads

type CreateProjectRequest struct {
	ID          *string `json:"id,omitempty"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

type UpdateProjectRequest struct {
	Name        string  `json:"name,omitempty"`
	Status      string  `json:"status,omitempty"`
	Description *string `json:"description,omitempty"`
}

type SetBudgetRequest struct {
	BudgetCapUSD float64 `json:"budget_cap_usd"`
}

type CreateSceneRequest struct {
	ID            *string `json:"id,omitempty"`
	Title         string  `json:"title"`
	Script        *string `json:"script,omitempty"`
	NarrativeGoal *string `json:"narrative_goal,omitempty"`
	EmotionalBeat *string `json:"emotional_beat,omitempty"`
	Location      *string `json:"location,omitempty"`
	TimeOfDay     *string `json:"time_of_day,omitempty"`
}

type UpdateSceneRequest struct {
	Title         *string `json:"title,omitempty"`
	Script        *string `json:"script,omitempty"`
	NarrativeGoal *string `json:"narrative_goal,omitempty"`
	EmotionalBeat *string `json:"emotional_beat,omitempty"`
	Location      *string `json:"location,omitempty"`
	TimeOfDay     *string `json:"time_of_day,omitempty"`
}

type SetSceneStatusRequest struct {
	Status string `json:"status" enum:"draft,review,approved"`
}

type AddCharacterRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type ProjectResponse struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Status       string  `json:"status"`
	Description  string  `json:"description,omitempty"`
	BudgetCapUSD float64 `json:"budget_cap_usd"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type BudgetResponse struct {
	ProjectID       string  `json:"project_id"`
	BudgetCapUSD    float64 `json:"budget_cap_usd"`
	CurrentSpendUSD float64 `json:"current_spend_usd"`
	RemainingUSD    float64 `json:"remaining_usd"`
	Unlimited       bool    `json:"unlimited"`
}

type CharacterResponse struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type SceneResponse struct {
	ID            string              `json:"id"`
	ProjectID     string              `json:"project_id"`
	Title         string              `json:"title"`
	Script        string              `json:"script,omitempty"`
	NarrativeGoal string              `json:"narrative_goal,omitempty"`
	EmotionalBeat string              `json:"emotional_beat,omitempty"`
	Location      string              `json:"location,omitempty"`
	TimeOfDay     string              `json:"time_of_day,omitempty"`
	Status        string              `json:"status" enum:"draft,review,approved"`
	Version       int64               `json:"version"`
	LockedUntil   *string             `json:"locked_until,omitempty" format:"date-time"`
	LockedBy      *string             `json:"locked_by,omitempty"`
	Characters    []CharacterResponse `json:"characters"`
	CreatedAt     string              `json:"created_at" format:"date-time"`
	UpdatedAt     string              `json:"updated_at" format:"date-time"`
}

type ProposalResponse struct {
	ID         string         `json:"id"`
	SceneID    string         `json:"scene_id"`
	JobID      *string        `json:"job_id,omitempty"`
	Role       string         `json:"role" enum:"writer,director,cinematographer,editor,producer,showrunner"`
	Status     string         `json:"status" enum:"pending,applied,dismissed"`
	Summary    string         `json:"summary"`
	Rationale  string         `json:"rationale,omitempty"`
	Diff       map[string]any `json:"diff"`
	TokensUsed int64          `json:"tokens_used"`
	CostUSD    float64        `json:"cost_usd"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
	ResolvedAt *string        `json:"resolved_at,omitempty" format:"date-time"`
}

type JobResponse struct {
	ID        string  `json:"id"`
	SceneID   string  `json:"scene_id"`
	Kind      string  `json:"kind" enum:"pipeline,render"`
	State     string  `json:"state" enum:"scheduled,processing,succeeded,failed"`
	Attempt   int     `json:"attempt"`
	NextRunAt string  `json:"next_run_at" format:"date-time"`
	LastError *string `json:"last_error,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedScenes struct {
	Items []SceneResponse `json:"items"`
}

type paginatedProposals struct {
	Items []ProposalResponse `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	Total      int64           `json:"total"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:           p.ID,
		Name:         p.Name,
		Status:       p.Status,
		Description:  p.Description,
		BudgetCapUSD: p.BudgetCapUSD,
		CreatedAt:    p.CreatedAt,
	}
}

func budgetResponse(b engine.BudgetStatus) BudgetResponse {
	remaining := b.BudgetCapUSD - b.CurrentSpendUSD
	if b.Unlimited || remaining < 0 {
		remaining = 0
	}
	return BudgetResponse{
		ProjectID:       b.ProjectID,
		BudgetCapUSD:    b.BudgetCapUSD,
		CurrentSpendUSD: b.CurrentSpendUSD,
		RemainingUSD:    remaining,
		Unlimited:       b.Unlimited,
	}
}

func sceneResponse(s domain.Scene) SceneResponse {
	chars := make([]CharacterResponse, 0, len(s.Characters))
	for _, c := range s.Characters {
		chars = append(chars, CharacterResponse{Name: c.Name, Description: c.Description})
	}
	return SceneResponse{
		ID:            s.ID,
		ProjectID:     s.ProjectID,
		Title:         s.Title,
		Script:        s.Script,
		NarrativeGoal: s.NarrativeGoal,
		EmotionalBeat: s.EmotionalBeat,
		Location:      s.Location,
		TimeOfDay:     s.TimeOfDay,
		Status:        s.Status,
		Version:       s.Version,
		LockedUntil:   s.LockedUntil,
		LockedBy:      s.LockedBy,
		Characters:    chars,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

func mapScenes(items []domain.Scene) []SceneResponse {
	res := make([]SceneResponse, 0, len(items))
	for _, s := range items {
		res = append(res, sceneResponse(s))
	}
	return res
}

func proposalResponse(p domain.Proposal) ProposalResponse {
	diff := map[string]any{}
	if p.DiffJSON != "" {
		_ = json.Unmarshal([]byte(p.DiffJSON), &diff)
	}
	return ProposalResponse{
		ID:         p.ID,
		SceneID:    p.SceneID,
		JobID:      p.JobID,
		Role:       p.Role,
		Status:     p.Status,
		Summary:    p.Summary,
		Rationale:  p.Rationale,
		Diff:       diff,
		TokensUsed: p.TokensUsed,
		CostUSD:    p.CostUSD,
		CreatedAt:  p.CreatedAt,
		ResolvedAt: p.ResolvedAt,
	}
}

func mapProposals(items []domain.Proposal) []ProposalResponse {
	res := make([]ProposalResponse, 0, len(items))
	for _, p := range items {
		res = append(res, proposalResponse(p))
	}
	return res
}

func jobResponse(j domain.PipelineJob) JobResponse {
	return JobResponse{
		ID:        j.ID,
		SceneID:   j.SceneID,
		Kind:      j.Kind,
		State:     j.State,
		Attempt:   j.Attempt,
		NextRunAt: j.NextRunAt,
		LastError: j.LastError,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}
