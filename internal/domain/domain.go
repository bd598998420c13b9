package domain

type Project struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Status       string  `json:"status"`
	Description  string  `json:"description,omitempty"`
	BudgetCapUSD float64 `json:"budget_cap_usd"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type Scene struct {
	ID            string      `json:"id"`
	ProjectID     string      `json:"project_id"`
	Title         string      `json:"title"`
	Script        string      `json:"script,omitempty"`
	NarrativeGoal string      `json:"narrative_goal,omitempty"`
	EmotionalBeat string      `json:"emotional_beat,omitempty"`
	Location      string      `json:"location,omitempty"`
	TimeOfDay     string      `json:"time_of_day,omitempty"`
	Status        string      `json:"status" enum:"draft,review,approved"`
	Version       int64       `json:"version"`
	LockedUntil   *string     `json:"locked_until,omitempty" format:"date-time"`
	LockedBy      *string     `json:"locked_by,omitempty"`
	Characters    []Character `json:"characters,omitempty"`
	CreatedAt     string      `json:"created_at" format:"date-time"`
	UpdatedAt     string      `json:"updated_at" format:"date-time"`
}

type Character struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type Proposal struct {
	ID         string  `json:"id"`
	SceneID    string  `json:"scene_id"`
	JobID      *string `json:"job_id,omitempty"`
	Role       string  `json:"role" enum:"writer,director,cinematographer,editor,producer,showrunner"`
	Status     string  `json:"status" enum:"pending,applied,dismissed"`
	Summary    string  `json:"summary"`
	Rationale  string  `json:"rationale,omitempty"`
	DiffJSON   string  `json:"diff_json"`
	TokensUsed int64   `json:"tokens_used"`
	CostUSD    float64 `json:"cost_usd"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	ResolvedAt *string `json:"resolved_at,omitempty" format:"date-time"`
}

// ProposalDraft is an agent role's output before it is persisted: the
// suggested change plus what producing it cost.
type ProposalDraft struct {
	Role       string    `json:"role"`
	Summary    string    `json:"summary"`
	Rationale  string    `json:"rationale,omitempty"`
	Diff       SceneDiff `json:"diff"`
	TokensUsed int64     `json:"tokens_used"`
	CostUSD    float64   `json:"cost_usd"`
}

// SceneDiff is the structured change payload carried by a proposal. Every
// field is optional; absent fields leave the scene untouched.
type SceneDiff struct {
	Title         *string   `json:"title,omitempty"`
	Script        *string   `json:"script,omitempty"`
	NarrativeGoal *string   `json:"narrative_goal,omitempty"`
	EmotionalBeat *string   `json:"emotional_beat,omitempty"`
	Location      *string   `json:"location,omitempty"`
	TimeOfDay     *string   `json:"time_of_day,omitempty"`
	Characters    *[]string `json:"characters,omitempty"`
}

// Empty reports whether the diff touches no scene field.
func (d SceneDiff) Empty() bool {
	return d.Title == nil && d.Script == nil && d.NarrativeGoal == nil &&
		d.EmotionalBeat == nil && d.Location == nil && d.TimeOfDay == nil &&
		d.Characters == nil
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type PipelineJob struct {
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

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
