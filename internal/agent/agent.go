package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"sceneline/internal/config"
	"sceneline/internal/domain"
	"sceneline/internal/engine/errs"
)

// Roles lists the pipeline roles in execution order. The order is fixed:
// each role sees the scene as the previous roles' proposals left it pending.
var Roles = []string{
	RoleWriter,
	RoleDirector,
	RoleCinematographer,
	RoleEditor,
	RoleProducer,
	RoleShowrunner,
}

const (
	RoleWriter          = "writer"
	RoleDirector        = "director"
	RoleCinematographer = "cinematographer"
	RoleEditor          = "editor"
	RoleProducer        = "producer"
	RoleShowrunner      = "showrunner"
)

// ValidRole reports whether role is one of the pipeline roles.
func ValidRole(role string) bool {
	for _, r := range Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Executor produces one role's proposal draft for a scene. Implementations
// must respect ctx cancellation and should wrap transient failures so the
// caller can tell them from business-rule rejections.
type Executor interface {
	Execute(ctx context.Context, scene domain.Scene, role string) (domain.ProposalDraft, error)
}

// HTTPExecutor calls an external agent service. Each role invocation is one
// POST carrying the scene snapshot; the response body is the draft.
type HTTPExecutor struct {
	Endpoint string
	Client   *http.Client
}

// NewHTTPExecutor builds an executor from config. Returns nil when no
// endpoint is configured so callers can fall back to a local executor.
func NewHTTPExecutor(cfg *config.Config) *HTTPExecutor {
	if cfg == nil || cfg.Executor.Endpoint == "" {
		return nil
	}
	timeout := 60 * time.Second
	if cfg.Executor.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.Executor.TimeoutSeconds) * time.Second
	}
	return &HTTPExecutor{
		Endpoint: cfg.Executor.Endpoint,
		Client:   &http.Client{Timeout: timeout},
	}
}

type executeRequest struct {
	Role  string       `json:"role"`
	Scene domain.Scene `json:"scene"`
}

func (x *HTTPExecutor) Execute(ctx context.Context, scene domain.Scene, role string) (domain.ProposalDraft, error) {
	body, err := json.Marshal(executeRequest{Role: role, Scene: scene})
	if err != nil {
		return domain.ProposalDraft{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.Endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.ProposalDraft{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := x.Client.Do(req)
	if err != nil {
		return domain.ProposalDraft{}, &errs.AgentRunError{SceneID: scene.ID, Role: role, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.ProposalDraft{}, &errs.AgentRunError{
			SceneID: scene.ID, Role: role,
			Err: fmt.Errorf("executor returned %d: %s", resp.StatusCode, bytes.TrimSpace(data)),
		}
	}
	var draft domain.ProposalDraft
	if err := json.NewDecoder(resp.Body).Decode(&draft); err != nil {
		return domain.ProposalDraft{}, &errs.AgentRunError{SceneID: scene.ID, Role: role, Err: fmt.Errorf("decode draft: %w", err)}
	}
	draft.Role = role
	return draft, nil
}

// StaticExecutor returns canned drafts keyed by role, with optional injected
// failures. It backs local runs without an agent service and the tests.
type StaticExecutor struct {
	Drafts map[string]domain.ProposalDraft
	Errs   map[string]error
	Calls  []string
}

func (x *StaticExecutor) Execute(ctx context.Context, scene domain.Scene, role string) (domain.ProposalDraft, error) {
	if err := ctx.Err(); err != nil {
		return domain.ProposalDraft{}, err
	}
	x.Calls = append(x.Calls, role)
	if err, ok := x.Errs[role]; ok {
		return domain.ProposalDraft{}, &errs.AgentRunError{SceneID: scene.ID, Role: role, Err: err}
	}
	if draft, ok := x.Drafts[role]; ok {
		draft.Role = role
		return draft, nil
	}
	summary := fmt.Sprintf("%s pass on %q", role, scene.Title)
	return domain.ProposalDraft{
		Role:       role,
		Summary:    summary,
		Rationale:  "no executor endpoint configured; placeholder draft",
		TokensUsed: 0,
		CostUSD:    0,
	}, nil
}
