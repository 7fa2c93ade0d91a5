package server

import (
	"encoding/json"

	"spriteboard/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID            string `json:"id,omitempty"`
	Name          string `json:"name"`
	RepoURL       string `json:"repo_url" example:"acme/app"`
	DefaultBranch string `json:"default_branch,omitempty" example:"main"`
	GitHubToken   string `json:"github_token,omitempty"`
}

type SetProjectTokenRequest struct {
	GitHubToken string `json:"github_token"`
}

type SetCredentialRequest struct {
	Secret string `json:"secret" doc:"Agent runtime auth document, stored sealed"`
}

type CreateManifestRequest struct {
	Name      string `json:"name"`
	PRDName   string `json:"prd_name,omitempty" example:"user-auth"`
	Model     string `json:"model,omitempty"`
	AutoStart bool   `json:"auto_start,omitempty"`
}

type UpdateManifestRequest struct {
	PRDName string `json:"prd_name" example:"user-auth"`
}

type StartManifestRequest struct {
	Model string `json:"model,omitempty"`
}

type CreateTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	Model       string `json:"model,omitempty"`
	BoardStatus string `json:"board_status,omitempty" enum:"abyss,altar,trial,cursed,vanquished"`
}

type UpdateTaskRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Category    *string `json:"category,omitempty"`
	Model       *string `json:"model,omitempty"`
}

type MoveTaskRequest struct {
	BoardStatus string `json:"board_status" enum:"abyss,altar,ritual,trial,cursed,vanquished"`
}

// Response payloads

type ProjectResponse struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	Name           string `json:"name"`
	RepoURL        string `json:"repo_url"`
	DefaultBranch  string `json:"default_branch"`
	HasGitHubToken bool   `json:"has_github_token"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

// PRDProgress summarises the last task-list document seen for a manifest.
type PRDProgress struct {
	Total   int `json:"total"`
	Passing int `json:"passing"`
}

type ManifestResponse struct {
	domain.Manifest
	Progress *PRDProgress `json:"progress,omitempty"`
}

type TaskResponse struct {
	domain.Task
	Session *domain.OpencodeSession `json:"session,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

type webhookAck struct {
	Success bool `json:"success"`
}

type webhookFailure struct {
	Error string `json:"error"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:             p.ID,
		UserID:         p.UserID,
		Name:           p.Name,
		RepoURL:        p.RepoURL,
		DefaultBranch:  p.DefaultBranch,
		HasGitHubToken: p.GithubTokenEnc != "",
		CreatedAt:      p.CreatedAt,
	}
}

func manifestResponse(m domain.Manifest) ManifestResponse {
	resp := ManifestResponse{Manifest: m}
	if m.PRDJSON == "" {
		return resp
	}
	if doc, err := domain.ParsePRD([]byte(m.PRDJSON)); err == nil {
		resp.Progress = &PRDProgress{Total: len(doc.Tasks), Passing: doc.Passing()}
	}
	return resp
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, projectResponse(p))
	}
	return out
}

func mapManifests(items []domain.Manifest) []ManifestResponse {
	out := make([]ManifestResponse, 0, len(items))
	for _, m := range items {
		out = append(out, manifestResponse(m))
	}
	return out
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, TaskResponse{Task: t})
	}
	return out
}

func nonNilSprites(items []domain.Sprite) []domain.Sprite {
	if items == nil {
		return []domain.Sprite{}
	}
	return items
}
