// Package auth answers whether an actor may act on a project's records.
package auth

import (
	"context"
	"fmt"

	"spriteboard/internal/domain"
	"spriteboard/internal/repo"
)

// System is the actor used by trusted in-process callers (CLI, poller, webhooks).
const System = "system"

// ForbiddenError indicates the actor does not own the resource.
type ForbiddenError struct {
	Resource string
	ID       string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("%s %s is not owned by the caller", e.Resource, e.ID)
}

// Service checks ownership against the lifecycle store.
type Service struct {
	Repo repo.Repo
}

// CanAccess reports whether actorID owns p.
func CanAccess(p domain.Project, actorID string) bool {
	return actorID == System || (actorID != "" && p.UserID == actorID)
}

// Project loads a project and checks the actor owns it.
func (s Service) Project(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	p, err := s.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if !CanAccess(p, actorID) {
		return domain.Project{}, ForbiddenError{Resource: "project", ID: projectID}
	}
	return p, nil
}

// Manifest loads a manifest and its project, checking ownership.
func (s Service) Manifest(ctx context.Context, id, actorID string) (domain.Manifest, domain.Project, error) {
	m, err := s.Repo.GetManifest(ctx, id)
	if err != nil {
		return domain.Manifest{}, domain.Project{}, err
	}
	p, err := s.Repo.GetProject(ctx, m.ProjectID)
	if err != nil {
		return domain.Manifest{}, domain.Project{}, err
	}
	if !CanAccess(p, actorID) {
		return domain.Manifest{}, domain.Project{}, ForbiddenError{Resource: "manifest", ID: id}
	}
	return m, p, nil
}

// Task loads a task and its project, checking ownership.
func (s Service) Task(ctx context.Context, id, actorID string) (domain.Task, domain.Project, error) {
	t, err := s.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, domain.Project{}, err
	}
	p, err := s.Repo.GetProject(ctx, t.ProjectID)
	if err != nil {
		return domain.Task{}, domain.Project{}, err
	}
	if !CanAccess(p, actorID) {
		return domain.Task{}, domain.Project{}, ForbiddenError{Resource: "task", ID: id}
	}
	return t, p, nil
}
