package auth

import (
	"context"
	"errors"
	"testing"

	"spriteboard/internal/db"
	"spriteboard/internal/domain"
	"spriteboard/internal/migrate"
	"spriteboard/internal/repo"
)

func TestOwnership(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	ts := "2026-01-01T00:00:00Z"
	_ = r.InsertProject(ctx, domain.Project{ID: "p1", UserID: "alice", Name: "x", RepoURL: "a/b", DefaultBranch: "main", CreatedAt: ts})
	_ = r.InsertTask(ctx, domain.Task{ID: "t1", ProjectID: "p1", Title: "t", BoardStatus: domain.BoardAbyss, ExecutionState: domain.ExecIdle, CreatedAt: ts, UpdatedAt: ts})

	s := Service{Repo: r}
	if _, err := s.Project(ctx, "p1", "alice"); err != nil {
		t.Fatalf("owner denied: %v", err)
	}
	if _, err := s.Project(ctx, "p1", System); err != nil {
		t.Fatalf("system denied: %v", err)
	}
	var fe ForbiddenError
	if _, err := s.Project(ctx, "p1", "mallory"); !errors.As(err, &fe) || fe.Resource != "project" {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	if _, _, err := s.Task(ctx, "t1", ""); !errors.As(err, &fe) {
		t.Fatalf("anonymous actor must be refused, got %v", err)
	}
	if _, _, err := s.Manifest(ctx, "missing", "alice"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
