package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"spriteboard/internal/config"
	"spriteboard/internal/engine"
	"spriteboard/internal/sandbox"
)

func TestOpenKeepsVaultKeyInWorkspace(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(config.Path(ws), []byte("sandbox:\n  provider: fake\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	a, err := Open(Options{Workspace: ws})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := a.Engine.Provider.(*sandbox.Fake); !ok {
		t.Fatalf("provider = %T", a.Engine.Provider)
	}
	p, err := a.Engine.CreateProject(context.Background(), engine.CreateProjectOptions{
		ID: "p1", Name: "Acme", RepoURL: "acme/app", GitHubToken: "ghp_x", ActorID: "alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	a.Close()

	key, err := os.ReadFile(filepath.Join(ws, ".spriteboard", keyFile))
	if err != nil || len(key) == 0 {
		t.Fatalf("vault key not written: %v", err)
	}
	again, err := Open(Options{Workspace: ws})
	if err != nil {
		t.Fatal(err)
	}
	defer again.Close()
	stored, err := again.Engine.Repo.GetProject(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	plain, err := again.Engine.Vault.Open(stored.GithubTokenEnc)
	if err != nil || plain != "ghp_x" || stored.GithubTokenEnc != p.GithubTokenEnc {
		t.Fatalf("reopened vault cannot read token: %q %v", plain, err)
	}
}

func TestOpenRejectsUnknownProvider(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(config.Path(ws), []byte("sandbox:\n  provider: docker\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(Options{Workspace: ws}); err == nil {
		t.Fatal("expected config error")
	}
}

func TestRunBackgroundStopsWithContext(t *testing.T) {
	ws := t.TempDir()
	a, err := Open(Options{Workspace: ws, Provider: sandbox.NewFake()})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.RunBackground(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("background loops did not stop")
	}
}
