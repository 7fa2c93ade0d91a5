package spawner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"spriteboard/internal/bootstrap"
	"spriteboard/internal/domain"
	"spriteboard/internal/sandbox"
	"spriteboard/internal/vault"
)

func newSpawner(t *testing.T) (*Spawner, *sandbox.Fake, *vault.Vault) {
	t.Helper()
	key, err := vault.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	v, err := vault.New(key)
	if err != nil {
		t.Fatal(err)
	}
	fake := sandbox.NewFake()
	s := New(fake, v, Options{
		WorkDir: "/home/sprite/repo", AgentPort: 4096, InstallCmd: "true", PRDPath: ".sprite/prd.json",
		MaxIterations: 5, DefaultModel: "anthropic/claude-sonnet-4", StartTimeout: time.Second,
	}, nil)
	s.Now = func() time.Time { return time.Unix(1700000000, 0) }
	return s, fake, v
}

func manifestRequest(t *testing.T, v *vault.Vault, recorded *[]Handle) Request {
	t.Helper()
	tok, err := v.Seal("ghp_token")
	if err != nil {
		t.Fatal(err)
	}
	return Request{
		Kind: domain.SpriteManifest, ProjectID: "p1", ProjectName: "Acme App", Repo: "acme/app",
		TokenEnc: tok, Branch: "prd/add-auth", BaseBranch: "main", CreateBranch: true,
		PRDName: "add-auth", AutoStart: true,
		WebhookURL: "https://board.example.com/webhooks/manifest/m1", WebhookSecret: "secret",
		Record: func(_ context.Context, h Handle) error {
			*recorded = append(*recorded, h)
			return nil
		},
	}
}

func TestSpawnManifest(t *testing.T) {
	s, fake, v := newSpawner(t)
	s.Options.NetworkAllow = []string{"github.com"}
	var recorded []Handle
	h, err := s.Spawn(context.Background(), manifestRequest(t, v, &recorded))
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if h.Name != "manifest-acme-app-1700000000000" || h.URL == "" || len(h.Password) != 32 {
		t.Fatalf("unexpected handle %+v", h)
	}
	if len(recorded) != 1 || recorded[0] != h {
		t.Fatalf("handle must be recorded once, got %+v", recorded)
	}
	if !fake.Live(h.Name) {
		t.Fatal("sandbox should be live")
	}
	policy := fake.Calls("network_policy")
	if len(policy) != 1 || strings.Join(policy[0].Argv, ",") != "allow:github.com,deny:*" {
		t.Fatalf("network policy = %+v", policy)
	}
	boot, ok := fake.Uploaded(bootstrap.BootstrapPath)
	if !ok || !strings.Contains(boot, "x-access-token:ghp_token@github.com/acme/app.git") {
		t.Fatalf("bootstrap not uploaded with token: %v", ok)
	}
	if _, ok := fake.Uploaded(bootstrap.TaskLoopPath); !ok {
		t.Fatal("task loop should be uploaded when a prd name is set")
	}
	detached := fake.Calls("exec_detached")
	if len(detached) != 1 || detached[0].Argv[1] != bootstrap.BootstrapPath {
		t.Fatalf("detached = %+v", detached)
	}
}

func TestSpawnTearsDownAfterLateFailure(t *testing.T) {
	s, fake, v := newSpawner(t)
	fake.FailOn("exec_detached", errors.New("start timed out"))
	var recorded []Handle
	_, err := s.Spawn(context.Background(), manifestRequest(t, v, &recorded))
	if err == nil || !strings.Contains(err.Error(), "start timed out") {
		t.Fatalf("expected original error, got %v", err)
	}
	if len(recorded) != 1 {
		t.Fatal("handle must be recorded before the failing step")
	}
	if fake.LiveCount() != 0 || len(fake.Calls("destroy")) != 1 {
		t.Fatalf("sandbox should be torn down, live=%d", fake.LiveCount())
	}
}

func TestSpawnTeardownFailureDoesNotMaskError(t *testing.T) {
	s, fake, v := newSpawner(t)
	fake.FailOn("exec", errors.New("upload failed"))
	fake.FailOn("destroy", errors.New("provider down"))
	var recorded []Handle
	_, err := s.Spawn(context.Background(), manifestRequest(t, v, &recorded))
	if err == nil || !strings.Contains(err.Error(), "upload failed") {
		t.Fatalf("expected upload error, got %v", err)
	}
}

func TestSpawnRecordFailureCleansUp(t *testing.T) {
	s, fake, v := newSpawner(t)
	var recorded []Handle
	req := manifestRequest(t, v, &recorded)
	req.Record = func(context.Context, Handle) error { return errors.New("manifest deleted") }
	if _, err := s.Spawn(context.Background(), req); err == nil {
		t.Fatal("expected error")
	}
	if fake.LiveCount() != 0 {
		t.Fatal("sandbox must not leak when the handle cannot be recorded")
	}
}

func TestSpawnFailsFastOnBadToken(t *testing.T) {
	s, fake, v := newSpawner(t)
	var recorded []Handle
	req := manifestRequest(t, v, &recorded)
	req.TokenEnc = "garbage"
	if _, err := s.Spawn(context.Background(), req); !errors.Is(err, vault.ErrCiphertext) {
		t.Fatalf("expected ErrCiphertext, got %v", err)
	}
	if len(fake.Calls("")) != 0 {
		t.Fatal("no provider call may happen before secrets are unsealed")
	}
}

func TestSpawnCreateFailureSkipsTeardown(t *testing.T) {
	s, fake, v := newSpawner(t)
	fake.FailOn("create", errors.New("quota"))
	var recorded []Handle
	if _, err := s.Spawn(context.Background(), manifestRequest(t, v, &recorded)); err == nil {
		t.Fatal("expected error")
	}
	if len(recorded) != 0 || len(fake.Calls("destroy")) != 0 {
		t.Fatal("nothing to record or destroy when create fails")
	}
}

func TestSpawnInvocationUploadsPromptAndCredentials(t *testing.T) {
	s, fake, v := newSpawner(t)
	creds, _ := v.Seal(`{"anthropic":{"type":"api","key":"k"}}`)
	req := Request{
		Kind: domain.SpriteInvocation, ProjectID: "p1", ProjectName: "demo", Repo: "https://github.com/acme/app",
		CredentialEnc: creds, Branch: "task/t1", BaseBranch: "main", CreateBranch: true,
		Prompt: "Fix the login bug", SessionID: "sess1",
		WebhookURL: "https://board.example.com/webhooks/sprite/t1", WebhookSecret: "k",
		Record: func(context.Context, Handle) error { return nil },
	}
	h, err := s.Spawn(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(h.Name, "invocation-demo-") {
		t.Fatalf("name = %s", h.Name)
	}
	if prompt, _ := fake.Uploaded(bootstrap.PromptPath); prompt != "Fix the login bug" {
		t.Fatalf("prompt = %q", prompt)
	}
	if c, _ := fake.Uploaded(bootstrap.CredentialsPath); !strings.Contains(c, "anthropic") {
		t.Fatalf("credentials = %q", c)
	}
	script, _ := fake.Uploaded(bootstrap.InvocationPath)
	if !strings.Contains(script, "anthropic/claude-sonnet-4") {
		t.Fatal("default model should be applied")
	}
}

func TestSpawnValidates(t *testing.T) {
	s, _, _ := newSpawner(t)
	if _, err := s.Spawn(context.Background(), Request{Kind: domain.SpriteManifest, ProjectID: "p1"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestStartAndStopLoop(t *testing.T) {
	s, fake, _ := newSpawner(t)
	ctx := context.Background()
	_, _ = fake.Create(ctx, "manifest-x-1", sandbox.URLAuthPublic)
	err := s.StartLoop(ctx, LoopRequest{SpriteName: "manifest-x-1", Branch: "prd/a", PRDName: "a", WebhookURL: "https://h", WebhookSecret: "k"})
	if err != nil {
		t.Fatal(err)
	}
	if d := fake.Calls("exec_detached"); len(d) != 1 || d[0].Argv[1] != bootstrap.TaskLoopPath {
		t.Fatalf("detached = %+v", d)
	}
	if err := s.StopLoop(ctx, "manifest-x-1"); err != nil {
		t.Fatal(err)
	}
	if !fake.Live("manifest-x-1") {
		t.Fatal("stop must keep the sandbox")
	}
}

func TestSandboxName(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	if got := SandboxName(domain.SpriteManifest, "  My Big/Project!! ", "p1", at); got != "manifest-my-big-project-1700000000123" {
		t.Fatalf("name = %s", got)
	}
	if got := SandboxName(domain.SpriteInvocation, "", "P_42", at); got != "invocation-p-42-1700000000123" {
		t.Fatalf("name = %s", got)
	}
}
