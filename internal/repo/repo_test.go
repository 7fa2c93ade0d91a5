package repo

import (
	"context"
	"errors"
	"testing"

	"spriteboard/internal/db"
	"spriteboard/internal/domain"
	"spriteboard/internal/events"
	"spriteboard/internal/migrate"
)

const ts0 = "2026-01-02T03:04:05Z"

func setupRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := Repo{DB: conn}
	if err := r.InsertProject(context.Background(), domain.Project{
		ID: "p1", UserID: "u1", Name: "Demo", RepoURL: "acme/app", DefaultBranch: "main", CreatedAt: ts0,
	}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	return r
}

func newManifest(id string) domain.Manifest {
	name := "add-auth"
	return domain.Manifest{
		ID: id, ProjectID: "p1", Name: "Auth", PRDName: &name, Status: domain.ManifestPending,
		WebhookSecret: "secret-" + id, Branch: "prd/add-auth", CreatedAt: ts0, UpdatedAt: ts0,
	}
}

func TestInsertManifestIfNoneActive(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()
	ok, err := r.InsertManifestIfNoneActive(ctx, newManifest("m1"))
	if err != nil || !ok {
		t.Fatalf("first insert = %v, %v", ok, err)
	}
	ok, err = r.InsertManifestIfNoneActive(ctx, newManifest("m2"))
	if err != nil || ok {
		t.Fatalf("second insert should be refused, got %v, %v", ok, err)
	}
	if _, err := r.GetManifest(ctx, "m2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("refused manifest must not exist: %v", err)
	}
	active, err := r.ActiveManifest(ctx, "p1")
	if err != nil || active.ID != "m1" {
		t.Fatalf("active = %+v, %v", active, err)
	}
	m, err := r.GetManifest(ctx, "m1")
	if err != nil || m.WebhookSecret != "secret-m1" || m.PRDName == nil || *m.PRDName != "add-auth" {
		t.Fatalf("stored manifest = %+v, %v", m, err)
	}

	done := "2026-01-02T04:00:00Z"
	if ok, err := r.TransitionManifest(ctx, "m1", domain.LiveManifestStatuses, domain.ManifestCompleted, ManifestUpdate{CompletedAt: &done}, done); err != nil || !ok {
		t.Fatalf("complete m1 = %v, %v", ok, err)
	}
	ok, err = r.InsertManifestIfNoneActive(ctx, newManifest("m2"))
	if err != nil || !ok {
		t.Fatalf("insert after terminal = %v, %v", ok, err)
	}
}

func TestTransitionManifestIsCompareAndSet(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()
	if _, err := r.InsertManifestIfNoneActive(ctx, newManifest("m1")); err != nil {
		t.Fatal(err)
	}
	running := []domain.ManifestStatus{domain.ManifestRunning}
	if ok, err := r.TransitionManifest(ctx, "m1", running, domain.ManifestCompleted, ManifestUpdate{}, ts0); err != nil || ok {
		t.Fatalf("pending manifest must not complete from running guard: %v %v", ok, err)
	}
	from := []domain.ManifestStatus{domain.ManifestPending}
	if ok, err := r.TransitionManifest(ctx, "m1", from, domain.ManifestActive, ManifestUpdate{}, ts0); err != nil || !ok {
		t.Fatalf("pending->active = %v %v", ok, err)
	}
	if ok, _ := r.TransitionManifest(ctx, "m1", from, domain.ManifestActive, ManifestUpdate{}, ts0); ok {
		t.Fatal("second pending->active must lose")
	}
	if _, err := r.TransitionManifest(ctx, "missing", from, domain.ManifestActive, ManifestUpdate{}, ts0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestProgressAndPRDNameGuards(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()
	_, _ = r.InsertManifestIfNoneActive(ctx, newManifest("m1"))

	if ok, err := r.UpdateManifestPRDName(ctx, "m1", "new-name", "prd/new-name", ts0); err != nil || !ok {
		t.Fatalf("rename pending = %v %v", ok, err)
	}
	_, _ = r.TransitionManifest(ctx, "m1", []domain.ManifestStatus{domain.ManifestPending}, domain.ManifestRunning, ManifestUpdate{}, ts0)
	if ok, _ := r.UpdateManifestPRDName(ctx, "m1", "other", "prd/other", ts0); ok {
		t.Fatal("rename while running must be refused")
	}
	if ok, err := r.UpdateManifestProgress(ctx, "m1", `{"tasks":[]}`, ts0); err != nil || !ok {
		t.Fatalf("progress while running = %v %v", ok, err)
	}
	_, _ = r.TransitionManifest(ctx, "m1", []domain.ManifestStatus{domain.ManifestRunning}, domain.ManifestError, ManifestUpdate{}, ts0)
	if ok, _ := r.UpdateManifestProgress(ctx, "m1", `{"tasks":[{"id":"1"}]}`, ts0); ok {
		t.Fatal("progress after terminal must be refused")
	}
	m, _ := r.GetManifest(ctx, "m1")
	if m.PRDJSON != `{"tasks":[]}` || m.Branch != "prd/new-name" || m.Status != domain.ManifestError {
		t.Fatalf("unexpected manifest %+v", m)
	}
}

func TestManifestHandleLifecycle(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()
	_, _ = r.InsertManifestIfNoneActive(ctx, newManifest("m1"))
	if err := r.SetManifestHandle(ctx, "m1", "manifest-demo-1", "https://x", "pw", ts0); err != nil {
		t.Fatal(err)
	}
	if ok, _ := r.ClearManifestHandle(ctx, "m1", "manifest-other", ts0); ok {
		t.Fatal("clearing with a stale name must not apply")
	}
	_, _ = r.TransitionManifest(ctx, "m1", domain.LiveManifestStatuses, domain.ManifestError, ManifestUpdate{}, ts0)
	orphans, err := r.ListOrphanedManifests(ctx)
	if err != nil || len(orphans) != 1 {
		t.Fatalf("orphans = %v, %v", orphans, err)
	}
	if ok, err := r.ClearManifestHandle(ctx, "m1", "manifest-demo-1", ts0); err != nil || !ok {
		t.Fatalf("clear = %v %v", ok, err)
	}
	m, _ := r.GetManifest(ctx, "m1")
	if m.HasSandbox() || m.SpritePassword != "" {
		t.Fatalf("handle not cleared: %+v", m)
	}
	if orphans, _ := r.ListOrphanedManifests(ctx); len(orphans) != 0 {
		t.Fatalf("expected no orphans, got %d", len(orphans))
	}
}

func TestClaimManifestPollThrottles(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()
	_, _ = r.InsertManifestIfNoneActive(ctx, newManifest("m1"))
	if ok, _ := r.ClaimManifestPoll(ctx, "m1", ts0, ts0); ok {
		t.Fatal("only running manifests are polled")
	}
	_, _ = r.TransitionManifest(ctx, "m1", domain.LiveManifestStatuses, domain.ManifestRunning, ManifestUpdate{}, ts0)
	if ok, err := r.ClaimManifestPoll(ctx, "m1", "2026-01-02T03:05:00Z", "2026-01-02T03:04:30Z"); err != nil || !ok {
		t.Fatalf("first claim = %v %v", ok, err)
	}
	if ok, _ := r.ClaimManifestPoll(ctx, "m1", "2026-01-02T03:05:10Z", "2026-01-02T03:04:40Z"); ok {
		t.Fatal("claim inside the interval must be refused")
	}
	if ok, _ := r.ClaimManifestPoll(ctx, "m1", "2026-01-02T03:06:00Z", "2026-01-02T03:05:30Z"); !ok {
		t.Fatal("claim after the interval must succeed")
	}
}

func TestSpriteUpsertKeepsOnePerBranchAndType(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()
	s := domain.Sprite{ID: "s1", ProjectID: "p1", Branch: "prd/add-auth", Type: domain.SpriteManifest, Status: domain.SpritePending,
		Name: "manifest-demo-1", CreatedAt: ts0, UpdatedAt: ts0}
	if err := r.UpsertSprite(ctx, s); err != nil {
		t.Fatal(err)
	}
	s.ID, s.Name, s.Status = "s2", "manifest-demo-2", domain.SpriteActive
	if err := r.UpsertSprite(ctx, s); err != nil {
		t.Fatal(err)
	}
	list, err := r.ListSprites(ctx, SpriteFilters{ProjectID: "p1"})
	if err != nil || len(list) != 1 {
		t.Fatalf("sprites = %v, %v", list, err)
	}
	got, err := r.GetSpriteByBranch(ctx, "prd/add-auth", domain.SpriteManifest)
	if err != nil || got.Name != "manifest-demo-2" || got.Status != domain.SpriteActive {
		t.Fatalf("sprite = %+v, %v", got, err)
	}
	if err := r.UpdateSpriteStatus(ctx, "manifest-demo-2", domain.SpriteError, "boom", ts0); err != nil {
		t.Fatal(err)
	}
	if err := r.DeleteSpriteByName(ctx, "manifest-demo-2"); err != nil {
		t.Fatal(err)
	}
	if err := r.DeleteSpriteByName(ctx, "manifest-demo-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionsLatestAndTerminalAbsorbs(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()
	task := domain.Task{ID: "t1", ProjectID: "p1", Title: "Fix", BoardStatus: domain.BoardAbyss, ExecutionState: domain.ExecIdle, CreatedAt: ts0, UpdatedAt: ts0}
	if err := r.InsertTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	for i, id := range []string{"s1", "s2"} {
		created := []string{"2026-01-02T03:04:05Z", "2026-01-02T03:09:05Z"}[i]
		if err := r.InsertSession(ctx, domain.OpencodeSession{ID: id, TaskID: "t1", WebhookSecret: "k" + id, Status: domain.SessionPending, CreatedAt: created, UpdatedAt: created}); err != nil {
			t.Fatal(err)
		}
	}
	latest, err := r.LatestSession(ctx, "t1")
	if err != nil || latest.ID != "s2" {
		t.Fatalf("latest = %+v, %v", latest, err)
	}
	all := []domain.SessionStatus{domain.SessionPending, domain.SessionRunning}
	if ok, err := r.TransitionSession(ctx, "s2", all, domain.SessionCompleted, SessionUpdate{}, ts0); err != nil || !ok {
		t.Fatalf("complete = %v %v", ok, err)
	}
	if ok, _ := r.TransitionSession(ctx, "s2", all, domain.SessionError, SessionUpdate{}, ts0); ok {
		t.Fatal("terminal session must absorb later transitions")
	}
	if ok, _ := r.UpdateSessionProgress(ctx, "s2", 3, 10, 20, ts0); ok {
		t.Fatal("progress after terminal must be refused")
	}

	board := domain.BoardTrial
	if err := r.UpdateTask(ctx, "t1", TaskUpdate{BoardStatus: &board}, ts0); err != nil {
		t.Fatal(err)
	}
	got, _ := r.GetTask(ctx, "t1")
	if got.BoardStatus != domain.BoardTrial || got.Title != "Fix" {
		t.Fatalf("task = %+v", got)
	}
	if err := r.DeleteTask(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if sessions, _ := r.ListSessions(ctx, "t1"); len(sessions) != 0 {
		t.Fatal("sessions should cascade with the task")
	}
}

func TestEventsQueries(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB}
	for _, typ := range []string{events.ManifestCreated, events.ManifestStatus, events.TaskCreated} {
		if err := w.Append(ctx, nil, typ, "p1", "manifest", "m1", "", events.EventPayload{"k": "v"}); err != nil {
			t.Fatal(err)
		}
	}
	latest, err := r.LatestEvents(ctx, 10, EventFilters{ProjectID: "p1", Type: events.ManifestStatus})
	if err != nil || len(latest) != 1 || latest[0].ActorID != "system" {
		t.Fatalf("latest = %+v, %v", latest, err)
	}
	after, err := r.EventsAfter(ctx, 10, latest[0].ID, "p1")
	if err != nil || len(after) != 1 || after[0].Type != events.TaskCreated {
		t.Fatalf("after = %+v, %v", after, err)
	}
	id, err := r.LatestEventID(ctx, "p1")
	if err != nil || id != after[0].ID {
		t.Fatalf("latest id = %d, %v", id, err)
	}
}

func TestCredentialsUpsert(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()
	c := domain.UserCredential{UserID: "u1", Provider: "opencode", SecretEnc: "a", UpdatedAt: ts0}
	_ = r.UpsertCredential(ctx, c)
	c.SecretEnc = "b"
	_ = r.UpsertCredential(ctx, c)
	got, err := r.GetCredential(ctx, "u1", "opencode")
	if err != nil || got.SecretEnc != "b" {
		t.Fatalf("credential = %+v, %v", got, err)
	}
	if _, err := r.GetCredential(ctx, "u2", "opencode"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
