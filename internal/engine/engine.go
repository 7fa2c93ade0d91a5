package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"spriteboard/internal/config"
	"spriteboard/internal/domain"
	"spriteboard/internal/engine/auth"
	"spriteboard/internal/events"
	"spriteboard/internal/github"
	"spriteboard/internal/logging"
	"spriteboard/internal/repo"
	"spriteboard/internal/sandbox"
	"spriteboard/internal/spawner"
	"spriteboard/internal/vault"
)

// ErrSpawnFailed wraps any failure to provision a sandbox. The affected record
// has already been moved to its error state when this is returned.
var ErrSpawnFailed = errors.New("sandbox provisioning failed")

// ValidationError is a user-facing rejection of a requested operation.
type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string { return e.Message }

func validationf(format string, args ...any) error {
	return ValidationError{Message: fmt.Sprintf(format, args...)}
}

// SourceReader fetches files from the project's source repository.
type SourceReader interface {
	GetFile(ctx context.Context, ref github.FileRef) ([]byte, error)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Auth     auth.Service
	Config   *config.Config
	Provider sandbox.Provider
	Spawner  *spawner.Spawner
	Source   SourceReader
	Vault    *vault.Vault
	// GitHubToken is used for projects that carry no token of their own.
	GitHubToken string
	Logger      *slog.Logger
	Now         func() time.Time
	// CallbackTeardown bounds sandbox teardown while a webhook is being
	// handled. Zero means DefaultCallbackTeardown. Anything left behind is
	// retried by SweepOrphans.
	CallbackTeardown time.Duration

	teardownBound time.Duration
}

// DefaultCallbackTeardown keeps webhook responses inside the sender's retry window.
const DefaultCallbackTeardown = 5 * time.Second

// Deps are the external collaborators of an Engine.
type Deps struct {
	Provider    sandbox.Provider
	Source      SourceReader
	Vault       *vault.Vault
	GitHubToken string
	Logger      *slog.Logger
}

func New(db *sql.DB, cfg *config.Config, d Deps) Engine {
	r := repo.Repo{DB: db}
	lg := logging.OrDiscard(d.Logger)
	sp := spawner.New(d.Provider, d.Vault, spawner.Options{
		WorkDir:       cfg.Sandbox.WorkDir,
		AgentPort:     cfg.Sandbox.AgentPort,
		InstallCmd:    cfg.Agent.InstallCmd,
		PRDPath:       cfg.Manifest.PRDPath,
		MaxIterations: cfg.Manifest.MaxIterations,
		DefaultModel:  cfg.Agent.DefaultModel,
		NetworkAllow:  cfg.Sandbox.NetworkAllow,
		StartTimeout:  cfg.StartTimeout(),
	}, lg.With("component", "spawner"))
	return Engine{
		DB:          db,
		Repo:        r,
		Events:      events.Writer{DB: db},
		Auth:        auth.Service{Repo: r},
		Config:      cfg,
		Provider:    d.Provider,
		Spawner:     sp,
		Source:      d.Source,
		Vault:       d.Vault,
		GitHubToken: d.GitHubToken,
		Logger:      lg,
		Now:         time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return repo.Now(e.now())
}

func (e Engine) log() *slog.Logger {
	return logging.OrDiscard(e.Logger)
}

// emit records a lifecycle event. The state change it describes has already
// been committed, so a failure here is logged rather than returned.
func (e Engine) emit(ctx context.Context, typ, projectID, kind, id, actorID string, payload events.EventPayload) {
	w := e.Events
	w.Now = e.now
	if err := w.Append(ctx, nil, typ, projectID, kind, id, actorID, payload); err != nil {
		e.log().Warn("append event failed", "type", typ, "entity_id", id, "err", err)
	}
}

// teardownContext detaches from the caller so a cancelled request cannot
// abandon a half-destroyed sandbox.
func (e Engine) teardownContext(ctx context.Context) (context.Context, context.CancelFunc) {
	d := e.Config.SandboxTimeout()
	if e.teardownBound > 0 && (d <= 0 || e.teardownBound < d) {
		d = e.teardownBound
	}
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}

// forCallback returns a copy whose teardowns are bounded for the webhook path.
func (e Engine) forCallback() Engine {
	e.teardownBound = e.CallbackTeardown
	if e.teardownBound <= 0 {
		e.teardownBound = DefaultCallbackTeardown
	}
	return e
}

func (e Engine) webhookURL(path, id string) string {
	base := strings.TrimSuffix(e.Config.Server.PublicURL, "/")
	if base == "" {
		base = "http://" + e.Config.Server.Addr
	}
	return base + "/webhooks/" + path + "/" + id
}

// projectToken returns the sealed repository token for p, sealing the
// service-wide token on the fly when the project has none.
func (e Engine) projectToken(p domain.Project) (string, error) {
	if p.GithubTokenEnc != "" || e.GitHubToken == "" {
		return p.GithubTokenEnc, nil
	}
	return e.Vault.Seal(e.GitHubToken)
}

func (e Engine) plainToken(p domain.Project) (string, error) {
	if p.GithubTokenEnc == "" {
		return e.GitHubToken, nil
	}
	return e.Vault.Open(p.GithubTokenEnc)
}

// CreateProjectOptions are parameters for registering a repository.
type CreateProjectOptions struct {
	ID            string
	Name          string
	RepoURL       string
	DefaultBranch string
	GitHubToken   string
	ActorID       string
}

func (e Engine) CreateProject(ctx context.Context, opts CreateProjectOptions) (domain.Project, error) {
	if opts.ActorID == "" {
		return domain.Project{}, validationf("actor is required")
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Project{}, validationf("project name is required")
	}
	owner, repoName, err := github.SplitRepo(opts.RepoURL)
	if err != nil {
		return domain.Project{}, validationf("invalid repository %q", opts.RepoURL)
	}
	p := domain.Project{
		ID:            opts.ID,
		UserID:        opts.ActorID,
		Name:          name,
		RepoURL:       owner + "/" + repoName,
		DefaultBranch: strings.TrimSpace(opts.DefaultBranch),
		CreatedAt:     e.ts(),
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.DefaultBranch == "" {
		p.DefaultBranch = "main"
	}
	if opts.GitHubToken != "" {
		if p.GithubTokenEnc, err = e.Vault.Seal(opts.GitHubToken); err != nil {
			return domain.Project{}, fmt.Errorf("seal repository token: %w", err)
		}
	}
	if err := e.Repo.InsertProject(ctx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	e.emit(ctx, events.ProjectCreated, p.ID, "project", p.ID, opts.ActorID, events.EventPayload{"repo": p.RepoURL})
	return p, nil
}

func (e Engine) GetProject(ctx context.Context, id, actorID string) (domain.Project, error) {
	return e.Auth.Project(ctx, id, actorID)
}

// ListProjects returns the actor's projects, or every project for the system actor.
func (e Engine) ListProjects(ctx context.Context, actorID string) ([]domain.Project, error) {
	if actorID == auth.System {
		return e.Repo.ListProjects(ctx, "")
	}
	return e.Repo.ListProjects(ctx, actorID)
}

// SetProjectToken replaces (or clears, when token is empty) the repository token.
func (e Engine) SetProjectToken(ctx context.Context, id, token, actorID string) error {
	if _, err := e.Auth.Project(ctx, id, actorID); err != nil {
		return err
	}
	enc := ""
	if token != "" {
		var err error
		if enc, err = e.Vault.Seal(token); err != nil {
			return fmt.Errorf("seal repository token: %w", err)
		}
	}
	return e.Repo.UpdateProjectToken(ctx, id, enc)
}

// DeleteProject tears down every sandbox the project still holds, then
// deletes the project and everything that references it.
func (e Engine) DeleteProject(ctx context.Context, id, actorID string) error {
	p, err := e.Auth.Project(ctx, id, actorID)
	if err != nil {
		return err
	}
	sprites, err := e.Repo.ListSprites(ctx, repo.SpriteFilters{ProjectID: p.ID})
	if err != nil {
		return err
	}
	manifests, err := e.Repo.ListManifests(ctx, p.ID)
	if err != nil {
		return err
	}
	names := map[string]bool{}
	for _, s := range sprites {
		names[s.Name] = true
	}
	for _, m := range manifests {
		names[m.SpriteName] = true
	}
	for name := range names {
		if name == "" {
			continue
		}
		if err := e.destroy(ctx, name); err != nil {
			e.log().Warn("teardown during project delete failed", "project_id", p.ID, "sprite", name, "err", err)
		}
	}
	if err := e.Repo.DeleteProject(ctx, p.ID); err != nil {
		return err
	}
	e.emit(ctx, events.ProjectDeleted, "", "project", p.ID, actorID, nil)
	return nil
}

// SetCredential stores agent-runtime credentials for the actor, sealed at rest.
func (e Engine) SetCredential(ctx context.Context, actorID, provider, secret string) error {
	if actorID == "" || actorID == auth.System {
		return validationf("credentials belong to a user")
	}
	if strings.TrimSpace(provider) == "" || secret == "" {
		return validationf("provider and secret are required")
	}
	enc, err := e.Vault.Seal(secret)
	if err != nil {
		return fmt.Errorf("seal credential: %w", err)
	}
	return e.Repo.UpsertCredential(ctx, domain.UserCredential{UserID: actorID, Provider: provider, SecretEnc: enc, UpdatedAt: e.ts()})
}

func (e Engine) DeleteCredential(ctx context.Context, actorID, provider string) error {
	return e.Repo.DeleteCredential(ctx, actorID, provider)
}

// credential returns the owner's sealed agent credentials, or "" when none are stored.
func (e Engine) credential(ctx context.Context, p domain.Project) (string, error) {
	c, err := e.Repo.GetCredential(ctx, p.UserID, CredentialProvider)
	if errors.Is(err, repo.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return c.SecretEnc, nil
}

// CredentialProvider names the agent runtime whose auth file is uploaded to sandboxes.
const CredentialProvider = "opencode"

// destroy tears a sandbox down and drops its sprite row.
func (e Engine) destroy(ctx context.Context, name string) error {
	tctx, cancel := e.teardownContext(ctx)
	defer cancel()
	if err := sandbox.Teardown(tctx, e.Provider, name); err != nil {
		if uerr := e.Repo.UpdateSpriteStatus(ctx, name, domain.SpriteError, "teardown failed: "+err.Error(), e.ts()); uerr != nil && !errors.Is(uerr, repo.ErrNotFound) {
			e.log().Warn("mark sprite errored failed", "sprite", name, "err", uerr)
		}
		return err
	}
	if err := e.Repo.DeleteSpriteByName(ctx, name); err != nil && !errors.Is(err, repo.ErrNotFound) {
		e.log().Warn("delete sprite row failed", "sprite", name, "err", err)
	}
	return nil
}

// ListSprites returns sprite rows for a project, optionally filtered by branch and type.
func (e Engine) ListSprites(ctx context.Context, projectID, branch string, typ domain.SpriteType, actorID string) ([]domain.Sprite, error) {
	if _, err := e.Auth.Project(ctx, projectID, actorID); err != nil {
		return nil, err
	}
	return e.Repo.ListSprites(ctx, repo.SpriteFilters{ProjectID: projectID, Branch: branch, Type: typ})
}

// ListEvents returns the most recent lifecycle events of a project.
func (e Engine) ListEvents(ctx context.Context, projectID string, limit int, f repo.EventFilters, actorID string) ([]domain.Event, error) {
	if _, err := e.Auth.Project(ctx, projectID, actorID); err != nil {
		return nil, err
	}
	f.ProjectID = projectID
	return e.Repo.LatestEvents(ctx, limit, f)
}
