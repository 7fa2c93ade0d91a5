package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"spriteboard/internal/domain"
	"spriteboard/internal/events"
	"spriteboard/internal/github"
	"spriteboard/internal/repo"
	"spriteboard/internal/signature"
	"spriteboard/internal/spawner"
	"spriteboard/internal/webhook"
)

// CreateManifestOptions are parameters for opening a manifest on a project.
type CreateManifestOptions struct {
	ProjectID string
	Name      string
	PRDName   string
	Model     string
	// AutoStart runs the task loop as soon as bootstrap finishes. Requires PRDName.
	AutoStart bool
	// NoSpawn records the manifest without provisioning a sandbox.
	NoSpawn bool
	ActorID string
}

// Completion carries what is known about a finished manifest.
type Completion struct {
	PRDJSON string
	Branch  string
	PRURL   string
	// Source is "webhook" or "poll".
	Source string
}

func (e Engine) branchFor(prdName string) string {
	return e.Config.Manifest.BranchPrefix + prdName
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateManifest opens a manifest and, unless NoSpawn is set, provisions its
// sandbox. At most one manifest per project may be pending, active or running.
func (e Engine) CreateManifest(ctx context.Context, opts CreateManifestOptions) (domain.Manifest, error) {
	p, err := e.Auth.Project(ctx, opts.ProjectID, opts.ActorID)
	if err != nil {
		return domain.Manifest{}, err
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Manifest{}, validationf("manifest name is required")
	}
	prd := strings.TrimSpace(opts.PRDName)
	if prd != "" && !domain.ValidPRDName(prd) {
		return domain.Manifest{}, validationf("PRD name %q must be lowercase kebab-case", prd)
	}
	if opts.AutoStart && prd == "" {
		return domain.Manifest{}, validationf("auto-start requires a PRD name")
	}
	secret, err := signature.NewSecret()
	if err != nil {
		return domain.Manifest{}, fmt.Errorf("generate webhook secret: %w", err)
	}
	now := e.ts()
	m := domain.Manifest{
		ID:            uuid.NewString(),
		ProjectID:     p.ID,
		Name:          name,
		Status:        domain.ManifestPending,
		WebhookSecret: secret,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if prd != "" {
		m.PRDName = &prd
		m.Branch = e.branchFor(prd)
	}
	inserted, err := e.Repo.InsertManifestIfNoneActive(ctx, m)
	if err != nil {
		return domain.Manifest{}, fmt.Errorf("insert manifest: %w", err)
	}
	if !inserted {
		active, aerr := e.Repo.ActiveManifest(ctx, p.ID)
		if aerr != nil {
			return domain.Manifest{}, validationf("project already has a live manifest")
		}
		return domain.Manifest{}, validationf("project already has a %s manifest (%s)", active.Status, active.ID)
	}
	lg := e.log().With("manifest_id", m.ID, "project_id", p.ID)
	lg.Info("manifest created", "prd_name", prd)
	e.emit(ctx, events.ManifestCreated, p.ID, "manifest", m.ID, opts.ActorID, events.EventPayload{"name": name, "prd_name": prd})
	if opts.NoSpawn {
		return m, nil
	}
	return e.spawnManifest(ctx, p, m, opts, lg)
}

func (e Engine) spawnManifest(ctx context.Context, p domain.Project, m domain.Manifest, opts CreateManifestOptions, lg *slog.Logger) (domain.Manifest, error) {
	tokenEnc, err := e.projectToken(p)
	if err != nil {
		return e.failSpawn(ctx, m, fmt.Errorf("seal repository token: %w", err), lg)
	}
	credEnc, err := e.credential(ctx, p)
	if err != nil {
		return e.failSpawn(ctx, m, fmt.Errorf("load agent credentials: %w", err), lg)
	}
	spriteBranch := m.Branch
	if spriteBranch == "" {
		spriteBranch = "manifest/" + m.ID
	}
	branch := m.Branch
	if branch == "" {
		branch = p.DefaultBranch
	}
	prd := ""
	if m.PRDName != nil {
		prd = *m.PRDName
	}
	h, err := e.Spawner.Spawn(ctx, spawner.Request{
		Kind:          domain.SpriteManifest,
		ProjectID:     p.ID,
		ProjectName:   p.Name,
		Repo:          p.RepoURL,
		TokenEnc:      tokenEnc,
		CredentialEnc: credEnc,
		Branch:        branch,
		BaseBranch:    p.DefaultBranch,
		CreateBranch:  m.Branch != "",
		PRDName:       prd,
		AutoStart:     opts.AutoStart,
		Model:         opts.Model,
		WebhookURL:    e.webhookURL("manifest", m.ID),
		WebhookSecret: m.WebhookSecret,
		Record: func(ctx context.Context, h spawner.Handle) error {
			now := e.ts()
			if err := e.Repo.SetManifestHandle(ctx, m.ID, h.Name, h.URL, h.Password, now); err != nil {
				return err
			}
			return e.Repo.UpsertSprite(ctx, domain.Sprite{
				ID: uuid.NewString(), ProjectID: p.ID, Branch: spriteBranch, Type: domain.SpriteManifest,
				Status: domain.SpritePending, Name: h.Name, URL: h.URL, WebhookSecret: m.WebhookSecret,
				CreatedAt: now, UpdatedAt: now,
			})
		},
	})
	if err != nil {
		return e.failSpawn(ctx, m, err, lg)
	}
	lg.Info("manifest sandbox ready", "sprite", h.Name)
	e.emit(ctx, events.SpriteCreated, p.ID, "manifest", m.ID, opts.ActorID, events.EventPayload{"sprite": h.Name, "url": h.URL})
	ok, err := e.transition(ctx, m, []domain.ManifestStatus{domain.ManifestPending}, domain.ManifestActive, repo.ManifestUpdate{}, "spawned")
	if err != nil {
		return domain.Manifest{}, err
	}
	if ok {
		e.setSpriteStatus(ctx, h.Name, domain.SpriteActive)
	}
	return e.Repo.GetManifest(ctx, m.ID)
}

// failSpawn moves a manifest whose sandbox could not be provisioned to error
// and releases any handle the spawner recorded before failing.
func (e Engine) failSpawn(ctx context.Context, m domain.Manifest, cause error, lg *slog.Logger) (domain.Manifest, error) {
	lg.Error("manifest spawn failed", "err", cause)
	msg := "sandbox provisioning failed: " + cause.Error()
	ok, err := e.transition(ctx, m, domain.LiveManifestStatuses, domain.ManifestError, repo.ManifestUpdate{ErrorMessage: &msg}, "spawn_failed")
	if err != nil {
		return domain.Manifest{}, err
	}
	if ok {
		e.releaseManifest(ctx, m.ID)
	}
	cur, err := e.Repo.GetManifest(ctx, m.ID)
	if err != nil {
		return domain.Manifest{}, err
	}
	return cur, fmt.Errorf("%w: %w", ErrSpawnFailed, cause)
}

// transition applies a conditional status change and records it when applied.
func (e Engine) transition(ctx context.Context, m domain.Manifest, from []domain.ManifestStatus, to domain.ManifestStatus, upd repo.ManifestUpdate, reason string) (bool, error) {
	ok, err := e.Repo.TransitionManifest(ctx, m.ID, from, to, upd, e.ts())
	if err != nil {
		return false, fmt.Errorf("transition manifest %s to %s: %w", m.ID, to, err)
	}
	lg := e.log().With("manifest_id", m.ID, "project_id", m.ProjectID, "to", string(to), "reason", reason)
	if !ok {
		lg.Debug("manifest transition skipped")
		return false, nil
	}
	lg.Info("manifest transition")
	payload := events.EventPayload{"status": string(to), "reason": reason}
	if upd.ErrorMessage != nil {
		payload["error"] = *upd.ErrorMessage
	}
	e.emit(ctx, events.ManifestStatus, m.ProjectID, "manifest", m.ID, "", payload)
	return true, nil
}

func (e Engine) setSpriteStatus(ctx context.Context, name string, status domain.SpriteStatus) {
	if name == "" {
		return
	}
	if err := e.Repo.UpdateSpriteStatus(ctx, name, status, "", e.ts()); err != nil && !errors.Is(err, repo.ErrNotFound) {
		e.log().Warn("update sprite status failed", "sprite", name, "err", err)
	}
}

// releaseManifest destroys the manifest's sandbox and clears the handle. A
// failed destroy keeps the handle so SweepOrphans can retry.
func (e Engine) releaseManifest(ctx context.Context, id string) bool {
	m, err := e.Repo.GetManifest(ctx, id)
	if err != nil {
		e.log().Warn("load manifest for teardown failed", "manifest_id", id, "err", err)
		return false
	}
	if !m.HasSandbox() {
		return true
	}
	lg := e.log().With("manifest_id", m.ID, "project_id", m.ProjectID, "sprite", m.SpriteName)
	if err := e.destroy(ctx, m.SpriteName); err != nil {
		lg.Error("sandbox teardown failed", "err", err)
		e.emit(ctx, events.SpriteOrphaned, m.ProjectID, "manifest", m.ID, "", events.EventPayload{"sprite": m.SpriteName, "error": err.Error()})
		return false
	}
	if _, err := e.Repo.ClearManifestHandle(ctx, m.ID, m.SpriteName, e.ts()); err != nil {
		lg.Warn("clear sandbox handle failed", "err", err)
		return false
	}
	lg.Info("sandbox destroyed")
	e.emit(ctx, events.SpriteDestroyed, m.ProjectID, "manifest", m.ID, "", events.EventPayload{"sprite": m.SpriteName})
	return true
}

// GetManifest returns a manifest, first checking the repository for progress when its loop is running.
func (e Engine) GetManifest(ctx context.Context, id, actorID string) (domain.Manifest, error) {
	m, _, err := e.Auth.Manifest(ctx, id, actorID)
	if err != nil {
		return domain.Manifest{}, err
	}
	if m.Status != domain.ManifestRunning {
		return m, nil
	}
	return e.CheckManifestProgress(ctx, id)
}

func (e Engine) ListManifests(ctx context.Context, projectID, actorID string) ([]domain.Manifest, error) {
	if _, err := e.Auth.Project(ctx, projectID, actorID); err != nil {
		return nil, err
	}
	return e.Repo.ListManifests(ctx, projectID)
}

// UpdatePRDName renames the PRD of a pending or active manifest.
func (e Engine) UpdatePRDName(ctx context.Context, id, prdName, actorID string) (domain.Manifest, error) {
	m, _, err := e.Auth.Manifest(ctx, id, actorID)
	if err != nil {
		return domain.Manifest{}, err
	}
	prd := strings.TrimSpace(prdName)
	if !domain.ValidPRDName(prd) {
		return domain.Manifest{}, validationf("PRD name %q must be lowercase kebab-case", prd)
	}
	ok, err := e.Repo.UpdateManifestPRDName(ctx, id, prd, e.branchFor(prd), e.ts())
	if err != nil {
		return domain.Manifest{}, err
	}
	if !ok {
		cur, err := e.Repo.GetManifest(ctx, id)
		if err != nil {
			return domain.Manifest{}, err
		}
		return domain.Manifest{}, validationf("cannot rename the PRD of a %s manifest", cur.Status)
	}
	e.emit(ctx, events.ManifestPRD, m.ProjectID, "manifest", id, actorID, events.EventPayload{"prd_name": prd})
	return e.Repo.GetManifest(ctx, id)
}

// StartTaskLoop runs the PRD task loop in an active manifest's sandbox.
func (e Engine) StartTaskLoop(ctx context.Context, id, model, actorID string) (domain.Manifest, error) {
	m, _, err := e.Auth.Manifest(ctx, id, actorID)
	if err != nil {
		return domain.Manifest{}, err
	}
	switch {
	case m.Status == domain.ManifestRunning:
		return domain.Manifest{}, validationf("task loop is already running")
	case m.Status == domain.ManifestPending:
		return domain.Manifest{}, validationf("sandbox is still starting")
	case m.Status.Terminal():
		return domain.Manifest{}, validationf("manifest is %s", m.Status)
	case m.PRDName == nil:
		return domain.Manifest{}, validationf("set a PRD name before starting the task loop")
	case !m.HasSandbox():
		return domain.Manifest{}, validationf("manifest has no sandbox")
	}
	if err := e.Spawner.StartLoop(ctx, spawner.LoopRequest{
		SpriteName:    m.SpriteName,
		Branch:        m.Branch,
		PRDName:       *m.PRDName,
		Model:         model,
		WebhookURL:    e.webhookURL("manifest", m.ID),
		WebhookSecret: m.WebhookSecret,
	}); err != nil {
		e.log().Error("start task loop failed", "manifest_id", m.ID, "sprite", m.SpriteName, "err", err)
		return domain.Manifest{}, fmt.Errorf("start task loop: %w", err)
	}
	if ok, err := e.transition(ctx, m, []domain.ManifestStatus{domain.ManifestActive}, domain.ManifestRunning, repo.ManifestUpdate{}, "loop_started"); err != nil {
		return domain.Manifest{}, err
	} else if ok {
		e.setSpriteStatus(ctx, m.SpriteName, domain.SpriteRunning)
	}
	return e.Repo.GetManifest(ctx, id)
}

// StopManifest kills the task loop and returns the manifest to active. The sandbox stays up.
func (e Engine) StopManifest(ctx context.Context, id, actorID string) (domain.Manifest, error) {
	m, _, err := e.Auth.Manifest(ctx, id, actorID)
	if err != nil {
		return domain.Manifest{}, err
	}
	if m.Status != domain.ManifestRunning {
		return domain.Manifest{}, validationf("task loop is not running (manifest is %s)", m.Status)
	}
	if err := e.Spawner.StopLoop(ctx, m.SpriteName); err != nil {
		e.log().Error("stop task loop failed", "manifest_id", m.ID, "sprite", m.SpriteName, "err", err)
		return domain.Manifest{}, fmt.Errorf("stop task loop: %w", err)
	}
	if ok, err := e.transition(ctx, m, []domain.ManifestStatus{domain.ManifestRunning}, domain.ManifestActive, repo.ManifestUpdate{}, "stopped"); err != nil {
		return domain.Manifest{}, err
	} else if ok {
		e.setSpriteStatus(ctx, m.SpriteName, domain.SpriteActive)
	}
	return e.Repo.GetManifest(ctx, id)
}

// DeleteManifest destroys the sandbox (best-effort) and removes the manifest.
func (e Engine) DeleteManifest(ctx context.Context, id, actorID string) error {
	m, _, err := e.Auth.Manifest(ctx, id, actorID)
	if err != nil {
		return err
	}
	if m.HasSandbox() {
		if err := e.destroy(ctx, m.SpriteName); err != nil {
			e.log().Warn("teardown during manifest delete failed", "manifest_id", m.ID, "sprite", m.SpriteName, "err", err)
		}
	}
	if err := e.Repo.DeleteManifest(ctx, id); err != nil {
		return err
	}
	e.log().Info("manifest deleted", "manifest_id", m.ID, "project_id", m.ProjectID)
	e.emit(ctx, events.ManifestDeleted, m.ProjectID, "manifest", m.ID, actorID, events.EventPayload{"status": string(m.Status)})
	return nil
}

// HandleManifestWebhook applies a verified sandbox callback. Callbacks that
// no longer match the manifest's status are accepted and ignored.
func (e Engine) HandleManifestWebhook(ctx context.Context, id string, p webhook.ManifestPayload) error {
	e = e.forCallback()
	m, err := e.Repo.GetManifest(ctx, id)
	if err != nil {
		return err
	}
	lg := e.log().With("manifest_id", m.ID, "project_id", m.ProjectID, "type", p.Type())
	lg.Debug("manifest webhook")
	switch v := p.(type) {
	case webhook.ManifestStarted:
		ok, err := e.transition(ctx, m, []domain.ManifestStatus{domain.ManifestPending}, domain.ManifestActive, repo.ManifestUpdate{}, "started")
		if err != nil {
			return err
		}
		if ok {
			e.setSpriteStatus(ctx, m.SpriteName, domain.SpriteActive)
		}
	case webhook.TaskLoopStarted:
		if m.PRDName == nil {
			lg.Warn("task loop reported without a PRD name")
			return nil
		}
		if _, err := e.transition(ctx, m, []domain.ManifestStatus{domain.ManifestPending}, domain.ManifestActive, repo.ManifestUpdate{}, "started"); err != nil {
			return err
		}
		ok, err := e.transition(ctx, m, []domain.ManifestStatus{domain.ManifestActive}, domain.ManifestRunning, repo.ManifestUpdate{Branch: optional(v.Branch)}, "loop_started")
		if err != nil {
			return err
		}
		if ok {
			e.setSpriteStatus(ctx, m.SpriteName, domain.SpriteRunning)
		}
	case webhook.ManifestProgress:
		ok, err := e.Repo.UpdateManifestProgress(ctx, id, v.PRDJSON, e.ts())
		if err != nil {
			return err
		}
		if ok {
			e.emit(ctx, events.ManifestProg, m.ProjectID, "manifest", id, "", events.EventPayload{
				"passing": v.PRD.Passing(), "total": len(v.PRD.Tasks), "message": v.Message,
			})
		}
	case webhook.ManifestCompleted:
		_, err := e.CompleteManifest(ctx, id, Completion{PRDJSON: v.PRDJSON, Branch: v.Branch, PRURL: v.PRURL, Source: "webhook"})
		return err
	case webhook.ManifestError:
		_, err := e.FailManifest(ctx, id, v.Error, v.Log)
		return err
	default:
		return fmt.Errorf("%w: unsupported manifest payload %T", webhook.ErrInvalidPayload, p)
	}
	return nil
}

// CompleteManifest moves a live manifest to completed. Only the caller whose
// transition applies tears the sandbox down; it reports whether that was this call.
func (e Engine) CompleteManifest(ctx context.Context, id string, c Completion) (bool, error) {
	m, err := e.Repo.GetManifest(ctx, id)
	if err != nil {
		return false, err
	}
	now := e.ts()
	upd := repo.ManifestUpdate{
		PRDJSON:     optional(c.PRDJSON),
		Branch:      optional(c.Branch),
		PRURL:       optional(c.PRURL),
		CompletedAt: &now,
	}
	ok, err := e.transition(ctx, m, domain.LiveManifestStatuses, domain.ManifestCompleted, upd, "completed_"+c.Source)
	if err != nil || !ok {
		return false, err
	}
	e.releaseManifest(ctx, id)
	return true, nil
}

// FailManifest moves a live manifest to error and tears its sandbox down.
func (e Engine) FailManifest(ctx context.Context, id, message, logTail string) (bool, error) {
	m, err := e.Repo.GetManifest(ctx, id)
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(message) == "" {
		message = "sandbox reported an error"
	}
	now := e.ts()
	ok, err := e.transition(ctx, m, domain.LiveManifestStatuses, domain.ManifestError, repo.ManifestUpdate{ErrorMessage: &message, CompletedAt: &now}, "sandbox_error")
	if err != nil || !ok {
		return false, err
	}
	if logTail != "" {
		e.log().Info("manifest failure log", "manifest_id", id, "log", logTail)
	}
	e.releaseManifest(ctx, id)
	return true, nil
}

// CheckManifestProgress reads the PRD document from the manifest's branch,
// caches it, and completes the manifest when every task passes. Checks are
// throttled per manifest by the configured poll interval. Failures to reach
// the repository are logged and leave the manifest unchanged.
func (e Engine) CheckManifestProgress(ctx context.Context, id string) (domain.Manifest, error) {
	m, err := e.Repo.GetManifest(ctx, id)
	if err != nil {
		return domain.Manifest{}, err
	}
	if m.Status != domain.ManifestRunning || m.Branch == "" || e.Source == nil {
		return m, nil
	}
	now := e.now()
	claimed, err := e.Repo.ClaimManifestPoll(ctx, id, repo.Now(now), repo.Now(now.Add(-e.Config.PollInterval())))
	if err != nil || !claimed {
		return m, err
	}
	lg := e.log().With("manifest_id", m.ID, "project_id", m.ProjectID, "branch", m.Branch)
	p, err := e.Repo.GetProject(ctx, m.ProjectID)
	if err != nil {
		return m, err
	}
	token, err := e.plainToken(p)
	if err != nil {
		lg.Warn("open repository token failed", "err", err)
		return m, nil
	}
	data, err := e.Source.GetFile(ctx, github.FileRef{Repo: p.RepoURL, Ref: m.Branch, Path: e.Config.Manifest.PRDPath, Token: token})
	if errors.Is(err, github.ErrNotFound) {
		lg.Debug("prd not pushed yet")
		return m, nil
	}
	if err != nil {
		lg.Warn("fetch prd failed", "err", err)
		return m, nil
	}
	doc, err := domain.ParsePRD(data)
	if err != nil {
		lg.Warn("prd on branch is invalid", "err", err)
		return m, nil
	}
	raw := string(data)
	if raw != m.PRDJSON {
		if ok, err := e.Repo.UpdateManifestProgress(ctx, id, raw, e.ts()); err != nil {
			return m, err
		} else if ok {
			e.emit(ctx, events.ManifestProg, m.ProjectID, "manifest", id, "", events.EventPayload{
				"passing": doc.Passing(), "total": len(doc.Tasks), "source": "poll",
			})
		}
	}
	if doc.AllPassing() {
		if _, err := e.CompleteManifest(ctx, id, Completion{PRDJSON: raw, Source: "poll"}); err != nil {
			return m, err
		}
	}
	return e.Repo.GetManifest(ctx, id)
}

// PollRunning checks every running manifest and returns how many completed.
func (e Engine) PollRunning(ctx context.Context) (int, error) {
	running, err := e.Repo.ListManifestsByStatus(ctx, domain.ManifestRunning)
	if err != nil {
		return 0, err
	}
	completed := 0
	for _, m := range running {
		if err := ctx.Err(); err != nil {
			return completed, err
		}
		cur, err := e.CheckManifestProgress(ctx, m.ID)
		if err != nil {
			e.log().Warn("poll manifest failed", "manifest_id", m.ID, "err", err)
			continue
		}
		if cur.Status == domain.ManifestCompleted {
			completed++
		}
	}
	return completed, nil
}

// SweepOrphans retries teardown of sandboxes whose earlier destroy failed:
// terminal manifests that still hold a handle, and sprite rows left in error.
func (e Engine) SweepOrphans(ctx context.Context) (int, error) {
	orphans, err := e.Repo.ListOrphanedManifests(ctx)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, m := range orphans {
		if e.releaseManifest(ctx, m.ID) {
			released++
		}
	}
	stale, err := e.Repo.ListSprites(ctx, repo.SpriteFilters{Status: domain.SpriteError})
	if err != nil {
		return released, err
	}
	for _, s := range stale {
		if s.Name == "" {
			continue
		}
		if err := e.destroy(ctx, s.Name); err != nil {
			e.log().Warn("orphan teardown failed", "sprite", s.Name, "err", err)
			continue
		}
		e.emit(ctx, events.SpriteDestroyed, s.ProjectID, "sprite", s.ID, "", events.EventPayload{"sprite": s.Name, "sweep": true})
		released++
	}
	return released, nil
}
