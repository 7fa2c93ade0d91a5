// Package spawner provisions sandboxes for manifests and task invocations.
package spawner

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"spriteboard/internal/bootstrap"
	"spriteboard/internal/domain"
	"spriteboard/internal/github"
	"spriteboard/internal/logging"
	"spriteboard/internal/sandbox"
	"spriteboard/internal/vault"
)

const cleanupTimeout = 30 * time.Second

var ErrInvalidRequest = errors.New("spawner: invalid request")

// Handle identifies a provisioned sandbox.
type Handle struct {
	Name     string
	URL      string
	Password string
}

// Request describes one sandbox to provision.
type Request struct {
	Kind        domain.SpriteType
	ProjectID   string
	ProjectName string
	Repo        string // owner/name or github URL
	// TokenEnc and CredentialEnc are sealed with the vault; CredentialEnc is optional.
	TokenEnc      string
	CredentialEnc string

	Branch       string
	BaseBranch   string
	CreateBranch bool

	// Manifest only.
	PRDName   string
	AutoStart bool

	// Invocation only.
	Prompt    string
	SessionID string

	Model         string
	WebhookURL    string
	WebhookSecret string

	// Record persists the handle. It runs right after the sandbox exists and
	// before anything that can time out.
	Record func(ctx context.Context, h Handle) error
}

type Options struct {
	WorkDir       string
	AgentPort     int
	InstallCmd    string
	PRDPath       string
	MaxIterations int
	DefaultModel  string
	NetworkAllow  []string
	StartTimeout  time.Duration
}

type Spawner struct {
	Provider sandbox.Provider
	Vault    *vault.Vault
	Options  Options
	Logger   *slog.Logger
	Now      func() time.Time
}

func New(p sandbox.Provider, v *vault.Vault, opts Options, logger *slog.Logger) *Spawner {
	return &Spawner{Provider: p, Vault: v, Options: opts, Logger: logging.OrDiscard(logger), Now: time.Now}
}

func (s *Spawner) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Spawner) log() *slog.Logger {
	return logging.OrDiscard(s.Logger)
}

func (r Request) validate() error {
	switch {
	case r.Kind != domain.SpriteManifest && r.Kind != domain.SpriteInvocation:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, r.Kind)
	case r.ProjectID == "":
		return fmt.Errorf("%w: project id required", ErrInvalidRequest)
	case r.WebhookURL == "" || r.WebhookSecret == "":
		return fmt.Errorf("%w: webhook url and secret required", ErrInvalidRequest)
	case r.Record == nil:
		return fmt.Errorf("%w: record callback required", ErrInvalidRequest)
	case r.Kind == domain.SpriteInvocation && strings.TrimSpace(r.Prompt) == "":
		return fmt.Errorf("%w: prompt required", ErrInvalidRequest)
	}
	return nil
}

type secrets struct {
	token      string
	credential string
}

func (s *Spawner) unseal(r Request) (secrets, error) {
	var out secrets
	var err error
	if r.TokenEnc != "" {
		if out.token, err = s.Vault.Open(r.TokenEnc); err != nil {
			return out, fmt.Errorf("decrypt repository token: %w", err)
		}
	}
	if r.CredentialEnc != "" {
		if out.credential, err = s.Vault.Open(r.CredentialEnc); err != nil {
			return out, fmt.Errorf("decrypt agent credentials: %w", err)
		}
	}
	return out, nil
}

// Spawn provisions one sandbox. Any failure after the sandbox exists tears it
// down before the error is returned.
func (s *Spawner) Spawn(ctx context.Context, r Request) (Handle, error) {
	if err := r.validate(); err != nil {
		return Handle{}, err
	}
	sec, err := s.unseal(r)
	if err != nil {
		return Handle{}, err
	}
	cloneURL, err := github.CloneURL(r.Repo)
	if err != nil {
		return Handle{}, err
	}
	password, err := randomHex(16)
	if err != nil {
		return Handle{}, err
	}
	name := SandboxName(r.Kind, r.ProjectName, r.ProjectID, s.now())
	lg := s.log().With("sprite", name, "project_id", r.ProjectID, "kind", string(r.Kind))

	info, err := s.Provider.Create(ctx, name, sandbox.URLAuthPublic)
	if err != nil {
		lg.Error("sandbox create failed", "err", err)
		return Handle{}, fmt.Errorf("create sandbox %s: %w", name, err)
	}
	h := Handle{Name: name, URL: info.URL, Password: password}
	lg.Info("sandbox created", "url", info.URL)

	if err := s.provision(ctx, r, h, cloneURL, sec); err != nil {
		s.cleanup(ctx, lg, name)
		return Handle{}, err
	}
	return h, nil
}

func (s *Spawner) provision(ctx context.Context, r Request, h Handle, cloneURL string, sec secrets) error {
	if err := r.Record(ctx, h); err != nil {
		return fmt.Errorf("record sandbox handle: %w", err)
	}
	if len(s.Options.NetworkAllow) > 0 {
		rules := make([]sandbox.NetworkRule, 0, len(s.Options.NetworkAllow)+1)
		for _, d := range s.Options.NetworkAllow {
			rules = append(rules, sandbox.Allow(d))
		}
		rules = append(rules, sandbox.Deny("*"))
		if err := s.Provider.SetNetworkPolicy(ctx, h.Name, rules); err != nil {
			return fmt.Errorf("set network policy: %w", err)
		}
	}
	if sec.credential != "" {
		if err := sandbox.Upload(ctx, s.Provider, h.Name, bootstrap.CredentialsPath, []byte(sec.credential), "600"); err != nil {
			return fmt.Errorf("upload agent credentials: %w", err)
		}
	}
	repo := bootstrap.Repo{
		CloneURL:     cloneURL,
		Token:        sec.token,
		Branch:       r.Branch,
		BaseBranch:   r.BaseBranch,
		CreateBranch: r.CreateBranch,
		WorkDir:      s.Options.WorkDir,
	}
	cb := bootstrap.Callback{URL: r.WebhookURL, Secret: r.WebhookSecret}
	var (
		script string
		path   string
		err    error
	)
	switch r.Kind {
	case domain.SpriteManifest:
		if r.PRDName != "" {
			if err := s.uploadLoop(ctx, h.Name, cb, r.Branch, r.PRDName, r.Model); err != nil {
				return err
			}
		}
		path = bootstrap.BootstrapPath
		script, err = bootstrap.RenderManifestBootstrap(bootstrap.ManifestParams{
			Callback: cb, Repo: repo, AgentPort: s.Options.AgentPort, AgentPassword: h.Password,
			InstallCmd: s.Options.InstallCmd, HasCredential: sec.credential != "",
			AutoStart: r.AutoStart && r.PRDName != "",
		})
	case domain.SpriteInvocation:
		if err := sandbox.Upload(ctx, s.Provider, h.Name, bootstrap.PromptPath, []byte(r.Prompt), "600"); err != nil {
			return fmt.Errorf("upload prompt: %w", err)
		}
		path = bootstrap.InvocationPath
		script, err = bootstrap.RenderInvocation(bootstrap.InvocationParams{
			Callback: cb, Repo: repo, AgentPort: s.Options.AgentPort, AgentPassword: h.Password,
			InstallCmd: s.Options.InstallCmd, HasCredential: sec.credential != "",
			SessionID: r.SessionID, Model: s.model(r.Model),
		})
	}
	if err != nil {
		return err
	}
	if err := sandbox.Upload(ctx, s.Provider, h.Name, path, []byte(script), "700"); err != nil {
		return fmt.Errorf("upload bootstrap: %w", err)
	}
	if err := s.Provider.ExecDetached(ctx, h.Name, "bash", []string{path}, sandbox.DetachOptions{
		StartTimeout: s.Options.StartTimeout,
		LogPath:      bootstrap.LogPath,
	}); err != nil {
		return fmt.Errorf("start bootstrap: %w", err)
	}
	return nil
}

func (s *Spawner) model(m string) string {
	if strings.TrimSpace(m) != "" {
		return m
	}
	return s.Options.DefaultModel
}

func (s *Spawner) uploadLoop(ctx context.Context, name string, cb bootstrap.Callback, branch, prdName, model string) error {
	script, err := bootstrap.RenderTaskLoop(bootstrap.LoopParams{
		Callback: cb, WorkDir: s.Options.WorkDir, Branch: branch, PRDName: prdName,
		PRDPath: s.Options.PRDPath, Model: s.model(model), MaxIterations: s.Options.MaxIterations,
	})
	if err != nil {
		return err
	}
	if err := sandbox.Upload(ctx, s.Provider, name, bootstrap.TaskLoopPath, []byte(script), "700"); err != nil {
		return fmt.Errorf("upload task loop: %w", err)
	}
	return nil
}

// LoopRequest starts the PRD task loop in an existing manifest sandbox.
type LoopRequest struct {
	SpriteName    string
	Branch        string
	PRDName       string
	Model         string
	WebhookURL    string
	WebhookSecret string
}

// StartLoop uploads a fresh loop script and runs it detached.
func (s *Spawner) StartLoop(ctx context.Context, r LoopRequest) error {
	if r.SpriteName == "" {
		return fmt.Errorf("%w: sandbox name required", ErrInvalidRequest)
	}
	cb := bootstrap.Callback{URL: r.WebhookURL, Secret: r.WebhookSecret}
	if err := s.uploadLoop(ctx, r.SpriteName, cb, r.Branch, r.PRDName, r.Model); err != nil {
		return err
	}
	return s.Provider.ExecDetached(ctx, r.SpriteName, "bash", []string{bootstrap.TaskLoopPath}, sandbox.DetachOptions{
		StartTimeout: s.Options.StartTimeout,
		LogPath:      bootstrap.LoopLogPath,
	})
}

// StopLoop kills the task loop but leaves the sandbox and agent server running.
func (s *Spawner) StopLoop(ctx context.Context, spriteName string) error {
	_, err := s.Provider.Exec(ctx, spriteName, bootstrap.StopCommand(), sandbox.ExecOptions{})
	return err
}

// KillAgent stops every agent process in an invocation sandbox.
func (s *Spawner) KillAgent(ctx context.Context, spriteName string) error {
	_, err := s.Provider.Exec(ctx, spriteName, bootstrap.KillAgentCommand(), sandbox.ExecOptions{})
	return err
}

func (s *Spawner) cleanup(ctx context.Context, lg *slog.Logger, name string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := sandbox.Teardown(cctx, s.Provider, name); err != nil {
		lg.Error("cleanup of partially provisioned sandbox failed", "err", err)
		return
	}
	lg.Info("partially provisioned sandbox destroyed")
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

const maxSlug = 24

// SandboxName is unique per (project, timestamp): <kind>-<project-slug>-<unix millis>.
func SandboxName(kind domain.SpriteType, projectName, projectID string, at time.Time) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(projectName), "-"), "-")
	if slug == "" {
		slug = strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(projectID), "-"), "-")
	}
	if len(slug) > maxSlug {
		slug = strings.TrimRight(slug[:maxSlug], "-")
	}
	if slug == "" {
		slug = "project"
	}
	return fmt.Sprintf("%s-%s-%d", kind, slug, at.UnixMilli())
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
