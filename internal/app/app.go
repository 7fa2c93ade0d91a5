// Package app wires the store, sandbox provider, repository client and engine
// into a running service.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"spriteboard/internal/config"
	"spriteboard/internal/db"
	"spriteboard/internal/engine"
	"spriteboard/internal/github"
	"spriteboard/internal/logging"
	"spriteboard/internal/migrate"
	"spriteboard/internal/notify"
	"spriteboard/internal/sandbox"
	"spriteboard/internal/vault"
)

const (
	keyFile       = "vault.key"
	sweepInterval = 5 * time.Minute
)

// Options configure Open. Empty secrets fall back to the workspace.
type Options struct {
	Workspace     string
	ConfigPath    string
	EncryptionKey string
	GitHubToken   string
	Logger        *slog.Logger
	// Provider overrides the provider named in the config.
	Provider sandbox.Provider
}

type App struct {
	DB       *sql.DB
	Config   *config.Config
	Engine   engine.Engine
	Notifier *notify.Dispatcher
	Logger   *slog.Logger
}

// LoadConfig reads an explicit config file, or the workspace default.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if strings.TrimSpace(path) != "" {
		return config.FromFile(path)
	}
	return config.Load(workspace)
}

// Open loads config, migrates the store and builds the engine.
func Open(opts Options) (*App, error) {
	lg := logging.OrDiscard(opts.Logger)
	cfg, err := LoadConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	key, err := resolveKey(opts.Workspace, opts.EncryptionKey)
	if err != nil {
		return nil, err
	}
	v, err := vault.New(key)
	if err != nil {
		return nil, err
	}
	provider := opts.Provider
	if provider == nil {
		if provider, err = NewProvider(cfg); err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	source := github.NewClient(github.WithBaseURL(cfg.GitHub.BaseURL), github.WithTimeout(cfg.GitHubTimeout()))
	e := engine.New(conn, cfg, engine.Deps{
		Provider:    provider,
		Source:      source,
		Vault:       v,
		GitHubToken: opts.GitHubToken,
		Logger:      lg.With("component", "engine"),
	})
	return &App{
		DB:       conn,
		Config:   cfg,
		Engine:   e,
		Notifier: notify.New(e.Repo, cfg.Webhooks, lg.With("component", "notify")),
		Logger:   lg,
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// NewProvider builds the sandbox provider named by cfg.
func NewProvider(cfg *config.Config) (sandbox.Provider, error) {
	switch cfg.Sandbox.Provider {
	case "cli":
		return sandbox.NewCLI(cfg.Sandbox.Binary, cfg.Sandbox.Org, cfg.SandboxTimeout()), nil
	case "fake":
		return sandbox.NewFake(), nil
	default:
		return nil, fmt.Errorf("unknown sandbox provider %q", cfg.Sandbox.Provider)
	}
}

// resolveKey prefers an explicit key and otherwise keeps one in the workspace.
func resolveKey(workspace, explicit string) (string, error) {
	if strings.TrimSpace(explicit) != "" {
		return explicit, nil
	}
	dir, err := db.EnsureWorkspace(workspace)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, keyFile)
	data, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read vault key: %w", err)
	}
	key, err := vault.GenerateKey()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(key+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write vault key: %w", err)
	}
	return key, nil
}

// RunBackground polls running manifests, sweeps orphaned sandboxes and
// delivers notifications until ctx is done.
func (a *App) RunBackground(ctx context.Context) {
	var wg sync.WaitGroup
	if interval := a.Config.PollInterval(); interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			every(ctx, interval, func() {
				n, err := a.Engine.PollRunning(ctx)
				if err != nil && ctx.Err() == nil {
					a.Logger.Warn("manifest poll failed", "err", err)
				}
				if n > 0 {
					a.Logger.Info("manifests completed by poll", "count", n)
				}
			})
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		every(ctx, sweepInterval, func() {
			n, err := a.Engine.SweepOrphans(ctx)
			if err != nil && ctx.Err() == nil {
				a.Logger.Warn("orphan sweep failed", "err", err)
			}
			if n > 0 {
				a.Logger.Info("orphaned sandboxes released", "count", n)
			}
		})
	}()
	if a.Notifier.Enabled() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Notifier.Run(ctx)
		}()
	}
	wg.Wait()
}

func every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
