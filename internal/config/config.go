package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models spriteboard.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
		// PublicURL is the externally reachable origin sandboxes post their webhooks to.
		PublicURL string `yaml:"public_url"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Sandbox struct {
		Provider            string   `yaml:"provider"` // cli or fake
		Binary              string   `yaml:"binary"`
		Org                 string   `yaml:"org"`
		TimeoutSeconds      int      `yaml:"timeout_seconds"`
		StartTimeoutSeconds int      `yaml:"start_timeout_seconds"`
		NetworkAllow        []string `yaml:"network_allow"`
		WorkDir             string   `yaml:"work_dir"`
		AgentPort           int      `yaml:"agent_port"`
	} `yaml:"sandbox"`
	GitHub struct {
		BaseURL        string `yaml:"base_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"github"`
	Manifest struct {
		BranchPrefix        string `yaml:"branch_prefix"`
		PRDPath             string `yaml:"prd_path"`
		PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
		MaxIterations       int    `yaml:"max_iterations"`
	} `yaml:"manifest"`
	Agent struct {
		DefaultModel string `yaml:"default_model"`
		InstallCmd   string `yaml:"install_cmd"`
	} `yaml:"agent"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig is one outbound lifecycle event subscriber.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.PublicURL != "" {
		u, err := url.Parse(c.Server.PublicURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.server.public_url must be an absolute url")
		}
	}
	switch c.Sandbox.Provider {
	case "cli", "fake":
	default:
		return fmt.Errorf("config.sandbox.provider must be 'cli' or 'fake'")
	}
	if c.Sandbox.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.sandbox.timeout_seconds must be positive")
	}
	if c.Sandbox.StartTimeoutSeconds <= 0 {
		return fmt.Errorf("config.sandbox.start_timeout_seconds must be positive")
	}
	if c.Sandbox.AgentPort <= 0 || c.Sandbox.AgentPort > 65535 {
		return fmt.Errorf("config.sandbox.agent_port out of range")
	}
	for _, d := range c.Sandbox.NetworkAllow {
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("config.sandbox.network_allow contains empty domain")
		}
	}
	if c.GitHub.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.github.timeout_seconds must be positive")
	}
	if strings.TrimSpace(c.Manifest.PRDPath) == "" {
		return fmt.Errorf("config.manifest.prd_path is required")
	}
	if c.Manifest.PollIntervalSeconds < 0 {
		return fmt.Errorf("config.manifest.poll_interval_seconds must not be negative")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

func (c *Config) SandboxTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSeconds) * time.Second
}

func (c *Config) StartTimeout() time.Duration {
	return time.Duration(c.Sandbox.StartTimeoutSeconds) * time.Second
}

func (c *Config) GitHubTimeout() time.Duration {
	return time.Duration(c.GitHub.TimeoutSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Manifest.PollIntervalSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "spriteboard.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads the workspace config, falling back to defaults when the file is absent.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  public_url: ""

log:
  level: info
  format: json

sandbox:
  provider: cli
  binary: sprite
  org: ""
  timeout_seconds: 60
  start_timeout_seconds: 30
  work_dir: /home/sprite/repo
  agent_port: 4096
  network_allow: []

github:
  base_url: https://api.github.com
  timeout_seconds: 10

manifest:
  branch_prefix: prd/
  prd_path: .sprite/prd.json
  poll_interval_seconds: 30
  max_iterations: 50

agent:
  default_model: anthropic/claude-sonnet-4
  install_cmd: curl -fsSL https://opencode.ai/install | bash

webhooks: []
`
