package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"

	shellquote "github.com/kballard/go-shellquote"
)

const (
	defaultBinary       = "sprite"
	defaultCallTimeout  = 60 * time.Second
	defaultStartTimeout = 30 * time.Second
	defaultDetachLog    = "/tmp/spriteboard-detached.log"
)

// Runner executes the provider binary. Tests replace it.
type Runner func(ctx context.Context, binary string, args []string, stdin []byte) (stdout, stderr string, err error)

// CLI drives sandboxes through the sprite command line tool.
type CLI struct {
	Binary  string
	Org     string
	Timeout time.Duration
	Run     Runner
}

// NewCLI returns a CLI adapter. Empty binary falls back to "sprite".
func NewCLI(binary, org string, timeout time.Duration) *CLI {
	return &CLI{
		Binary:  strings.TrimSpace(binary),
		Org:     strings.TrimSpace(org),
		Timeout: timeout,
		Run:     runBinary,
	}
}

func runBinary(ctx context.Context, binary string, args []string, stdin []byte) (string, string, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	var stdout, stderr bytes.Buffer
	if len(stdin) > 0 {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func (c *CLI) binary() string {
	if c.Binary == "" {
		return defaultBinary
	}
	return c.Binary
}

func (c *CLI) timeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultCallTimeout
	}
	return c.Timeout
}

// withOrg inserts -o before "--" so the flag reaches the CLI, not the remote shell.
func (c *CLI) withOrg(base []string) []string {
	if c.Org == "" {
		return base
	}
	out := make([]string, 0, len(base)+2)
	for i, arg := range base {
		if arg == "--" {
			out = append(out, base[:i]...)
			out = append(out, "-o", c.Org)
			out = append(out, base[i:]...)
			return out
		}
	}
	out = append(out, base...)
	return append(out, "-o", c.Org)
}

func (c *CLI) run(ctx context.Context, timeout time.Duration, args []string, stdin []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	run := c.Run
	if run == nil {
		run = runBinary
	}
	stdout, stderr, err := run(ctx, c.binary(), c.withOrg(args), stdin)
	if err != nil {
		msg := strings.TrimSpace(stderr)
		if isNotFound(msg) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, msg)
		}
		return "", fmt.Errorf("running %s %s: %w (%s)", c.binary(), args[0], err, msg)
	}
	return stdout, nil
}

// spriteMissing matches the CLI's report that the named sprite is gone, and
// nothing else: "organization not found" must stay a real failure.
var spriteMissing = regexp.MustCompile(`(?i)\bsprite(\s+"?[a-z0-9][a-z0-9._-]*"?)?\s+(not found|does not exist)|\bno such sprite\b`)

func isNotFound(stderr string) bool {
	return spriteMissing.MatchString(stderr)
}

// Create creates a sprite, applies URL auth, and reads back its metadata.
func (c *CLI) Create(ctx context.Context, name string, auth URLAuth) (Info, error) {
	if _, err := c.run(ctx, c.timeout(), []string{"create", "-skip-console", name}, nil); err != nil {
		return Info{}, fmt.Errorf("create sprite %q: %w", name, err)
	}
	if auth != "" {
		if _, err := c.run(ctx, c.timeout(), []string{"url", "update", "-auth", string(auth), "-s", name}, nil); err != nil {
			return Info{}, c.abandon(ctx, name, fmt.Errorf("set url auth for sprite %q: %w", name, err))
		}
	}
	out, err := c.run(ctx, c.timeout(), []string{"api", "-s", name, "/"}, nil)
	if err != nil {
		return Info{}, c.abandon(ctx, name, fmt.Errorf("describe sprite %q: %w", name, err))
	}
	var info Info
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		return Info{}, c.abandon(ctx, name, fmt.Errorf("describe sprite %q: decode: %w", name, err))
	}
	if info.Name == "" {
		info.Name = name
	}
	return info, nil
}

// abandon destroys a sprite whose creation could not be finished. The caller
// never receives a handle for it, so nothing else would.
func (c *CLI) abandon(ctx context.Context, name string, cause error) error {
	if _, err := c.run(context.WithoutCancel(ctx), c.timeout(), []string{"destroy", "-force", name}, nil); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w (cleanup failed: %v)", cause, err)
	}
	return cause
}

// Destroy removes a sprite. A missing sprite yields ErrNotFound.
func (c *CLI) Destroy(ctx context.Context, name string) error {
	if _, err := c.run(ctx, c.timeout(), []string{"destroy", "-force", name}, nil); err != nil {
		return fmt.Errorf("destroy sprite %q: %w", name, err)
	}
	return nil
}

// Exec runs argv inside the sprite and returns stdout.
func (c *CLI) Exec(ctx context.Context, name string, argv []string, opts ExecOptions) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("exec on sprite %q: empty command", name)
	}
	args := []string{"exec", "-s", name}
	if opts.Dir != "" {
		args = append(args, "-dir", opts.Dir)
	}
	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-env", k+"="+opts.Env[k])
	}
	args = append(args, "--")
	args = append(args, argv...)
	out, err := c.run(ctx, c.timeout(), args, opts.Stdin)
	if err != nil {
		return "", fmt.Errorf("exec on sprite %q: %w", name, err)
	}
	return out, nil
}

// ExecDetached starts command under nohup and waits only for its pid.
func (c *CLI) ExecDetached(ctx context.Context, name, command string, args []string, opts DetachOptions) error {
	startTimeout := opts.StartTimeout
	if startTimeout <= 0 {
		startTimeout = defaultStartTimeout
	}
	logPath := opts.LogPath
	if logPath == "" {
		logPath = defaultDetachLog
	}
	line := fmt.Sprintf("nohup %s > %s 2>&1 < /dev/null & echo $!",
		shellquote.Join(append([]string{command}, args...)...), shellquote.Join(logPath))
	out, err := c.run(ctx, startTimeout, []string{"exec", "-s", name, "--", "bash", "-c", line}, nil)
	if err != nil {
		return fmt.Errorf("start detached %q on sprite %q: %w", command, name, err)
	}
	if strings.TrimSpace(out) == "" {
		return fmt.Errorf("start detached %q on sprite %q: %w", command, name, ErrNotStarted)
	}
	return nil
}

// SetNetworkPolicy replaces the sprite's outbound network rules.
func (c *CLI) SetNetworkPolicy(ctx context.Context, name string, rules []NetworkRule) error {
	body, err := json.Marshal(map[string]any{"rules": rules})
	if err != nil {
		return err
	}
	args := []string{"api", "-s", name, "/policy/network", "-X", "POST", "-H", "Content-Type: application/json", "-d", string(body)}
	if _, err := c.run(ctx, c.timeout(), args, nil); err != nil {
		return fmt.Errorf("set network policy on sprite %q: %w", name, err)
	}
	return nil
}
