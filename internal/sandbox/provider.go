// Package sandbox is the boundary to the remote ephemeral sandbox provider.
package sandbox

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means the named sandbox does not exist (already destroyed or never created).
	ErrNotFound = errors.New("sandbox: not found")
	// ErrNotStarted means a detached command did not report a running process in time.
	ErrNotStarted = errors.New("sandbox: detached command did not start")
)

// URLAuth controls who can reach the sandbox's public URL.
type URLAuth string

const (
	URLAuthPublic URLAuth = "public"
	URLAuthSprite URLAuth = "sprite"
)

// Info describes a created sandbox.
type Info struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	URL    string `json:"url"`
	Status string `json:"status"`
}

type ExecOptions struct {
	Stdin []byte
	Env   map[string]string
	Dir   string
}

type DetachOptions struct {
	StartTimeout time.Duration
	LogPath      string
}

// NetworkRule allows or denies outbound traffic to a domain. Domain may start with "*.".
type NetworkRule struct {
	Action string `json:"action"`
	Domain string `json:"domain"`
}

// Provider creates, drives, and destroys sandboxes.
type Provider interface {
	Create(ctx context.Context, name string, auth URLAuth) (Info, error)
	// Destroy returns ErrNotFound when the sandbox is already gone.
	Destroy(ctx context.Context, name string) error
	Exec(ctx context.Context, name string, argv []string, opts ExecOptions) (string, error)
	// ExecDetached returns once the remote process has started, not when it exits.
	ExecDetached(ctx context.Context, name, command string, args []string, opts DetachOptions) error
	SetNetworkPolicy(ctx context.Context, name string, rules []NetworkRule) error
}

// Teardown destroys a sandbox and treats an already-destroyed one as success.
func Teardown(ctx context.Context, p Provider, name string) error {
	if name == "" {
		return nil
	}
	err := p.Destroy(ctx, name)
	if err == nil || errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Upload writes content to path inside the sandbox with the given mode.
func Upload(ctx context.Context, p Provider, name, path string, content []byte, mode string) error {
	script := "umask 077 && mkdir -p \"$(dirname \"$1\")\" && cat > \"$1\" && chmod " + mode + " \"$1\""
	_, err := p.Exec(ctx, name, []string{"sh", "-c", script, "upload", path}, ExecOptions{Stdin: content})
	return err
}

// Allow and Deny build network rules.
func Allow(domain string) NetworkRule { return NetworkRule{Action: "allow", Domain: domain} }
func Deny(domain string) NetworkRule  { return NetworkRule{Action: "deny", Domain: domain} }
