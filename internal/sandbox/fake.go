package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Call records one provider invocation made against a Fake.
type Call struct {
	Op    string
	Name  string
	Argv  []string
	Stdin string
}

// Fake is an in-memory Provider for tests and local development.
type Fake struct {
	mu      sync.Mutex
	live    map[string]Info
	calls   []Call
	Domain  string
	Fail    map[string]error
	ExecOut func(name string, argv []string) string
	// DestroyDelay makes Destroy wait, honouring ctx, before it acts.
	DestroyDelay time.Duration
}

func NewFake() *Fake {
	return &Fake{live: map[string]Info{}, Fail: map[string]error{}, Domain: "sprites.test"}
}

// FailOn makes the next and every following call to op return err. A nil err clears it.
func (f *Fake) FailOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.Fail, op)
		return
	}
	f.Fail[op] = err
}

func (f *Fake) record(c Call) error {
	f.calls = append(f.calls, c)
	return f.Fail[c.Op]
}

func (f *Fake) Create(_ context.Context, name string, auth URLAuth) (Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(Call{Op: "create", Name: name}); err != nil {
		return Info{}, err
	}
	if _, ok := f.live[name]; ok {
		return Info{}, fmt.Errorf("sprite %q already exists", name)
	}
	info := Info{ID: "spr_" + name, Name: name, URL: fmt.Sprintf("https://%s.%s", name, f.Domain), Status: "running"}
	f.live[name] = info
	return info, nil
}

func (f *Fake) Destroy(ctx context.Context, name string) error {
	f.mu.Lock()
	delay := f.DestroyDelay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("destroy sprite %q: %w", name, ctx.Err())
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(Call{Op: "destroy", Name: name}); err != nil {
		return err
	}
	if _, ok := f.live[name]; !ok {
		return fmt.Errorf("destroy sprite %q: %w", name, ErrNotFound)
	}
	delete(f.live, name)
	return nil
}

func (f *Fake) Exec(_ context.Context, name string, argv []string, opts ExecOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(Call{Op: "exec", Name: name, Argv: append([]string(nil), argv...), Stdin: string(opts.Stdin)}); err != nil {
		return "", err
	}
	if _, ok := f.live[name]; !ok {
		return "", fmt.Errorf("exec on sprite %q: %w", name, ErrNotFound)
	}
	if f.ExecOut != nil {
		return f.ExecOut(name, argv), nil
	}
	return "", nil
}

func (f *Fake) ExecDetached(_ context.Context, name, command string, args []string, _ DetachOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	argv := append([]string{command}, args...)
	if err := f.record(Call{Op: "exec_detached", Name: name, Argv: argv}); err != nil {
		return err
	}
	if _, ok := f.live[name]; !ok {
		return fmt.Errorf("start detached on sprite %q: %w", name, ErrNotFound)
	}
	return nil
}

func (f *Fake) SetNetworkPolicy(_ context.Context, name string, rules []NetworkRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := make([]string, 0, len(rules))
	for _, r := range rules {
		parts = append(parts, r.Action+":"+r.Domain)
	}
	return f.record(Call{Op: "network_policy", Name: name, Argv: parts})
}

// Live reports whether a sandbox currently exists.
func (f *Fake) Live(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.live[name]
	return ok
}

// LiveCount returns the number of sandboxes that exist.
func (f *Fake) LiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

// Calls returns a copy of recorded calls, optionally filtered by op.
func (f *Fake) Calls(op string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Uploaded returns the stdin of the last exec whose argv mentions path.
func (f *Fake) Uploaded(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		c := f.calls[i]
		if c.Op == "exec" && strings.Contains(strings.Join(c.Argv, " "), path) {
			return c.Stdin, true
		}
	}
	return "", false
}
