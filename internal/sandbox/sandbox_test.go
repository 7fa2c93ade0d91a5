package sandbox

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

type recordedRun struct {
	binary string
	args   []string
	stdin  string
}

func stubRunner(calls *[]recordedRun, reply func(args []string) (string, string, error)) Runner {
	return func(_ context.Context, binary string, args []string, stdin []byte) (string, string, error) {
		*calls = append(*calls, recordedRun{binary: binary, args: args, stdin: string(stdin)})
		return reply(args)
	}
}

func TestCLICreateSetsAuthAndDescribes(t *testing.T) {
	var calls []recordedRun
	c := NewCLI("", "acme", 0)
	c.Run = stubRunner(&calls, func(args []string) (string, string, error) {
		if args[0] == "api" {
			return `{"id":"spr_1","name":"manifest-demo-1","url":"https://manifest-demo-1.sprites.app","status":"running"}`, "", nil
		}
		return "", "", nil
	})
	info, err := c.Create(context.Background(), "manifest-demo-1", URLAuthPublic)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if info.URL != "https://manifest-demo-1.sprites.app" || info.ID != "spr_1" {
		t.Fatalf("unexpected info %+v", info)
	}
	want := [][]string{
		{"create", "-skip-console", "manifest-demo-1", "-o", "acme"},
		{"url", "update", "-auth", "public", "-s", "manifest-demo-1", "-o", "acme"},
		{"api", "-s", "manifest-demo-1", "/", "-o", "acme"},
	}
	if len(calls) != len(want) {
		t.Fatalf("expected %d calls, got %d", len(want), len(calls))
	}
	for i := range want {
		if calls[i].binary != "sprite" {
			t.Fatalf("binary = %q", calls[i].binary)
		}
		if !reflect.DeepEqual(calls[i].args, want[i]) {
			t.Fatalf("call %d args = %v, want %v", i, calls[i].args, want[i])
		}
	}
}

func TestCLICreateDestroysSpriteWhenSetupFails(t *testing.T) {
	for _, step := range []string{"url", "api"} {
		t.Run(step, func(t *testing.T) {
			var calls []recordedRun
			c := NewCLI("", "", 0)
			c.Run = stubRunner(&calls, func(args []string) (string, string, error) {
				if args[0] == step {
					return "", "error: upstream timeout", errors.New("exit status 1")
				}
				return "", "", nil
			})
			if _, err := c.Create(context.Background(), "manifest-acme-1", URLAuthPublic); err == nil {
				t.Fatal("expected create to fail")
			}
			last := calls[len(calls)-1].args
			if !reflect.DeepEqual(last, []string{"destroy", "-force", "manifest-acme-1"}) {
				t.Fatalf("last call = %v, want destroy of the half-created sprite", last)
			}
		})
	}
}

func TestCLICreateDestroysSpriteOnUndecodableDescribe(t *testing.T) {
	var calls []recordedRun
	c := NewCLI("", "", 0)
	c.Run = stubRunner(&calls, func(args []string) (string, string, error) {
		if args[0] == "api" {
			return "<html>", "", nil
		}
		return "", "", nil
	})
	if _, err := c.Create(context.Background(), "manifest-acme-1", ""); err == nil {
		t.Fatal("expected decode failure")
	}
	if got := calls[len(calls)-1].args[0]; got != "destroy" {
		t.Fatalf("last call = %q, want destroy", got)
	}
}

func TestCLIDestroyKeepsUnrelatedNotFoundErrors(t *testing.T) {
	for _, stderr := range []string{"error: organization not found", "HTTP 404: token not found"} {
		var calls []recordedRun
		c := NewCLI("", "", 0)
		c.Run = stubRunner(&calls, func(args []string) (string, string, error) {
			return "", stderr, errors.New("exit status 1")
		})
		err := c.Destroy(context.Background(), "manifest-x")
		if err == nil || errors.Is(err, ErrNotFound) {
			t.Fatalf("%q: got %v, want a real failure", stderr, err)
		}
		if err := Teardown(context.Background(), c, "manifest-x"); err == nil {
			t.Fatalf("%q: teardown must not treat this as already gone", stderr)
		}
	}
	for _, stderr := range []string{`Error: sprite "manifest-x" does not exist`, "no such sprite: manifest-x"} {
		if !isNotFound(stderr) {
			t.Fatalf("%q should mean the sprite is gone", stderr)
		}
	}
}

func TestFakeDestroyHonoursDeadline(t *testing.T) {
	f := NewFake()
	if _, err := f.Create(context.Background(), "s1", ""); err != nil {
		t.Fatal(err)
	}
	f.DestroyDelay = time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := f.Destroy(ctx, "s1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if !f.Live("s1") {
		t.Fatal("sprite removed despite the deadline")
	}
}

func TestCLIDestroyMapsNotFound(t *testing.T) {
	var calls []recordedRun
	c := NewCLI("sprite", "", 0)
	c.Run = stubRunner(&calls, func(args []string) (string, string, error) {
		return "", "error: sprite manifest-x not found", errors.New("exit status 1")
	})
	err := c.Destroy(context.Background(), "manifest-x")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := Teardown(context.Background(), c, "manifest-x"); err != nil {
		t.Fatalf("teardown of missing sprite should succeed: %v", err)
	}
}

func TestCLIExecPlacesOrgBeforeSeparator(t *testing.T) {
	var calls []recordedRun
	c := NewCLI("", "acme", 0)
	c.Run = stubRunner(&calls, func(args []string) (string, string, error) { return "ok\n", "", nil })
	out, err := c.Exec(context.Background(), "s1", []string{"echo", "hi"}, ExecOptions{
		Dir:   "/work",
		Env:   map[string]string{"B": "2", "A": "1"},
		Stdin: []byte("payload"),
	})
	if err != nil || out != "ok\n" {
		t.Fatalf("exec: %q %v", out, err)
	}
	want := []string{"exec", "-s", "s1", "-dir", "/work", "-env", "A=1", "-env", "B=2", "-o", "acme", "--", "echo", "hi"}
	if !reflect.DeepEqual(calls[0].args, want) {
		t.Fatalf("args = %v, want %v", calls[0].args, want)
	}
	if calls[0].stdin != "payload" {
		t.Fatalf("stdin = %q", calls[0].stdin)
	}
}

func TestCLIExecDetachedQuotesCommand(t *testing.T) {
	var calls []recordedRun
	c := NewCLI("", "", 0)
	c.Run = stubRunner(&calls, func(args []string) (string, string, error) { return "4242\n", "", nil })
	if err := c.ExecDetached(context.Background(), "s1", "bash", []string{"/tmp/boot strap.sh"}, DetachOptions{}); err != nil {
		t.Fatalf("exec detached: %v", err)
	}
	line := calls[0].args[len(calls[0].args)-1]
	if !strings.HasPrefix(line, "nohup bash '/tmp/boot strap.sh' > ") || !strings.HasSuffix(line, "& echo $!") {
		t.Fatalf("unexpected detached line %q", line)
	}

	calls = nil
	c.Run = stubRunner(&calls, func(args []string) (string, string, error) { return "", "", nil })
	err := c.ExecDetached(context.Background(), "s1", "bash", nil, DetachOptions{})
	if !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestFakeDestroyIsIdempotentThroughTeardown(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	if _, err := f.Create(ctx, "s1", URLAuthPublic); err != nil {
		t.Fatal(err)
	}
	if err := Teardown(ctx, f, "s1"); err != nil {
		t.Fatalf("first teardown: %v", err)
	}
	if err := f.Destroy(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("raw second destroy should be ErrNotFound, got %v", err)
	}
	if err := Teardown(ctx, f, "s1"); err != nil {
		t.Fatalf("second teardown: %v", err)
	}
	if f.Live("s1") {
		t.Fatal("sprite should be gone")
	}
}

func TestUploadSendsContentOnStdin(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	_, _ = f.Create(ctx, "s1", URLAuthPublic)
	if err := Upload(ctx, f, "s1", "/opt/spriteboard/boot.sh", []byte("echo hi"), "700"); err != nil {
		t.Fatalf("upload: %v", err)
	}
	got, ok := f.Uploaded("/opt/spriteboard/boot.sh")
	if !ok || got != "echo hi" {
		t.Fatalf("uploaded = %q %v", got, ok)
	}
}
