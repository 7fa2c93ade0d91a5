// Package bootstrap renders the shell scripts a sandbox runs. Rendering is pure:
// every secret, URL, and branch is an explicit input.
package bootstrap

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"strings"
	"text/template"

	"github.com/kballard/go-shellquote"

	"spriteboard/internal/domain"
)

// Home is the sandbox user's home directory.
const Home = "/home/sprite"

// Remote file locations inside a sandbox.
var (
	Dir             = path.Join(Home, ".spriteboard")
	BootstrapPath   = path.Join(Dir, "bootstrap.sh")
	TaskLoopPath    = path.Join(Dir, "task-loop.sh")
	InvocationPath  = path.Join(Dir, "invoke.sh")
	PromptPath      = path.Join(Dir, "prompt.md")
	LogPath         = path.Join(Dir, "bootstrap.log")
	LoopLogPath     = path.Join(Dir, "task-loop.log")
	LoopPIDPath     = path.Join(Dir, "task-loop.pid")
	AgentLogPath    = path.Join(Dir, "agent.log")
	CredentialsPath = path.Join(Home, ".local/share/opencode/auth.json")
)

// StopCommand kills the task loop and any agent run it started, keeping the agent server up.
func StopCommand() []string {
	script := fmt.Sprintf("if [ -f %[1]s ]; then kill $(cat %[1]s) 2>/dev/null || true; rm -f %[1]s; fi; pkill -f %[2]s 2>/dev/null || true; pkill -f 'opencode run' 2>/dev/null || true",
		shellquote.Join(LoopPIDPath), shellquote.Join(path.Base(TaskLoopPath)))
	return []string{"bash", "-c", script}
}

// KillAgentCommand stops every agent process in the sandbox.
func KillAgentCommand() []string {
	return []string{"bash", "-c", "pkill -f " + shellquote.Join(path.Base(InvocationPath)) + " 2>/dev/null || true; pkill -f opencode 2>/dev/null || true"}
}

// Callback is where and how a script reports back.
type Callback struct {
	URL    string
	Secret string
}

// Repo describes the checkout a script works in.
type Repo struct {
	CloneURL     string // https URL without credentials
	Token        string
	Branch       string
	BaseBranch   string
	CreateBranch bool
	WorkDir      string
}

type ManifestParams struct {
	Callback      Callback
	Repo          Repo
	AgentPort     int
	AgentPassword string
	InstallCmd    string
	HasCredential bool
	// AutoStart runs the task loop as soon as the bootstrap finishes.
	AutoStart bool
}

type LoopParams struct {
	Callback      Callback
	WorkDir       string
	Branch        string
	PRDName       string
	PRDPath       string
	Model         string
	MaxIterations int
}

type InvocationParams struct {
	Callback      Callback
	Repo          Repo
	AgentPort     int
	AgentPassword string
	InstallCmd    string
	HasCredential bool
	SessionID     string
	Model         string
}

var (
	ErrMissingCallback = errors.New("bootstrap: webhook url and secret are required")
	ErrMissingRepo     = errors.New("bootstrap: clone url and work dir are required")
)

func (c Callback) validate() error {
	if strings.TrimSpace(c.URL) == "" || strings.TrimSpace(c.Secret) == "" {
		return ErrMissingCallback
	}
	return nil
}

func (r Repo) validate() error {
	if strings.TrimSpace(r.CloneURL) == "" || strings.TrimSpace(r.WorkDir) == "" {
		return ErrMissingRepo
	}
	if r.CreateBranch && strings.TrimSpace(r.Branch) == "" {
		return fmt.Errorf("bootstrap: branch required when creating one")
	}
	return nil
}

// AuthCloneURL embeds the token in an https clone URL.
func (r Repo) AuthCloneURL() string {
	if r.Token == "" || !strings.HasPrefix(r.CloneURL, "https://") {
		return r.CloneURL
	}
	return "https://x-access-token:" + r.Token + "@" + strings.TrimPrefix(r.CloneURL, "https://")
}

var funcs = template.FuncMap{
	"q": func(v any) string { return shellquote.Join(fmt.Sprint(v)) },
}

var (
	manifestTmpl   = template.Must(template.New("manifest").Funcs(funcs).Parse(preamble + setupRepo + startAgent + manifestTail))
	loopTmpl       = template.Must(template.New("loop").Funcs(funcs).Parse(preamble + loopBody))
	invocationTmpl = template.Must(template.New("invocation").Funcs(funcs).Parse(preamble + setupRepo + startAgent + invocationTail))
)

type preambleData struct {
	LogPath string
	Stage   string
}

// RenderManifestBootstrap renders the script that prepares a manifest sandbox.
func RenderManifestBootstrap(p ManifestParams) (string, error) {
	if err := p.Callback.validate(); err != nil {
		return "", err
	}
	if err := p.Repo.validate(); err != nil {
		return "", err
	}
	if p.AgentPort <= 0 {
		return "", fmt.Errorf("bootstrap: agent port required")
	}
	return render(manifestTmpl, struct {
		preambleData
		ManifestParams
		AuthCloneURL string
		LoopPath     string
		LoopLog      string
		LoopPID      string
		AgentLog     string
		CredsPath    string
	}{
		preambleData:   preambleData{LogPath: LogPath, Stage: "bootstrap"},
		ManifestParams: p,
		AuthCloneURL:   p.Repo.AuthCloneURL(),
		LoopPath:       TaskLoopPath,
		LoopLog:        LoopLogPath,
		LoopPID:        LoopPIDPath,
		AgentLog:       AgentLogPath,
		CredsPath:      CredentialsPath,
	})
}

// RenderTaskLoop renders the loop that works a PRD until every task passes.
func RenderTaskLoop(p LoopParams) (string, error) {
	if err := p.Callback.validate(); err != nil {
		return "", err
	}
	if p.WorkDir == "" || p.Branch == "" || p.PRDPath == "" || p.PRDName == "" {
		return "", fmt.Errorf("bootstrap: work dir, branch, prd name and prd path are required")
	}
	if !domain.ValidPRDName(p.PRDName) {
		return "", fmt.Errorf("bootstrap: invalid prd name %q", p.PRDName)
	}
	if p.MaxIterations <= 0 {
		return "", fmt.Errorf("bootstrap: max iterations must be > 0")
	}
	return render(loopTmpl, struct {
		preambleData
		LoopParams
	}{
		preambleData: preambleData{LogPath: LoopLogPath, Stage: "task loop"},
		LoopParams:   p,
	})
}

// RenderInvocation renders the one-shot script for a single task prompt.
func RenderInvocation(p InvocationParams) (string, error) {
	if err := p.Callback.validate(); err != nil {
		return "", err
	}
	if err := p.Repo.validate(); err != nil {
		return "", err
	}
	if p.AgentPort <= 0 {
		return "", fmt.Errorf("bootstrap: agent port required")
	}
	return render(invocationTmpl, struct {
		preambleData
		InvocationParams
		AuthCloneURL string
		AgentLog     string
		CredsPath    string
		Prompt       string
	}{
		preambleData:     preambleData{LogPath: LogPath, Stage: "invocation"},
		InvocationParams: p,
		AuthCloneURL:     p.Repo.AuthCloneURL(),
		AgentLog:         AgentLogPath,
		CredsPath:        CredentialsPath,
		Prompt:           PromptPath,
	})
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}

const preamble = `#!/usr/bin/env bash
set -euo pipefail

WEBHOOK_URL={{q .Callback.URL}}
WEBHOOK_SECRET={{q .Callback.Secret}}
LOG={{q .LogPath}}
mkdir -p "$(dirname "$LOG")"
exec >>"$LOG" 2>&1

post_webhook() {
  local body="$1" sig
  sig=$(printf '%s' "$body" | openssl dgst -sha256 -hmac "$WEBHOOK_SECRET" | sed 's/^.*= //')
  curl -fsS -m 10 --retry 3 --retry-all-errors -X POST \
    -H 'Content-Type: application/json' \
    -H "X-Webhook-Signature: sha256=$sig" \
    --data-binary "$body" "$WEBHOOK_URL" >/dev/null || echo "webhook delivery failed"
}

on_error() {
  local line="$1"
  trap - ERR
  post_webhook "$(jq -nc --arg e {{q .Stage}}" failed at line $line" --arg log "$(tail -n 50 "$LOG" 2>/dev/null)" '{type:"error",error:$e,log:$log}')"
  exit 1
}
trap 'on_error $LINENO' ERR
`

const setupRepo = `
export DEBIAN_FRONTEND=noninteractive
command -v jq >/dev/null || (sudo apt-get update -qq && sudo apt-get install -y -qq jq)
command -v gh >/dev/null || (sudo apt-get update -qq && sudo apt-get install -y -qq gh) || true
{{- if .Repo.Token}}
export GH_TOKEN={{q .Repo.Token}}
{{- end}}

WORKDIR={{q .Repo.WorkDir}}
if [ ! -d "$WORKDIR/.git" ]; then
  git clone {{q .AuthCloneURL}} "$WORKDIR"
fi
cd "$WORKDIR"
git config user.name "spriteboard"
git config user.email "spriteboard@users.noreply.github.com"
{{- if .Repo.Branch}}
{{- if .Repo.CreateBranch}}
if git ls-remote --exit-code --heads origin {{q .Repo.Branch}} >/dev/null 2>&1; then
  git fetch origin {{q .Repo.Branch}}
  git checkout -B {{q .Repo.Branch}} FETCH_HEAD
else
  git checkout -B {{q .Repo.Branch}} {{if .Repo.BaseBranch}}{{q (print "origin/" .Repo.BaseBranch)}}{{end}}
  git push -u origin {{q .Repo.Branch}}
fi
{{- else}}
git fetch origin {{q .Repo.Branch}}
git checkout {{q .Repo.Branch}}
{{- end}}
{{- end}}
{{- if .HasCredential}}
chmod 600 {{q .CredsPath}}
{{- end}}
`

const startAgent = `
if ! command -v opencode >/dev/null; then
  {{.InstallCmd}}
  export PATH="$HOME/.opencode/bin:$PATH"
fi
export OPENCODE_SERVER_PASSWORD={{q .AgentPassword}}
nohup opencode serve --hostname 0.0.0.0 --port {{q .AgentPort}} >{{q .AgentLog}} 2>&1 </dev/null &
for _ in $(seq 1 30); do
  curl -fsS -o /dev/null "http://127.0.0.1:{{.AgentPort}}/" && break
  sleep 1
done
`

const manifestTail = `
post_webhook "$(jq -nc --arg m "sandbox ready" '{type:"started",message:$m}')"
{{- if .AutoStart}}
nohup bash {{q .LoopPath}} >/dev/null 2>&1 </dev/null &
echo $! > {{q .LoopPID}}
{{- end}}
`

const loopBody = `
cd {{q .WorkDir}}
BRANCH={{q .Branch}}
PRD={{q .PRDPath}}
MAX_ITERATIONS={{.MaxIterations}}
git checkout "$BRANCH"
post_webhook "$(jq -nc --arg b "$BRANCH" '{type:"task_loop_started",branch:$b}')"

all_passing() {
  [ -f "$PRD" ] && jq -e '(.tasks | length) > 0 and all(.tasks[]; .passes == true)' "$PRD" >/dev/null
}

ITERATION=0
while [ "$ITERATION" -lt "$MAX_ITERATIONS" ]; do
  ITERATION=$((ITERATION + 1))
  echo "[loop] iteration $ITERATION/$MAX_ITERATIONS at $(date -u +%Y-%m-%dT%H:%M:%SZ)"
  opencode run {{if .Model}}--model {{q .Model}} {{end}}"Work the PRD {{.PRDName}} in $PRD. Pick the first task with passes=false, implement it, run the tests, set passes=true only when they pass, then commit." || true
  git add -A && git commit -qm "prd({{.PRDName}}): iteration $ITERATION" || true
  git push -q origin "$BRANCH" || true
  if [ -f "$PRD" ]; then
    post_webhook "$(jq -nc --rawfile p "$PRD" --arg m "iteration $ITERATION" '{type:"progress",prdJson:$p,message:$m}')"
  fi
  if all_passing; then
    PR_URL=$(gh pr create --head "$BRANCH" --fill 2>/dev/null || gh pr view "$BRANCH" --json url -q .url 2>/dev/null || true)
    post_webhook "$(jq -nc --rawfile p "$PRD" --arg b "$BRANCH" --arg u "$PR_URL" '{type:"completed",prdJson:$p,branch:$b} + (if $u == "" then {} else {prUrl:$u} end)')"
    exit 0
  fi
  sleep 5
done
post_webhook "$(jq -nc --arg e "task loop hit $MAX_ITERATIONS iterations" '{type:"error",error:$e}')"
`

const invocationTail = `
post_webhook "$(jq -nc --arg s {{q .SessionID}} '{type:"started",sessionId:$s}')"
BRANCH={{q .Repo.Branch}}
SUMMARY=$(opencode run {{if .Model}}--model {{q .Model}} {{end}}"$(cat {{q .Prompt}})" | tail -n 20)
git add -A && git commit -qm "task: $(head -n 1 {{q .Prompt}} | cut -c1-60)" || true
PR_URL=""
if [ -n "$BRANCH" ] && git push -q origin "$BRANCH"; then
  PR_URL=$(gh pr create --head "$BRANCH" --fill 2>/dev/null || true)
fi
post_webhook "$(jq -nc --arg b "$BRANCH" --arg u "$PR_URL" --arg s "$SUMMARY" '{type:"completed",summary:$s} + (if $b == "" then {} else {branch:$b} end) + (if $u == "" then {} else {prUrl:$u} end)')"
`
