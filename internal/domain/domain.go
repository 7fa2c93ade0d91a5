package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
)

var prdNamePattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// ValidPRDName reports whether name is lowercase kebab-case.
func ValidPRDName(name string) bool {
	return prdNamePattern.MatchString(name)
}

type ManifestStatus string

const (
	ManifestPending   ManifestStatus = "pending"
	ManifestActive    ManifestStatus = "active"
	ManifestRunning   ManifestStatus = "running"
	ManifestCompleted ManifestStatus = "completed"
	ManifestError     ManifestStatus = "error"
)

// Terminal reports whether the status absorbs every later transition.
func (s ManifestStatus) Terminal() bool {
	return s == ManifestCompleted || s == ManifestError
}

// LiveManifestStatuses are the statuses that block a second manifest on the same project.
var LiveManifestStatuses = []ManifestStatus{ManifestPending, ManifestActive, ManifestRunning}

type SpriteType string

const (
	SpriteManifest   SpriteType = "manifest"
	SpriteInvocation SpriteType = "invocation"
)

type SpriteStatus string

const (
	SpritePending SpriteStatus = "pending"
	SpriteActive  SpriteStatus = "active"
	SpriteRunning SpriteStatus = "running"
	SpriteError   SpriteStatus = "error"
)

type BoardStatus string

const (
	BoardAbyss      BoardStatus = "abyss"
	BoardAltar      BoardStatus = "altar"
	BoardRitual     BoardStatus = "ritual"
	BoardTrial      BoardStatus = "trial"
	BoardCursed     BoardStatus = "cursed"
	BoardVanquished BoardStatus = "vanquished"
)

func (b BoardStatus) Valid() bool {
	switch b {
	case BoardAbyss, BoardAltar, BoardRitual, BoardTrial, BoardCursed, BoardVanquished:
		return true
	}
	return false
}

type ExecutionState string

const (
	ExecIdle           ExecutionState = "idle"
	ExecInProgress     ExecutionState = "in_progress"
	ExecAwaitingReview ExecutionState = "awaiting_review"
	ExecCompleted      ExecutionState = "completed"
	ExecError          ExecutionState = "error"
)

type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
)

func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionError
}

type Project struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	Name           string `json:"name"`
	RepoURL        string `json:"repo_url"`
	DefaultBranch  string `json:"default_branch"`
	GithubTokenEnc string `json:"-"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type Manifest struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"project_id"`
	Name           string         `json:"name"`
	PRDName        *string        `json:"prd_name,omitempty"`
	Status         ManifestStatus `json:"status" enum:"pending,active,running,completed,error"`
	SpriteName     string         `json:"sprite_name,omitempty"`
	SpriteURL      string         `json:"sprite_url,omitempty"`
	SpritePassword string         `json:"-"`
	WebhookSecret  string         `json:"-"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	PRDJSON        string         `json:"prd_json,omitempty"`
	Branch         string         `json:"branch,omitempty"`
	PRURL          string         `json:"pr_url,omitempty"`
	LastPolledAt   string         `json:"last_polled_at,omitempty"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
	CompletedAt    *string        `json:"completed_at,omitempty" format:"date-time"`
}

// HasSandbox reports whether a sandbox handle is still recorded.
func (m Manifest) HasSandbox() bool {
	return m.SpriteName != ""
}

type Sprite struct {
	ID            string       `json:"id"`
	ProjectID     string       `json:"project_id"`
	Branch        string       `json:"branch"`
	Type          SpriteType   `json:"type" enum:"manifest,invocation"`
	Status        SpriteStatus `json:"status" enum:"pending,active,running,error"`
	Name          string       `json:"name,omitempty"`
	URL           string       `json:"url,omitempty"`
	WebhookSecret string       `json:"-"`
	ErrorMessage  string       `json:"error_message,omitempty"`
	CreatedAt     string       `json:"created_at" format:"date-time"`
	UpdatedAt     string       `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"project_id"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Category       string         `json:"category,omitempty"`
	Model          string         `json:"model,omitempty"`
	BoardStatus    BoardStatus    `json:"board_status" enum:"abyss,altar,ritual,trial,cursed,vanquished"`
	ExecutionState ExecutionState `json:"execution_state" enum:"idle,in_progress,awaiting_review,completed,error"`
	BranchName     string         `json:"branch_name,omitempty"`
	PRURL          string         `json:"pr_url,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
	CompletedAt    *string        `json:"completed_at,omitempty" format:"date-time"`
}

type OpencodeSession struct {
	ID            string        `json:"id"`
	TaskID        string        `json:"task_id"`
	SpriteName    string        `json:"sprite_name,omitempty"`
	WebhookSecret string        `json:"-"`
	Status        SessionStatus `json:"status" enum:"pending,running,completed,error"`
	MessageCount  int           `json:"message_count"`
	InputTokens   int64         `json:"input_tokens"`
	OutputTokens  int64         `json:"output_tokens"`
	Question      string        `json:"question,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	CreatedAt     string        `json:"created_at" format:"date-time"`
	UpdatedAt     string        `json:"updated_at" format:"date-time"`
	CompletedAt   *string       `json:"completed_at,omitempty" format:"date-time"`
}

type UserCredential struct {
	UserID    string `json:"user_id"`
	Provider  string `json:"provider"`
	SecretEnc string `json:"-"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PRD is the task-list document an agent keeps in the repository while it works a manifest.
type PRD struct {
	Project     string    `json:"project,omitempty"`
	BranchName  string    `json:"branchName,omitempty"`
	Description string    `json:"description,omitempty"`
	Tasks       []PRDTask `json:"tasks"`
}

type PRDTask struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Passes      bool   `json:"passes"`
}

// AllPassing is true only when the document lists at least one task and every task passes.
func (p PRD) AllPassing() bool {
	if len(p.Tasks) == 0 {
		return false
	}
	for _, t := range p.Tasks {
		if !t.Passes {
			return false
		}
	}
	return true
}

// Passing counts tasks marked as passing.
func (p PRD) Passing() int {
	n := 0
	for _, t := range p.Tasks {
		if t.Passes {
			n++
		}
	}
	return n
}

// ParsePRD decodes a PRD document and rejects anything without a tasks list.
func ParsePRD(data []byte) (PRD, error) {
	var raw struct {
		PRD
		Tasks *[]PRDTask `json:"tasks"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return PRD{}, fmt.Errorf("invalid prd json: %w", err)
	}
	if raw.Tasks == nil {
		return PRD{}, fmt.Errorf("invalid prd json: tasks missing")
	}
	doc := raw.PRD
	doc.Tasks = *raw.Tasks
	return doc, nil
}
