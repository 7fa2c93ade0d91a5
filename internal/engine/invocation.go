package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"spriteboard/internal/domain"
	"spriteboard/internal/events"
	"spriteboard/internal/repo"
	"spriteboard/internal/signature"
	"spriteboard/internal/spawner"
	"spriteboard/internal/webhook"
)

var liveSessionStatuses = []domain.SessionStatus{domain.SessionPending, domain.SessionRunning}

// TaskCreateOptions are parameters for creating a board task.
type TaskCreateOptions struct {
	ProjectID   string
	Title       string
	Description string
	Category    string
	Model       string
	BoardStatus domain.BoardStatus
	ActorID     string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	p, err := e.Auth.Project(ctx, opts.ProjectID, opts.ActorID)
	if err != nil {
		return domain.Task{}, err
	}
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Task{}, validationf("task title is required")
	}
	board := opts.BoardStatus
	if board == "" {
		board = domain.BoardAbyss
	}
	if !board.Valid() {
		return domain.Task{}, validationf("invalid board status %q", board)
	}
	if board == domain.BoardRitual {
		return domain.Task{}, validationf("create the task first, then move it to %s", domain.BoardRitual)
	}
	now := e.ts()
	t := domain.Task{
		ID:             uuid.NewString(),
		ProjectID:      p.ID,
		Title:          title,
		Description:    opts.Description,
		Category:       opts.Category,
		Model:          opts.Model,
		BoardStatus:    board,
		ExecutionState: domain.ExecIdle,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Repo.InsertTask(ctx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	e.emit(ctx, events.TaskCreated, p.ID, "task", t.ID, opts.ActorID, events.EventPayload{"title": title, "board_status": string(board)})
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, id, actorID string) (domain.Task, error) {
	t, _, err := e.Auth.Task(ctx, id, actorID)
	return t, err
}

func (e Engine) ListTasks(ctx context.Context, projectID string, board domain.BoardStatus, actorID string) ([]domain.Task, error) {
	if _, err := e.Auth.Project(ctx, projectID, actorID); err != nil {
		return nil, err
	}
	if board != "" && !board.Valid() {
		return nil, validationf("invalid board status %q", board)
	}
	return e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID, BoardStatus: board})
}

// TaskSessions returns every execution attempt of a task, oldest first.
func (e Engine) TaskSessions(ctx context.Context, id, actorID string) ([]domain.OpencodeSession, error) {
	if _, _, err := e.Auth.Task(ctx, id, actorID); err != nil {
		return nil, err
	}
	return e.Repo.ListSessions(ctx, id)
}

// TaskUpdateOptions edits task content. Nil fields are left unchanged.
type TaskUpdateOptions struct {
	ID          string
	Title       *string
	Description *string
	Category    *string
	Model       *string
	ActorID     string
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	t, _, err := e.Auth.Task(ctx, opts.ID, opts.ActorID)
	if err != nil {
		return domain.Task{}, err
	}
	if opts.Title != nil {
		title := strings.TrimSpace(*opts.Title)
		if title == "" {
			return domain.Task{}, validationf("task title is required")
		}
		opts.Title = &title
	}
	if err := e.Repo.UpdateTask(ctx, t.ID, repo.TaskUpdate{
		Title: opts.Title, Description: opts.Description, Category: opts.Category, Model: opts.Model,
	}, e.ts()); err != nil {
		return domain.Task{}, err
	}
	e.emit(ctx, events.TaskUpdated, t.ProjectID, "task", t.ID, opts.ActorID, nil)
	return e.Repo.GetTask(ctx, t.ID)
}

// DeleteTask destroys a live invocation sandbox (best-effort) and removes the task.
func (e Engine) DeleteTask(ctx context.Context, id, actorID string) error {
	t, _, err := e.Auth.Task(ctx, id, actorID)
	if err != nil {
		return err
	}
	if s, err := e.Repo.LatestSession(ctx, id); err == nil && !s.Status.Terminal() && s.SpriteName != "" {
		if err := e.destroy(ctx, s.SpriteName); err != nil {
			e.log().Warn("teardown during task delete failed", "task_id", id, "sprite", s.SpriteName, "err", err)
		}
	} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if err := e.Repo.DeleteTask(ctx, id); err != nil {
		return err
	}
	e.emit(ctx, events.TaskDeleted, t.ProjectID, "task", id, actorID, nil)
	return nil
}

func (e Engine) updateTask(ctx context.Context, id string, upd repo.TaskUpdate) error {
	if err := e.Repo.UpdateTask(ctx, id, upd, e.ts()); err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	return nil
}

// MoveTask changes a task's board column. Moving into ritual starts an agent
// invocation for it in a fresh sandbox.
func (e Engine) MoveTask(ctx context.Context, id string, board domain.BoardStatus, actorID string) (domain.Task, error) {
	t, p, err := e.Auth.Task(ctx, id, actorID)
	if err != nil {
		return domain.Task{}, err
	}
	if !board.Valid() {
		return domain.Task{}, validationf("invalid board status %q", board)
	}
	if board == t.BoardStatus {
		return t, nil
	}
	if board != domain.BoardRitual {
		upd := repo.TaskUpdate{BoardStatus: &board}
		if board == domain.BoardVanquished {
			done := domain.ExecCompleted
			now := e.ts()
			upd.ExecutionState = &done
			upd.CompletedAt = &now
		}
		if err := e.updateTask(ctx, id, upd); err != nil {
			return domain.Task{}, err
		}
		e.emit(ctx, events.TaskMoved, t.ProjectID, "task", id, actorID, events.EventPayload{"from": string(t.BoardStatus), "to": string(board)})
		return e.Repo.GetTask(ctx, id)
	}
	if t.ExecutionState == domain.ExecInProgress {
		return domain.Task{}, validationf("task is already running")
	}
	if err := e.vacateInvocation(ctx, t); err != nil {
		return domain.Task{}, err
	}
	return e.invoke(ctx, t, p, actorID)
}

func invocationBranch(t domain.Task) string {
	if len(t.ID) > 8 {
		return "task/" + t.ID[:8]
	}
	return "task/" + t.ID
}

// vacateInvocation ends a session that is still live, such as one waiting on
// a question, and destroys every sandbox still recorded for the task so the
// next invocation owns the only one. A sandbox that cannot be destroyed
// blocks the new invocation.
func (e Engine) vacateInvocation(ctx context.Context, t domain.Task) error {
	var names []string
	s, err := e.Repo.LatestSession(ctx, t.ID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		return err
	case !s.Status.Terminal():
		msg := "superseded by a new invocation"
		if _, err := e.transitionSession(ctx, t, s.ID, domain.SessionError, repo.SessionUpdate{ErrorMessage: &msg}); err != nil {
			return err
		}
		if s.SpriteName != "" {
			if err := e.Spawner.KillAgent(ctx, s.SpriteName); err != nil {
				e.log().Warn("kill agent failed", "task_id", t.ID, "sprite", s.SpriteName, "err", err)
			}
			names = append(names, s.SpriteName)
		}
	}
	sp, err := e.Repo.GetSpriteByBranch(ctx, invocationBranch(t), domain.SpriteInvocation)
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		return err
	case sp.Name != "" && !slices.Contains(names, sp.Name):
		names = append(names, sp.Name)
	}
	for _, name := range names {
		if err := e.destroy(ctx, name); err != nil {
			e.log().Error("release previous invocation sandbox failed", "task_id", t.ID, "sprite", name, "err", err)
			e.emit(ctx, events.SpriteOrphaned, t.ProjectID, "task", t.ID, "", events.EventPayload{"sprite": name, "error": err.Error()})
			return fmt.Errorf("%w: release previous sandbox %s: %w", ErrSpawnFailed, name, err)
		}
		e.emit(ctx, events.SpriteDestroyed, t.ProjectID, "task", t.ID, "", events.EventPayload{"sprite": name})
	}
	return nil
}

func (e Engine) taskPrompt(t domain.Task) string {
	var b strings.Builder
	b.WriteString("# " + t.Title + "\n")
	if d := strings.TrimSpace(t.Description); d != "" {
		b.WriteString("\n" + d + "\n")
	}
	if c := strings.TrimSpace(t.Category); c != "" {
		b.WriteString("\nCategory: " + c + "\n")
	}
	b.WriteString("\nCommit your work to the current branch and open a pull request when done.\n")
	return b.String()
}

func (e Engine) invoke(ctx context.Context, t domain.Task, p domain.Project, actorID string) (domain.Task, error) {
	secret, err := signature.NewSecret()
	if err != nil {
		return domain.Task{}, fmt.Errorf("generate webhook secret: %w", err)
	}
	now := e.ts()
	s := domain.OpencodeSession{
		ID:            uuid.NewString(),
		TaskID:        t.ID,
		WebhookSecret: secret,
		Status:        domain.SessionPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.Repo.InsertSession(ctx, s); err != nil {
		return domain.Task{}, fmt.Errorf("insert session: %w", err)
	}
	branch := invocationBranch(t)
	ritual, running, blank := domain.BoardRitual, domain.ExecInProgress, ""
	if err := e.updateTask(ctx, t.ID, repo.TaskUpdate{BoardStatus: &ritual, ExecutionState: &running, ErrorMessage: &blank, BranchName: &branch}); err != nil {
		return domain.Task{}, err
	}
	e.emit(ctx, events.TaskMoved, t.ProjectID, "task", t.ID, actorID, events.EventPayload{"from": string(t.BoardStatus), "to": string(ritual), "session_id": s.ID})
	lg := e.log().With("task_id", t.ID, "project_id", p.ID, "session_id", s.ID)

	tokenEnc, err := e.projectToken(p)
	if err != nil {
		return e.failInvocation(ctx, t, s, fmt.Errorf("seal repository token: %w", err))
	}
	credEnc, err := e.credential(ctx, p)
	if err != nil {
		return e.failInvocation(ctx, t, s, fmt.Errorf("load agent credentials: %w", err))
	}
	h, err := e.Spawner.Spawn(ctx, spawner.Request{
		Kind:          domain.SpriteInvocation,
		ProjectID:     p.ID,
		ProjectName:   p.Name,
		Repo:          p.RepoURL,
		TokenEnc:      tokenEnc,
		CredentialEnc: credEnc,
		Branch:        branch,
		BaseBranch:    p.DefaultBranch,
		CreateBranch:  true,
		Prompt:        e.taskPrompt(t),
		SessionID:     s.ID,
		Model:         t.Model,
		WebhookURL:    e.webhookURL("sprite", t.ID),
		WebhookSecret: secret,
		Record: func(ctx context.Context, h spawner.Handle) error {
			now := e.ts()
			if err := e.Repo.SetSessionSprite(ctx, s.ID, h.Name, now); err != nil {
				return err
			}
			return e.Repo.UpsertSprite(ctx, domain.Sprite{
				ID: uuid.NewString(), ProjectID: p.ID, Branch: branch, Type: domain.SpriteInvocation,
				Status: domain.SpritePending, Name: h.Name, URL: h.URL, WebhookSecret: secret,
				CreatedAt: now, UpdatedAt: now,
			})
		},
	})
	if err != nil {
		lg.Error("invocation spawn failed", "err", err)
		return e.failInvocation(ctx, t, s, err)
	}
	lg.Info("invocation sandbox ready", "sprite", h.Name)
	e.setSpriteStatus(ctx, h.Name, domain.SpriteActive)
	e.emit(ctx, events.SpriteCreated, p.ID, "task", t.ID, actorID, events.EventPayload{"sprite": h.Name, "session_id": s.ID})
	return e.Repo.GetTask(ctx, t.ID)
}

// failInvocation reverts the optimistic in_progress state after a spawn failure.
func (e Engine) failInvocation(ctx context.Context, t domain.Task, s domain.OpencodeSession, cause error) (domain.Task, error) {
	msg := "sandbox provisioning failed: " + cause.Error()
	if _, err := e.transitionSession(ctx, t, s.ID, domain.SessionError, repo.SessionUpdate{ErrorMessage: &msg}); err != nil {
		return domain.Task{}, err
	}
	cursed, failed := domain.BoardCursed, domain.ExecError
	if err := e.updateTask(ctx, t.ID, repo.TaskUpdate{BoardStatus: &cursed, ExecutionState: &failed, ErrorMessage: &msg}); err != nil {
		return domain.Task{}, err
	}
	if cur, err := e.Repo.GetSession(ctx, s.ID); err == nil && cur.SpriteName != "" {
		if err := e.destroy(ctx, cur.SpriteName); err != nil {
			e.log().Warn("release failed invocation sandbox", "task_id", t.ID, "sprite", cur.SpriteName, "err", err)
		}
	}
	out, err := e.Repo.GetTask(ctx, t.ID)
	if err != nil {
		return domain.Task{}, err
	}
	return out, fmt.Errorf("%w: %w", ErrSpawnFailed, cause)
}

func (e Engine) transitionSession(ctx context.Context, t domain.Task, sessionID string, to domain.SessionStatus, upd repo.SessionUpdate) (bool, error) {
	from := liveSessionStatuses
	if to == domain.SessionRunning {
		from = []domain.SessionStatus{domain.SessionPending}
	}
	ok, err := e.Repo.TransitionSession(ctx, sessionID, from, to, upd, e.ts())
	if err != nil {
		return false, fmt.Errorf("transition session %s to %s: %w", sessionID, to, err)
	}
	if ok {
		e.log().Info("session transition", "task_id", t.ID, "session_id", sessionID, "to", string(to))
		payload := events.EventPayload{"session_id": sessionID, "status": string(to)}
		if upd.ErrorMessage != nil {
			payload["error"] = *upd.ErrorMessage
		}
		e.emit(ctx, events.SessionStatus, t.ProjectID, "task", t.ID, "", payload)
	}
	return ok, nil
}

// releaseSession destroys the sandbox of a finished session.
func (e Engine) releaseSession(ctx context.Context, t domain.Task, s domain.OpencodeSession) {
	if s.SpriteName == "" {
		return
	}
	if err := e.destroy(ctx, s.SpriteName); err != nil {
		e.log().Error("sandbox teardown failed", "task_id", t.ID, "sprite", s.SpriteName, "err", err)
		e.emit(ctx, events.SpriteOrphaned, t.ProjectID, "task", t.ID, "", events.EventPayload{"sprite": s.SpriteName, "error": err.Error()})
		return
	}
	e.emit(ctx, events.SpriteDestroyed, t.ProjectID, "task", t.ID, "", events.EventPayload{"sprite": s.SpriteName})
}

// StopTask kills the agent, destroys the sandbox and returns the task to altar.
func (e Engine) StopTask(ctx context.Context, id, actorID string) (domain.Task, error) {
	t, _, err := e.Auth.Task(ctx, id, actorID)
	if err != nil {
		return domain.Task{}, err
	}
	s, err := e.Repo.LatestSession(ctx, id)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && s.Status.Terminal()) {
		return domain.Task{}, validationf("task has no running invocation")
	}
	if err != nil {
		return domain.Task{}, err
	}
	msg := "stopped by user"
	ok, err := e.transitionSession(ctx, t, s.ID, domain.SessionError, repo.SessionUpdate{ErrorMessage: &msg})
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		// A terminal callback won the race; its board state stands.
		return e.Repo.GetTask(ctx, id)
	}
	if s.SpriteName != "" {
		if err := e.Spawner.KillAgent(ctx, s.SpriteName); err != nil {
			e.log().Warn("kill agent failed", "task_id", id, "sprite", s.SpriteName, "err", err)
		}
		e.releaseSession(ctx, t, s)
	}
	altar, idle := domain.BoardAltar, domain.ExecIdle
	if err := e.updateTask(ctx, id, repo.TaskUpdate{BoardStatus: &altar, ExecutionState: &idle}); err != nil {
		return domain.Task{}, err
	}
	e.emit(ctx, events.TaskMoved, t.ProjectID, "task", id, actorID, events.EventPayload{"from": string(t.BoardStatus), "to": string(altar), "reason": "stopped"})
	return e.Repo.GetTask(ctx, id)
}

// HandleInvocationWebhook applies a verified callback to the task's latest
// session. A terminal session absorbs every later callback.
func (e Engine) HandleInvocationWebhook(ctx context.Context, taskID string, p webhook.InvocationPayload) error {
	e = e.forCallback()
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	s, err := e.Repo.LatestSession(ctx, taskID)
	if err != nil {
		return err
	}
	lg := e.log().With("task_id", t.ID, "session_id", s.ID, "type", p.Type())
	lg.Debug("invocation webhook")
	switch v := p.(type) {
	case webhook.InvocationStarted:
		if _, err := e.transitionSession(ctx, t, s.ID, domain.SessionRunning, repo.SessionUpdate{}); err != nil {
			return err
		}
		e.setSpriteStatus(ctx, s.SpriteName, domain.SpriteRunning)
	case webhook.InvocationProgress:
		if _, err := e.Repo.UpdateSessionProgress(ctx, s.ID, v.MessageCount, v.InputTokens, v.OutputTokens, e.ts()); err != nil {
			return err
		}
	case webhook.InvocationCompleted:
		now := e.ts()
		ok, err := e.transitionSession(ctx, t, s.ID, domain.SessionCompleted, repo.SessionUpdate{CompletedAt: &now})
		if err != nil || !ok {
			return err
		}
		trial, review := domain.BoardTrial, domain.ExecAwaitingReview
		if err := e.updateTask(ctx, t.ID, repo.TaskUpdate{
			BoardStatus: &trial, ExecutionState: &review, BranchName: optional(v.Branch), PRURL: optional(v.PRURL),
		}); err != nil {
			return err
		}
		if v.Summary != "" {
			lg.Info("invocation summary", "summary", v.Summary)
		}
		e.releaseSession(ctx, t, s)
	case webhook.InvocationError:
		msg := v.Error
		if strings.TrimSpace(msg) == "" {
			msg = "sandbox reported an error"
		}
		now := e.ts()
		ok, err := e.transitionSession(ctx, t, s.ID, domain.SessionError, repo.SessionUpdate{ErrorMessage: &msg, CompletedAt: &now})
		if err != nil || !ok {
			return err
		}
		cursed, failed := domain.BoardCursed, domain.ExecError
		if err := e.updateTask(ctx, t.ID, repo.TaskUpdate{BoardStatus: &cursed, ExecutionState: &failed, ErrorMessage: &msg}); err != nil {
			return err
		}
		if v.Log != "" {
			lg.Info("invocation failure log", "log", v.Log)
		}
		e.releaseSession(ctx, t, s)
	case webhook.InvocationQuestion:
		ok, err := e.Repo.SetSessionQuestion(ctx, s.ID, v.Question, e.ts())
		if err != nil || !ok {
			return err
		}
		review := domain.ExecAwaitingReview
		if err := e.updateTask(ctx, t.ID, repo.TaskUpdate{ExecutionState: &review}); err != nil {
			return err
		}
		e.emit(ctx, events.SessionQuestion, t.ProjectID, "task", t.ID, "", events.EventPayload{"session_id": s.ID, "question": v.Question})
	default:
		return fmt.Errorf("%w: unsupported invocation payload %T", webhook.ErrInvalidPayload, p)
	}
	return nil
}
