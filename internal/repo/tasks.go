package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"spriteboard/internal/domain"
)

const taskColumns = `id,project_id,title,description,category,model,board_status,execution_state,branch_name,pr_url,error_message,created_at,updated_at,completed_at`

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var desc, category, model, branch, prURL, errMsg, completed sql.NullString
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &desc, &category, &model, &t.BoardStatus, &t.ExecutionState,
		&branch, &prURL, &errMsg, &t.CreatedAt, &t.UpdatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	t.Description = desc.String
	t.Category = category.String
	t.Model = model.String
	t.BranchName = branch.String
	t.PRURL = prURL.String
	t.ErrorMessage = errMsg.String
	t.CompletedAt = stringPtr(completed)
	return t, err
}

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Title, nullable(t.Description), nullable(t.Category), nullable(t.Model),
		string(t.BoardStatus), string(t.ExecutionState), nullable(t.BranchName), nullable(t.PRURL), nullable(t.ErrorMessage),
		t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	ProjectID   string
	BoardStatus domain.BoardStatus
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.BoardStatus != "" {
		clauses = append(clauses, "board_status=?")
		args = append(args, string(f.BoardStatus))
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TaskUpdate carries optional task fields. Nil pointers leave the column untouched.
type TaskUpdate struct {
	Title          *string
	Description    *string
	Category       *string
	Model          *string
	BoardStatus    *domain.BoardStatus
	ExecutionState *domain.ExecutionState
	BranchName     *string
	PRURL          *string
	ErrorMessage   *string
	CompletedAt    *string
}

func (r Repo) UpdateTask(ctx context.Context, id string, upd TaskUpdate, now string) error {
	var sc setClause
	sc.set("updated_at", now)
	if upd.Title != nil {
		sc.set("title", *upd.Title)
	}
	sc.setPtr("description", upd.Description)
	sc.setPtr("category", upd.Category)
	sc.setPtr("model", upd.Model)
	if upd.BoardStatus != nil {
		sc.set("board_status", string(*upd.BoardStatus))
	}
	if upd.ExecutionState != nil {
		sc.set("execution_state", string(*upd.ExecutionState))
	}
	sc.setPtr("branch_name", upd.BranchName)
	sc.setPtr("pr_url", upd.PRURL)
	sc.setPtr("error_message", upd.ErrorMessage)
	sc.setPtr("completed_at", upd.CompletedAt)
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET `+sc.sql()+` WHERE id=?`, append(sc.args, id)...)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) DeleteTask(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

const sessionColumns = `id,task_id,sprite_name,webhook_secret,status,message_count,input_tokens,output_tokens,question,error_message,created_at,updated_at,completed_at`

func scanSession(row scanner) (domain.OpencodeSession, error) {
	var s domain.OpencodeSession
	var spriteName, question, errMsg, completed sql.NullString
	err := row.Scan(&s.ID, &s.TaskID, &spriteName, &s.WebhookSecret, &s.Status, &s.MessageCount, &s.InputTokens, &s.OutputTokens,
		&question, &errMsg, &s.CreatedAt, &s.UpdatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	s.SpriteName = spriteName.String
	s.Question = question.String
	s.ErrorMessage = errMsg.String
	s.CompletedAt = stringPtr(completed)
	return s, err
}

func (r Repo) InsertSession(ctx context.Context, s domain.OpencodeSession) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO opencode_sessions(`+sessionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.TaskID, nullable(s.SpriteName), s.WebhookSecret, string(s.Status), s.MessageCount, s.InputTokens, s.OutputTokens,
		nullable(s.Question), nullable(s.ErrorMessage), s.CreatedAt, s.UpdatedAt, nullableStringPtr(s.CompletedAt))
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.OpencodeSession, error) {
	return scanSession(r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM opencode_sessions WHERE id=?`, id))
}

// LatestSession returns the newest session for a task; only it is consulted for live status.
func (r Repo) LatestSession(ctx context.Context, taskID string) (domain.OpencodeSession, error) {
	return scanSession(r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM opencode_sessions WHERE task_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1`, taskID))
}

func (r Repo) ListSessions(ctx context.Context, taskID string) ([]domain.OpencodeSession, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+sessionColumns+` FROM opencode_sessions WHERE task_id=? ORDER BY created_at, rowid`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OpencodeSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// SessionUpdate carries optional fields written alongside a session transition.
type SessionUpdate struct {
	ErrorMessage *string
	Question     *string
	CompletedAt  *string
}

// TransitionSession is the session analogue of TransitionManifest.
func (r Repo) TransitionSession(ctx context.Context, id string, from []domain.SessionStatus, to domain.SessionStatus, upd SessionUpdate, now string) (bool, error) {
	var sc setClause
	sc.set("status", string(to))
	sc.set("updated_at", now)
	sc.setPtr("error_message", upd.ErrorMessage)
	sc.setPtr("question", upd.Question)
	sc.setPtr("completed_at", upd.CompletedAt)
	args := append(sc.args, id)
	args = append(args, statusArgs(from)...)
	res, err := r.DB.ExecContext(ctx, `UPDATE opencode_sessions SET `+sc.sql()+` WHERE id=? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, err
	}
	return r.casResult(ctx, res, "opencode_sessions", id)
}

// UpdateSessionProgress overwrites usage counters while the session is not terminal.
func (r Repo) UpdateSessionProgress(ctx context.Context, id string, messages int, inputTokens, outputTokens int64, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE opencode_sessions SET message_count=?, input_tokens=?, output_tokens=?, updated_at=? WHERE id=? AND status NOT IN ('completed','error')`,
		messages, inputTokens, outputTokens, now, id)
	if err != nil {
		return false, err
	}
	return r.casResult(ctx, res, "opencode_sessions", id)
}

// SetSessionQuestion records a pending agent question on a non-terminal session.
func (r Repo) SetSessionQuestion(ctx context.Context, id, question, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE opencode_sessions SET question=?, updated_at=? WHERE id=? AND status NOT IN ('completed','error')`,
		question, now, id)
	if err != nil {
		return false, err
	}
	return r.casResult(ctx, res, "opencode_sessions", id)
}

func (r Repo) SetSessionSprite(ctx context.Context, id, spriteName, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE opencode_sessions SET sprite_name=?, updated_at=? WHERE id=?`, nullable(spriteName), now, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}
