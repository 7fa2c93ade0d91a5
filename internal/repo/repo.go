package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"spriteboard/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type scanner interface {
	Scan(dest ...any) error
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func statusArgs[S ~string](statuses []S) []any {
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return args
}

// setClause accumulates "col=?" assignments for partial updates.
type setClause struct {
	fields []string
	args   []any
}

func (s *setClause) set(col string, v any) {
	s.fields = append(s.fields, col+"=?")
	s.args = append(s.args, v)
}

func (s *setClause) setPtr(col string, v *string) {
	if v != nil {
		s.set(col, nullable(*v))
	}
}

func (s *setClause) sql() string {
	return strings.Join(s.fields, ",")
}

func (r Repo) exists(ctx context.Context, table, id string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE id=?`, table), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// casResult turns a conditional update's row count into (applied, err),
// distinguishing a lost race from a missing row.
func (r Repo) casResult(ctx context.Context, res sql.Result, table, id string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	ok, err := r.exists(ctx, table, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrNotFound
	}
	return false, nil
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Now formats a timestamp the way every row stores it.
func Now(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

const projectColumns = `id,user_id,name,repo_url,default_branch,github_token_enc,created_at`

func scanProject(row scanner) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.RepoURL, &p.DefaultBranch, &p.GithubTokenEnc, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(`+projectColumns+`) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.UserID, p.Name, p.RepoURL, p.DefaultBranch, p.GithubTokenEnc, p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

// ListProjects returns projects owned by userID, or all projects when userID is empty.
func (r Repo) ListProjects(ctx context.Context, userID string) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	var args []any
	if userID != "" {
		query += ` WHERE user_id=?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProjectToken(ctx context.Context, id, tokenEnc string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET github_token_enc=? WHERE id=?`, tokenEnc, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) UpsertCredential(ctx context.Context, c domain.UserCredential) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO user_credentials(user_id,provider,secret_enc,updated_at) VALUES (?,?,?,?)
ON CONFLICT(user_id,provider) DO UPDATE SET secret_enc=excluded.secret_enc, updated_at=excluded.updated_at`,
		c.UserID, c.Provider, c.SecretEnc, c.UpdatedAt)
	return err
}

func (r Repo) GetCredential(ctx context.Context, userID, provider string) (domain.UserCredential, error) {
	var c domain.UserCredential
	err := r.DB.QueryRowContext(ctx, `SELECT user_id,provider,secret_enc,updated_at FROM user_credentials WHERE user_id=? AND provider=?`, userID, provider).
		Scan(&c.UserID, &c.Provider, &c.SecretEnc, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) DeleteCredential(ctx context.Context, userID, provider string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM user_credentials WHERE user_id=? AND provider=?`, userID, provider)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}
