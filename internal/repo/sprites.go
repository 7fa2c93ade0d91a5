package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"spriteboard/internal/domain"
)

const spriteColumns = `id,project_id,branch,type,status,name,url,webhook_secret,error_message,created_at,updated_at`

func scanSprite(row scanner) (domain.Sprite, error) {
	var s domain.Sprite
	var name, url, secret, errMsg sql.NullString
	err := row.Scan(&s.ID, &s.ProjectID, &s.Branch, &s.Type, &s.Status, &name, &url, &secret, &errMsg, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	s.Name = name.String
	s.URL = url.String
	s.WebhookSecret = secret.String
	s.ErrorMessage = errMsg.String
	return s, err
}

// UpsertSprite records the current sandbox generation for (branch, type), replacing any previous one.
func (r Repo) UpsertSprite(ctx context.Context, s domain.Sprite) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sprites(`+spriteColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(branch,type) DO UPDATE SET project_id=excluded.project_id, status=excluded.status, name=excluded.name,
  url=excluded.url, webhook_secret=excluded.webhook_secret, error_message=excluded.error_message, updated_at=excluded.updated_at`,
		s.ID, s.ProjectID, s.Branch, string(s.Type), string(s.Status), nullable(s.Name), nullable(s.URL), nullable(s.WebhookSecret),
		nullable(s.ErrorMessage), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetSpriteByBranch(ctx context.Context, branch string, typ domain.SpriteType) (domain.Sprite, error) {
	return scanSprite(r.DB.QueryRowContext(ctx, `SELECT `+spriteColumns+` FROM sprites WHERE branch=? AND type=?`, branch, string(typ)))
}

func (r Repo) GetSpriteByName(ctx context.Context, name string) (domain.Sprite, error) {
	return scanSprite(r.DB.QueryRowContext(ctx, `SELECT `+spriteColumns+` FROM sprites WHERE name=?`, name))
}

type SpriteFilters struct {
	ProjectID string
	Branch    string
	Type      domain.SpriteType
	Status    domain.SpriteStatus
}

func (r Repo) ListSprites(ctx context.Context, f SpriteFilters) ([]domain.Sprite, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Branch != "" {
		clauses = append(clauses, "branch=?")
		args = append(args, f.Branch)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, string(f.Type))
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+spriteColumns+` FROM sprites WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Sprite
	for rows.Next() {
		s, err := scanSprite(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpdateSpriteStatus sets status (and error message, when non-empty) on the sprite named name.
func (r Repo) UpdateSpriteStatus(ctx context.Context, name string, status domain.SpriteStatus, errMsg, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE sprites SET status=?, error_message=COALESCE(?,error_message), updated_at=? WHERE name=?`,
		string(status), nullable(errMsg), now, name)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) DeleteSpriteByName(ctx context.Context, name string) error {
	if name == "" {
		return ErrNotFound
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM sprites WHERE name=?`, name)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}
