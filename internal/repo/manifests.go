package repo

import (
	"context"
	"database/sql"
	"errors"

	"spriteboard/internal/domain"
)

const manifestColumns = `id,project_id,name,prd_name,status,sprite_name,sprite_url,sprite_password,webhook_secret,error_message,prd_json,branch,pr_url,last_polled_at,created_at,updated_at,completed_at`

func scanManifest(row scanner) (domain.Manifest, error) {
	var m domain.Manifest
	var prdName, spriteName, spriteURL, spritePassword, errMsg, prdJSON, branch, prURL, lastPolled, completed sql.NullString
	err := row.Scan(&m.ID, &m.ProjectID, &m.Name, &prdName, &m.Status, &spriteName, &spriteURL, &spritePassword,
		&m.WebhookSecret, &errMsg, &prdJSON, &branch, &prURL, &lastPolled, &m.CreatedAt, &m.UpdatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.PRDName = stringPtr(prdName)
	m.SpriteName = spriteName.String
	m.SpriteURL = spriteURL.String
	m.SpritePassword = spritePassword.String
	m.ErrorMessage = errMsg.String
	m.PRDJSON = prdJSON.String
	m.Branch = branch.String
	m.PRURL = prURL.String
	m.LastPolledAt = lastPolled.String
	m.CompletedAt = stringPtr(completed)
	return m, nil
}

func (r Repo) queryManifests(ctx context.Context, query string, args ...any) ([]domain.Manifest, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Manifest
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// InsertManifestIfNoneActive inserts m only when the project has no
// pending, active, or running manifest. The check and the insert are one statement.
func (r Repo) InsertManifestIfNoneActive(ctx context.Context, m domain.Manifest) (bool, error) {
	live := statusArgs(domain.LiveManifestStatuses)
	args := []any{m.ID, m.ProjectID, m.Name, nullableStringPtr(m.PRDName), string(m.Status), nullable(m.WebhookSecret),
		nullable(m.Branch), m.CreatedAt, m.UpdatedAt, m.ProjectID}
	args = append(args, live...)
	res, err := r.DB.ExecContext(ctx, `INSERT INTO manifests(id,project_id,name,prd_name,status,webhook_secret,branch,created_at,updated_at)
SELECT ?,?,?,?,?,?,?,?,?
WHERE NOT EXISTS (SELECT 1 FROM manifests WHERE project_id=? AND status IN (`+placeholders(len(live))+`))`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ActiveManifest returns the project's live manifest, if any.
func (r Repo) ActiveManifest(ctx context.Context, projectID string) (domain.Manifest, error) {
	live := statusArgs(domain.LiveManifestStatuses)
	args := append([]any{projectID}, live...)
	return scanManifest(r.DB.QueryRowContext(ctx, `SELECT `+manifestColumns+` FROM manifests WHERE project_id=? AND status IN (`+placeholders(len(live))+`) ORDER BY created_at DESC LIMIT 1`, args...))
}

func (r Repo) GetManifest(ctx context.Context, id string) (domain.Manifest, error) {
	return scanManifest(r.DB.QueryRowContext(ctx, `SELECT `+manifestColumns+` FROM manifests WHERE id=?`, id))
}

func (r Repo) ListManifests(ctx context.Context, projectID string) ([]domain.Manifest, error) {
	return r.queryManifests(ctx, `SELECT `+manifestColumns+` FROM manifests WHERE project_id=? ORDER BY created_at DESC, id`, projectID)
}

func (r Repo) ListManifestsByStatus(ctx context.Context, status domain.ManifestStatus) ([]domain.Manifest, error) {
	return r.queryManifests(ctx, `SELECT `+manifestColumns+` FROM manifests WHERE status=? ORDER BY created_at, id`, string(status))
}

// ListOrphanedManifests returns terminal manifests that still hold a sandbox handle.
func (r Repo) ListOrphanedManifests(ctx context.Context) ([]domain.Manifest, error) {
	return r.queryManifests(ctx, `SELECT `+manifestColumns+` FROM manifests WHERE status IN ('completed','error') AND COALESCE(sprite_name,'')<>'' ORDER BY updated_at, id`)
}

// ManifestUpdate carries optional fields written alongside a status transition.
type ManifestUpdate struct {
	ErrorMessage *string
	PRDJSON      *string
	Branch       *string
	PRURL        *string
	CompletedAt  *string
}

// TransitionManifest moves a manifest to `to` only if its current status is one of `from`.
// It reports false when another writer got there first and ErrNotFound when the row is gone.
func (r Repo) TransitionManifest(ctx context.Context, id string, from []domain.ManifestStatus, to domain.ManifestStatus, upd ManifestUpdate, now string) (bool, error) {
	var sc setClause
	sc.set("status", string(to))
	sc.set("updated_at", now)
	sc.setPtr("error_message", upd.ErrorMessage)
	sc.setPtr("prd_json", upd.PRDJSON)
	sc.setPtr("branch", upd.Branch)
	sc.setPtr("pr_url", upd.PRURL)
	sc.setPtr("completed_at", upd.CompletedAt)
	args := append(sc.args, id)
	args = append(args, statusArgs(from)...)
	res, err := r.DB.ExecContext(ctx, `UPDATE manifests SET `+sc.sql()+` WHERE id=? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, err
	}
	return r.casResult(ctx, res, "manifests", id)
}

// UpdateManifestProgress caches the latest PRD document while the manifest is not terminal.
func (r Repo) UpdateManifestProgress(ctx context.Context, id, prdJSON, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE manifests SET prd_json=?, updated_at=? WHERE id=? AND status NOT IN ('completed','error')`, prdJSON, now, id)
	if err != nil {
		return false, err
	}
	return r.casResult(ctx, res, "manifests", id)
}

// UpdateManifestPRDName renames the PRD (and its derived branch) only while pending or active.
func (r Repo) UpdateManifestPRDName(ctx context.Context, id, prdName, branch, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE manifests SET prd_name=?, branch=?, updated_at=? WHERE id=? AND status IN ('pending','active')`, prdName, branch, now, id)
	if err != nil {
		return false, err
	}
	return r.casResult(ctx, res, "manifests", id)
}

// SetManifestHandle records the sandbox a manifest owns.
func (r Repo) SetManifestHandle(ctx context.Context, id, name, url, password, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE manifests SET sprite_name=?, sprite_url=?, sprite_password=?, updated_at=? WHERE id=?`,
		name, nullable(url), nullable(password), now, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// ClearManifestHandle forgets the sandbox handle if it still names spriteName.
func (r Repo) ClearManifestHandle(ctx context.Context, id, spriteName, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE manifests SET sprite_name=NULL, sprite_url=NULL, sprite_password=NULL, updated_at=? WHERE id=? AND sprite_name=?`,
		now, id, spriteName)
	if err != nil {
		return false, err
	}
	return r.casResult(ctx, res, "manifests", id)
}

// ClaimManifestPoll stamps last_polled_at on a running manifest unless it was
// polled after notAfter. Only the caller that gets true should fetch progress.
func (r Repo) ClaimManifestPoll(ctx context.Context, id, now, notAfter string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE manifests SET last_polled_at=? WHERE id=? AND status='running' AND (last_polled_at IS NULL OR last_polled_at<=?)`,
		now, id, notAfter)
	if err != nil {
		return false, err
	}
	return r.casResult(ctx, res, "manifests", id)
}

func (r Repo) DeleteManifest(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM manifests WHERE id=?`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}
