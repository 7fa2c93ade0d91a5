package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Lifecycle event types.
const (
	ProjectCreated  = "project.created"
	ProjectDeleted  = "project.deleted"
	ManifestCreated = "manifest.created"
	ManifestStatus  = "manifest.status_changed"
	ManifestPRD     = "manifest.prd_renamed"
	ManifestProg    = "manifest.progress"
	ManifestDeleted = "manifest.deleted"
	SpriteCreated   = "sprite.created"
	SpriteDestroyed = "sprite.destroyed"
	SpriteOrphaned  = "sprite.teardown_failed"
	TaskCreated     = "task.created"
	TaskUpdated     = "task.updated"
	TaskMoved       = "task.moved"
	TaskDeleted     = "task.deleted"
	SessionStatus   = "session.status_changed"
	SessionQuestion = "session.question"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	DB  Execer
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event through tx, or through w.DB when tx is nil.
func (w Writer) Append(ctx context.Context, tx Execer, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if tx == nil {
		tx = w.DB
	}
	if tx == nil {
		return fmt.Errorf("events: no database")
	}
	if actorID == "" {
		actorID = "system"
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
