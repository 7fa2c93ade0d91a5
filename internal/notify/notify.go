// Package notify delivers lifecycle events to configured HTTP subscribers.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"spriteboard/internal/config"
	"spriteboard/internal/domain"
	"spriteboard/internal/logging"
	"spriteboard/internal/signature"
)

const (
	DefaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
)

// Delivery headers.
const (
	HeaderEvent    = "X-Spriteboard-Event"
	HeaderDelivery = "X-Spriteboard-Delivery"
	HeaderProject  = "X-Spriteboard-Project"
)

// EventSource reads the lifecycle event log in id order.
type EventSource interface {
	EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error)
	LatestEventID(ctx context.Context, projectID string) (int64, error)
}

// Dispatcher tails the event log and posts each event to every enabled
// subscriber. Each subscriber keeps its own cursor; a failed delivery stops
// that subscriber's batch and is retried on the next tick.
type Dispatcher struct {
	source   EventSource
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *slog.Logger
	Interval time.Duration

	mu      sync.Mutex
	cursors map[int]int64
}

func New(src EventSource, hooks []config.WebhookConfig, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		source:   src,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultTimeout},
		logger:   logging.OrDiscard(logger),
		Interval: DefaultInterval,
		cursors:  make(map[int]int64),
	}
}

// Enabled reports whether any subscriber would receive deliveries.
func (d *Dispatcher) Enabled() bool {
	for _, h := range d.webhooks {
		if enabled(h) {
			return true
		}
	}
	return false
}

func enabled(h config.WebhookConfig) bool {
	return (h.Enabled == nil || *h.Enabled) && strings.TrimSpace(h.URL) != ""
}

// Run dispatches until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers pending events to every subscriber.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	for i, hook := range d.webhooks {
		if !enabled(hook) {
			continue
		}
		d.dispatch(ctx, i, hook)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, idx int, hook config.WebhookConfig) {
	lg := d.logger.With("url", hook.URL)
	cursor, err := d.cursorFor(ctx, idx)
	if err != nil {
		lg.Warn("init delivery cursor failed", "err", err)
		return
	}
	evts, err := d.source.EventsAfter(ctx, defaultBatch, cursor, "")
	if err != nil {
		lg.Warn("fetch events failed", "err", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evts {
		if filter.match(evt.Type) {
			if err := d.post(ctx, hook, evt); err != nil {
				lg.Warn("event delivery failed", "event_id", evt.ID, "type", evt.Type, "err", err)
				return
			}
			lg.Debug("event delivered", "event_id", evt.ID, "type", evt.Type)
		}
		d.setCursor(idx, evt.ID)
	}
}

// cursorFor starts new subscribers at the current end of the log.
func (d *Dispatcher) cursorFor(ctx context.Context, idx int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur, nil
	}
	cur, err := d.source.LatestEventID(ctx, "")
	if err != nil {
		return 0, err
	}
	d.cursors[idx] = cur
	return cur, nil
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

// Delivery is the JSON body posted to subscribers.
type Delivery struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *Dispatcher) post(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(Delivery{
		ID: evt.ID, Type: evt.Type, ProjectID: evt.ProjectID, EntityKind: evt.EntityKind,
		EntityID: evt.EntityID, ActorID: evt.ActorID, TS: evt.TS, Payload: payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second, Transport: d.client.Transport}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, evt.Type)
	req.Header.Set(HeaderDelivery, strconv.FormatInt(evt.ID, 10))
	if evt.ProjectID != "" {
		req.Header.Set(HeaderProject, evt.ProjectID)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set(signature.Header, signature.Sign(hook.Secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// eventFilter matches exact types and "prefix.*" patterns; empty matches all.
type eventFilter struct {
	all      bool
	set      map[string]struct{}
	prefixes []string
}

func newEventFilter(types []string) eventFilter {
	f := eventFilter{set: map[string]struct{}{}}
	for _, t := range types {
		key := strings.TrimSpace(t)
		switch {
		case key == "":
		case key == "*":
			return eventFilter{all: true}
		case strings.HasSuffix(key, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(key, "*"))
		default:
			f.set[key] = struct{}{}
		}
	}
	if len(f.set) == 0 && len(f.prefixes) == 0 {
		return eventFilter{all: true}
	}
	return f
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
