package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"spriteboard/internal/config"
	"spriteboard/internal/domain"
	"spriteboard/internal/signature"
)

type memSource struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *memSource) add(typ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, domain.Event{ID: int64(len(m.events) + 1), Type: typ, ProjectID: "p1", EntityKind: "manifest", EntityID: "m1", ActorID: "system", Payload: `{"status":"completed"}`})
}

func (m *memSource) EventsAfter(_ context.Context, limit int, cursor int64, _ string) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, e := range m.events {
		if e.ID > cursor && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memSource) LatestEventID(context.Context, string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.events)), nil
}

type receiver struct {
	mu     sync.Mutex
	bodies []Delivery
	fail   bool
}

func (r *receiver) handler(t *testing.T, secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		if err := signature.Verify(body, req.Header.Get(signature.Header), secret); err != nil {
			t.Errorf("bad signature: %v", err)
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var d Delivery
		if err := json.Unmarshal(body, &d); err != nil {
			t.Errorf("decode delivery: %v", err)
		}
		if req.Header.Get(HeaderEvent) != d.Type {
			t.Errorf("event header %q != %q", req.Header.Get(HeaderEvent), d.Type)
		}
		r.bodies = append(r.bodies, d)
	}
}

func (r *receiver) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, b := range r.bodies {
		out = append(out, b.Type)
	}
	return out
}

func TestDispatchDeliversNewMatchingEvents(t *testing.T) {
	src := &memSource{}
	src.add("manifest.created")
	rcv := &receiver{}
	srv := httptest.NewServer(rcv.handler(t, "hook-secret"))
	defer srv.Close()

	d := New(src, []config.WebhookConfig{{URL: srv.URL, Secret: "hook-secret", Events: []string{"manifest.status_changed", "sprite.*"}}}, nil)
	ctx := context.Background()
	d.DispatchOnce(ctx)
	if got := rcv.types(); len(got) != 0 {
		t.Fatalf("events before the subscriber started must be skipped: %v", got)
	}

	src.add("manifest.status_changed")
	src.add("task.created")
	src.add("sprite.destroyed")
	d.DispatchOnce(ctx)
	got := rcv.types()
	if len(got) != 2 || got[0] != "manifest.status_changed" || got[1] != "sprite.destroyed" {
		t.Fatalf("delivered = %v", got)
	}
	if string(rcv.bodies[0].Payload) != `{"status":"completed"}` {
		t.Fatalf("payload = %s", rcv.bodies[0].Payload)
	}
	d.DispatchOnce(ctx)
	if len(rcv.types()) != 2 {
		t.Fatal("events must not be redelivered")
	}
}

func TestDispatchRetriesFailedDelivery(t *testing.T) {
	src := &memSource{}
	rcv := &receiver{fail: true}
	srv := httptest.NewServer(rcv.handler(t, "s"))
	defer srv.Close()
	d := New(src, []config.WebhookConfig{{URL: srv.URL, Secret: "s"}}, nil)
	ctx := context.Background()
	d.DispatchOnce(ctx)
	src.add("manifest.created")
	d.DispatchOnce(ctx)
	rcv.mu.Lock()
	rcv.fail = false
	rcv.mu.Unlock()
	d.DispatchOnce(ctx)
	if got := rcv.types(); len(got) != 1 || got[0] != "manifest.created" {
		t.Fatalf("delivered = %v", got)
	}
}

func TestDisabledHooks(t *testing.T) {
	off := false
	d := New(&memSource{}, []config.WebhookConfig{{URL: "http://x", Enabled: &off}, {URL: " "}}, nil)
	if d.Enabled() {
		t.Fatal("no hook should be enabled")
	}
	f := newEventFilter([]string{" ", ""})
	if !f.match("anything") {
		t.Fatal("empty filter matches all")
	}
}
