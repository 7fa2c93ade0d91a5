package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"spriteboard/internal/engine"
	"spriteboard/internal/repo"
	"spriteboard/internal/signature"
	"spriteboard/internal/webhook"
)

const maxWebhookBody = 1 << 20

// sandboxCallbacks serves the endpoints sandboxes post lifecycle callbacks to.
// Each request is authenticated by an HMAC over the raw body keyed with the
// target's own secret, so the bytes are read before anything is parsed.
type sandboxCallbacks struct {
	engine engine.Engine
	logger *slog.Logger
}

func registerWebhooks(r chi.Router, e engine.Engine, logger *slog.Logger) {
	h := sandboxCallbacks{engine: e, logger: logger.With("component", "webhooks")}
	r.Post("/webhooks/manifest/{manifestId}", h.manifest)
	r.Post("/webhooks/sprite/{taskId}", h.invocation)
}

func (h sandboxCallbacks) manifest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "manifestId")
	lg := h.logger.With("manifest_id", id)
	body, ok := readWebhookBody(w, r)
	if !ok {
		return
	}
	m, err := h.engine.Repo.GetManifest(r.Context(), id)
	if err != nil {
		h.lookupFailed(w, lg, "manifest", err)
		return
	}
	if err := signature.Verify(body, r.Header.Get(signature.Header), m.WebhookSecret); err != nil {
		lg.Warn("webhook signature rejected", "err", err)
		writeWebhook(w, http.StatusUnauthorized, webhookFailure{Error: "invalid signature"})
		return
	}
	payload, err := webhook.ParseManifest(body)
	if err != nil {
		lg.Warn("webhook payload rejected", "err", err)
		writeWebhook(w, http.StatusBadRequest, webhookFailure{Error: "invalid payload"})
		return
	}
	if err := h.engine.HandleManifestWebhook(r.Context(), id, payload); err != nil {
		h.processingFailed(w, lg.With("type", payload.Type()), err)
		return
	}
	writeWebhook(w, http.StatusOK, webhookAck{Success: true})
}

func (h sandboxCallbacks) invocation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskId")
	lg := h.logger.With("task_id", id)
	body, ok := readWebhookBody(w, r)
	if !ok {
		return
	}
	if _, err := h.engine.Repo.GetTask(r.Context(), id); err != nil {
		h.lookupFailed(w, lg, "task", err)
		return
	}
	s, err := h.engine.Repo.LatestSession(r.Context(), id)
	if err != nil {
		h.lookupFailed(w, lg, "session", err)
		return
	}
	if err := signature.Verify(body, r.Header.Get(signature.Header), s.WebhookSecret); err != nil {
		lg.Warn("webhook signature rejected", "session_id", s.ID, "err", err)
		writeWebhook(w, http.StatusUnauthorized, webhookFailure{Error: "invalid signature"})
		return
	}
	payload, err := webhook.ParseInvocation(body)
	if err != nil {
		lg.Warn("webhook payload rejected", "session_id", s.ID, "err", err)
		writeWebhook(w, http.StatusBadRequest, webhookFailure{Error: "invalid payload"})
		return
	}
	if err := h.engine.HandleInvocationWebhook(r.Context(), id, payload); err != nil {
		h.processingFailed(w, lg.With("session_id", s.ID, "type", payload.Type()), err)
		return
	}
	writeWebhook(w, http.StatusOK, webhookAck{Success: true})
}

func (h sandboxCallbacks) lookupFailed(w http.ResponseWriter, lg *slog.Logger, kind string, err error) {
	if errors.Is(err, repo.ErrNotFound) {
		lg.Info("webhook for unknown target", "kind", kind)
		writeWebhook(w, http.StatusNotFound, webhookFailure{Error: kind + " not found"})
		return
	}
	lg.Error("webhook lookup failed", "kind", kind, "err", err)
	writeWebhook(w, http.StatusInternalServerError, webhookFailure{Error: "internal error"})
}

// processingFailed handles errors after the signature passed. A target
// deleted mid-flight is reported as not found rather than a server fault.
func (h sandboxCallbacks) processingFailed(w http.ResponseWriter, lg *slog.Logger, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		lg.Info("webhook target vanished during processing")
		writeWebhook(w, http.StatusNotFound, webhookFailure{Error: "not found"})
	case errors.Is(err, webhook.ErrInvalidPayload):
		lg.Warn("webhook payload rejected", "err", err)
		writeWebhook(w, http.StatusBadRequest, webhookFailure{Error: "invalid payload"})
	default:
		lg.Error("webhook processing failed", "err", err)
		writeWebhook(w, http.StatusInternalServerError, webhookFailure{Error: "internal error"})
	}
}

func readWebhookBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeWebhook(w, http.StatusBadRequest, webhookFailure{Error: "invalid payload"})
		return nil, false
	}
	return body, true
}

func writeWebhook(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
