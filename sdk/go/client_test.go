package spriteboardsdk

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"spriteboard/internal/signature"
)

func TestSendManifestCallbackSignsBody(t *testing.T) {
	var gotPath, gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSig = r.Header.Get(signature.Header)
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	body := []byte(`{"type":"started"}`)
	if err := New(srv.URL).SendManifestCallback(context.Background(), "m-1", "s3cret", body); err != nil {
		t.Fatal(err)
	}
	if gotPath != "/webhooks/manifest/m-1" {
		t.Fatalf("path = %q", gotPath)
	}
	if err := signature.Verify(gotBody, gotSig, "s3cret"); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}
}

func TestAPIErrorsAndBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/v0/tasks/t%2F1/move" && r.URL.RawPath != "/v0/tasks/t%2F1/move" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":{"code":"validation_failed","message":"task is already running"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	_, err := c.MoveTask(context.Background(), "t/1", "ritual")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("err = %v", err)
	}
}
