package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/justapithecus/runsync/adapter"
	"github.com/justapithecus/runsync/iox"
)

func testEvent() *adapter.Event {
	code := int32(0)
	return &adapter.Event{
		ContractVersion: adapter.ContractVersion,
		EventType:       adapter.EventRunFinished,
		RunID:           "run-001",
		Entity:          "team",
		Project:         "proj",
		DisplayName:     "brisk-river-1",
		StorageID:       "UnVuOnYxOnJ1bi0wMDE=",
		FilesDir:        "/tmp/runs/run-001/files",
		Timestamp:       "2026-02-07T12:00:00Z",
		ExitCode:        &code,
		Uploads:         &adapter.UploadCounts{Queued: 3, Uploaded: 3, Bytes: 2048},
	}
}

// newTestAdapter returns an adapter that does not sleep between attempts.
func newTestAdapter(t *testing.T, cfg Config) *Adapter {
	t.Helper()
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	t.Cleanup(iox.CloseFunc(a))
	return a
}

func TestPublish_Success(t *testing.T) {
	var received adapter.Event
	var eventHeader string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json, got %s", ct)
		}
		eventHeader = r.Header.Get(EventHeader)
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &received); err != nil {
			t.Errorf("unmarshal: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := newTestAdapter(t, Config{URL: ts.URL})
	if err := a.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if received.RunID != "run-001" {
		t.Errorf("expected run-001, got %s", received.RunID)
	}
	if eventHeader != adapter.EventRunFinished {
		t.Errorf("event header = %q", eventHeader)
	}
	if received.ExitCode == nil || *received.ExitCode != 0 {
		t.Errorf("exit code = %v", received.ExitCode)
	}
	if received.Uploads == nil || received.Uploads.Uploaded != 3 {
		t.Errorf("uploads = %+v", received.Uploads)
	}
}

func TestPublish_StartedEventOmitsFinishFields(t *testing.T) {
	var raw map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&raw)
	}))
	defer ts.Close()

	a := newTestAdapter(t, Config{URL: ts.URL})
	ev := testEvent()
	ev.EventType = adapter.EventRunStarted
	ev.ExitCode = nil
	ev.Uploads = nil
	if err := a.Publish(t.Context(), ev); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"exit_code", "uploads"} {
		if _, ok := raw[k]; ok {
			t.Errorf("%s present in run_started payload", k)
		}
	}
}

func TestPublish_CustomHeaders(t *testing.T) {
	var authHeader string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
	}))
	defer ts.Close()

	a := newTestAdapter(t, Config{
		URL:     ts.URL,
		Headers: map[string]string{"Authorization": "Bearer test-token"},
	})
	if err := a.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if authHeader != "Bearer test-token" {
		t.Errorf("expected Bearer test-token, got %s", authHeader)
	}
}

func TestPublish_StatusHandling(t *testing.T) {
	tests := []struct {
		name         string
		code         int
		retries      int
		wantErr      bool
		wantAttempts int32
	}{
		{"200 ok", 200, 3, false, 1},
		{"204 ok", 204, 3, false, 1},
		{"400 not retried", 400, 3, true, 1},
		{"404 not retried", 404, 3, true, 1},
		{"500 retried", 500, 2, true, 3},
		{"503 retried", 503, 1, true, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				attempts.Add(1)
				w.WriteHeader(tt.code)
			}))
			defer ts.Close()

			a := newTestAdapter(t, Config{URL: ts.URL, Retries: tt.retries})
			err := a.Publish(t.Context(), testEvent())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got := attempts.Load(); got != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", got, tt.wantAttempts)
			}
		})
	}
}

func TestPublish_RecoversAfterRetries(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer ts.Close()

	a := newTestAdapter(t, Config{URL: ts.URL, Retries: 3})
	if err := a.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("publish should succeed after retries: %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestPublish_ContextCanceled(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	a := newTestAdapter(t, Config{URL: ts.URL})
	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	if err := a.Publish(ctx, testEvent()); err == nil {
		t.Fatal("expected error on canceled context")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for empty URL")
	}
	if _, err := New(Config{URL: "http://example.com", Retries: -1}); err == nil {
		t.Error("expected error for negative retries")
	}
	a, err := New(Config{URL: "http://example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if a.config.Timeout != DefaultTimeout {
		t.Errorf("expected default timeout %v, got %v", DefaultTimeout, a.config.Timeout)
	}
}
