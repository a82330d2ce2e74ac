package handlers_test

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	json "github.com/goccy/go-json"

	"logship/internal/handlers"
	"logship/internal/models"
)

// recordingSubmitter keeps every submitted event and resolves it with err
type recordingSubmitter struct {
	mu     sync.Mutex
	events []*models.LogEvent
	err    error
}

func (s *recordingSubmitter) Submit(ev *models.LogEvent, cb models.Callback) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	if cb != nil {
		cb(s.err)
	}
}

func post(t *testing.T, h http.Handler, target, body string) (*httptest.ResponseRecorder, handlers.IngestResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp handlers.IngestResponse
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
	}
	return w, resp
}

func TestIngestHandler_SingleEvent(t *testing.T) {
	sub := &recordingSubmitter{}
	handler := handlers.NewIngestHandler(handlers.IngestConfig{Submitter: sub})

	body := `{
        "id": "evt-1",
        "timestamp": "2024-01-15T10:30:00Z",
        "level": "info",
        "source": "API-Gateway",
        "message": "  Request processed  ",
        "properties": {" Region ": "eu"}
    }`

	w, resp := post(t, handler, "/ingest", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	if !resp.Success || resp.Accepted != 1 || resp.Rejected != 0 {
		t.Errorf("unexpected response: %+v", resp)
	}

	if len(sub.events) != 1 {
		t.Fatalf("expected 1 submitted event, got %d", len(sub.events))
	}
	ev := sub.events[0]
	if ev.Source != "api-gateway" {
		t.Errorf("source not normalized: got %s", ev.Source)
	}
	if ev.Message != "Request processed" {
		t.Errorf("message not trimmed: got %q", ev.Message)
	}
	if ev.Level != models.LevelInfo {
		t.Errorf("level not normalized: got %s", ev.Level)
	}
	if ev.Properties["region"] != "eu" {
		t.Errorf("properties not normalized: got %v", ev.Properties)
	}
}

func TestIngestHandler_BatchEvents(t *testing.T) {
	sub := &recordingSubmitter{}
	handler := handlers.NewIngestHandler(handlers.IngestConfig{Submitter: sub})

	body := `{
        "events": [
            {"timestamp": "2024-01-15T10:30:00Z", "level": "INFO", "source": "service-a", "message": "Event 1"},
            {"level": "ERROR", "source": "service-b", "message": "Event 2"}
        ]
    }`

	w, resp := post(t, handler, "/ingest", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", w.Code)
	}
	if resp.Accepted != 2 {
		t.Errorf("expected 2 accepted, got %d", resp.Accepted)
	}
	for i, ev := range sub.events {
		if ev.ID == "" {
			t.Errorf("event %d: id not generated", i)
		}
	}
}

func TestIngestHandler_ArrayBody(t *testing.T) {
	sub := &recordingSubmitter{}
	handler := handlers.NewIngestHandler(handlers.IngestConfig{Submitter: sub})

	_, resp := post(t, handler, "/ingest", `[{"source":"a","message":"x"},{"source":"b","message":"y"}]`)
	if resp.Accepted != 2 {
		t.Errorf("expected 2 accepted, got %d", resp.Accepted)
	}
}

func TestIngestHandler_PartialRejection(t *testing.T) {
	sub := &recordingSubmitter{}
	handler := handlers.NewIngestHandler(handlers.IngestConfig{Submitter: sub})

	body := `{"events": [
        {"level": "info", "source": "svc", "message": "ok"},
        {"level": "shouting", "source": "svc", "message": "bad level"},
        {"level": "info", "source": "", "message": "no source"}
    ]}`

	w, resp := post(t, handler, "/ingest", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", w.Code)
	}
	if resp.Accepted != 1 || resp.Rejected != 2 || resp.Success {
		t.Errorf("unexpected response: %+v", resp)
	}
	if len(resp.Errors) != 2 || resp.Errors[0].Index != 1 || resp.Errors[1].Index != 2 {
		t.Errorf("unexpected errors: %+v", resp.Errors)
	}
}

func TestIngestHandler_AllRejected(t *testing.T) {
	handler := handlers.NewIngestHandler(handlers.IngestConfig{Submitter: &recordingSubmitter{}})

	w, _ := post(t, handler, "/ingest", `{"event": {"source": "svc", "message": "x", "timestamp": "yesterday"}}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
}

func TestIngestHandler_WaitReportsDelivery(t *testing.T) {
	sub := &recordingSubmitter{}
	handler := handlers.NewIngestHandler(handlers.IngestConfig{Submitter: sub})

	w, resp := post(t, handler, "/ingest?wait=true", `{"source":"svc","message":"x"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if resp.Delivered != 1 || resp.Failed != 0 {
		t.Errorf("unexpected response: %+v", resp)
	}

	sub.err = errors.New("disk full")
	w, resp = post(t, handler, "/ingest?wait=true", `{"source":"svc","message":"x"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", w.Code)
	}
	if resp.Failed != 1 || resp.Success || len(resp.Errors) != 1 || resp.Errors[0].Error != "disk full" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestIngestHandler_Errors(t *testing.T) {
	handler := handlers.NewIngestHandler(handlers.IngestConfig{
		Submitter:   &recordingSubmitter{},
		MaxBodySize: 64,
	})

	tests := []struct {
		name        string
		method      string
		contentType string
		body        string
		want        int
	}{
		{"wrong method", http.MethodGet, "application/json", "", http.StatusMethodNotAllowed},
		{"wrong content type", http.MethodPost, "text/plain", "x", http.StatusUnsupportedMediaType},
		{"too large", http.MethodPost, "application/json", string(bytes.Repeat([]byte("a"), 128)), http.StatusRequestEntityTooLarge},
		{"invalid json", http.MethodPost, "application/json", "{", http.StatusBadRequest},
		{"empty batch", http.MethodPost, "application/json", `{"events": []}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/ingest", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}
