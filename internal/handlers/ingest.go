package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"logship/internal/logger"
	"logship/internal/metrics"
	"logship/internal/models"
)

// Submitter accepts events for delivery. cb fires once per event.
type Submitter interface {
	Submit(ev *models.LogEvent, cb models.Callback)
}

// IngestHandler handles log event ingestion via HTTP
type IngestHandler struct {
	submitter Submitter

	// Max body size (default 10MB)
	maxBodySize int64

	// Upper bound for ?wait=true requests
	waitTimeout time.Duration
}

// IngestConfig holds configuration for the ingest handler
type IngestConfig struct {
	Submitter   Submitter
	MaxBodySize int64
	WaitTimeout time.Duration
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(cfg IngestConfig) *IngestHandler {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 10 * 1024 * 1024 // 10MB default
	}

	waitTimeout := cfg.WaitTimeout
	if waitTimeout == 0 {
		waitTimeout = 20 * time.Second
	}

	return &IngestHandler{
		submitter:   cfg.Submitter,
		maxBodySize: maxBodySize,
		waitTimeout: waitTimeout,
	}
}

// IngestRequest represents the incoming JSON payload (single or batch)
type IngestRequest struct {
	// Single event (if Events is empty)
	Event *LogEventInput `json:"event,omitempty"`

	// Batch of events
	Events []LogEventInput `json:"events,omitempty"`
}

// LogEventInput is the input format for log events (with string timestamp)
type LogEventInput struct {
	ID         string         `json:"id"`
	Timestamp  string         `json:"timestamp"` // String for flexible parsing
	Level      string         `json:"level"`
	Source     string         `json:"source"`
	Message    string         `json:"message"`
	Properties map[string]any `json:"properties,omitempty"`
}

// IngestResponse is the response returned to clients
type IngestResponse struct {
	Success   bool          `json:"success"`
	Accepted  int           `json:"accepted"`
	Rejected  int           `json:"rejected"`
	Delivered int           `json:"delivered,omitempty"`
	Failed    int           `json:"failed,omitempty"`
	Errors    []IngestError `json:"errors,omitempty"`
}

// IngestError describes a validation or delivery error for a specific event
type IngestError struct {
	Index   int    `json:"index"`
	EventID string `json:"event_id,omitempty"`
	Error   string `json:"error"`
}

// ServeHTTP handles the ingest HTTP request
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Only accept POST
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// Check content type
	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" && contentType != "" {
		h.writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	// Limit body size
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	events, err := h.parseBody(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if len(events) == 0 {
		h.writeError(w, http.StatusBadRequest, "no events provided")
		return
	}

	wait := r.URL.Query().Get("wait") == "true"
	response := h.processEvents(r.Context(), events, wait)

	w.Header().Set("Content-Type", "application/json")
	switch {
	case response.Rejected > 0 && response.Accepted == 0:
		w.WriteHeader(http.StatusBadRequest)
	case wait && response.Failed > 0:
		w.WriteHeader(http.StatusBadGateway)
	case wait:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
	json.NewEncoder(w).Encode(response)
}

// parseBody parses the JSON body into a slice of LogEventInput
func (h *IngestHandler) parseBody(body []byte) ([]LogEventInput, error) {
	// Try parsing as IngestRequest first
	var req IngestRequest
	if err := json.Unmarshal(body, &req); err == nil {
		if len(req.Events) > 0 {
			return req.Events, nil
		}
		if req.Event != nil {
			return []LogEventInput{*req.Event}, nil
		}
	}

	// Try parsing as array of events
	var events []LogEventInput
	if err := json.Unmarshal(body, &events); err == nil && len(events) > 0 {
		return events, nil
	}

	// Try parsing as single event
	var single LogEventInput
	if err := json.Unmarshal(body, &single); err == nil && single.Message != "" {
		return []LogEventInput{single}, nil
	}

	return nil, fmt.Errorf("invalid JSON format: expected event object or array of events")
}

// processEvents validates and normalizes events and submits them. With wait
// it blocks until every accepted event is resolved or the wait timeout ends.
func (h *IngestHandler) processEvents(ctx context.Context, inputs []LogEventInput, wait bool) IngestResponse {
	response := IngestResponse{
		Success: true,
		Errors:  make([]IngestError, 0),
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i, input := range inputs {
		event, err := h.convertInput(input)
		if err == nil {
			event.Normalize()
			err = event.Validate()
		}
		if err != nil {
			response.Errors = append(response.Errors, IngestError{
				Index:   i,
				EventID: input.ID,
				Error:   err.Error(),
			})
			response.Rejected++
			metrics.IngestEventsTotal.WithLabelValues("rejected").Inc()
			continue
		}

		response.Accepted++
		metrics.IngestEventsTotal.WithLabelValues("accepted").Inc()

		if !wait {
			h.submitter.Submit(event, nil)
			continue
		}

		wg.Add(1)
		index, id := i, event.ID
		h.submitter.Submit(event, func(err error) {
			defer wg.Done()
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				response.Failed++
				response.Errors = append(response.Errors, IngestError{
					Index:   index,
					EventID: id,
					Error:   err.Error(),
				})
				return
			}
			response.Delivered++
		})
	}

	if wait {
		if !waitGroup(ctx, &wg, h.waitTimeout) {
			log := logger.WithComponent("ingest")
			log.Warn().
				Int("accepted", response.Accepted).
				Dur("timeout", h.waitTimeout).
				Msg("gave up waiting for delivery")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	response.Success = response.Rejected == 0 && response.Failed == 0
	if wait {
		// events still in flight count as failed to the caller
		response.Failed = response.Accepted - response.Delivered
	}
	out := response
	out.Errors = append([]IngestError(nil), response.Errors...)
	return out
}

// waitGroup waits for wg, giving up after timeout or when ctx ends
func waitGroup(ctx context.Context, wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// convertInput converts LogEventInput to LogEvent. Missing ids and
// timestamps are filled in.
func (h *IngestHandler) convertInput(input LogEventInput) (*models.LogEvent, error) {
	ts := time.Now().UTC()
	if input.Timestamp != "" {
		parsed, err := models.ParseTimestamp(input.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("timestamp: %w", err)
		}
		ts = parsed
	}

	id := input.ID
	if id == "" {
		id = uuid.NewString()
	}

	level := input.Level
	if level == "" {
		level = string(models.LevelInfo)
	}

	return &models.LogEvent{
		ID:         id,
		Level:      models.Level(level),
		Source:     input.Source,
		Message:    input.Message,
		Properties: input.Properties,
		Sequence:   models.NextSequence(),
		Timestamp:  ts,
	}, nil
}

// writeError writes an error response
func (h *IngestHandler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
