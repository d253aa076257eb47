// Package ingest provides the HTTP, TCP, and DTLS intake surfaces for
// fraud events.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fraudsentry/internal/intake"
	"fraudsentry/internal/metrics"
	"fraudsentry/internal/queue"
	"fraudsentry/internal/schema"
)

// Pipeline is the engine surface the intake servers submit into.
type Pipeline interface {
	SubmitEvent(ctx context.Context, event *schema.Event) error
	GetMetrics() metrics.Snapshot
}

// HandlerConfig holds the HTTP handler configuration.
type HandlerConfig struct {
	MaxPayloadSize int `yaml:"max_payload_size"`
	MaxBatchSize   int `yaml:"max_batch_size"`
	QueueCapacity  int `yaml:"-"`
}

// DefaultHandlerConfig returns the default handler configuration.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		MaxPayloadSize: 10 * 1024 * 1024,
		MaxBatchSize:   1000,
	}
}

// Handler handles HTTP event intake.
type Handler struct {
	pipeline  Pipeline
	config    HandlerConfig
	startTime time.Time

	eventsTotal uint64
}

// NewHandler creates an intake Handler.
func NewHandler(pipeline Pipeline, cfg HandlerConfig) *Handler {
	return &Handler{
		pipeline:  pipeline,
		config:    cfg,
		startTime: time.Now(),
	}
}

// EventInput is the wire format for submitted events.
type EventInput struct {
	EventID         *uuid.UUID       `json:"event_id,omitempty"`
	Type            schema.EventType `json:"type"`
	Severity        int              `json:"severity"`
	Timestamp       time.Time        `json:"timestamp"`
	Source          string           `json:"source"`
	TransactionID   string           `json:"transaction_id,omitempty"`
	UserID          string           `json:"user_id,omitempty"`
	CorrelationKey  string           `json:"correlation_key,omitempty"`
	RiskScore       float64          `json:"risk_score"`
	ConfidenceScore float64          `json:"confidence_score"`
	Evidence        []string         `json:"evidence,omitempty"`
	Details         map[string]any   `json:"details,omitempty"`
}

// SubmitRequest is the request body: a batch, or a single event via the
// EventInput fields inline.
type SubmitRequest struct {
	Events []EventInput `json:"events"`
	EventInput
}

// SubmitResponse is the intake response.
type SubmitResponse struct {
	Success   bool     `json:"success"`
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id"`
}

// Routes returns the HTTP mux for the intake API.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", h.HandleEvents)
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("GET /metrics", h.MetricsJSON)
	mux.Handle("GET /metrics/prometheus", promhttp.Handler())
	return mux
}

// HandleEvents handles POST /v1/events.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()

	r.Body = http.MaxBytesReader(w, r.Body, int64(h.config.MaxPayloadSize))
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	var req SubmitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), requestID)
		return
	}

	inputs := req.Events
	if len(inputs) == 0 {
		if req.Type == "" {
			respondError(w, http.StatusBadRequest, "no events provided", requestID)
			return
		}
		inputs = []EventInput{req.EventInput}
	}
	if len(inputs) > h.config.MaxBatchSize {
		respondError(w, http.StatusBadRequest,
			fmt.Sprintf("batch size exceeds maximum of %d", h.config.MaxBatchSize), requestID)
		return
	}

	var accepted, rejected int
	var errs []string

	for i, input := range inputs {
		event := convertInput(input)

		if err := h.pipeline.SubmitEvent(r.Context(), event); err != nil {
			rejected++
			errs = append(errs, fmt.Sprintf("event[%d]: %s", i, submitErrorMessage(err)))
			continue
		}

		accepted++
		atomic.AddUint64(&h.eventsTotal, 1)
	}

	resp := SubmitResponse{
		Success:   rejected == 0,
		Accepted:  accepted,
		Rejected:  rejected,
		RequestID: requestID,
	}
	if len(errs) > 0 {
		resp.Errors = errs
	}

	status := http.StatusOK
	if accepted == 0 && rejected > 0 {
		status = http.StatusBadRequest
	} else if rejected > 0 {
		status = http.StatusMultiStatus
	}
	respondJSON(w, status, resp)
}

// convertInput builds a canonical event from the wire format.
func convertInput(input EventInput) *schema.Event {
	event := &schema.Event{
		Type:            input.Type,
		Severity:        schema.Severity(input.Severity),
		Timestamp:       input.Timestamp,
		Source:          input.Source,
		TransactionID:   input.TransactionID,
		CorrelationKey:  input.CorrelationKey,
		RiskScore:       input.RiskScore,
		ConfidenceScore: input.ConfidenceScore,
		Evidence:        input.Evidence,
		Details:         input.Details,
	}

	if event.CorrelationKey == "" && input.UserID != "" {
		event.CorrelationKey = schema.UserKey(input.UserID)
	}
	if input.EventID != nil {
		event.EventID = *input.EventID
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return event
}

func submitErrorMessage(err error) string {
	switch {
	case errors.Is(err, intake.ErrDuplicateEvent):
		return "duplicate event"
	case errors.Is(err, intake.ErrQueueFull), errors.Is(err, queue.ErrQueueFull):
		return "queue full"
	default:
		return err.Error()
	}
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	snap := h.pipeline.GetMetrics()

	status := "healthy"
	if h.config.QueueCapacity > 0 && snap.QueueDepth > int(float64(h.config.QueueCapacity)*0.9) {
		status = "degraded"
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"queue_depth":    snap.QueueDepth,
		"active_workers": snap.ActiveWorkers,
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	})
}

// MetricsJSON handles GET /metrics with a JSON snapshot.
func (h *Handler) MetricsJSON(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.pipeline.GetMetrics())
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message, requestID string) {
	respondJSON(w, status, map[string]any{
		"success":    false,
		"error":      message,
		"request_id": requestID,
	})
}
