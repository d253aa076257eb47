// Package schema defines the canonical event model for FraudSentry.
// All submitted events are validated against this structure before queueing.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies a fraud-relevant occurrence.
type EventType string

const (
	EventFraudDetected       EventType = "fraud.detected"
	EventHighRiskTransaction EventType = "transaction.high_risk"
	EventSuspiciousPattern   EventType = "pattern.suspicious"
	EventVelocityExceeded    EventType = "velocity.exceeded"
	EventLocationAnomaly     EventType = "anomaly.location"
	EventDeviceAnomaly       EventType = "anomaly.device"
)

// IsValid checks if the event type is a known value.
func (t EventType) IsValid() bool {
	switch t {
	case EventFraudDetected, EventHighRiskTransaction, EventSuspiciousPattern,
		EventVelocityExceeded, EventLocationAnomaly, EventDeviceAnomaly:
		return true
	}
	return false
}

// Severity is the ordered severity scale for events and rules.
type Severity int

const (
	SeverityInfo     Severity = 1
	SeverityLow      Severity = 2
	SeverityMedium   Severity = 3
	SeverityHigh     Severity = 4
	SeverityCritical Severity = 5
)

// IsValid checks if the severity is within the defined range.
func (s Severity) IsValid() bool {
	return s >= SeverityInfo && s <= SeverityCritical
}

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

// Event represents a single fraud-relevant occurrence.
// Events are value objects: once submitted they are never mutated by two
// components concurrently. A worker owns an event for the duration of its
// processing.
type Event struct {
	// Required fields
	EventID   uuid.UUID `json:"event_id" validate:"required"`
	Type      EventType `json:"type" validate:"required"`
	Severity  Severity  `json:"severity" validate:"required,min=1,max=5"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Source    string    `json:"source" validate:"required,max=256"`

	// Optional fields
	TransactionID  string `json:"transaction_id,omitempty" validate:"max=128"`
	CorrelationKey string `json:"correlation_key,omitempty" validate:"max=256"`

	// Scoring, supplied by the external risk oracle
	RiskScore       float64 `json:"risk_score" validate:"min=0,max=1"`
	ConfidenceScore float64 `json:"confidence_score" validate:"min=0,max=1"`

	// Evidence collected so far, in observation order
	Evidence []string `json:"evidence,omitempty"`

	// Details holds variable per-event metadata (location, device_id, amount...)
	Details map[string]any `json:"details,omitempty"`

	// Internal fields (set by the system)
	ReceivedAt    time.Time `json:"received_at"`
	IsReplay      bool      `json:"is_replay,omitempty"`
	SchemaVersion string    `json:"schema_version"`
}

// DetailString returns a string-typed detail value, or "" if absent.
func (e *Event) DetailString(key string) string {
	if e.Details == nil {
		return ""
	}
	if v, ok := e.Details[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// DetailFloat returns a numeric detail value and whether it was present.
func (e *Event) DetailFloat(key string) (float64, bool) {
	if e.Details == nil {
		return 0, false
	}
	switch v := e.Details[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// UserKey builds the correlation key for a user ID.
func UserKey(userID string) string {
	return "user_" + userID
}

// SchemaVersionCurrent is the current version of the event schema.
const SchemaVersionCurrent = "1.0.0"
