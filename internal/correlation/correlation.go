package correlation

import (
	"time"

	"github.com/google/uuid"
)

// PatternType identifies a cross-event fraud pattern.
type PatternType string

const (
	PatternHighVelocity     PatternType = "high_velocity"
	PatternImpossibleTravel PatternType = "impossible_travel"
	PatternMultipleDevices  PatternType = "multiple_devices"
)

// EventCorrelation is a detected pattern instance over one correlation key.
// Its ID is derived deterministically from (key, pattern, time bucket), so
// re-observing the same underlying instance never emits a duplicate. Each
// instance spawns exactly one synthetic event.
type EventCorrelation struct {
	CorrelationID uuid.UUID   `json:"correlation_id"`
	Key           string      `json:"key"`
	Pattern       PatternType `json:"pattern"`
	EventIDs      []uuid.UUID `json:"event_ids"`
	Confidence    float64     `json:"confidence"`
	WindowStart   time.Time   `json:"window_start"`
	WindowEnd     time.Time   `json:"window_end"`
	Factors       []string    `json:"factors,omitempty"`
	DetectedAt    time.Time   `json:"detected_at"`
}

// correlationNamespace seeds deterministic correlation IDs.
var correlationNamespace = uuid.MustParse("7f9c24e5-2f31-4e2b-9c48-1a6b5d8f3a01")

// correlationID derives the deterministic ID for a pattern instance.
func correlationID(key string, pattern PatternType, bucket time.Time) uuid.UUID {
	name := key + "|" + string(pattern) + "|" + bucket.UTC().Format(time.RFC3339)
	return uuid.NewSHA1(correlationNamespace, []byte(name))
}
