package correlation

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"fraudsentry/internal/schema"
)

// Detector criteria. Window bounds and thresholds follow the documented
// pattern definitions; confidence is fixed per pattern.
const (
	velocityWindow     = 5 * time.Minute
	velocityThreshold  = 3
	velocityConfidence = 0.8

	travelWindow     = time.Hour
	travelConfidence = 0.9

	deviceWindow     = time.Hour
	deviceThreshold  = 3
	deviceConfidence = 0.7
)

// detectVelocity fires when at least velocityThreshold events for the key
// fall within the last velocityWindow.
func detectVelocity(key string, events []*schema.Event, now time.Time) *EventCorrelation {
	cutoff := now.Add(-velocityWindow)

	var recent []*schema.Event
	for _, e := range events {
		if e.Timestamp.After(cutoff) {
			recent = append(recent, e)
		}
	}
	if len(recent) < velocityThreshold {
		return nil
	}

	bucket := recent[0].Timestamp.Truncate(velocityWindow)
	ids := make([]uuid.UUID, len(recent))
	for i, e := range recent {
		ids[i] = e.EventID
	}

	return &EventCorrelation{
		CorrelationID: correlationID(key, PatternHighVelocity, bucket),
		Key:           key,
		Pattern:       PatternHighVelocity,
		EventIDs:      ids,
		Confidence:    velocityConfidence,
		WindowStart:   recent[0].Timestamp,
		WindowEnd:     recent[len(recent)-1].Timestamp,
		Factors: []string{
			fmt.Sprintf("%d events within %v", len(recent), velocityWindow),
		},
		DetectedAt: now,
	}
}

// detectImpossibleTravel fires when two location-bearing events less than
// travelWindow apart report different locations.
func detectImpossibleTravel(key string, events []*schema.Event, now time.Time) *EventCorrelation {
	var located []*schema.Event
	for _, e := range events {
		if e.DetailString("location") != "" {
			located = append(located, e)
		}
	}

	for i := 1; i < len(located); i++ {
		prev, cur := located[i-1], located[i]
		gap := cur.Timestamp.Sub(prev.Timestamp)
		if gap < 0 {
			gap = -gap
		}
		if gap >= travelWindow {
			continue
		}
		if prev.DetailString("location") == cur.DetailString("location") {
			continue
		}

		bucket := prev.Timestamp.Truncate(travelWindow)
		return &EventCorrelation{
			CorrelationID: correlationID(key, PatternImpossibleTravel, bucket),
			Key:           key,
			Pattern:       PatternImpossibleTravel,
			EventIDs:      []uuid.UUID{prev.EventID, cur.EventID},
			Confidence:    travelConfidence,
			WindowStart:   prev.Timestamp,
			WindowEnd:     cur.Timestamp,
			Factors: []string{
				fmt.Sprintf("location %s then %s within %v",
					prev.DetailString("location"), cur.DetailString("location"), gap.Round(time.Second)),
			},
			DetectedAt: now,
		}
	}
	return nil
}

// detectMultipleDevices fires when at least deviceThreshold distinct device
// IDs appear for the key within deviceWindow.
func detectMultipleDevices(key string, events []*schema.Event, now time.Time) *EventCorrelation {
	cutoff := now.Add(-deviceWindow)

	devices := make(map[string][]uuid.UUID)
	var first, last time.Time
	for _, e := range events {
		if !e.Timestamp.After(cutoff) {
			continue
		}
		dev := e.DetailString("device_id")
		if dev == "" {
			continue
		}
		devices[dev] = append(devices[dev], e.EventID)
		if first.IsZero() || e.Timestamp.Before(first) {
			first = e.Timestamp
		}
		if e.Timestamp.After(last) {
			last = e.Timestamp
		}
	}
	if len(devices) < deviceThreshold {
		return nil
	}

	var ids []uuid.UUID
	for _, evs := range devices {
		ids = append(ids, evs...)
	}

	bucket := first.Truncate(deviceWindow)
	return &EventCorrelation{
		CorrelationID: correlationID(key, PatternMultipleDevices, bucket),
		Key:           key,
		Pattern:       PatternMultipleDevices,
		EventIDs:      ids,
		Confidence:    deviceConfidence,
		WindowStart:   first,
		WindowEnd:     last,
		Factors: []string{
			fmt.Sprintf("%d distinct devices within %v", len(devices), deviceWindow),
		},
		DetectedAt: now,
	}
}
