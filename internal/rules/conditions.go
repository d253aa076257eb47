package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"fraudsentry/internal/schema"
)

// eventField resolves a condition field against an event. Top-level
// attributes are addressed by name; anything else falls through to the
// details map.
func eventField(event *schema.Event, field string) any {
	switch field {
	case "type":
		return string(event.Type)
	case "severity":
		return int(event.Severity)
	case "source":
		return event.Source
	case "transaction_id":
		return event.TransactionID
	case "correlation_key":
		return event.CorrelationKey
	case "risk_score":
		return event.RiskScore
	case "confidence_score":
		return event.ConfidenceScore
	case "timestamp":
		return event.Timestamp
	default:
		if event.Details != nil {
			if v, ok := event.Details[field]; ok {
				return v
			}
		}
	}
	return nil
}

// evalCondition evaluates a single predicate against an event.
// Unknown operators and missing fields evaluate to false, never to an error:
// a rule with an unsatisfiable condition simply does not match.
func evalCondition(event *schema.Event, cond schema.Condition) bool {
	if cond.Operator == schema.OpTimeOfDay {
		window, ok := cond.Value.(string)
		if !ok {
			return false
		}
		return inTimeOfDayWindow(event.Timestamp, window)
	}

	value := eventField(event, cond.Field)
	if value == nil {
		return false
	}

	switch cond.Operator {
	case schema.OpEq:
		return fmt.Sprintf("%v", value) == fmt.Sprintf("%v", cond.Value)
	case schema.OpNe:
		return fmt.Sprintf("%v", value) != fmt.Sprintf("%v", cond.Value)
	case schema.OpGt, schema.OpGte, schema.OpLt, schema.OpLte:
		v, ok1 := toFloat64(value)
		want, ok2 := toFloat64(cond.Value)
		if !ok1 || !ok2 {
			return false
		}
		switch cond.Operator {
		case schema.OpGt:
			return v > want
		case schema.OpGte:
			return v >= want
		case schema.OpLt:
			return v < want
		case schema.OpLte:
			return v <= want
		}
	case schema.OpIn:
		got := fmt.Sprintf("%v", value)
		switch vals := cond.Value.(type) {
		case []string:
			for _, v := range vals {
				if got == v {
					return true
				}
			}
		case []any:
			for _, v := range vals {
				if got == fmt.Sprintf("%v", v) {
					return true
				}
			}
		}
		return false
	}
	return false
}

// inTimeOfDayWindow reports whether ts falls inside an "HH:MM-HH:MM" window.
// Windows crossing midnight ("22:00-06:00") are supported.
func inTimeOfDayWindow(ts time.Time, window string) bool {
	parts := strings.SplitN(window, "-", 2)
	if len(parts) != 2 {
		return false
	}

	start, ok1 := parseMinuteOfDay(parts[0])
	end, ok2 := parseMinuteOfDay(parts[1])
	if !ok1 || !ok2 {
		return false
	}

	minute := ts.Hour()*60 + ts.Minute()

	if start <= end {
		return minute >= start && minute < end
	}
	// Window crosses midnight
	return minute >= start || minute < end
}

func parseMinuteOfDay(s string) (int, bool) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case schema.Severity:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
