package schema

import (
	"time"

	"github.com/google/uuid"
)

// ResponseAction identifies a side effect a rule can request.
type ResponseAction string

const (
	ActionBlockTransaction ResponseAction = "block_transaction"
	ActionSendAlert        ResponseAction = "send_alert"
	ActionFlagAccount      ResponseAction = "flag_account"
	ActionRequireMFA       ResponseAction = "require_mfa"
	ActionNotifyTeam       ResponseAction = "notify_team"
)

// ConditionOperator is the comparison applied by a rule condition.
type ConditionOperator string

const (
	OpEq        ConditionOperator = "eq"
	OpNe        ConditionOperator = "ne"
	OpGt        ConditionOperator = "gt"
	OpGte       ConditionOperator = "gte"
	OpLt        ConditionOperator = "lt"
	OpLte       ConditionOperator = "lte"
	OpIn        ConditionOperator = "in"
	OpTimeOfDay ConditionOperator = "time_of_day"
)

// Condition is a single predicate over an event field. All conditions on a
// rule must hold for the rule to match (AND semantics).
//
// Field addresses either a top-level event attribute (risk_score,
// confidence_score, severity, source, transaction_id, correlation_key) or a
// key in the event's details map.
//
// For time_of_day, Value is "HH:MM-HH:MM"; windows crossing midnight are
// supported ("22:00-06:00").
type Condition struct {
	Field    string            `json:"field" yaml:"field"`
	Operator ConditionOperator `json:"operator" yaml:"operator"`
	Value    any               `json:"value" yaml:"value"`
}

// ResponseRule defines an automated response to matching events.
// Rules are authored externally; the engine only reads definitions and keeps
// firing bookkeeping (cooldown, hourly counters) in its own state.
type ResponseRule struct {
	ID                   string           `json:"id" yaml:"id"`
	Name                 string           `json:"name" yaml:"name"`
	EventTypes           []EventType      `json:"event_types" yaml:"event_types"`
	MinSeverity          Severity         `json:"min_severity" yaml:"min_severity"`
	Conditions           []Condition      `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Actions              []ResponseAction `json:"actions" yaml:"actions"`
	Enabled              bool             `json:"enabled" yaml:"enabled"`
	Priority             int              `json:"priority" yaml:"priority"` // lower fires first
	Cooldown             time.Duration    `json:"cooldown" yaml:"cooldown"`
	MaxExecutionsPerHour int              `json:"max_executions_per_hour" yaml:"max_executions_per_hour"`
}

// MatchesType reports whether the rule's event-type set contains t.
func (r *ResponseRule) MatchesType(t EventType) bool {
	for _, et := range r.EventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// ResponseExecution records the outcome of one action of one rule firing.
// Records are append-only and never mutated after creation.
type ResponseExecution struct {
	ExecutionID uuid.UUID      `json:"execution_id"`
	EventID     uuid.UUID      `json:"event_id"`
	RuleID      string         `json:"rule_id"`
	Action      ResponseAction `json:"action"`
	ExecutedAt  time.Time      `json:"executed_at"`
	Success     bool           `json:"success"`
	Error       string         `json:"error,omitempty"`
	Duration    time.Duration  `json:"duration"`
}

// EventBatch groups events for micro-batched processing and replay.
type EventBatch struct {
	BatchID   uuid.UUID `json:"batch_id"`
	Events    []*Event  `json:"events"`
	CreatedAt time.Time `json:"created_at"`
	Priority  Severity  `json:"priority"` // highest severity among members
}
