// Package rules implements the automated-response rule engine: type and
// severity filtering, AND-semantics condition matching, cooldown and hourly
// rate limiting, and action dispatch through a handler registry.
package rules

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fraudsentry/internal/schema"
)

var (
	// ErrRuleExists is returned when registering a rule with a taken ID.
	ErrRuleExists = errors.New("rule id already registered")
	// ErrRuleNotFound is returned when removing an unknown rule.
	ErrRuleNotFound = errors.New("rule not found")
	// ErrRuleInvalid is returned for rules missing required fields.
	ErrRuleInvalid = errors.New("invalid rule definition")
)

// ruleState is the engine-owned firing bookkeeping for one rule. The rule
// definition itself is read-only; two workers matching the same rule
// serialize on this state's lock so a firing is claimed exactly once.
type ruleState struct {
	mu            sync.Mutex
	lastExecution time.Time
	hourCounts    map[string]int // keyed by hour bucket "2006-01-02T15"
}

// EngineConfig configures the rule engine.
type EngineConfig struct {
	// HistorySize bounds the in-memory ring of recent executions.
	HistorySize int
}

// DefaultEngineConfig returns default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		HistorySize: 1000,
	}
}

// Engine evaluates response rules and dispatches their actions.
type Engine struct {
	config   EngineConfig
	registry *HandlerRegistry

	rules  map[string]*schema.ResponseRule
	states map[string]*ruleState
	mu     sync.RWMutex

	history   []schema.ResponseExecution
	histIdx   int
	histCount int
	histMu    sync.Mutex

	// Metrics
	evaluations   uint64
	firings       uint64
	actionsOK     uint64
	actionsFailed uint64
	throttled     uint64

	actionCounts map[schema.ResponseAction]*uint64
	countsMu     sync.RWMutex
}

// NewEngine creates a rule engine dispatching through registry.
func NewEngine(config EngineConfig, registry *HandlerRegistry) *Engine {
	if config.HistorySize <= 0 {
		config.HistorySize = DefaultEngineConfig().HistorySize
	}
	if registry == nil {
		registry = NewHandlerRegistry()
	}
	return &Engine{
		config:       config,
		registry:     registry,
		rules:        make(map[string]*schema.ResponseRule),
		states:       make(map[string]*ruleState),
		history:      make([]schema.ResponseExecution, config.HistorySize),
		actionCounts: make(map[schema.ResponseAction]*uint64),
	}
}

// AddRule registers a response rule.
func (e *Engine) AddRule(rule *schema.ResponseRule) error {
	if rule == nil || rule.ID == "" || len(rule.EventTypes) == 0 || len(rule.Actions) == 0 {
		return ErrRuleInvalid
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.rules[rule.ID]; ok {
		return ErrRuleExists
	}

	e.rules[rule.ID] = rule
	e.states[rule.ID] = &ruleState{
		hourCounts: make(map[string]int),
	}

	slog.Info("added response rule",
		"rule_id", rule.ID,
		"name", rule.Name,
		"priority", rule.Priority)
	return nil
}

// RemoveRule removes a response rule and its bookkeeping.
func (e *Engine) RemoveRule(ruleID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.rules[ruleID]; !ok {
		return ErrRuleNotFound
	}

	delete(e.rules, ruleID)
	delete(e.states, ruleID)
	return nil
}

// Rules returns a snapshot of the registered rules.
func (e *Engine) Rules() []*schema.ResponseRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*schema.ResponseRule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	return out
}

// Evaluate returns the enabled rules matching the event, ordered by
// ascending priority. It is a pure function of the event and the current
// rule-set snapshot; no engine state is mutated beyond a counter.
func (e *Engine) Evaluate(event *schema.Event) []*schema.ResponseRule {
	atomic.AddUint64(&e.evaluations, 1)

	e.mu.RLock()
	candidates := make([]*schema.ResponseRule, 0, len(e.rules))
	for _, rule := range e.rules {
		if rule.Enabled {
			candidates = append(candidates, rule)
		}
	}
	e.mu.RUnlock()

	matched := candidates[:0]
	for _, rule := range candidates {
		if !rule.MatchesType(event.Type) {
			continue
		}
		if event.Severity < rule.MinSeverity {
			continue
		}
		if !e.conditionsHold(event, rule) {
			continue
		}
		matched = append(matched, rule)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority < matched[j].Priority
	})
	return matched
}

func (e *Engine) conditionsHold(event *schema.Event, rule *schema.ResponseRule) bool {
	for _, cond := range rule.Conditions {
		if !evalCondition(event, cond) {
			return false
		}
	}
	return true
}

// CanExecute reports whether the rule is currently permitted to fire: the
// cooldown has elapsed and the current hour bucket is under its cap.
func (e *Engine) CanExecute(rule *schema.ResponseRule) bool {
	state := e.stateFor(rule.ID)
	if state == nil {
		return false
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	return e.canExecuteLocked(rule, state, time.Now())
}

func (e *Engine) canExecuteLocked(rule *schema.ResponseRule, state *ruleState, now time.Time) bool {
	if rule.Cooldown > 0 && !state.lastExecution.IsZero() {
		if now.Sub(state.lastExecution) < rule.Cooldown {
			return false
		}
	}

	if rule.MaxExecutionsPerHour > 0 {
		if state.hourCounts[hourBucket(now)] >= rule.MaxExecutionsPerHour {
			return false
		}
	}
	return true
}

// Execute fires the rule for the event: it atomically claims the firing
// (cooldown and hourly counter update exactly once, under the rule's lock),
// then runs every action independently. One action's failure never aborts
// the remaining actions. Returns the execution records, or nil if the rule
// was throttled by a concurrent firing.
func (e *Engine) Execute(ctx context.Context, event *schema.Event, rule *schema.ResponseRule) []schema.ResponseExecution {
	state := e.stateFor(rule.ID)
	if state == nil {
		return nil
	}

	now := time.Now()

	// Claim the firing. Re-checking under the lock prevents two workers
	// holding matching events from both firing inside the cooldown.
	state.mu.Lock()
	if !e.canExecuteLocked(rule, state, now) {
		state.mu.Unlock()
		atomic.AddUint64(&e.throttled, 1)
		return nil
	}
	state.lastExecution = now
	bucket := hourBucket(now)
	state.hourCounts[bucket]++
	// Drop stale hour buckets so the map stays bounded.
	for k := range state.hourCounts {
		if k != bucket {
			delete(state.hourCounts, k)
		}
	}
	state.mu.Unlock()

	atomic.AddUint64(&e.firings, 1)

	executions := make([]schema.ResponseExecution, 0, len(rule.Actions))
	for _, action := range rule.Actions {
		executions = append(executions, e.runAction(ctx, event, rule, action))
	}
	return executions
}

func (e *Engine) runAction(ctx context.Context, event *schema.Event, rule *schema.ResponseRule, action schema.ResponseAction) schema.ResponseExecution {
	start := time.Now()
	handler := e.registry.Get(action)

	exec := schema.ResponseExecution{
		ExecutionID: uuid.New(),
		EventID:     event.EventID,
		RuleID:      rule.ID,
		Action:      action,
		ExecutedAt:  start,
		Success:     true,
	}

	if err := handler(ctx, event, rule); err != nil {
		exec.Success = false
		exec.Error = err.Error()
		atomic.AddUint64(&e.actionsFailed, 1)
		slog.Error("action handler failed",
			"rule_id", rule.ID,
			"action", action,
			"event_id", event.EventID,
			"error", err)
	} else {
		atomic.AddUint64(&e.actionsOK, 1)
		e.countAction(action)
	}

	exec.Duration = time.Since(start)
	e.record(exec)
	return exec
}

func (e *Engine) countAction(action schema.ResponseAction) {
	e.countsMu.RLock()
	counter, ok := e.actionCounts[action]
	e.countsMu.RUnlock()

	if !ok {
		e.countsMu.Lock()
		if counter, ok = e.actionCounts[action]; !ok {
			counter = new(uint64)
			e.actionCounts[action] = counter
		}
		e.countsMu.Unlock()
	}
	atomic.AddUint64(counter, 1)
}

func (e *Engine) stateFor(ruleID string) *ruleState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.states[ruleID]
}

// record appends an execution to the bounded history ring.
func (e *Engine) record(exec schema.ResponseExecution) {
	e.histMu.Lock()
	defer e.histMu.Unlock()

	e.history[e.histIdx] = exec
	e.histIdx = (e.histIdx + 1) % len(e.history)
	if e.histCount < len(e.history) {
		e.histCount++
	}
}

// RecentExecutions returns up to n most recent execution records, newest
// first.
func (e *Engine) RecentExecutions(n int) []schema.ResponseExecution {
	e.histMu.Lock()
	defer e.histMu.Unlock()

	if n <= 0 || n > e.histCount {
		n = e.histCount
	}

	out := make([]schema.ResponseExecution, 0, n)
	for i := 0; i < n; i++ {
		idx := (e.histIdx - 1 - i + len(e.history)*2) % len(e.history)
		out = append(out, e.history[idx])
	}
	return out
}

// hourBucket formats the hour bucket key used by hourly rate limiting.
func hourBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02T15")
}

// Metrics returns rule engine statistics, including per-action success
// counts (e.g. blocked_transactions derives from the block_transaction
// counter).
func (e *Engine) Metrics() EngineMetrics {
	e.countsMu.RLock()
	actions := make(map[schema.ResponseAction]uint64, len(e.actionCounts))
	for a, c := range e.actionCounts {
		actions[a] = atomic.LoadUint64(c)
	}
	e.countsMu.RUnlock()

	e.mu.RLock()
	ruleCount := len(e.rules)
	e.mu.RUnlock()

	return EngineMetrics{
		Rules:         ruleCount,
		Evaluations:   atomic.LoadUint64(&e.evaluations),
		Firings:       atomic.LoadUint64(&e.firings),
		ActionsOK:     atomic.LoadUint64(&e.actionsOK),
		ActionsFailed: atomic.LoadUint64(&e.actionsFailed),
		Throttled:     atomic.LoadUint64(&e.throttled),
		ActionCounts:  actions,
	}
}

// EngineMetrics holds rule engine statistics.
type EngineMetrics struct {
	Rules         int                              `json:"rules"`
	Evaluations   uint64                           `json:"evaluations"`
	Firings       uint64                           `json:"firings"`
	ActionsOK     uint64                           `json:"actions_ok"`
	ActionsFailed uint64                           `json:"actions_failed"`
	Throttled     uint64                           `json:"throttled"`
	ActionCounts  map[schema.ResponseAction]uint64 `json:"action_counts"`
}
