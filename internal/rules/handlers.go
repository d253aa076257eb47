package rules

import (
	"context"
	"log/slog"
	"sync"

	"fraudsentry/internal/schema"
)

// ActionHandler performs the side effect for one response action. The actual
// work (blocking a transaction, paging a team) is delegated to external
// systems; handlers registered here are the integration points.
type ActionHandler func(ctx context.Context, event *schema.Event, rule *schema.ResponseRule) error

// HandlerRegistry maps response actions to their handlers, with an explicit
// default fallback for unregistered actions.
type HandlerRegistry struct {
	handlers map[schema.ResponseAction]ActionHandler
	fallback ActionHandler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates a registry whose default handler only logs the
// requested action.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[schema.ResponseAction]ActionHandler),
		fallback: func(_ context.Context, event *schema.Event, rule *schema.ResponseRule) error {
			slog.Warn("no handler registered for action, using default",
				"rule_id", rule.ID,
				"event_id", event.EventID)
			return nil
		},
	}
}

// Register installs a handler for an action type, replacing any previous one.
func (r *HandlerRegistry) Register(action schema.ResponseAction, handler ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[action] = handler
	slog.Info("registered action handler", "action", action)
}

// SetFallback replaces the default handler.
func (r *HandlerRegistry) SetFallback(handler ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = handler
}

// Get returns the handler for an action, falling back to the default.
func (r *HandlerRegistry) Get(action schema.ResponseAction) ActionHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[action]; ok {
		return h
	}
	return r.fallback
}
