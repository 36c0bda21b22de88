package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"

	wpsync "github.com/hyperengineering/waypoint/internal/sync"
)

// Outcome is what applying a single action produced. Both fields are nil
// for a no-op (unresolved target, already deleted, empty patch).
type Outcome struct {
	Mapping  *wpsync.IDMapping
	Conflict *wpsync.SyncConflict
}

// EntityHandler applies actions for one entity kind.
type EntityHandler interface {
	// Entity returns the entity kind this handler handles (e.g., "place").
	Entity() wpsync.EntityType

	// Apply executes one action for userID. A *RejectError marks the action
	// as refused; any other error is reported as an internal failure.
	Apply(ctx context.Context, userID string, action wpsync.Action) (Outcome, error)
}

// RejectError refuses a single action without affecting the rest of the batch.
type RejectError struct {
	Code    string
	Message string
}

// Error implements the error interface.
func (e *RejectError) Error() string {
	return e.Code + ": " + e.Message
}

func reject(code, format string, args ...any) error {
	return &RejectError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Registry maps entity kinds to their handlers. Each Processor owns one.
type Registry struct {
	mu       sync.RWMutex
	handlers map[wpsync.EntityType]EntityHandler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[wpsync.EntityType]EntityHandler)}
}

// Register adds a handler.
// Panics if a handler for the same entity kind is already registered.
func (r *Registry) Register(h EntityHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := h.Entity()
	if _, exists := r.handlers[t]; exists {
		panic("entity handler already registered: " + string(t))
	}
	r.handlers[t] = h
}

// Get returns the handler for the entity kind.
func (r *Registry) Get(t wpsync.EntityType) (EntityHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[t]
	return h, ok
}

// Entities returns the registered entity kinds, sorted.
func (r *Registry) Entities() []wpsync.EntityType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]wpsync.EntityType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
