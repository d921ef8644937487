package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xraph/taskcrew"
)

// Wildcard is the reserved topic that observes every worker type. It can
// never be registered as a worker type.
const Wildcard = "all"

// Handler executes one attempt of a work unit.
type Handler interface {
	Handle(ctx context.Context, call *Call) (map[string]any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call *Call) (map[string]any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, call *Call) (map[string]any, error) {
	return f(ctx, call)
}

// Registry maps worker types to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds h to workerType.
func (r *Registry) Register(workerType string, h Handler) error {
	if workerType == "" || workerType == Wildcard {
		return fmt.Errorf("%w: %q", taskcrew.ErrInvalidWorkerType, workerType)
	}
	if h == nil {
		return fmt.Errorf("%w: nil handler for %q", taskcrew.ErrInvalidInput, workerType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[workerType]; exists {
		return fmt.Errorf("%w: %q", taskcrew.ErrDuplicateRegistration, workerType)
	}
	r.handlers[workerType] = h
	return nil
}

// RegisterTyped registers a handler whose input is decoded into T. The
// unit input map is round-tripped through JSON, so T uses json tags. A
// decode failure is non-retryable.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterTyped[T any](r *Registry, workerType string, fn func(ctx context.Context, call *Call, in T) (map[string]any, error)) error {
	return r.Register(workerType, HandlerFunc(func(ctx context.Context, call *Call) (map[string]any, error) {
		var in T
		if input := call.Input(); len(input) > 0 {
			raw, err := json.Marshal(input)
			if err != nil {
				return nil, taskcrew.NonRetryable(fmt.Errorf("encode input for %q: %w", workerType, err))
			}
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, taskcrew.NonRetryable(fmt.Errorf("decode input for %q: %w", workerType, err))
			}
		}
		return fn(ctx, call, in)
	}))
}

// Resolve returns the handler for workerType.
func (r *Registry) Resolve(workerType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[workerType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", taskcrew.ErrUnknownWorkerType, workerType)
	}
	return h, nil
}

// Has reports whether workerType has a handler.
func (r *Registry) Has(workerType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[workerType]
	return ok
}

// WorkerTypes returns every registered worker type, sorted.
func (r *Registry) WorkerTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for wt := range r.handlers {
		types = append(types, wt)
	}
	sort.Strings(types)
	return types
}
