package schedule

import (
	"context"
	"sync"

	"github.com/permsweep/permsweep/errors"
)

// HandlerFunc runs when a registration for its name comes due
type HandlerFunc func(ctx context.Context) error

// Registry maps handler names to their functions. Registration happens
// at daemon startup; dispatch looks names up at tick time so a row for
// an unknown handler is an error, not a panic.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty handler registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler function to a name
func (r *Registry) Register(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// Get looks up a handler by name
func (r *Registry) Get(name string) (HandlerFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	if !ok {
		return nil, errors.Newf("no handler registered for %q", name)
	}
	return fn, nil
}
