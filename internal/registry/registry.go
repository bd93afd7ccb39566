// Package registry maps operation identifiers to job handlers.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/media-job-server/internal/job"
)

// ErrUnknownOperation is returned by Lookup for unregistered operations.
var ErrUnknownOperation = errors.New("no handler registered")

// Registry is safe for concurrent lookup after registration.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]job.Handler
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]job.Handler)}
}

// Register binds op to h. Registering an operation twice is an error.
func (r *Registry) Register(op string, h job.Handler) error {
	if op == "" {
		return errors.New("operation is required")
	}
	if h == nil {
		return fmt.Errorf("handler for %q is nil", op)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[op]; exists {
		return fmt.Errorf("handler for %q already registered", op)
	}
	r.handlers[op] = h
	return nil
}

// MustRegister is Register for wiring code; it panics on error.
func (r *Registry) MustRegister(op string, h job.Handler) {
	if err := r.Register(op, h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler bound to op.
func (r *Registry) Lookup(op string) (job.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[op]
	if !ok {
		return nil, fmt.Errorf("%w for %q", ErrUnknownOperation, op)
	}
	return h, nil
}

// Operations lists the registered operation identifiers in sorted order.
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops := make([]string, 0, len(r.handlers))
	for op := range r.handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}
