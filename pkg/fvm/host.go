package fvm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrDuplicateHost is returned when a host function name is registered twice.
var ErrDuplicateHost = errors.New("fvm: host function already registered")

// HostFunc is native code callable from a program through HOST.
type HostFunc func(ctx context.Context, args []*Value) (*Value, error)

// HostFunction describes a registered native function.
type HostFunction struct {
	Name  string
	Arity int
	Fn    HostFunc
}

// Registry holds the host functions a program may be compiled against.
// Programs bind a snapshot at compile time, later registrations do not
// affect already compiled modules.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]*HostFunction
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]*HostFunction)}
}

// Register adds fn. Names are unique.
func (r *Registry) Register(fn HostFunction) error {
	if fn.Name == "" {
		return errors.New("fvm: host function name is empty")
	}
	if fn.Fn == nil {
		return fmt.Errorf("fvm: host function %s has no implementation", fn.Name)
	}
	if fn.Arity < 0 {
		return fmt.Errorf("fvm: host function %s has negative arity", fn.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[fn.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHost, fn.Name)
	}
	f := fn
	r.funcs[fn.Name] = &f
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(fn HostFunction) {
	if err := r.Register(fn); err != nil {
		panic(err)
	}
}

// Lookup finds a host function by name.
func (r *Registry) Lookup(name string) (*HostFunction, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
